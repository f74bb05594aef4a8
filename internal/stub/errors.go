package stub

import "fmt"

// LoaderError reports that PE or Mach-O validation rejected the payload
// (malformed header, unsupported relocation type, out-of-bounds section,
// and so on — spec.md §7's LoaderRejected).
type LoaderError struct {
	Reason string
}

func (e *LoaderError) Error() string { return "loader rejected payload: " + e.Reason }

// ImportError reports a Windows import-resolution failure, carrying the
// dll!symbol pair spec.md §7 requires.
type ImportError struct {
	DLL    string
	Symbol string
	Cause  error
}

func (e *ImportError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("import resolution failed: %s: %v", e.DLL, e.Cause)
	}
	return fmt.Sprintf("import resolution failed: %s!%s: %v", e.DLL, e.Symbol, e.Cause)
}

func (e *ImportError) Unwrap() error { return e.Cause }

// SyscallError reports that an OS call the stub issued failed.
type SyscallError struct {
	Op    string
	Errno error
}

func (e *SyscallError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Errno) }
func (e *SyscallError) Unwrap() error { return e.Errno }

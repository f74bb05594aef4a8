package stub

import (
	"fmt"
	"os"
)

// Run is the stub's entire program: locate self, extract the payload,
// hand it to the platform loader. It prints the one line of diagnostic
// text spec.md §6/§7 permits and returns the process exit code to use —
// the caller's main() is expected to do nothing but
// `os.Exit(stub.Run(os.Args, os.Environ()))`.
//
// On Linux, a successful run never returns from inside LoadAndRun at all
// (execveat replaces the process); Run's return value only matters on the
// failure paths and on Windows/macOS, where LoadAndRun itself calls
// os.Exit once the payload's entry point returns.
func Run(argv, environ []string) int {
	self, err := LocateSelf()
	if err != nil {
		fmt.Fprintln(os.Stderr, "SFX stub error")
		return 1
	}
	defer self.Close()

	payload, err := ExtractPayload(self)
	if err != nil {
		fmt.Fprintln(os.Stderr, "SFX stub error")
		return 1
	}

	ctx := NewContext(argv, environ)
	if err := LoadAndRun(payload, ctx); err != nil {
		fmt.Fprintln(os.Stderr, "SFX stub error")
		return 1
	}
	return 0
}

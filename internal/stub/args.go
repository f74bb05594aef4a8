// Package stub implements the extraction-and-run half of the SFX: locating
// the stub's own trailer, decompressing the payload it points at, and
// handing the resulting bytes to the platform-appropriate in-memory loader.
package stub

// Context carries the forwarded process identity across the handoff to the
// payload, the way flapc's CommandContext threads a small value type
// through its CLI dispatch instead of reading globals at each call site.
type Context struct {
	// SFXPath is argv[0] as the user invoked the SFX, not the path used to
	// locate the stub's own bytes (those can differ: /proc/self/exe,
	// a memfd synthetic path, GetModuleFileName, and so on).
	SFXPath string
	// Tail is argv[1:] of the stub's own invocation, forwarded byte-for-byte.
	Tail []string
	// Environ is the ambient environment, passed through unchanged.
	Environ []string
}

// BuildArgv constructs the argv the payload should see: SFXPath followed by
// Tail, exactly as spec.md §4.H requires.
func (c Context) BuildArgv() []string {
	argv := make([]string, 0, len(c.Tail)+1)
	argv = append(argv, c.SFXPath)
	argv = append(argv, c.Tail...)
	return argv
}

// NewContext builds a Context from a raw process argv/environ, the way
// main() on every platform variant receives them.
func NewContext(argv, environ []string) Context {
	var tail []string
	if len(argv) > 1 {
		tail = argv[1:]
	}
	sfxPath := ""
	if len(argv) > 0 {
		sfxPath = argv[0]
	}
	return Context{SFXPath: sfxPath, Tail: tail, Environ: environ}
}

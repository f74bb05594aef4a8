// Command stub is the self-extracting loader prepended to every packed
// executable. It has no flags of its own: argv[1:] and the environment are
// forwarded verbatim to the payload, as spec.md §6 requires.
package main

import (
	"os"

	"github.com/xyproto/sfxpack/internal/stub"
)

func main() {
	os.Exit(stub.Run(os.Args, os.Environ()))
}

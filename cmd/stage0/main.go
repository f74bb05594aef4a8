// Command stage0 is the outer bootstrap of a two-stage SFX: a minimal
// loader that inflates a wrapped stage-1 SFX out of its own trailer and
// re-execs it. It is only ever used on the musl Linux target, where
// post-build executable compression can't be applied to the stage-1 stub
// itself (spec.md §4.G).
package main

import (
	"os"

	"github.com/xyproto/sfxpack/internal/stage0"
)

func main() {
	if err := stage0.Run(os.Args, os.Environ()); err != nil {
		// Stage-0 writes nothing on failure — no format machinery, per
		// spec.md §4.G/§7 — it only ever reaches this line on error, since
		// success replaces the process inside Run.
		os.Exit(1)
	}
}

//go:build linux

package stub

// LocateSelf opens the running binary's own bytes on Linux.
//
// It opens /proc/self/exe directly rather than readlink-then-open: when the
// process was started from an anonymous memory file (memfd, used by the
// two-stage re-exec and by this stub's own execveat handoff), the symlink
// target is a synthetic string like "/memfd:s (deleted)" that is not a
// valid filesystem path. Opening the symlink itself still works because the
// kernel resolves it to the underlying object, not to the printed name.
func LocateSelf() (SelfImage, error) {
	return openSelfImage("/proc/self/exe")
}

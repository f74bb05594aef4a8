//go:build windows

package stub

import "golang.org/x/sys/windows"

// LocateSelf opens the running binary's own bytes on Windows, using
// GetModuleFileName(0, ...) — the handle to the current process's main
// module — rather than os.Executable, so the resolved path is exactly what
// the OS loader used, the same guarantee spec.md §4.F asks for.
func LocateSelf() (SelfImage, error) {
	buf := make([]uint16, windows.MAX_PATH)
	n, err := windows.GetModuleFileName(0, &buf[0], uint32(len(buf)))
	if err != nil {
		return nil, err
	}
	path := windows.UTF16ToString(buf[:n])
	return openSelfImage(path)
}

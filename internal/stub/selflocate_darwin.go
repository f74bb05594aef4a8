//go:build darwin

package stub

import "os"

// LocateSelf opens the running binary's own bytes on macOS, using the OS
// query that returns the launch path (os.Executable wraps
// _NSGetExecutablePath) and then opening that path.
func LocateSelf() (SelfImage, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return openSelfImage(path)
}

package stub

import (
	"io"
	"os"
)

// SelfImage is the handle the self-locator hands back: the stub's own
// bytes, readable at an offset and queryable for length.
type SelfImage interface {
	io.ReaderAt
	Size() (int64, error)
	Close() error
}

// fileImage adapts *os.File to SelfImage.
type fileImage struct {
	f *os.File
}

func (fi *fileImage) ReadAt(p []byte, off int64) (int, error) { return fi.f.ReadAt(p, off) }
func (fi *fileImage) Close() error                             { return fi.f.Close() }

func (fi *fileImage) Size() (int64, error) {
	st, err := fi.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// openSelfImage opens path (the platform-appropriate "my own bytes"
// location, already resolved by the caller) as a SelfImage.
func openSelfImage(path string) (SelfImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &fileImage{f: f}, nil
}

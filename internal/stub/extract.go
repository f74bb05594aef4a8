package stub

import (
	"bytes"

	"github.com/xyproto/sfxpack/internal/container"
	"github.com/xyproto/sfxpack/internal/decompress"
)

// ExtractPayload locates and decompresses this SFX's payload: it reads the
// trailer from the tail of self, bounds the compressed region, and streams
// it through the LZMA2/XZ decompressor into a fresh buffer. This is the
// F → A → B leg of spec.md §2's data flow, shared by every platform's
// main().
func ExtractPayload(self SelfImage) ([]byte, error) {
	fileSize, err := self.Size()
	if err != nil {
		return nil, &SyscallError{Op: "stat self", Errno: err}
	}

	tail := make([]byte, container.TrailerSize)
	if fileSize < int64(len(tail)) {
		tail = tail[:fileSize]
	}
	if _, err := self.ReadAt(tail, fileSize-int64(len(tail))); err != nil {
		return nil, &SyscallError{Op: "read trailer", Errno: err}
	}

	start, end, err := container.Locate(fileSize, tail)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := decompress.Stream(self, start, end-start, &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Package decompress streams an XZ-framed LZMA2 payload from a bounded
// byte range into a growable sink, without ever materializing the whole
// compressed input at once.
package decompress

import (
	"bytes"
	"fmt"
	"io"

	uxz "github.com/ulikunitz/xz"
	"github.com/xi2/xz"
)

// Error wraps a failure from the underlying XZ/LZMA2 stream decoder.
type Error struct {
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("decompress: %v", e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Stream decompresses the XZ stream found in src at [off, off+n) into dst.
// src only needs to support ReadAt over that range; Stream never reads the
// full range into memory up front, it is pulled through xz.Reader's
// internal dictionary window one block at a time.
func Stream(src io.ReaderAt, off, n int64, dst *bytes.Buffer) error {
	section := io.NewSectionReader(src, off, n)

	r, err := xz.NewReader(section, 0)
	if err != nil {
		return &Error{Err: err}
	}

	if _, err := io.Copy(dst, r); err != nil {
		return &Error{Err: err}
	}
	return nil
}

// StreamBytes is a convenience wrapper over Stream for callers that already
// hold the compressed region in memory (e.g. the packer's own --verify
// self-check, which has the bytes on hand from the write it just did).
func StreamBytes(compressed []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := Stream(bytes.NewReader(compressed), 0, int64(len(compressed)), &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// StreamReader decompresses the XZ stream read from r into dst. Unlike
// Stream, r need not support ReadAt — the packer's own --verify self-check
// uses this over a bytes.Reader wrapping the image it just wrote.
func StreamReader(r io.Reader, dst *bytes.Buffer) error {
	xr, err := xz.NewReader(r, 0)
	if err != nil {
		return &Error{Err: err}
	}
	if _, err := io.Copy(dst, xr); err != nil {
		return &Error{Err: err}
	}
	return nil
}

const (
	minDictCap = 1 << 12 // lzma2's minimum dictionary capacity
	maxDictCap = 64 << 20
)

// dictCapFor picks a dictionary size no larger than the payload (rounded
// up to lzma2's minimum), capped at 64MiB, so small payloads don't pay for
// a dictionary they can never fill.
func dictCapFor(payloadLen int) int {
	if payloadLen <= minDictCap {
		return minDictCap
	}
	if payloadLen >= maxDictCap {
		return maxDictCap
	}
	return payloadLen
}

// Encode compresses payload into a single-filter (LZMA2 only, no BCJ) XZ
// stream, using github.com/ulikunitz/xz — the pure-Go encoder side of the
// same codec xi2/xz decodes. Restricting the writer to its default filter
// chain is what keeps the output decodable by both this package's own
// Stream/StreamReader and by any off-the-shelf `xz -d`, per spec.md §4.B's
// compatibility contract.
func Encode(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	cfg := uxz.WriterConfig{DictCap: dictCapFor(len(payload))}
	w, err := cfg.NewWriter(&buf)
	if err != nil {
		return nil, &Error{Err: err}
	}
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return nil, &Error{Err: err}
	}
	if err := w.Close(); err != nil {
		return nil, &Error{Err: err}
	}
	return buf.Bytes(), nil
}

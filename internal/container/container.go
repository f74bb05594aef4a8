// Package container implements the SFX trailer codec: a fixed 16-byte
// footer that tells the stub where the compressed payload region sits
// inside the rest of the file.
package container

import (
	"encoding/binary"
	"fmt"
)

// TrailerSize is the fixed size, in bytes, of the stage-1 trailer.
const TrailerSize = 16

// Magic is the fixed constant identifying a stage-1 SFX trailer ("SFXLZMA!").
const Magic uint64 = 0x5346584C5A4D4121

// Kind classifies why a trailer failed to decode.
type Kind int

const (
	// TooSmall means the source was shorter than TrailerSize bytes.
	TooSmall Kind = iota
	// BadMagic means the trailer's magic field didn't match Magic.
	BadMagic
	// BadLength means payload_len was zero or didn't fit inside the source.
	BadLength
)

func (k Kind) String() string {
	switch k {
	case TooSmall:
		return "too small"
	case BadMagic:
		return "bad magic"
	case BadLength:
		return "bad length"
	default:
		return "unknown"
	}
}

// Error reports why ReadTrailer or Locate rejected a trailer.
type Error struct {
	Kind Kind
}

func (e *Error) Error() string {
	return "sfx trailer: " + e.Kind.String()
}

// MakeTrailer encodes payloadLen into a 16-byte trailer: payload_len (u64 LE)
// followed by Magic (u64 LE).
func MakeTrailer(payloadLen uint64) [TrailerSize]byte {
	var out [TrailerSize]byte
	binary.LittleEndian.PutUint64(out[0:8], payloadLen)
	binary.LittleEndian.PutUint64(out[8:16], Magic)
	return out
}

// ReadTrailer decodes the last TrailerSize bytes of tail and returns the
// compressed payload length. tail must be at least TrailerSize bytes; only
// the last TrailerSize bytes are examined.
func ReadTrailer(tail []byte) (payloadLen uint64, err error) {
	if len(tail) < TrailerSize {
		return 0, &Error{Kind: TooSmall}
	}
	t := tail[len(tail)-TrailerSize:]

	payloadLen = binary.LittleEndian.Uint64(t[0:8])
	magic := binary.LittleEndian.Uint64(t[8:16])

	if magic != Magic {
		return 0, &Error{Kind: BadMagic}
	}
	if payloadLen == 0 {
		return 0, &Error{Kind: BadLength}
	}
	return payloadLen, nil
}

// Locate decodes the trailer found at the end of a source of the given
// fileSize and returns the half-open byte range [start, end) of the
// compressed payload region within that source. tail must contain at least
// the final TrailerSize bytes of the source (it may contain more; only the
// last TrailerSize bytes are read).
func Locate(fileSize int64, tail []byte) (start, end int64, err error) {
	payloadLen, err := ReadTrailer(tail)
	if err != nil {
		return 0, 0, err
	}
	if fileSize < TrailerSize || payloadLen > uint64(fileSize-TrailerSize) {
		return 0, 0, &Error{Kind: BadLength}
	}
	end = fileSize - TrailerSize
	start = end - int64(payloadLen)
	return start, end, nil
}

// StubSize returns the length of the stub region given the total file size
// and the decoded payload length, satisfying the invariant
// stub_size + payload_len + TrailerSize == file_size.
func StubSize(fileSize int64, payloadLen uint64) (int64, error) {
	stub := fileSize - int64(payloadLen) - TrailerSize
	if stub < 0 {
		return 0, fmt.Errorf("sfx trailer: negative stub size (file_size=%d payload_len=%d)", fileSize, payloadLen)
	}
	return stub, nil
}

package container

import "encoding/binary"

// Stage0TrailerSize is the fixed size, in bytes, of the stage-0 (outer,
// two-stage) trailer.
const Stage0TrailerSize = 24

// Stage0Magic is the fixed constant identifying a stage-0 trailer ("SFX_ST0!").
const Stage0Magic uint64 = 0x5346585F53543021

// Stage0Trailer describes the raw-deflate region that precedes it: its
// compressed length on disk and the decoded length of the stage-1 SFX it
// unpacks to.
type Stage0Trailer struct {
	CompressedLen   uint64
	UncompressedLen uint64
}

// MakeStage0Trailer encodes t into the 24-byte stage-0 trailer layout:
// compressed_len, uncompressed_len, magic, all u64 LE.
func MakeStage0Trailer(t Stage0Trailer) [Stage0TrailerSize]byte {
	var out [Stage0TrailerSize]byte
	binary.LittleEndian.PutUint64(out[0:8], t.CompressedLen)
	binary.LittleEndian.PutUint64(out[8:16], t.UncompressedLen)
	binary.LittleEndian.PutUint64(out[16:24], Stage0Magic)
	return out
}

// ReadStage0Trailer decodes the last Stage0TrailerSize bytes of tail.
func ReadStage0Trailer(tail []byte) (Stage0Trailer, error) {
	if len(tail) < Stage0TrailerSize {
		return Stage0Trailer{}, &Error{Kind: TooSmall}
	}
	t := tail[len(tail)-Stage0TrailerSize:]

	compressedLen := binary.LittleEndian.Uint64(t[0:8])
	uncompressedLen := binary.LittleEndian.Uint64(t[8:16])
	magic := binary.LittleEndian.Uint64(t[16:24])

	if magic != Stage0Magic {
		return Stage0Trailer{}, &Error{Kind: BadMagic}
	}
	if compressedLen == 0 || uncompressedLen == 0 {
		return Stage0Trailer{}, &Error{Kind: BadLength}
	}
	return Stage0Trailer{CompressedLen: compressedLen, UncompressedLen: uncompressedLen}, nil
}

// LocateStage0 decodes the stage-0 trailer and returns the half-open byte
// range of the compressed stage-1 region within a source of the given size.
func LocateStage0(fileSize int64, tail []byte) (start, end int64, decoded Stage0Trailer, err error) {
	decoded, err = ReadStage0Trailer(tail)
	if err != nil {
		return 0, 0, Stage0Trailer{}, err
	}
	if fileSize < Stage0TrailerSize || decoded.CompressedLen > uint64(fileSize-Stage0TrailerSize) {
		return 0, 0, Stage0Trailer{}, &Error{Kind: BadLength}
	}
	end = fileSize - Stage0TrailerSize
	start = end - int64(decoded.CompressedLen)
	return start, end, decoded, nil
}

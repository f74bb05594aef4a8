package container

import "testing"

// TestTrailerRoundTrip checks decode(encode(n)) == n for a spread of
// payload lengths, matching spec.md's "round-trip for every n in [1, 2^63)"
// invariant across a representative sample.
func TestTrailerRoundTrip(t *testing.T) {
	lens := []uint64{1, 2, 3, 255, 256, 65535, 1 << 20, 1 << 30, 1 << 40}

	for _, n := range lens {
		trailer := MakeTrailer(n)
		got, err := ReadTrailer(trailer[:])
		if err != nil {
			t.Fatalf("ReadTrailer(MakeTrailer(%d)) returned error: %v", n, err)
		}
		if got != n {
			t.Fatalf("round trip mismatch: want %d, got %d", n, got)
		}
	}
}

func TestReadTrailerTooSmall(t *testing.T) {
	for _, n := range []int{0, 1, 8, 15} {
		_, err := ReadTrailer(make([]byte, n))
		var cerr *Error
		if err == nil {
			t.Fatalf("len=%d: expected error, got nil", n)
		}
		if !asError(err, &cerr) || cerr.Kind != TooSmall {
			t.Fatalf("len=%d: expected TooSmall, got %v", n, err)
		}
	}
}

func TestReadTrailerBadMagic(t *testing.T) {
	trailer := MakeTrailer(42)
	trailer[15] ^= 0xFF // flip every bit of the magic field's top byte

	_, err := ReadTrailer(trailer[:])
	var cerr *Error
	if !asError(err, &cerr) || cerr.Kind != BadMagic {
		t.Fatalf("expected BadMagic, got %v", err)
	}
}

func TestReadTrailerBadLength(t *testing.T) {
	trailer := MakeTrailer(1)
	binary := trailer[:]
	// Overwrite payload_len with 0 directly, starting from a valid trailer,
	// to exercise the zero-length decode rule.
	for i := 0; i < 8; i++ {
		binary[i] = 0
	}
	_, err := ReadTrailer(binary)
	var cerr *Error
	if !asError(err, &cerr) || cerr.Kind != BadLength {
		t.Fatalf("expected BadLength for zero payload_len, got %v", err)
	}
}

func TestLocateBounds(t *testing.T) {
	const stubSize = 1000
	const payloadLen = 200
	fileSize := int64(stubSize + payloadLen + TrailerSize)

	trailer := MakeTrailer(payloadLen)
	start, end, err := Locate(fileSize, trailer[:])
	if err != nil {
		t.Fatalf("Locate returned error: %v", err)
	}
	if start != stubSize || end != stubSize+payloadLen {
		t.Fatalf("want [%d,%d), got [%d,%d)", stubSize, stubSize+payloadLen, start, end)
	}
}

func TestLocateRejectsOversizedLength(t *testing.T) {
	fileSize := int64(100)

	// payload_len == file_size
	trailer := MakeTrailer(uint64(fileSize))
	_, _, err := Locate(fileSize, trailer[:])
	var cerr *Error
	if !asError(err, &cerr) || cerr.Kind != BadLength {
		t.Fatalf("payload_len==file_size: expected BadLength, got %v", err)
	}

	// payload_len == file_size - 15
	trailer = MakeTrailer(uint64(fileSize) - 15)
	_, _, err = Locate(fileSize, trailer[:])
	if !asError(err, &cerr) || cerr.Kind != BadLength {
		t.Fatalf("payload_len==file_size-15: expected BadLength, got %v", err)
	}
}

func TestTruncationNeverPanics(t *testing.T) {
	trailer := MakeTrailer(50)
	full := append(make([]byte, 0, TrailerSize), trailer[:]...)

	for cut := 1; cut <= TrailerSize; cut++ {
		truncated := full[:len(full)-cut]
		_, err := ReadTrailer(truncated)
		if err == nil {
			t.Fatalf("cut=%d: expected an error on truncated trailer", cut)
		}
	}
}

func TestStage0RoundTrip(t *testing.T) {
	want := Stage0Trailer{CompressedLen: 4096, UncompressedLen: 65536}
	trailer := MakeStage0Trailer(want)

	got, err := ReadStage0Trailer(trailer[:])
	if err != nil {
		t.Fatalf("ReadStage0Trailer returned error: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: want %+v, got %+v", want, got)
	}
}

func TestStage0RejectsZeroLengths(t *testing.T) {
	trailer := MakeStage0Trailer(Stage0Trailer{CompressedLen: 1, UncompressedLen: 1})
	zeroed := trailer[:]
	for i := 0; i < 8; i++ {
		zeroed[i] = 0 // zero out compressed_len
	}
	_, err := ReadStage0Trailer(zeroed)
	var cerr *Error
	if !asError(err, &cerr) || cerr.Kind != BadLength {
		t.Fatalf("expected BadLength, got %v", err)
	}
}

// asError is a tiny errors.As shim kept local so this test file has no
// extra imports beyond testing.
func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}

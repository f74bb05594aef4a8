package decompress

import (
	"bytes"
	"encoding/base64"
	"testing"
)

// helloWorldXZ is a minimal single-block XZ stream (LZMA2 filter, CRC64
// check) decoding to "Hello\nWorld!\n" — used as a small, self-contained
// fixture so the adapter's streaming path can be exercised without shipping
// a binary test asset.
const helloWorldXZ = "/Td6WFoAAATm1rRGAgAhARYAAAB0L+WjAQAMSGVsbG8KV29ybGQhCgAAAADvLogRnT+WygABJQ1xGcS2H7bzfQEAAAAABFla"

func decodeFixture(t *testing.T) []byte {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(helloWorldXZ)
	if err != nil {
		t.Fatalf("bad test fixture: %v", err)
	}
	return data
}

func TestStreamRoundTrip(t *testing.T) {
	compressed := decodeFixture(t)

	var out bytes.Buffer
	if err := Stream(bytes.NewReader(compressed), 0, int64(len(compressed)), &out); err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}

	want := "Hello\nWorld!\n"
	if out.String() != want {
		t.Fatalf("want %q, got %q", want, out.String())
	}
}

func TestStreamBytesRoundTrip(t *testing.T) {
	compressed := decodeFixture(t)

	got, err := StreamBytes(compressed)
	if err != nil {
		t.Fatalf("StreamBytes returned error: %v", err)
	}
	if string(got) != "Hello\nWorld!\n" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestStreamRejectsCorruptInput(t *testing.T) {
	compressed := decodeFixture(t)
	corrupt := append([]byte(nil), compressed...)
	corrupt[len(corrupt)/2] ^= 0xFF

	var out bytes.Buffer
	err := Stream(bytes.NewReader(corrupt), 0, int64(len(corrupt)), &out)
	if err == nil {
		t.Fatal("expected an error decoding a corrupted XZ stream")
	}
}

func TestEncodeThenStreamBytesRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 500)

	compressed, err := Encode(payload)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}

	got, err := StreamBytes(compressed)
	if err != nil {
		t.Fatalf("StreamBytes(Encode(payload)) returned error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(payload))
	}
}

func TestEncodeEmptyPayload(t *testing.T) {
	compressed, err := Encode(nil)
	if err != nil {
		t.Fatalf("Encode(nil) returned error: %v", err)
	}

	got, err := StreamBytes(compressed)
	if err != nil {
		t.Fatalf("StreamBytes returned error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want empty output, got %d bytes", len(got))
	}
}

func TestStreamBoundsToGivenRange(t *testing.T) {
	compressed := decodeFixture(t)

	// Pad the source with junk on both sides; Stream must only look at the
	// [off, off+n) window it was given.
	padded := append([]byte("junk-prefix"), compressed...)
	padded = append(padded, []byte("junk-suffix")...)

	var out bytes.Buffer
	off := int64(len("junk-prefix"))
	err := Stream(bytes.NewReader(padded), off, int64(len(compressed)), &out)
	if err != nil {
		t.Fatalf("Stream returned error: %v", err)
	}
	if out.String() != "Hello\nWorld!\n" {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

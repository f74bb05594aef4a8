package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/xyproto/sfxpack/internal/container"
	"github.com/xyproto/sfxpack/internal/decompress"
	"github.com/xyproto/sfxpack/internal/stage0"
	"github.com/xyproto/sfxpack/internal/target"
)

// fakeStub stands in for a real cross-compiled stub binary: packOne never
// inspects stub bytes, it only concatenates them, so any byte string that
// isn't itself a valid trailer exercises the same code path.
var fakeStub = []byte("#!/bin/sh\necho not a real stub\n")

// fakeStage0 stands in for a real cross-compiled stage0 bootstrap binary,
// for the same reason fakeStub stands in for the stage-1 stub.
var fakeStage0 = []byte("#!/bin/sh\necho not a real stage0 bootstrap\n")

func writeFakeStub(t *testing.T, tg target.Target) string {
	t.Helper()
	return writeFakeBinary(t, fakeStub, envOverrideForTest(tg, "STUB"))
}

func writeFakeStage0(t *testing.T, tg target.Target) string {
	t.Helper()
	return writeFakeBinary(t, fakeStage0, envOverrideForTest(tg, "STAGE0"))
}

func writeFakeBinary(t *testing.T, contents []byte, envVar string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bin")
	if err := os.WriteFile(path, contents, 0755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	t.Setenv(envVar, path)
	return path
}

// envOverrideForTest mirrors buildpipe's own envOverride naming so tests
// can point -target resolution at a fake stub/bootstrap without shelling
// out to the Go toolchain.
func envOverrideForTest(tg target.Target, label string) string {
	name := tg.String()
	out := make([]byte, 0, len(name)+16)
	out = append(out, "SFXPACK_"...)
	out = append(out, label...)
	out = append(out, '_')
	for _, r := range name {
		if r == '-' {
			out = append(out, '_')
		} else if r >= 'a' && r <= 'z' {
			out = append(out, byte(r-'a'+'A'))
		} else {
			out = append(out, byte(r))
		}
	}
	return string(out)
}

func TestPackOneProducesValidContainer(t *testing.T) {
	tg, err := target.Parse("amd64-linux")
	if err != nil {
		t.Fatalf("target.Parse: %v", err)
	}
	writeFakeStub(t, tg)

	payloadDir := t.TempDir()
	payloadPath := filepath.Join(payloadDir, "payload.bin")
	payload := bytes.Repeat([]byte("payload bytes "), 1000)
	if err := os.WriteFile(payloadPath, payload, 0644); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	outPath := filepath.Join(payloadDir, "out.sfx")
	if err := packOne(payloadPath, outPath, tg, packOptions{verify: true}); err != nil {
		t.Fatalf("packOne: %v", err)
	}

	image, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.HasPrefix(image, fakeStub) {
		t.Fatal("output does not start with the stub bytes")
	}

	size := int64(len(image))
	tail := image[size-container.TrailerSize:]
	start, end, err := container.Locate(size, tail)
	if err != nil {
		t.Fatalf("container.Locate: %v", err)
	}
	if start != int64(len(fakeStub)) {
		t.Fatalf("compressed region should start right after the stub, got start=%d", start)
	}

	got, err := decompress.StreamBytes(image[start:end])
	if err != nil {
		t.Fatalf("decompress written payload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("round-tripped payload does not match the original")
	}
}

func TestVerifySFXRejectsTooSmallImage(t *testing.T) {
	// verifySFX operates purely on the in-memory image buffer packOne
	// builds, so this is really just exercising that a too-small image is
	// rejected rather than silently accepted.
	oneStage, err := target.Parse("amd64-linux")
	if err != nil {
		t.Fatalf("target.Parse: %v", err)
	}
	if err := verifySFX(fakeStub[:4], oneStage); err == nil {
		t.Fatal("expected an error verifying a one-stage image smaller than a trailer")
	}

	twoStage, err := target.Parse("amd64-linux-musl")
	if err != nil {
		t.Fatalf("target.Parse: %v", err)
	}
	if err := verifySFX(fakeStub[:4], twoStage); err == nil {
		t.Fatal("expected an error verifying a two-stage image smaller than a stage-0 trailer")
	}
}

// TestPackOneTwoStageWrapsStage1InStage0Container exercises the musl
// two-stage format end to end at the byte level: packOne for
// amd64-linux-musl must produce stage0_bytes || deflate(stage1_sfx) ||
// trailer24 (spec.md §3), not the one-stage layout. It decodes the
// written image exactly as internal/stage0.Run and internal/stub's
// ExtractPayload would, without shelling out to a real cross-compiled
// binary for either stage.
func TestPackOneTwoStageWrapsStage1InStage0Container(t *testing.T) {
	tg, err := target.Parse("amd64-linux-musl")
	if err != nil {
		t.Fatalf("target.Parse: %v", err)
	}
	if !tg.TwoStage() {
		t.Fatal("amd64-linux-musl must report TwoStage() == true")
	}
	writeFakeStub(t, tg)
	writeFakeStage0(t, tg)

	payloadDir := t.TempDir()
	payloadPath := filepath.Join(payloadDir, "payload.bin")
	payload := bytes.Repeat([]byte("musl payload bytes "), 1000)
	if err := os.WriteFile(payloadPath, payload, 0644); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	outPath := filepath.Join(payloadDir, "out.sfx")
	if err := packOne(payloadPath, outPath, tg, packOptions{verify: true}); err != nil {
		t.Fatalf("packOne: %v", err)
	}

	image, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.HasPrefix(image, fakeStage0) {
		t.Fatal("two-stage output does not start with the stage0 bootstrap bytes")
	}

	size := int64(len(image))
	tail := image[size-container.Stage0TrailerSize:]
	start, end, trailer, err := container.LocateStage0(size, tail)
	if err != nil {
		t.Fatalf("container.LocateStage0: %v", err)
	}
	if start != int64(len(fakeStage0)) {
		t.Fatalf("deflated region should start right after the stage0 bootstrap, got start=%d", start)
	}

	stage1 := make([]byte, trailer.UncompressedLen)
	n, err := stage0.Inflate(image[start:end], stage1)
	if err != nil {
		t.Fatalf("stage0.Inflate: %v", err)
	}
	if uint64(n) != trailer.UncompressedLen {
		t.Fatalf("inflated length %d does not match trailer uncompressed_len %d", n, trailer.UncompressedLen)
	}
	stage1 = stage1[:n]

	if !bytes.HasPrefix(stage1, fakeStub) {
		t.Fatal("wrapped stage-1 sfx does not start with the stub bytes")
	}

	stage1Size := int64(len(stage1))
	stage1Tail := stage1[stage1Size-container.TrailerSize:]
	s1Start, s1End, err := container.Locate(stage1Size, stage1Tail)
	if err != nil {
		t.Fatalf("container.Locate on wrapped stage-1 sfx: %v", err)
	}
	got, err := decompress.StreamBytes(stage1[s1Start:s1End])
	if err != nil {
		t.Fatalf("decompress wrapped payload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("round-tripped payload does not match the original")
	}
}

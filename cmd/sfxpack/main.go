// Command sfxpack builds a self-extracting executable from a payload
// binary: it cross-compiles (or reuses a cached) stub for the requested
// target, compresses the payload with an LZMA2-only XZ stream, and writes
// stub + compressed payload + trailer as a single file that never touches
// disk when it runs.
package main

import (
	"bytes"
	"compress/flate"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	env "github.com/xyproto/env/v2"

	"github.com/xyproto/sfxpack/internal/buildpipe"
	"github.com/xyproto/sfxpack/internal/container"
	"github.com/xyproto/sfxpack/internal/decompress"
	"github.com/xyproto/sfxpack/internal/stage0"
	"github.com/xyproto/sfxpack/internal/target"
)

const versionString = "sfxpack 1.0.0"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "sfxpack: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	defaultTarget := env.Str("SFXPACK_TARGET")
	if defaultTarget == "" {
		defaultTarget = target.Default().String()
	}
	defaultOut := env.Str("SFXPACK_OUT")
	defaultVerbose := env.Bool("SFXPACK_VERBOSE")

	fs := flag.NewFlagSet("sfxpack", flag.ExitOnError)
	targetFlag := fs.String("target", defaultTarget, "target platform (e.g. amd64-linux, amd64-linux-musl, arm64-darwin, amd64-windows), or \"all\"")
	outFlag := fs.String("o", defaultOut, "output path (default: <payload>.sfx, or <payload>-<target>.sfx for -target all)")
	verboseFlag := fs.Bool("v", defaultVerbose, "verbose mode")
	verifyFlag := fs.Bool("verify", true, "round-trip the written SFX's container+compressed region before exiting")
	versionFlag := fs.Bool("version", false, "print version and exit")
	fs.Parse(args)

	if *versionFlag {
		fmt.Println(versionString)
		return nil
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: sfxpack [flags] <payload>")
	}
	payloadPath := fs.Arg(0)

	opts := packOptions{
		verbose: *verboseFlag,
		verify:  *verifyFlag,
	}

	if *targetFlag == "all" {
		return packAll(payloadPath, *outFlag, opts)
	}

	tg, err := target.Parse(*targetFlag)
	if err != nil {
		return err
	}
	out := *outFlag
	if out == "" {
		out = payloadPath + ".sfx"
	}
	return packOne(payloadPath, out, tg, opts)
}

type packOptions struct {
	verbose bool
	verify  bool
}

// packAll builds every catalog target concurrently. The worker count and
// the underlying rationale — this project's own GetNumCPUCores sizing its
// thread pool to the host's core count — are carried over from this
// project's own parallel build-thread sizing; the pool itself is an
// ordinary bounded goroutine pool rather than a raw clone()/futex thread
// pool, since sfxpack is a hosted build tool, not a freestanding runtime.
func packAll(payloadPath, outPrefix string, opts packOptions) error {
	if outPrefix == "" {
		outPrefix = payloadPath
	}

	workers := runtime.NumCPU()
	if workers > len(target.Catalog) {
		workers = len(target.Catalog)
	}

	jobs := make(chan target.Target)
	errs := make([]error, len(target.Catalog))

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for tg := range jobs {
				out := fmt.Sprintf("%s-%s.sfx", outPrefix, tg.String())
				if err := packOne(payloadPath, out, tg, opts); err != nil {
					for i, c := range target.Catalog {
						if c == tg {
							errs[i] = fmt.Errorf("%s: %w", tg, err)
						}
					}
				}
			}
		}()
	}
	for _, tg := range target.Catalog {
		jobs <- tg
	}
	close(jobs)
	wg.Wait()

	var failures []string
	for _, err := range errs {
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d targets failed:\n%s", len(failures), len(target.Catalog), strings.Join(failures, "\n"))
	}
	return nil
}

func packOne(payloadPath, outPath string, tg target.Target, opts packOptions) error {
	if opts.verbose {
		fmt.Fprintf(os.Stderr, "sfxpack: packing %s for %s -> %s\n", payloadPath, tg, outPath)
	}

	payload, err := os.ReadFile(payloadPath)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	stubPath, err := buildpipe.ResolveStub(tg)
	if err != nil {
		return fmt.Errorf("resolve stub: %w", err)
	}
	stubBytes, err := os.ReadFile(stubPath)
	if err != nil {
		return fmt.Errorf("read stub: %w", err)
	}

	compressed, err := decompress.Encode(payload)
	if err != nil {
		return fmt.Errorf("compress payload: %w", err)
	}

	stage1 := buildStage1(stubBytes, compressed)

	var out []byte
	if tg.TwoStage() {
		out, err = buildTwoStage(tg, stage1)
		if err != nil {
			return err
		}
	} else {
		out = stage1
	}

	if opts.verify {
		if err := verifySFX(out, tg); err != nil {
			return fmt.Errorf("self-check failed: %w", err)
		}
	}

	if dir := filepath.Dir(outPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := os.WriteFile(outPath, out, 0755); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// buildStage1 assembles a complete one-stage SFX image: stub bytes, the
// LZMA2/XZ-compressed payload, and its 16-byte trailer, per spec.md §3's
// "SFX file = stub_bytes || compressed_payload || trailer16". This is the
// whole output for a one-stage target, and the wrapped payload of a
// stage0 bootstrap for a two-stage one.
func buildStage1(stubBytes, compressed []byte) []byte {
	var s1 bytes.Buffer
	s1.Grow(len(stubBytes) + len(compressed) + container.TrailerSize)
	s1.Write(stubBytes)
	s1.Write(compressed)
	trailer := container.MakeTrailer(uint64(len(compressed)))
	s1.Write(trailer[:])
	return s1.Bytes()
}

// buildTwoStage wraps a complete stage-1 SFX in the stage0 bootstrap, per
// spec.md §3's "Two-stage file = stage0_bytes || deflate(stage1_sfx) ||
// trailer24". Used only for two-stage (musl Linux) targets, where the
// stage-1 stub itself can't be shrunk by a post-build executable
// compressor.
func buildTwoStage(tg target.Target, stage1 []byte) ([]byte, error) {
	stage0Path, err := buildpipe.ResolveStage0(tg)
	if err != nil {
		return nil, fmt.Errorf("resolve stage0 bootstrap: %w", err)
	}
	stage0Bytes, err := os.ReadFile(stage0Path)
	if err != nil {
		return nil, fmt.Errorf("read stage0 bootstrap: %w", err)
	}

	deflated, err := deflateStage1(stage1)
	if err != nil {
		return nil, fmt.Errorf("deflate stage-1 sfx: %w", err)
	}

	var out bytes.Buffer
	out.Grow(len(stage0Bytes) + len(deflated) + container.Stage0TrailerSize)
	out.Write(stage0Bytes)
	out.Write(deflated)
	trailer := container.MakeStage0Trailer(container.Stage0Trailer{
		CompressedLen:   uint64(len(deflated)),
		UncompressedLen: uint64(len(stage1)),
	})
	out.Write(trailer[:])
	return out.Bytes(), nil
}

// deflateStage1 raw-deflate-compresses a complete stage-1 SFX for
// internal/stage0's hand-rolled decoder to inflate at runtime. This is the
// one place the packer reaches for compress/flate: internal/stage0's own
// shipped code never imports it (spec.md §4.G rules out a standard
// compression stack inside the freestanding bootstrap itself), but sfxpack
// is an ordinary hosted build tool producing the stream that bootstrap
// decodes, not the bootstrap, so there's no size budget here to protect.
func deflateStage1(stage1 []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(stage1); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// verifySFX re-derives the payload from a freshly written SFX image the
// same way the stub's own extract path (or, for two-stage targets, the
// stage0 bootstrap's) does at runtime, catching any trailer/offset mistake
// before the file reaches a user. Grounded on this project's own
// compile-then-run self-check in its test harness, adapted into a runtime
// "build succeeded" check instead of a test assertion.
func verifySFX(image []byte, tg target.Target) error {
	if tg.TwoStage() {
		return verifyTwoStage(image)
	}
	return verifyStage1(image)
}

// verifyStage1 decodes a one-stage trailer and re-decompresses the
// LZMA2/XZ region it points at, the same F → A → B leg internal/stub's own
// ExtractPayload runs.
func verifyStage1(image []byte) error {
	size := int64(len(image))
	if size < container.TrailerSize {
		return fmt.Errorf("written image smaller than a trailer")
	}
	tail := image[size-container.TrailerSize:]
	start, end, err := container.Locate(size, tail)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	r := bytes.NewReader(image)
	section := io.NewSectionReader(r, start, end-start)
	if err := decompress.StreamReader(section, &out); err != nil {
		return fmt.Errorf("re-decompress written payload: %w", err)
	}
	return nil
}

// verifyTwoStage decodes a two-stage image's stage-0 trailer and inflates
// the wrapped region with the exact same hand-rolled decoder
// internal/stage0.Run calls at runtime, then verifies the recovered
// stage-1 SFX exactly as verifyStage1 would have verified it directly.
// This is what keeps --verify honest for musl targets: it exercises the
// real decode path instead of re-checking the assumption that produced the
// bytes in the first place.
func verifyTwoStage(image []byte) error {
	size := int64(len(image))
	if size < container.Stage0TrailerSize {
		return fmt.Errorf("written two-stage image smaller than a stage-0 trailer")
	}
	tail := image[size-container.Stage0TrailerSize:]
	start, end, trailer, err := container.LocateStage0(size, tail)
	if err != nil {
		return err
	}

	dst := make([]byte, trailer.UncompressedLen)
	n, err := stage0.Inflate(image[start:end], dst)
	if err != nil {
		return fmt.Errorf("re-inflate wrapped stage-1 sfx: %w", err)
	}
	if uint64(n) != trailer.UncompressedLen {
		return fmt.Errorf("inflated length %d does not match trailer uncompressed_len %d", n, trailer.UncompressedLen)
	}

	return verifyStage1(dst[:n])
}

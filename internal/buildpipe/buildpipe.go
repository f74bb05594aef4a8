// Package buildpipe resolves a target.Target to stub bytes the packer can
// prepend a compressed payload to: either a prebuilt stub fetched from a
// cache directory, an environment-variable override, or a freshly
// cross-compiled one invoked as an external `go build` subprocess.
//
// This is deliberately a thin, outer-layer concern: the stub's own
// implementation (internal/stub, internal/stage0) never imports this
// package. Resolving *which bytes* to glue a payload onto is not part of
// the trailer/decompress/loader contract spec.md §1 scopes as the core.
package buildpipe

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	env "github.com/xyproto/env/v2"

	"github.com/xyproto/sfxpack/internal/target"
)

// Kind distinguishes which binary buildpipe is resolving for a target. A
// two-stage (musl) target needs both, built and cached independently: the
// ordinary stage-1 stub every target re-execs into, and the stage0
// bootstrap that wraps it and inflates it out of its own trailer.
type Kind int

const (
	// KindStub is internal/stub's loader — every target's stage-1 entry
	// point, whether it's executed directly (one-stage targets) or
	// unwrapped by a KindStage0 bootstrap first (two-stage targets).
	KindStub Kind = iota
	// KindStage0 is internal/stage0's freestanding bootstrap, only ever
	// glued in front of a deflate-compressed KindStub stage-1 SFX for
	// two-stage targets.
	KindStage0
)

func (k Kind) cmdDir() string {
	if k == KindStage0 {
		return "./cmd/stage0"
	}
	return "./cmd/stub"
}

func (k Kind) label() string {
	if k == KindStage0 {
		return "STAGE0"
	}
	return "STUB"
}

// envOverride returns the environment variable name that overrides the
// path for k built for a given target, e.g. SFXPACK_STUB_AMD64_LINUX_MUSL
// or SFXPACK_STAGE0_AMD64_LINUX_MUSL.
func envOverride(t target.Target, k Kind) string {
	name := strings.ToUpper(strings.ReplaceAll(t.String(), "-", "_"))
	return "SFXPACK_" + k.label() + "_" + name
}

// CacheDir returns the directory sfxpack caches built stubs in, honoring
// XDG_CACHE_HOME the way this project's own dependency cache does.
func CacheDir() (string, error) {
	if xdg := env.Str("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "sfxpack", "stubs"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("buildpipe: resolve cache dir: %w", err)
	}
	return filepath.Join(home, ".cache", "sfxpack", "stubs"), nil
}

// cachedPath is the path a prebuilt/cached binary of kind k for t would
// live at. The two kinds are cached under distinct names so a two-stage
// target's stub and bootstrap, built for the same GOOS/GOARCH, don't
// collide in the cache directory.
func cachedPath(t target.Target, k Kind) (string, error) {
	dir, err := CacheDir()
	if err != nil {
		return "", err
	}
	name := strings.ToLower(k.label()) + "-" + t.String()
	if t.OS == target.OSWindows {
		name += ".exe"
	}
	return filepath.Join(dir, name), nil
}

func goEnv(t target.Target) []string {
	goarch := "amd64"
	if t.Arch == target.ArchARM64 {
		goarch = "arm64"
	}
	goos := "linux"
	switch t.OS {
	case target.OSWindows:
		goos = "windows"
	case target.OSDarwin:
		goos = "darwin"
	}

	cgoEnabled := "0"
	if t.OS == target.OSDarwin {
		// internal/stub's macOS loader calls the deprecated NSObjectFileImage
		// dyld API through cgo; there is no cgo-free binding for it.
		cgoEnabled = "1"
	}

	e := append(os.Environ(),
		"GOOS="+goos,
		"GOARCH="+goarch,
		"CGO_ENABLED="+cgoEnabled,
	)
	return e
}

// Build cross-compiles the binary of kind k for t into dst, by shelling out
// to the Go toolchain the same way this project's own dependency fetcher
// shells out to git.
func Build(t target.Target, k Kind, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("buildpipe: create output dir: %w", err)
	}

	cmd := exec.Command("go", "build", "-trimpath", "-ldflags=-s -w", "-o", dst, k.cmdDir())
	cmd.Env = goEnv(t)
	cmd.Stderr = os.Stderr

	if env.Bool("SFXPACK_VERBOSE") {
		fmt.Fprintf(os.Stderr, "buildpipe: %s (GOOS=%s GOARCH=%s)\n", strings.Join(cmd.Args, " "), t.OS, t.Arch)
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("buildpipe: building %s for %s: %w", k.cmdDir(), t, err)
	}
	return nil
}

// Resolve returns the filesystem path to a binary of kind k for t: an
// explicit per-target-and-kind environment override if set, a cached build
// if one already exists, or a freshly cross-compiled one otherwise.
func Resolve(t target.Target, k Kind) (string, error) {
	if override := env.Str(envOverride(t, k)); override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("buildpipe: %s points at unreadable binary: %w", envOverride(t, k), err)
		}
		return override, nil
	}

	path, err := cachedPath(t, k)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := Build(t, k, path); err != nil {
		return "", err
	}
	return path, nil
}

// ResolveStub resolves the stage-1 stub (internal/stub) binary for t. Every
// target needs this one: one-stage targets glue a payload directly onto
// it, two-stage targets wrap it in a stage0 bootstrap instead.
func ResolveStub(t target.Target) (string, error) {
	return Resolve(t, KindStub)
}

// ResolveStage0 resolves the stage0 (internal/stage0) bootstrap binary for
// t. Callers only need this for targets where t.TwoStage() is true.
func ResolveStage0(t target.Target) (string, error) {
	return Resolve(t, KindStage0)
}

//go:build linux

package stub

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"testing"
)

// buildTinyELF assembles the smallest static x86_64 ELF that serves this
// package's end-to-end test: write("hi\n") then exit(0). It is built the
// same way this project's own ELF writer assembles an executable —
// headers, then a straight-line sequence of mov/syscall instructions — just
// by hand here instead of through a code generator, since the fixture only
// ever needs these two syscalls.
func buildTinyELF() []byte {
	const (
		elfHeaderSize = 64
		phdrSize      = 56
		baseAddr      = 0x400000
	)

	msg := []byte("hi\n")
	codeOff := int64(elfHeaderSize + phdrSize)
	msgOff := codeOff + 45 // fixed code length, see below
	msgAddr := uint64(baseAddr) + uint64(msgOff)
	entry := uint64(baseAddr) + uint64(codeOff)

	code := make([]byte, 0, 45)
	code = append(code, 0x48, 0xc7, 0xc0, 0x01, 0x00, 0x00, 0x00) // mov rax, 1 (sys_write)
	code = append(code, 0x48, 0xc7, 0xc7, 0x01, 0x00, 0x00, 0x00) // mov rdi, 1 (stdout)
	code = append(code, 0x48, 0xbe)                               // movabs rsi, imm64
	msgAddrBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(msgAddrBytes, msgAddr)
	code = append(code, msgAddrBytes...)
	code = append(code, 0x48, 0xc7, 0xc2, byte(len(msg)), 0x00, 0x00, 0x00) // mov rdx, len(msg)
	code = append(code, 0x0f, 0x05)                                        // syscall
	code = append(code, 0x48, 0xc7, 0xc0, 0x3c, 0x00, 0x00, 0x00)          // mov rax, 60 (sys_exit)
	code = append(code, 0x48, 0x31, 0xff)                                  // xor rdi, rdi
	code = append(code, 0x0f, 0x05)                                        // syscall

	if len(code) != 45 {
		panic(fmt.Sprintf("fixture code length drifted: want 45, got %d", len(code)))
	}

	fileSize := int(msgOff) + len(msg)
	buf := make([]byte, fileSize)

	// ELF64 header.
	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(buf[16:18], 2)      // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 0x3E)   // EM_X86_64
	binary.LittleEndian.PutUint32(buf[20:24], 1)      // EV_CURRENT
	binary.LittleEndian.PutUint64(buf[24:32], entry)  // e_entry
	binary.LittleEndian.PutUint64(buf[32:40], 64)     // e_phoff
	binary.LittleEndian.PutUint16(buf[52:54], 64)     // e_ehsize
	binary.LittleEndian.PutUint16(buf[54:56], 56)     // e_phentsize
	binary.LittleEndian.PutUint16(buf[56:58], 1)      // e_phnum

	// Single PT_LOAD program header covering the whole file.
	phdr := buf[64:120]
	binary.LittleEndian.PutUint32(phdr[0:4], 1)          // PT_LOAD
	binary.LittleEndian.PutUint32(phdr[4:8], 7)           // PF_R|PF_W|PF_X
	binary.LittleEndian.PutUint64(phdr[8:16], 0)          // p_offset
	binary.LittleEndian.PutUint64(phdr[16:24], baseAddr)  // p_vaddr
	binary.LittleEndian.PutUint64(phdr[24:32], baseAddr)  // p_paddr
	binary.LittleEndian.PutUint64(phdr[32:40], uint64(fileSize)) // p_filesz
	binary.LittleEndian.PutUint64(phdr[40:48], uint64(fileSize)) // p_memsz
	binary.LittleEndian.PutUint64(phdr[48:56], 0x1000)    // p_align

	copy(buf[codeOff:], code)
	copy(buf[msgOff:], msg)

	return buf
}

// TestLoadAndRunHelloWorld exercises the real memfd+execveat path end to
// end. LoadAndRun replaces the calling process on success, so it must run
// in a subprocess rather than in-process — the same
// build-then-run-and-capture-stdout shape this project's own compiler
// integration tests use, just with a hand-built ELF instead of a compiled
// one.
func TestLoadAndRunHelloWorld(t *testing.T) {
	if os.Getenv("SFX_STUB_LOADANDRUN_HELPER") == "1" {
		ctx := Context{SFXPath: "/fake/sfx-path", Environ: os.Environ()}
		if err := LoadAndRun(buildTinyELF(), ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return // unreachable on success: execveat replaced this process
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestLoadAndRunHelloWorld$")
	cmd.Env = append(os.Environ(), "SFX_STUB_LOADANDRUN_HELPER=1")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("helper process failed: %v\noutput: %s", err, out)
	}
	if string(out) != "hi\n" {
		t.Fatalf("want %q, got %q", "hi\n", out)
	}
}

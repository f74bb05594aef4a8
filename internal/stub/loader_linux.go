//go:build linux

package stub

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// emptyPath is the NUL-terminated empty C string execveat requires as its
// path argument when AT_EMPTY_PATH selects "the file behind this fd," not a
// path lookup.
var emptyPath = [1]byte{0}

// LoadAndRun replaces the current process image with payload: it creates an
// anonymous memory file, copies the payload into it, marks it executable,
// and re-execs the running process through that descriptor. On success this
// never returns — execveat hands control to the new image. On failure it
// returns the error describing which step failed.
//
// execveat with an empty path and AT_EMPTY_PATH is used instead of spawning
// a child from /proc/self/fd/N: the kernel builds a fresh stack and
// auxiliary vector for an AT_EMPTY_PATH re-exec, which matters for
// musl-linked payloads that inspect AT_BASE at startup to decide whether
// they're being run as a dynamic linker. A child process inheriting the
// current auxv, or a fork, would hand such payloads a stale AT_BASE and
// they would misbehave.
func LoadAndRun(payload []byte, ctx Context) error {
	fd, err := unix.MemfdCreate("sfx", unix.MFD_CLOEXEC)
	if err != nil {
		return &SyscallError{Op: "memfd_create", Errno: err}
	}
	// Reached only on the error paths below: a successful execveat replaces
	// this process image, and the descriptor goes with it.
	defer unix.Close(fd)

	if err := writeAllAt(fd, payload); err != nil {
		return err
	}

	if err := unix.Fchmod(fd, 0700); err != nil {
		return &SyscallError{Op: "fchmod", Errno: err}
	}

	if err := execveat(fd, ctx.BuildArgv(), ctx.Environ); err != nil {
		return &SyscallError{Op: "execveat", Errno: err}
	}
	return nil // unreachable: execveat only returns on error
}

// writeAllAt writes data to fd in a loop, handling the short writes
// memfd-backed descriptors can legitimately produce.
func writeAllAt(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return &SyscallError{Op: "write memfd", Errno: err}
		}
		data = data[n:]
	}
	return nil
}

// execveat issues the raw execveat(2) syscall. golang.org/x/sys/unix has no
// high-level wrapper for it, so the syscall number and argument layout are
// used directly — the same register-and-syscall-number idiom this project's
// code generators use when emitting machine code for a write/exit syscall,
// just issued from Go instead of assembled into a stub.
func execveat(fd int, argv, envp []string) error {
	argvPtr, err := unix.SlicePtrFromStrings(argv)
	if err != nil {
		return err
	}
	envpPtr, err := unix.SlicePtrFromStrings(envp)
	if err != nil {
		return err
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_EXECVEAT,
		uintptr(fd),
		uintptr(unsafe.Pointer(&emptyPath[0])),
		uintptr(unsafe.Pointer(&argvPtr[0])),
		uintptr(unsafe.Pointer(&envpPtr[0])),
		uintptr(unix.AT_EMPTY_PATH),
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

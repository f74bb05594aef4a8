//go:build linux

package stage0

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xyproto/sfxpack/internal/container"
)

var (
	errOversizedStage1 = errors.New("stage0: uncompressed_len exceeds hard cap")
	errLengthMismatch  = errors.New("stage0: inflated length did not match trailer")
)

// maxUncompressedSize is the hard cap spec.md §4.G step 3 requires on the
// decoded stage-1 size, so a corrupt or hostile trailer can't make this
// bootstrap mmap an unbounded amount of memory before it has validated
// anything else.
const maxUncompressedSize = 256 << 20

var emptyPath = [1]byte{0}

// Run is the entire stage-0 bootstrap: read this process's own trailer,
// inflate the stage-1 SFX it points at into an anonymous memory file, and
// re-exec through that descriptor. Every failure path exits silently
// (returns a non-nil error and the caller is expected to os.Exit(1) with no
// message) — stage0 has no room in its size budget for format machinery,
// per spec.md §4.G's final line.
func Run(argv, envp []string) error {
	// O_CLOEXEC matters here specifically because a successful execveat
	// below never returns: the deferred Close never runs on that path, so
	// without O_CLOEXEC this descriptor would survive into the re-exec'd
	// stage-1 image's fd table, violating the "all other descriptors
	// closed before execveat" invariant.
	self, err := unix.Open("/proc/self/exe", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(self)

	var st unix.Stat_t
	if err := unix.Fstat(self, &st); err != nil {
		return err
	}
	fileSize := st.Size

	tail := make([]byte, container.Stage0TrailerSize)
	if fileSize < int64(len(tail)) {
		return &container.Error{Kind: container.TooSmall}
	}
	if _, err := unix.Pread(self, tail, fileSize-int64(len(tail))); err != nil {
		return err
	}

	start, end, trailer, err := container.LocateStage0(fileSize, tail)
	if err != nil {
		return err
	}
	if trailer.UncompressedLen > maxUncompressedSize {
		return errOversizedStage1
	}

	compressedRegion, err := unix.Mmap(-1, 0, int(end-start), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return err
	}
	defer unix.Munmap(compressedRegion)

	if _, err := unix.Pread(self, compressedRegion, start); err != nil {
		return err
	}

	stage1, err := unix.Mmap(-1, 0, int(trailer.UncompressedLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return err
	}
	defer unix.Munmap(stage1)

	n, err := Inflate(compressedRegion, stage1)
	if err != nil {
		return err
	}
	if uint64(n) != trailer.UncompressedLen {
		return errLengthMismatch
	}

	fd, err := unix.MemfdCreate("s", unix.MFD_CLOEXEC)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	if err := writeAll(fd, stage1[:n]); err != nil {
		return err
	}
	if err := unix.Fchmod(fd, 0700); err != nil {
		return err
	}

	return execveat(fd, argv, envp)
}

func writeAll(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		data = data[n:]
	}
	return nil
}

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

//go:build darwin

package stub

/*
#cgo LDFLAGS: -framework System

#include <stdlib.h>
#include <string.h>
#include <mach-o/dyld.h>

// dyld's NSObjectFileImage family has no Go bindings anywhere in the
// ecosystem (it's the deprecated-but-still-present in-memory linking API
// spec.md §9 flags) so it is reached through cgo, the only place this
// module needs it.
typedef int (*sfx_main_fn)(int, char**, char**);

static int sfx_link_and_call(void *bytes, unsigned long size, int argc, char **argv, char **envp, const char **errOut) {
	NSObjectFileImage image;
	NSObjectFileImageReturnCode rc = NSCreateObjectFileImageFromMemory(bytes, size, &image);
	if (rc != NSObjectFileImageSuccess) {
		*errOut = "NSCreateObjectFileImageFromMemory failed";
		return -1;
	}

	NSModule module = NSLinkModule(image, "sfx", NSLINKMODULE_OPTION_PRIVATE | NSLINKMODULE_OPTION_BINDNOW);
	if (module == NULL) {
		*errOut = "NSLinkModule failed";
		return -1;
	}

	NSSymbol sym = NSLookupSymbolInModule(module, "_main");
	if (sym == NULL) {
		*errOut = "symbol _main not found";
		return -1;
	}

	sfx_main_fn entry = (sfx_main_fn)NSAddressOfSymbol(sym);
	return entry(argc, argv, envp);
}
*/
import "C"

import (
	"os"
	"unsafe"
)

const (
	machHeaderMagic64 = 0xfeedfacf
	machHeaderCigam64 = 0xcffaedfe
	mhExecute         = 2
	mhBundle          = 8
	// filetype is the 4th uint32 field of mach_header_64.
	filetypeOffset = 12
)

// LoadAndRun links the Mach-O payload into the current process with dyld's
// in-memory object-file API and calls its _main. This never forks: the
// payload runs as the current process, and the function only returns to
// the caller on validation failure — on success it calls os.Exit with the
// payload's return value.
func LoadAndRun(payload []byte, ctx Context) error {
	if len(payload) < 32 {
		return &LoaderError{Reason: "file too small for a Mach-O header"}
	}

	magic := uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24
	if magic != machHeaderMagic64 && magic != machHeaderCigam64 {
		return &LoaderError{Reason: "not a 64-bit Mach-O image for this architecture"}
	}

	// Work on a private copy: the header patch below must not mutate a
	// buffer the caller might reuse or that aliases read-only memory.
	patched := append([]byte(nil), payload...)

	filetype := readFiletype(patched, magic)
	if filetype != mhExecute {
		return &LoaderError{Reason: "Mach-O filetype is not MH_EXECUTE"}
	}
	writeFiletype(patched, magic, mhBundle)

	argv := ctx.BuildArgv()
	cArgv := make([]*C.char, len(argv)+1)
	for i, a := range argv {
		cArgv[i] = C.CString(a)
	}
	defer func() {
		for _, p := range cArgv[:len(argv)] {
			C.free(unsafe.Pointer(p))
		}
	}()

	cEnvp := make([]*C.char, len(ctx.Environ)+1)
	for i, e := range ctx.Environ {
		cEnvp[i] = C.CString(e)
	}
	defer func() {
		for _, p := range cEnvp[:len(ctx.Environ)] {
			C.free(unsafe.Pointer(p))
		}
	}()

	var cErr *C.char
	ret := C.sfx_link_and_call(
		unsafe.Pointer(&patched[0]),
		C.ulong(len(patched)),
		C.int(len(argv)),
		(**C.char)(unsafe.Pointer(&cArgv[0])),
		(**C.char)(unsafe.Pointer(&cEnvp[0])),
		&cErr,
	)
	if ret < 0 {
		reason := "dyld rejected the payload"
		if cErr != nil {
			reason = C.GoString(cErr)
		}
		return &LoaderError{Reason: reason}
	}

	os.Exit(int(ret))
	return nil
}

func readFiletype(b []byte, magic uint32) uint32 {
	if magic == machHeaderMagic64 {
		return uint32(b[filetypeOffset]) | uint32(b[filetypeOffset+1])<<8 |
			uint32(b[filetypeOffset+2])<<16 | uint32(b[filetypeOffset+3])<<24
	}
	// Byte-swapped (MH_CIGAM_64): big-endian encoding of the field.
	return uint32(b[filetypeOffset+3]) | uint32(b[filetypeOffset+2])<<8 |
		uint32(b[filetypeOffset+1])<<16 | uint32(b[filetypeOffset])<<24
}

func writeFiletype(b []byte, magic uint32, v uint32) {
	if magic == machHeaderMagic64 {
		b[filetypeOffset] = byte(v)
		b[filetypeOffset+1] = byte(v >> 8)
		b[filetypeOffset+2] = byte(v >> 16)
		b[filetypeOffset+3] = byte(v >> 24)
		return
	}
	b[filetypeOffset+3] = byte(v)
	b[filetypeOffset+2] = byte(v >> 8)
	b[filetypeOffset+1] = byte(v >> 16)
	b[filetypeOffset] = byte(v >> 24)
}

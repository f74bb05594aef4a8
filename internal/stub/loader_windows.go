//go:build windows

package stub

import (
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// PE32+ layout constants. Offsets and sizes named after the teacher's
// writer-direction constants in pe.go, kept consistent so a reader who
// already knows that file recognizes the same geometry here, just read
// instead of written.
const (
	peDOSMagic        = 0x5A4D     // "MZ"
	peSignature       = 0x00004550 // "PE\x00\x00"
	peOptMagicPE32Plus = 0x020B

	peELfanewOffset = 0x3C

	coffHeaderSize     = 20
	optionalHeaderSize = 240 // PE32+, NumberOfRvaAndSizes == 16
	sectionHeaderSize  = 40

	dirImport     = 1
	dirBaseReloc  = 5
	numDataDirs   = 16

	imageRelBasedAbsolute = 0
	imageRelBasedDir64    = 10
)

// peSection is a decoded IMAGE_SECTION_HEADER.
type peSection struct {
	Name            string
	VirtualSize     uint32
	VirtualAddress  uint32
	SizeOfRawData   uint32
	PointerToRaw    uint32
	Characteristics uint32
}

// peImage holds everything LoadAndRun needs after validation.
type peImage struct {
	data []byte

	coffOff     int64
	optOff      int64
	numSections int

	imageBase     uint64
	sizeOfImage   uint32
	sizeOfHeaders uint32
	entryRVA      uint32

	sections []peSection
	dataDirs [numDataDirs]struct{ RVA, Size uint32 }
}

func readU16(b []byte, off int64) uint16 { return binary.LittleEndian.Uint16(b[off : off+2]) }
func readU32(b []byte, off int64) uint32 { return binary.LittleEndian.Uint32(b[off : off+4]) }
func readU64(b []byte, off int64) uint64 { return binary.LittleEndian.Uint64(b[off : off+8]) }

// parsePE validates and decodes the PE32+ headers in data, per spec.md
// §4.D's validation list. Any failure returns a *LoaderError.
func parsePE(data []byte) (*peImage, error) {
	if len(data) < 64 {
		return nil, &LoaderError{Reason: "file too small for DOS header"}
	}
	if readU16(data, 0) != peDOSMagic {
		return nil, &LoaderError{Reason: "missing MZ signature"}
	}

	lfanew := int64(readU32(data, peELfanewOffset))
	if lfanew < 0 || lfanew+4+coffHeaderSize+optionalHeaderSize > int64(len(data)) {
		return nil, &LoaderError{Reason: "e_lfanew out of bounds"}
	}
	if readU32(data, lfanew) != peSignature {
		return nil, &LoaderError{Reason: "missing PE\\0\\0 signature"}
	}

	coffOff := lfanew + 4
	numSections := int(readU16(data, coffOff+2))
	sizeOfOptHeader := readU16(data, coffOff+16)

	optOff := coffOff + coffHeaderSize
	if int64(sizeOfOptHeader) < optionalHeaderSize {
		return nil, &LoaderError{Reason: "optional header too small for PE32+"}
	}
	if readU16(data, optOff) != peOptMagicPE32Plus {
		return nil, &LoaderError{Reason: "not a PE32+ (64-bit) image"}
	}

	img := &peImage{
		data:        data,
		coffOff:     coffOff,
		optOff:      optOff,
		numSections: numSections,
	}

	img.imageBase = readU64(data, optOff+24)
	img.sizeOfImage = readU32(data, optOff+56)
	img.sizeOfHeaders = readU32(data, optOff+60)
	img.entryRVA = readU32(data, optOff+16)

	if img.sizeOfImage == 0 || img.sizeOfHeaders == 0 {
		return nil, &LoaderError{Reason: "SizeOfImage or SizeOfHeaders is zero"}
	}
	if int64(img.sizeOfHeaders) > int64(len(data)) {
		return nil, &LoaderError{Reason: "SizeOfHeaders exceeds file size"}
	}

	numRvaAndSizes := int(readU32(data, optOff+108))
	if numRvaAndSizes > numDataDirs {
		numRvaAndSizes = numDataDirs
	}
	dirBase := optOff + 112
	for i := 0; i < numRvaAndSizes; i++ {
		img.dataDirs[i].RVA = readU32(data, dirBase+int64(i*8))
		img.dataDirs[i].Size = readU32(data, dirBase+int64(i*8+4))
	}

	sectionBase := optOff + int64(sizeOfOptHeader)
	if sectionBase+int64(numSections)*sectionHeaderSize > int64(len(data)) {
		return nil, &LoaderError{Reason: "section table extends past end of file"}
	}

	img.sections = make([]peSection, 0, numSections)
	for i := 0; i < numSections; i++ {
		base := sectionBase + int64(i)*sectionHeaderSize
		s := peSection{
			Name:            string(trimNulBytes(data[base : base+8])),
			VirtualSize:     readU32(data, base+8),
			VirtualAddress:  readU32(data, base+12),
			SizeOfRawData:   readU32(data, base+16),
			PointerToRaw:    readU32(data, base+20),
			Characteristics: readU32(data, base+36),
		}
		if uint64(s.VirtualAddress)+uint64(s.VirtualSize) > uint64(img.sizeOfImage) {
			return nil, &LoaderError{Reason: fmt.Sprintf("section %s virtual range exceeds SizeOfImage", s.Name)}
		}
		if uint64(s.PointerToRaw)+uint64(s.SizeOfRawData) > uint64(len(data)) {
			return nil, &LoaderError{Reason: fmt.Sprintf("section %s raw range exceeds file size", s.Name)}
		}
		img.sections = append(img.sections, s)
	}

	return img, nil
}

// kernel32.GetProcAddress treats a second argument below 0x10000 as an
// ordinal (the classic MAKEINTRESOURCE convention) rather than a pointer to
// a name string. x/sys/windows only exposes the by-name form, so ordinal
// imports go through the raw proc call directly.
var (
	modKernel32          = windows.NewLazySystemDLL("kernel32.dll")
	procGetProcAddressRaw = modKernel32.NewProc("GetProcAddress")
)

func getProcAddressByOrdinal(h windows.Handle, ordinal uint16) (uintptr, error) {
	r1, _, err := procGetProcAddressRaw.Call(uintptr(h), uintptr(ordinal))
	if r1 == 0 {
		return 0, err
	}
	return r1, nil
}

func trimNulBytes(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// LoadAndRun maps a PE32+ payload into the current process, relocates and
// links it, and jumps to its entry point. The stub never forks: the
// payload runs as this process. If VirtualAlloc allocates a base other
// than ImageBase (the common case, since ImageBase is rarely free), base
// relocations are applied so the image still works.
func LoadAndRun(payload []byte, ctx Context) error {
	img, err := parsePE(payload)
	if err != nil {
		return err
	}

	base, err := windows.VirtualAlloc(0, uintptr(img.sizeOfImage),
		windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return &SyscallError{Op: "VirtualAlloc", Errno: err}
	}
	freeOnError := true
	defer func() {
		if freeOnError {
			windows.VirtualFree(base, 0, windows.MEM_RELEASE)
		}
	}()

	dest := unsafe.Slice((*byte)(unsafe.Pointer(base)), img.sizeOfImage)

	copy(dest[:img.sizeOfHeaders], payload[:img.sizeOfHeaders])
	for _, s := range img.sections {
		if s.SizeOfRawData == 0 {
			continue
		}
		copy(dest[s.VirtualAddress:s.VirtualAddress+s.SizeOfRawData],
			payload[s.PointerToRaw:s.PointerToRaw+s.SizeOfRawData])
	}

	delta := int64(base) - int64(img.imageBase)
	if delta != 0 {
		if err := applyBaseRelocations(img, dest, delta); err != nil {
			return err
		}
	}

	if err := resolveImports(img, dest); err != nil {
		return err
	}

	if err := protectSections(img, base); err != nil {
		return err
	}

	entry := uintptr(base) + uintptr(img.entryRVA)

	freeOnError = false // control is about to transfer into the payload
	r1, _, _ := syscall.SyscallN(entry)
	// Reached only if the payload's CRT entry returns instead of calling
	// ExitProcess itself.
	os.Exit(int(int32(r1)))
	return nil
}

// applyBaseRelocations walks the base relocation directory, applying the
// DIR64 deltas spec.md §4.D step 4 describes. Relocation types other than
// ABSOLUTE (padding, skipped) and DIR64 are rejected rather than silently
// ignored, since silently skipping an unsupported fixup produces a payload
// that runs with corrupted pointers instead of failing loudly.
func applyBaseRelocations(img *peImage, dest []byte, delta int64) error {
	dir := img.dataDirs[dirBaseReloc]
	if dir.Size == 0 {
		return nil
	}
	if uint64(dir.RVA)+uint64(dir.Size) > uint64(len(dest)) {
		return &LoaderError{Reason: "relocation directory out of bounds"}
	}

	pos := int64(dir.RVA)
	end := int64(dir.RVA) + int64(dir.Size)
	for pos < end {
		if pos+8 > int64(len(dest)) {
			return &LoaderError{Reason: "truncated relocation block"}
		}
		pageRVA := binary.LittleEndian.Uint32(dest[pos : pos+4])
		blockSize := binary.LittleEndian.Uint32(dest[pos+4 : pos+8])
		if blockSize < 8 || pos+int64(blockSize) > int64(len(dest)) {
			return &LoaderError{Reason: "malformed relocation block size"}
		}

		entries := (int64(blockSize) - 8) / 2
		for i := int64(0); i < entries; i++ {
			entryOff := pos + 8 + i*2
			entry := binary.LittleEndian.Uint16(dest[entryOff : entryOff+2])
			relType := entry >> 12
			pageOff := entry & 0x0FFF

			switch relType {
			case imageRelBasedAbsolute:
				// Padding entry, no fixup to apply.
			case imageRelBasedDir64:
				addr := int64(pageRVA) + int64(pageOff)
				if addr+8 > int64(len(dest)) {
					return &LoaderError{Reason: "DIR64 relocation target out of bounds"}
				}
				word := binary.LittleEndian.Uint64(dest[addr : addr+8])
				binary.LittleEndian.PutUint64(dest[addr:addr+8], uint64(int64(word)+delta))
			default:
				return &LoaderError{Reason: fmt.Sprintf("unsupported relocation type %d", relType)}
			}
		}

		pos += int64(blockSize)
	}
	return nil
}

// resolveImports walks the import directory, loading each named DLL and
// binding every thunk to the address GetProcAddress returns.
func resolveImports(img *peImage, dest []byte) error {
	dir := img.dataDirs[dirImport]
	if dir.Size == 0 {
		return nil
	}

	const descriptorSize = 20
	pos := int64(dir.RVA)
	for {
		if pos+descriptorSize > int64(len(dest)) {
			return &LoaderError{Reason: "import directory out of bounds"}
		}
		originalFirstThunk := binary.LittleEndian.Uint32(dest[pos : pos+4])
		nameRVA := binary.LittleEndian.Uint32(dest[pos+12 : pos+16])
		firstThunk := binary.LittleEndian.Uint32(dest[pos+16 : pos+20])
		pos += descriptorSize

		if originalFirstThunk == 0 && nameRVA == 0 && firstThunk == 0 {
			break // null descriptor terminates the table
		}

		dllName := string(trimNulBytes(dest[nameRVA:]))
		h, err := windows.LoadLibrary(dllName)
		if err != nil {
			return &ImportError{DLL: dllName, Cause: err}
		}

		thunkRVA := originalFirstThunk
		if thunkRVA == 0 {
			thunkRVA = firstThunk // no ILT; bind straight from the IAT
		}

		for i := 0; ; i++ {
			thunkOff := int64(thunkRVA) + int64(i*8)
			if thunkOff+8 > int64(len(dest)) {
				return &LoaderError{Reason: "thunk table out of bounds"}
			}
			thunk := binary.LittleEndian.Uint64(dest[thunkOff : thunkOff+8])
			if thunk == 0 {
				break
			}

			var proc uintptr
			if thunk&0x8000000000000000 != 0 {
				ordinal := uint16(thunk & 0xFFFF)
				p, err := getProcAddressByOrdinal(h, ordinal)
				if err != nil {
					return &ImportError{DLL: dllName, Symbol: fmt.Sprintf("#%d", ordinal), Cause: err}
				}
				proc = p
			} else {
				hintNameRVA := uint32(thunk)
				name := string(trimNulBytes(dest[hintNameRVA+2:]))
				p, err := windows.GetProcAddress(h, name)
				if err != nil {
					return &ImportError{DLL: dllName, Symbol: name, Cause: err}
				}
				proc = p
			}

			iatOff := int64(firstThunk) + int64(i*8)
			binary.LittleEndian.PutUint64(dest[iatOff:iatOff+8], uint64(proc))
		}
	}
	return nil
}

// protectSections applies final page protections per section, computed
// from each section's characteristics, as spec.md §4.D step 6 requires.
func protectSections(img *peImage, base uintptr) error {
	const (
		scnMemExecute = 0x20000000
		scnMemRead    = 0x40000000
		scnMemWrite   = 0x80000000
	)

	for _, s := range img.sections {
		exec := s.Characteristics&scnMemExecute != 0
		write := s.Characteristics&scnMemWrite != 0
		read := s.Characteristics&scnMemRead != 0

		var prot uint32
		switch {
		case exec && write:
			prot = windows.PAGE_EXECUTE_READWRITE
		case exec && read:
			prot = windows.PAGE_EXECUTE_READ
		case write:
			prot = windows.PAGE_READWRITE
		case read:
			prot = windows.PAGE_READONLY
		default:
			prot = windows.PAGE_NOACCESS
		}

		size := uintptr(s.VirtualSize)
		if size == 0 {
			continue
		}
		var old uint32
		addr := base + uintptr(s.VirtualAddress)
		if err := windows.VirtualProtect(addr, size, prot, &old); err != nil {
			return &SyscallError{Op: "VirtualProtect", Errno: err}
		}
	}
	return nil
}

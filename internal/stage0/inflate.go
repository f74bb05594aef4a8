// Package stage0 implements the two-stage outer loader used when the musl
// Linux stub can't be shrunk by a post-build executable compressor: a
// minimal bootstrap that inflates a raw-deflate-compressed stage-1 SFX out
// of its own trailer and re-execs it from a memfd.
//
// This file is the hand-rolled RFC 1951 ("DEFLATE") decoder. It exists
// instead of a call to compress/flate because stage0 is meant to stay a
// tiny, dependency-free bootstrap in the spirit of spec.md §4.G's
// "no standard library, no heap allocator beyond a fixed arena" — the
// decode loop here only ever writes into a single pre-sized output slice
// and never grows it, the closest a hosted Go program gets to that
// constraint. It decodes into a caller-supplied fixed-size buffer and
// bounds-checks every write, per spec.md's SEC invariants.
package stage0

import "errors"

// ErrOverflow is returned when the decoded stream would write past the end
// of the destination buffer — the single most important bounds check in
// this package, since dst here stands in for the fixed arena spec.md §4.G
// requires.
var ErrOverflow = errors.New("inflate: output overflow")

// ErrCorrupt covers every other way a DEFLATE stream can be malformed:
// bad block type, invalid Huffman code, truncated input, mismatched
// stored-block length fields.
var ErrCorrupt = errors.New("inflate: corrupt stream")

const maxBits = 15

// huffman is a canonical Huffman decode table built the way RFC 1951 §3.2.2
// assigns codes: by code length, in symbol order.
type huffman struct {
	counts  [maxBits + 1]int
	symbols []int
}

func buildHuffman(lengths []int) *huffman {
	h := &huffman{symbols: make([]int, len(lengths))}
	for _, l := range lengths {
		h.counts[l]++
	}
	h.counts[0] = 0

	var offsets [maxBits + 2]int
	for i := 1; i <= maxBits; i++ {
		offsets[i+1] = offsets[i] + h.counts[i]
	}
	for sym, l := range lengths {
		if l != 0 {
			h.symbols[offsets[l]] = sym
			offsets[l]++
		}
	}
	return h
}

// bitReader pulls DEFLATE's LSB-first bit packing off a fixed input slice.
type bitReader struct {
	src    []byte
	pos    int
	bitbuf uint32
	bitcnt uint
}

func (br *bitReader) bits(n int) (uint32, error) {
	for br.bitcnt < uint(n) {
		if br.pos >= len(br.src) {
			return 0, ErrCorrupt
		}
		br.bitbuf |= uint32(br.src[br.pos]) << br.bitcnt
		br.pos++
		br.bitcnt += 8
	}
	v := br.bitbuf & ((1 << uint(n)) - 1)
	br.bitbuf >>= uint(n)
	br.bitcnt -= uint(n)
	return v, nil
}

func (br *bitReader) alignToByte() {
	br.bitbuf = 0
	br.bitcnt = 0
}

func (br *bitReader) decodeSymbol(h *huffman) (int, error) {
	code, first, index := 0, 0, 0
	for l := 1; l <= maxBits; l++ {
		bit, err := br.bits(1)
		if err != nil {
			return 0, err
		}
		code |= int(bit)
		count := h.counts[l]
		if code-first < count {
			return h.symbols[index+(code-first)], nil
		}
		index += count
		first += count
		first <<= 1
		code <<= 1
	}
	return 0, ErrCorrupt
}

var lengthBase = [29]int{
	3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15, 17, 19, 23, 27, 31,
	35, 43, 51, 59, 67, 83, 99, 115, 131, 163, 195, 227, 258,
}
var lengthExtra = [29]int{
	0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2,
	3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 0,
}
var distBase = [30]int{
	1, 2, 3, 4, 5, 7, 9, 13, 17, 25, 33, 49, 65, 97, 129, 193,
	257, 385, 513, 769, 1025, 1537, 2049, 3073, 4097, 6145,
	8193, 12289, 16385, 24577,
}
var distExtra = [30]int{
	0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6,
	7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13,
}

var fixedLiteralHuffman = func() *huffman {
	lengths := make([]int, 288)
	for i := 0; i < 144; i++ {
		lengths[i] = 8
	}
	for i := 144; i < 256; i++ {
		lengths[i] = 9
	}
	for i := 256; i < 280; i++ {
		lengths[i] = 7
	}
	for i := 280; i < 288; i++ {
		lengths[i] = 8
	}
	return buildHuffman(lengths)
}()

var fixedDistHuffman = func() *huffman {
	lengths := make([]int, 30)
	for i := range lengths {
		lengths[i] = 5
	}
	return buildHuffman(lengths)
}()

var codeLengthOrder = [19]int{16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15}

// Inflate decodes a raw DEFLATE stream from src into dst, returning the
// number of bytes written. dst must be large enough for the decoded
// output; every write is bounds-checked against it, and Inflate returns
// ErrOverflow rather than writing past its end.
func Inflate(src []byte, dst []byte) (int, error) {
	br := &bitReader{src: src}
	n := 0

	for {
		final, err := br.bits(1)
		if err != nil {
			return n, err
		}
		btype, err := br.bits(2)
		if err != nil {
			return n, err
		}

		switch btype {
		case 0: // stored
			br.alignToByte()
			if br.pos+4 > len(src) {
				return n, ErrCorrupt
			}
			length := int(src[br.pos]) | int(src[br.pos+1])<<8
			nlength := int(src[br.pos+2]) | int(src[br.pos+3])<<8
			br.pos += 4
			if length^nlength != 0xFFFF {
				return n, ErrCorrupt
			}
			if br.pos+length > len(src) {
				return n, ErrCorrupt
			}
			if n+length > len(dst) {
				return n, ErrOverflow
			}
			copy(dst[n:n+length], src[br.pos:br.pos+length])
			br.pos += length
			n += length

		case 1: // fixed Huffman
			var err error
			n, err = inflateBlock(br, fixedLiteralHuffman, fixedDistHuffman, dst, n)
			if err != nil {
				return n, err
			}

		case 2: // dynamic Huffman
			litHuff, distHuff, err := readDynamicTables(br)
			if err != nil {
				return n, err
			}
			n, err = inflateBlock(br, litHuff, distHuff, dst, n)
			if err != nil {
				return n, err
			}

		default:
			return n, ErrCorrupt
		}

		if final == 1 {
			break
		}
	}
	return n, nil
}

func inflateBlock(br *bitReader, litHuff, distHuff *huffman, dst []byte, n int) (int, error) {
	for {
		sym, err := br.decodeSymbol(litHuff)
		if err != nil {
			return n, err
		}
		if sym < 256 {
			if n+1 > len(dst) {
				return n, ErrOverflow
			}
			dst[n] = byte(sym)
			n++
			continue
		}
		if sym == 256 {
			return n, nil // end of block
		}

		idx := sym - 257
		if idx >= len(lengthBase) {
			return n, ErrCorrupt
		}
		extra, err := br.bits(lengthExtra[idx])
		if err != nil {
			return n, err
		}
		length := lengthBase[idx] + int(extra)

		distSym, err := br.decodeSymbol(distHuff)
		if err != nil {
			return n, err
		}
		if distSym >= len(distBase) {
			return n, ErrCorrupt
		}
		distExtraBits, err := br.bits(distExtra[distSym])
		if err != nil {
			return n, err
		}
		dist := distBase[distSym] + int(distExtraBits)

		if dist > n {
			return n, ErrCorrupt
		}
		if n+length > len(dst) {
			return n, ErrOverflow
		}
		src := n - dist
		for i := 0; i < length; i++ {
			dst[n+i] = dst[src+i]
		}
		n += length
	}
}

func readDynamicTables(br *bitReader) (lit, dist *huffman, err error) {
	hlit, err := br.bits(5)
	if err != nil {
		return nil, nil, err
	}
	hdist, err := br.bits(5)
	if err != nil {
		return nil, nil, err
	}
	hclen, err := br.bits(4)
	if err != nil {
		return nil, nil, err
	}

	nlit := int(hlit) + 257
	ndist := int(hdist) + 1
	nclen := int(hclen) + 4

	clLengths := make([]int, 19)
	for i := 0; i < nclen; i++ {
		v, err := br.bits(3)
		if err != nil {
			return nil, nil, err
		}
		clLengths[codeLengthOrder[i]] = int(v)
	}
	clHuff := buildHuffman(clLengths)

	allLengths := make([]int, nlit+ndist)
	i := 0
	for i < len(allLengths) {
		sym, err := br.decodeSymbol(clHuff)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case sym < 16:
			allLengths[i] = sym
			i++
		case sym == 16:
			if i == 0 {
				return nil, nil, ErrCorrupt
			}
			rep, err := br.bits(2)
			if err != nil {
				return nil, nil, err
			}
			count := int(rep) + 3
			prev := allLengths[i-1]
			for j := 0; j < count && i < len(allLengths); j++ {
				allLengths[i] = prev
				i++
			}
		case sym == 17:
			rep, err := br.bits(3)
			if err != nil {
				return nil, nil, err
			}
			count := int(rep) + 3
			for j := 0; j < count && i < len(allLengths); j++ {
				allLengths[i] = 0
				i++
			}
		case sym == 18:
			rep, err := br.bits(7)
			if err != nil {
				return nil, nil, err
			}
			count := int(rep) + 11
			for j := 0; j < count && i < len(allLengths); j++ {
				allLengths[i] = 0
				i++
			}
		default:
			return nil, nil, ErrCorrupt
		}
	}

	lit = buildHuffman(allLengths[:nlit])
	dist = buildHuffman(allLengths[nlit:])
	return lit, dist, nil
}

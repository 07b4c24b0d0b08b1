package proc

import (
	"encoding/binary"
	"fmt"
)

// WordSize is the granularity of the kernel peek/poke primitives.
const WordSize = 8

// PeekFunc reads the machine word at addr.
type PeekFunc func(addr uint64) (uint64, error)

// PokeFunc writes the machine word at addr.
type PokeFunc func(addr, word uint64) error

// ReadWords reads size bytes starting at addr using word sized peeks.
// Peeks are always issued at word aligned addresses so that a read never
// touches a word that does not contain at least one requested byte.
func ReadWords(peek PeekFunc, addr uint64, size int) ([]byte, error) {
	if size <= 0 {
		return []byte{}, nil
	}
	end := addr + uint64(size)
	if end < addr {
		return nil, fmt.Errorf("read of %d bytes at %#x wraps around the address space", size, addr)
	}
	start := addr &^ (WordSize - 1)
	buf := make([]byte, 0, end-start+WordSize)
	var word [WordSize]byte
	for a := start; a < end && a >= start; a += WordSize {
		w, err := peek(a)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint64(word[:], w)
		buf = append(buf, word[:]...)
	}
	off := addr - start
	return buf[off : off+uint64(size)], nil
}

// WriteWords writes data at addr using word sized pokes. Words only
// partially covered by data (the head word when addr is not aligned, the
// tail word when the end is not aligned) are read first and merged so
// that the bytes around data are preserved.
// All peeks happen before the first poke: a failing peek leaves memory
// untouched.
func WriteWords(peek PeekFunc, poke PokeFunc, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	end := addr + uint64(len(data))
	if end < addr {
		return fmt.Errorf("write of %d bytes at %#x wraps around the address space", len(data), addr)
	}
	start := addr &^ (WordSize - 1)

	words := make([]uint64, 0, (end-start+WordSize-1)/WordSize)
	var buf [WordSize]byte
	for a := start; a < end && a >= start; a += WordSize {
		lo, hi := a, a+WordSize
		if lo >= addr && hi <= end {
			words = append(words, binary.LittleEndian.Uint64(data[lo-addr:hi-addr]))
			continue
		}
		w, err := peek(a)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(buf[:], w)
		if lo < addr {
			lo = addr
		}
		if hi > end {
			hi = end
		}
		copy(buf[lo-a:hi-a], data[lo-addr:hi-addr])
		words = append(words, binary.LittleEndian.Uint64(buf[:]))
	}

	for i, w := range words {
		if err := poke(start+uint64(i)*WordSize, w); err != nil {
			return err
		}
	}
	return nil
}

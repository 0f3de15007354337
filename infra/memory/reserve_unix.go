//go:build unix

package memory

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func mapWords(n uint64) ([]uint64, func() error, error) {
	b, err := unix.Mmap(-1, 0, int(n*WordSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	words := unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), n)
	return words, func() error { return unix.Munmap(b) }, nil
}

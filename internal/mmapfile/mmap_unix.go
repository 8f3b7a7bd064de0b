//go:build unix

// Package mmapfile maps files into memory for whole-file parsing.
package mmapfile

import (
	"fmt"
	"os"
	"syscall"
)

// Map memory-maps path for reading. The returned release must be called
// when the mapped bytes are no longer referenced; the bytes are invalid
// after release.
func Map(path string) ([]byte, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := st.Size()
	if size == 0 {
		return []byte{}, func() { f.Close() }, nil
	}
	if size != int64(int(size)) {
		f.Close()
		return nil, nil, fmt.Errorf("map %s: file exceeds address space", path)
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("map %s: %w", path, err)
	}
	release := func() {
		_ = syscall.Munmap(data)
		f.Close()
	}
	return data, release, nil
}

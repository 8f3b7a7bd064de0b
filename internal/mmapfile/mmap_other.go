//go:build !unix

// Package mmapfile maps files into memory for whole-file parsing.
package mmapfile

import (
	"fmt"
	"os"
)

// Map reads path fully into memory on platforms without mmap. The
// release function exists for parity with the mapped variant.
func Map(path string) ([]byte, func(), error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, func() {}, nil
}

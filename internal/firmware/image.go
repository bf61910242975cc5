// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package firmware

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// LoadImage reads a firmware image through a read-only memory map.
func LoadImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}
	if info.Size() == 0 {
		return nil, ErrEmptyImage
	}
	if info.Size() > int64(^uint32(0)) {
		return nil, fmt.Errorf("firmware: image of %d bytes is too large", info.Size())
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	defer data.Unmap()

	return append([]byte(nil), data...), nil
}

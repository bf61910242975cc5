// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package scan

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSlaveIDs parses a list of slave IDs such as "1,2,5-10". Duplicates
// are kept in input order.
func ParseSlaveIDs(input string) ([]byte, error) {
	var ids []byte
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			id, err := parseID(part)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
			continue
		}

		start, err := parseID(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid start of range %q: %w", part, err)
		}
		end, err := parseID(hi)
		if err != nil {
			return nil, fmt.Errorf("invalid end of range %q: %w", part, err)
		}
		if start > end {
			return nil, fmt.Errorf("start of range %d is greater than end %d", start, end)
		}
		for i := int(start); i <= int(end); i++ {
			ids = append(ids, byte(i))
		}
	}
	return ids, nil
}

func parseID(s string) (byte, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid id: %w", err)
	}
	if id < 0 || id > 255 {
		return 0, fmt.Errorf("id out of range: %d", id)
	}
	return byte(id), nil
}

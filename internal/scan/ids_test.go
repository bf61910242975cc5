// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package scan

import (
	"bytes"
	"testing"
)

func TestParseSlaveIDs(t *testing.T) {
	tests := []struct {
		input   string
		want    []byte
		wantErr bool
	}{
		{"1", []byte{1}, false},
		{"1,2,3", []byte{1, 2, 3}, false},
		{"1-3", []byte{1, 2, 3}, false},
		{" 1 , 5 - 7 ,", []byte{1, 5, 6, 7}, false},
		{"", nil, false},
		{"0,247", []byte{0, 247}, false},
		{"3-1", nil, true},
		{"1-2-3", nil, true},
		{"256", nil, true},
		{"-1", nil, true},
		{"abc", nil, true},
	}

	for _, tt := range tests {
		got, err := ParseSlaveIDs(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSlaveIDs(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("ParseSlaveIDs(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

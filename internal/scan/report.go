// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package scan

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type report struct {
	Register  string    `yaml:"register"`
	Started   time.Time `yaml:"started"`
	Cancelled bool      `yaml:"cancelled,omitempty"`
	Found     []int     `yaml:"found,flow"`
	Probes    []Probe   `yaml:"probes"`
}

// WriteReport encodes r as YAML.
func WriteReport(w io.Writer, r *Result) error {
	rep := report{
		Register:  fmt.Sprintf("0x%04X", r.Register),
		Started:   r.Started,
		Cancelled: r.Cancelled,
		Found:     make([]int, 0, len(r.Found)),
		Probes:    r.Probes,
	}
	for _, id := range r.Found {
		rep.Found = append(rep.Found, int(id))
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("failed to encode scan report: %w", err)
	}
	return enc.Close()
}

// SaveReport writes r to path.
func SaveReport(path string, r *Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create scan report: %w", err)
	}
	if err := WriteReport(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

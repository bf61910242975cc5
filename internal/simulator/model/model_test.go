// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package model

import (
	"bytes"
	"testing"
)

func TestDataModel_Bits(t *testing.T) {
	m := NewDataModel()

	if err := m.WriteMultipleCoils(0x0013, 10, []byte{0xCD, 0x01}); err != nil {
		t.Fatal(err)
	}
	got, err := m.ReadBits(TableCoils, 0x0013, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0xCD, 0x01}) {
		t.Errorf("ReadBits = % X, want CD 01", got)
	}

	if err := m.WriteSingleCoil(0x0013, 0x0000); err != nil {
		t.Fatal(err)
	}
	got, _ = m.ReadBits(TableCoils, 0x0013, 8)
	if got[0] != 0xCC {
		t.Errorf("after clearing coil, ReadBits = % X, want CC", got)
	}

	if err := m.WriteSingleCoil(0x0013, 0x1234); err == nil {
		t.Error("expected error for invalid coil value")
	}

	m.DiscreteInputs[5] = 1
	got, _ = m.ReadBits(TableDiscreteInputs, 0, 8)
	if got[0] != 0x20 {
		t.Errorf("discrete inputs = % X, want 20", got)
	}
}

func TestDataModel_Registers(t *testing.T) {
	m := NewDataModel()

	if err := m.WriteMultipleRegisters(0xD000, 2, []byte{0x12, 0x34, 0xAB, 0xCD}); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteSingleRegister(0xD002, 7); err != nil {
		t.Fatal(err)
	}
	got, err := m.ReadRegisters(TableHoldingRegisters, 0xD000, 3)
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0x12, 0x34, 0xAB, 0xCD, 0x00, 0x07}; !bytes.Equal(got, want) {
		t.Errorf("ReadRegisters = % X, want % X", got, want)
	}

	m.SetInputRegister(0xD010, 1450)
	got, _ = m.ReadRegisters(TableInputRegisters, 0xD010, 1)
	if !bytes.Equal(got, []byte{0x05, 0xAA}) {
		t.Errorf("input register = % X", got)
	}
	if m.HoldingRegister(0xD002) != 7 {
		t.Errorf("HoldingRegister(0xD002) = %d", m.HoldingRegister(0xD002))
	}
}

func TestDataModel_RangeErrors(t *testing.T) {
	m := NewDataModel()
	tests := []struct {
		name string
		fn   func() error
	}{
		{"ZeroQuantity", func() error { _, err := m.ReadRegisters(TableHoldingRegisters, 0, 0); return err }},
		{"PastEnd", func() error { _, err := m.ReadBits(TableCoils, 0xFFFF, 2); return err }},
		{"ShortCoilData", func() error { return m.WriteMultipleCoils(0, 9, []byte{0xFF}) }},
		{"ShortRegisterData", func() error { return m.WriteMultipleRegisters(0, 2, []byte{0, 1}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

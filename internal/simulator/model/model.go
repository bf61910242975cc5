// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package model

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ffutop/modbus-master/modbus/rtu"
)

const (
	MaxAddress = 65535
)

// TableType represents the type of Modbus data table.
type TableType int

const (
	TableCoils TableType = iota
	TableDiscreteInputs
	TableHoldingRegisters
	TableInputRegisters
)

func (t TableType) String() string {
	switch t {
	case TableCoils:
		return "coils"
	case TableDiscreteInputs:
		return "discrete_inputs"
	case TableHoldingRegisters:
		return "holding_registers"
	case TableInputRegisters:
		return "input_registers"
	}
	return fmt.Sprintf("table(%d)", int(t))
}

// DataModel is the flat register image of a simulated device, covering the
// full 16-bit address space of every table.
type DataModel struct {
	mu sync.RWMutex

	// 0x Coils (Read/Write). Stored as 1 (ON) or 0 (OFF).
	Coils []byte
	// 1x Discrete Inputs (Read Only). Stored as 1 (ON) or 0 (OFF).
	DiscreteInputs []byte
	// 4x Holding Registers (Read/Write).
	HoldingRegisters []uint16
	// 3x Input Registers (Read Only).
	InputRegisters []uint16
}

// NewDataModel creates a new memory model initialized to zero.
func NewDataModel() *DataModel {
	return &DataModel{
		Coils:            make([]byte, MaxAddress+1),
		DiscreteInputs:   make([]byte, MaxAddress+1),
		HoldingRegisters: make([]uint16, MaxAddress+1),
		InputRegisters:   make([]uint16, MaxAddress+1),
	}
}

// ReadBits returns quantity coils or discrete inputs packed LSB-first.
func (m *DataModel) ReadBits(table TableType, address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}
	src := m.Coils
	if table == TableDiscreteInputs {
		src = m.DiscreteInputs
	}

	values := make([]bool, quantity)
	for i := range values {
		values[i] = src[int(address)+i] != 0
	}
	return rtu.PackBits(values), nil
}

// ReadRegisters returns quantity holding or input registers as big-endian bytes.
func (m *DataModel) ReadRegisters(table TableType, address, quantity uint16) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRange(address, quantity); err != nil {
		return nil, err
	}
	src := m.HoldingRegisters
	if table == TableInputRegisters {
		src = m.InputRegisters
	}

	result := make([]byte, 0, int(quantity)*2)
	for _, v := range src[address : int(address)+int(quantity)] {
		result = binary.BigEndian.AppendUint16(result, v)
	}
	return result, nil
}

// WriteSingleCoil writes a single coil. value must be 0xFF00 (ON) or 0x0000 (OFF).
func (m *DataModel) WriteSingleCoil(address uint16, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch value {
	case rtu.CoilOn:
		m.Coils[address] = 1
	case rtu.CoilOff:
		m.Coils[address] = 0
	default:
		return fmt.Errorf("invalid coil value 0x%04X", value)
	}
	return nil
}

// WriteMultipleCoils writes a range of coils from packed bytes.
func (m *DataModel) WriteMultipleCoils(address, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(address, quantity); err != nil {
		return err
	}
	if len(data) < (int(quantity)+7)/8 {
		return fmt.Errorf("insufficient data length")
	}

	for i, on := range rtu.UnpackBits(data, int(quantity)) {
		var v byte
		if on {
			v = 1
		}
		m.Coils[int(address)+i] = v
	}
	return nil
}

// WriteSingleRegister writes a single holding register.
func (m *DataModel) WriteSingleRegister(address uint16, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.HoldingRegisters[address] = value
	return nil
}

// WriteMultipleRegisters writes a range of holding registers from big-endian bytes.
func (m *DataModel) WriteMultipleRegisters(address, quantity uint16, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateRange(address, quantity); err != nil {
		return err
	}
	if len(data) < int(quantity)*2 {
		return fmt.Errorf("insufficient data length")
	}

	copy(m.HoldingRegisters[address:], rtu.UnpackRegisters(data[:int(quantity)*2]))
	return nil
}

// SetInputRegister updates a read-only register from the device side.
func (m *DataModel) SetInputRegister(address, value uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InputRegisters[address] = value
}

// InputRegister returns one input register.
func (m *DataModel) InputRegister(address uint16) uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.InputRegisters[address]
}

// HoldingRegister returns one holding register.
func (m *DataModel) HoldingRegister(address uint16) uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.HoldingRegisters[address]
}

func validateRange(address, quantity uint16) error {
	if quantity == 0 {
		return fmt.Errorf("quantity must be greater than 0")
	}
	// address is 0-based.
	if int(address)+int(quantity) > MaxAddress+1 {
		return fmt.Errorf("address range out of bounds")
	}
	return nil
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/crc"
)

// BuildFrame encodes an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes (low byte first)
func BuildFrame(slaveID, functionCode byte, data []byte) []byte {
	length := len(data) + 4
	raw := make([]byte, length)

	raw[0] = slaveID
	raw[1] = functionCode
	copy(raw[2:], data)

	var c crc.CRC
	checksum := c.Reset().PushBytes(raw[0 : length-2]).Value()
	raw[length-2] = byte(checksum)
	raw[length-1] = byte(checksum >> 8)
	return raw
}

// Verify reports whether the trailing two bytes of frame hold the CRC of the rest.
func Verify(frame []byte) bool {
	length := len(frame)
	if length < MinSize {
		return false
	}
	checksum := uint16(frame[length-1])<<8 | uint16(frame[length-2])
	return checksum == crc.Checksum(frame[:length-2])
}

// QuantityError reports a request quantity outside the protocol limits.
type QuantityError struct {
	FunctionCode byte
	Quantity     int
	Max          int
}

func (e *QuantityError) Error() string {
	return fmt.Sprintf("modbus: quantity %d for function 0x%02X must be between 1 and %d", e.Quantity, e.FunctionCode, e.Max)
}

func checkQuantity(fc byte, quantity, max int) error {
	if quantity < 1 || quantity > max {
		return &QuantityError{FunctionCode: fc, Quantity: quantity, Max: max}
	}
	return nil
}

func addressQuantity(address, quantity uint16) []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], quantity)
	return data
}

func buildRead(slaveID, fc byte, address, quantity uint16, max int) ([]byte, error) {
	if err := checkQuantity(fc, int(quantity), max); err != nil {
		return nil, err
	}
	return BuildFrame(slaveID, fc, addressQuantity(address, quantity)), nil
}

func BuildReadCoils(slaveID byte, address, quantity uint16) ([]byte, error) {
	return buildRead(slaveID, modbus.FuncCodeReadCoils, address, quantity, modbus.MaxReadBits)
}

func BuildReadDiscreteInputs(slaveID byte, address, quantity uint16) ([]byte, error) {
	return buildRead(slaveID, modbus.FuncCodeReadDiscreteInputs, address, quantity, modbus.MaxReadBits)
}

func BuildReadHoldingRegisters(slaveID byte, address, quantity uint16) ([]byte, error) {
	return buildRead(slaveID, modbus.FuncCodeReadHoldingRegisters, address, quantity, modbus.MaxReadRegisters)
}

func BuildReadInputRegisters(slaveID byte, address, quantity uint16) ([]byte, error) {
	return buildRead(slaveID, modbus.FuncCodeReadInputRegisters, address, quantity, modbus.MaxReadRegisters)
}

// BuildWriteSingleCoil encodes ON as 0xFF00 and OFF as 0x0000.
func BuildWriteSingleCoil(slaveID byte, address uint16, on bool) []byte {
	value := uint16(CoilOff)
	if on {
		value = CoilOn
	}
	return BuildFrame(slaveID, modbus.FuncCodeWriteSingleCoil, addressQuantity(address, value))
}

func BuildWriteSingleRegister(slaveID byte, address, value uint16) []byte {
	return BuildFrame(slaveID, modbus.FuncCodeWriteSingleRegister, addressQuantity(address, value))
}

// BuildWriteMultipleCoils packs values LSB-first, eight coils per byte.
func BuildWriteMultipleCoils(slaveID byte, address uint16, values []bool) ([]byte, error) {
	if err := checkQuantity(modbus.FuncCodeWriteMultipleCoils, len(values), modbus.MaxWriteBits); err != nil {
		return nil, err
	}
	packed := PackBits(values)
	data := append(addressQuantity(address, uint16(len(values))), byte(len(packed)))
	data = append(data, packed...)
	return BuildFrame(slaveID, modbus.FuncCodeWriteMultipleCoils, data), nil
}

func BuildWriteMultipleRegisters(slaveID byte, address uint16, values []uint16) ([]byte, error) {
	if err := checkQuantity(modbus.FuncCodeWriteMultipleRegisters, len(values), modbus.MaxWriteRegisters); err != nil {
		return nil, err
	}
	data := append(addressQuantity(address, uint16(len(values))), byte(len(values)*2))
	for _, v := range values {
		data = binary.BigEndian.AppendUint16(data, v)
	}
	return BuildFrame(slaveID, modbus.FuncCodeWriteMultipleRegisters, data), nil
}

// PackBits packs bools LSB-first into bytes.
func PackBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// UnpackBits expands count bits LSB-first from data.
func UnpackBits(data []byte, count int) []bool {
	out := make([]bool, count)
	for i := 0; i < count; i++ {
		byteIdx := i / 8
		if byteIdx >= len(data) {
			break
		}
		out[i] = data[byteIdx]&(1<<uint(i%8)) != 0
	}
	return out
}

// UnpackRegisters decodes big-endian 16-bit words.
func UnpackRegisters(data []byte) []uint16 {
	n := len(data) / 2
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return out
}

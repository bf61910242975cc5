// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/modbus-master/modbus"
)

// Response is a decoded response frame. Which fields are set depends on the
// function code; Payload always holds the raw data region.
type Response struct {
	SlaveID      byte
	FunctionCode byte

	// FC 1, 2. Every bit of the returned bytes; callers trim to the requested quantity.
	Bits []bool
	// FC 3, 4.
	Registers []uint16
	// FC 5, 6 echo address and value; FC 15, 16 echo address and quantity.
	Address uint16
	Value   uint16

	Payload []byte
}

type InvalidLengthError struct {
	FunctionCode byte
	Length       int
	Want         int
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("modbus: invalid length %d for function 0x%02X, want %d", e.Length, e.FunctionCode, e.Want)
}

// ParseResponse validates the CRC of frame and decodes it. Exception responses
// are returned as a modbus.ExceptionCode error.
func ParseResponse(frame []byte) (*Response, error) {
	if !Verify(frame) {
		return nil, modbus.ErrInvalidCRC
	}
	return parsePDU(frame[0], frame[1], frame[2:len(frame)-2])
}

// ParseUnchecked decodes a frame that carries no trailing CRC, such as the
// replies of the firmware sub-protocol. Only the exception bit is checked.
func ParseUnchecked(frame []byte) (*Response, error) {
	if len(frame) < 2 {
		return nil, &InvalidLengthError{Length: len(frame), Want: 2}
	}
	return parsePDU(frame[0], frame[1], frame[2:])
}

func parsePDU(slaveID, fc byte, data []byte) (*Response, error) {
	if fc&modbus.FuncCodeError != 0 {
		if len(data) < 1 {
			return nil, &InvalidLengthError{FunctionCode: fc, Length: 0, Want: 1}
		}
		return nil, modbus.ExceptionCode(data[0])
	}

	resp := &Response{
		SlaveID:      slaveID,
		FunctionCode: fc,
		Payload:      data,
	}

	switch fc {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs:
		values, err := byteCounted(fc, data)
		if err != nil {
			return nil, err
		}
		resp.Bits = UnpackBits(values, len(values)*8)
	case modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters:
		values, err := byteCounted(fc, data)
		if err != nil {
			return nil, err
		}
		if len(values)%2 != 0 {
			return nil, fmt.Errorf("modbus: odd register byte count %d", len(values))
		}
		resp.Registers = UnpackRegisters(values)
	case modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		if len(data) != 4 {
			return nil, &InvalidLengthError{FunctionCode: fc, Length: len(data), Want: 4}
		}
		resp.Address = binary.BigEndian.Uint16(data[0:2])
		resp.Value = binary.BigEndian.Uint16(data[2:4])
	}
	return resp, nil
}

// byteCounted returns the data region bounded by the leading byte count.
func byteCounted(fc byte, data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, &InvalidLengthError{FunctionCode: fc, Length: 0, Want: 1}
	}
	count := int(data[0])
	if len(data)-1 < count {
		return nil, &InvalidLengthError{FunctionCode: fc, Length: len(data) - 1, Want: count}
	}
	return data[1 : 1+count], nil
}

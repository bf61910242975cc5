// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the protocol level types shared by the codec, the
// transport and the master: function codes, exception codes and the
// error taxonomy of a request/response exchange.
package modbus

import (
	"errors"
	"fmt"
)

// Function Codes
const (
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10

	// FuncCodeFirmware carries the vendor firmware update sub-protocol.
	FuncCodeFirmware = 0x66

	// FuncCodeError is set on the function code of an exception response.
	FuncCodeError = 0x80
)

// Protocol limits for a single request.
const (
	MaxReadBits       = 2000
	MaxWriteBits      = 1968
	MaxReadRegisters  = 125
	MaxWriteRegisters = 123
)

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

var (
	ErrNotConnected = errors.New("modbus: not connected")
	ErrInvalidCRC   = errors.New("modbus: invalid crc")
	ErrTimeout      = errors.New("modbus: request timed out")
	ErrDisconnected = errors.New("modbus: disconnected")
)

// ExceptionCode is the exception byte of an error response.
type ExceptionCode byte

const (
	ExceptionCodeIllegalFunction                    ExceptionCode = 0x01
	ExceptionCodeIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionCodeIllegalDataValue                   ExceptionCode = 0x03
	ExceptionCodeServerDeviceFailure                ExceptionCode = 0x04
	ExceptionCodeAcknowledge                        ExceptionCode = 0x05
	ExceptionCodeServerDeviceBusy                   ExceptionCode = 0x06
	ExceptionCodeMemoryParityError                  ExceptionCode = 0x08
	ExceptionCodeGatewayPathUnavailable             ExceptionCode = 0x0A
	ExceptionCodeGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

var exceptionNames = map[ExceptionCode]string{
	ExceptionCodeIllegalFunction:                    "Illegal Function",
	ExceptionCodeIllegalDataAddress:                 "Illegal Data Address",
	ExceptionCodeIllegalDataValue:                   "Illegal Data Value",
	ExceptionCodeServerDeviceFailure:                "Slave Device Failure",
	ExceptionCodeAcknowledge:                        "Acknowledge",
	ExceptionCodeServerDeviceBusy:                   "Slave Device Busy",
	ExceptionCodeMemoryParityError:                  "Memory Parity Error",
	ExceptionCodeGatewayPathUnavailable:             "Gateway Path Unavailable",
	ExceptionCodeGatewayTargetDeviceFailedToRespond: "Gateway Target Failed to Respond",
}

// Name returns the textual name of the exception code.
func (ec ExceptionCode) Name() string {
	if s, ok := exceptionNames[ec]; ok {
		return s
	}
	return fmt.Sprintf("Unknown Exception 0x%02X", byte(ec))
}

func (ec ExceptionCode) Error() string {
	return fmt.Sprintf("modbus: exception 0x%02X (%s)", byte(ec), ec.Name())
}

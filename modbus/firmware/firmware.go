// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package firmware encodes the vendor firmware update sub-protocol carried
// inside function code 0x66.
//
// Requests are ordinary RTU frames:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte (0x66)
//	OpCode          : 1 byte
//	Payload         : 0 up to 251 bytes
//	CRC             : 2 bytes
//
// Replies carry the same header but no trailing CRC.
package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ffutop/modbus-master/modbus"
	rtupacket "github.com/ffutop/modbus-master/modbus/rtu"
)

// OpCodes
const (
	OpCodeInit     = 0x90
	OpCodeErase    = 0x91
	OpCodeData     = 0x03
	OpCodeAck      = 0x04
	OpCodeError    = 0x05
	OpCodeFinalize = 0x99
)

const (
	// EraseConfirmKey is the fixed payload of an erase status poll.
	EraseConfirmKey uint32 = 0x55555555
	// EraseComplete is the status a device reports once flash is erased.
	EraseComplete uint32 = 0xFFFFFFFF

	// MaxChunkSize is the largest data chunk that fits one RTU frame.
	MaxChunkSize = rtupacket.MaxSize - 6
)

var (
	ErrUnknownOpCode      = errors.New("firmware: unknown opcode")
	ErrDeviceReported     = errors.New("firmware: device reported error")
	ErrUnexpectedFunction = errors.New("firmware: unexpected function code")
	ErrShortReply         = errors.New("firmware: reply too short")
)

// BuildInit announces an image of size bytes.
func BuildInit(slaveID byte, size uint32) []byte {
	return build(slaveID, OpCodeInit, binary.BigEndian.AppendUint32(nil, size))
}

// BuildEraseConfirm polls the erase status.
func BuildEraseConfirm(slaveID byte) []byte {
	return build(slaveID, OpCodeErase, binary.BigEndian.AppendUint32(nil, EraseConfirmKey))
}

// BuildData carries one chunk as [length, bytes...].
func BuildData(slaveID byte, chunk []byte) ([]byte, error) {
	if len(chunk) == 0 || len(chunk) > MaxChunkSize {
		return nil, fmt.Errorf("firmware: chunk size %d must be between 1 and %d", len(chunk), MaxChunkSize)
	}
	payload := make([]byte, 0, len(chunk)+1)
	payload = append(payload, byte(len(chunk)))
	payload = append(payload, chunk...)
	return build(slaveID, OpCodeData, payload), nil
}

// BuildFinalize ends the transfer and re-locks the flash.
func BuildFinalize(slaveID byte) []byte {
	return build(slaveID, OpCodeFinalize, nil)
}

func build(slaveID, opCode byte, payload []byte) []byte {
	data := make([]byte, 0, len(payload)+1)
	data = append(data, opCode)
	data = append(data, payload...)
	return rtupacket.BuildFrame(slaveID, modbus.FuncCodeFirmware, data)
}

// Reply is a decoded sub-protocol reply.
type Reply struct {
	SlaveID byte
	OpCode  byte
	Payload []byte
}

// Word returns the leading 4-byte big-endian field of the payload: the erase
// status of an 0x91 reply, or the received byte total of an 0x04 ack.
func (r *Reply) Word() (uint32, bool) {
	if len(r.Payload) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(r.Payload[:4]), true
}

// ParseReply decodes a reply without CRC validation. Exception replies are
// returned as modbus.ExceptionCode, opcode 0x05 as ErrDeviceReported.
func ParseReply(frame []byte) (*Reply, error) {
	resp, err := rtupacket.ParseUnchecked(frame)
	if err != nil {
		return nil, err
	}
	if resp.FunctionCode != modbus.FuncCodeFirmware {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnexpectedFunction, resp.FunctionCode)
	}
	if len(resp.Payload) < 1 {
		return nil, ErrShortReply
	}

	reply := &Reply{
		SlaveID: resp.SlaveID,
		OpCode:  resp.Payload[0],
		Payload: resp.Payload[1:],
	}
	switch reply.OpCode {
	case OpCodeInit, OpCodeErase, OpCodeAck, OpCodeFinalize:
		return reply, nil
	case OpCodeError:
		return reply, fmt.Errorf("%w (% X)", ErrDeviceReported, reply.Payload)
	default:
		return reply, fmt.Errorf("%w: 0x%02X", ErrUnknownOpCode, reply.OpCode)
	}
}

// BuildReply encodes a reply the way a bootloader sends it, without CRC.
func BuildReply(slaveID, opCode byte, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, slaveID, modbus.FuncCodeFirmware, opCode)
	return append(frame, payload...)
}

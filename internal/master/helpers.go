// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package master

import (
	"context"
	"errors"
	"fmt"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/rtu"
)

func (c *Coordinator) exchange(ctx context.Context, frame []byte) (*rtu.Response, error) {
	res := c.SendAndWait(ctx, Request{Frame: frame, Timeout: c.Timeout})
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Response, nil
}

// ReadCoils reads quantity coils starting at address.
func (c *Coordinator) ReadCoils(ctx context.Context, slaveID byte, address, quantity uint16) ([]bool, error) {
	frame, err := rtu.BuildReadCoils(slaveID, address, quantity)
	if err != nil {
		return nil, err
	}
	return c.readBits(ctx, frame, quantity)
}

// ReadDiscreteInputs reads quantity discrete inputs starting at address.
func (c *Coordinator) ReadDiscreteInputs(ctx context.Context, slaveID byte, address, quantity uint16) ([]bool, error) {
	frame, err := rtu.BuildReadDiscreteInputs(slaveID, address, quantity)
	if err != nil {
		return nil, err
	}
	return c.readBits(ctx, frame, quantity)
}

func (c *Coordinator) readBits(ctx context.Context, frame []byte, quantity uint16) ([]bool, error) {
	resp, err := c.exchange(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("read 0x%02X from slave %d: %w", frame[1], frame[0], err)
	}
	if len(resp.Bits) < int(quantity) {
		return nil, &rtu.InvalidLengthError{FunctionCode: frame[1], Length: len(resp.Bits), Want: int(quantity)}
	}
	return resp.Bits[:quantity], nil
}

// ReadHoldingRegisters reads quantity holding registers starting at address.
func (c *Coordinator) ReadHoldingRegisters(ctx context.Context, slaveID byte, address, quantity uint16) ([]uint16, error) {
	frame, err := rtu.BuildReadHoldingRegisters(slaveID, address, quantity)
	if err != nil {
		return nil, err
	}
	return c.readRegisters(ctx, frame, quantity)
}

// ReadInputRegisters reads quantity input registers starting at address.
func (c *Coordinator) ReadInputRegisters(ctx context.Context, slaveID byte, address, quantity uint16) ([]uint16, error) {
	frame, err := rtu.BuildReadInputRegisters(slaveID, address, quantity)
	if err != nil {
		return nil, err
	}
	return c.readRegisters(ctx, frame, quantity)
}

func (c *Coordinator) readRegisters(ctx context.Context, frame []byte, quantity uint16) ([]uint16, error) {
	resp, err := c.exchange(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("read 0x%02X from slave %d: %w", frame[1], frame[0], err)
	}
	if len(resp.Registers) != int(quantity) {
		return nil, &rtu.InvalidLengthError{FunctionCode: frame[1], Length: len(resp.Registers), Want: int(quantity)}
	}
	return resp.Registers, nil
}

// WriteSingleCoil switches one coil.
func (c *Coordinator) WriteSingleCoil(ctx context.Context, slaveID byte, address uint16, on bool) error {
	value := uint16(rtu.CoilOff)
	if on {
		value = rtu.CoilOn
	}
	return c.write(ctx, rtu.BuildWriteSingleCoil(slaveID, address, on), address, value)
}

// WriteSingleRegister writes one holding register. The slave must echo the request.
func (c *Coordinator) WriteSingleRegister(ctx context.Context, slaveID byte, address, value uint16) error {
	return c.write(ctx, rtu.BuildWriteSingleRegister(slaveID, address, value), address, value)
}

// WriteMultipleCoils writes consecutive coils starting at address.
func (c *Coordinator) WriteMultipleCoils(ctx context.Context, slaveID byte, address uint16, values []bool) error {
	frame, err := rtu.BuildWriteMultipleCoils(slaveID, address, values)
	if err != nil {
		return err
	}
	return c.write(ctx, frame, address, uint16(len(values)))
}

// WriteMultipleRegisters writes consecutive holding registers starting at address.
func (c *Coordinator) WriteMultipleRegisters(ctx context.Context, slaveID byte, address uint16, values []uint16) error {
	frame, err := rtu.BuildWriteMultipleRegisters(slaveID, address, values)
	if err != nil {
		return err
	}
	return c.write(ctx, frame, address, uint16(len(values)))
}

// write runs a write exchange and checks the echoed address and value or quantity.
func (c *Coordinator) write(ctx context.Context, frame []byte, address, value uint16) error {
	resp, err := c.exchange(ctx, frame)
	if err != nil {
		return fmt.Errorf("write 0x%02X to slave %d: %w", frame[1], frame[0], err)
	}
	if resp.Address != address || resp.Value != value {
		return fmt.Errorf("write 0x%02X to slave %d: echo %04X/%04X does not match %04X/%04X",
			frame[1], frame[0], resp.Address, resp.Value, address, value)
	}
	return nil
}

// IsException reports whether err carries a Modbus exception reply.
func IsException(err error) (modbus.ExceptionCode, bool) {
	var ec modbus.ExceptionCode
	ok := errors.As(err, &ec)
	return ec, ok
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package simulator emulates EC fan controllers on an RTU bus: a shared
// register image answered under one or more slave IDs, plus a firmware
// bootloader per ID.
package simulator

import (
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/modbus-master/internal/simulator/model"
	"github.com/ffutop/modbus-master/internal/simulator/persistence"
	"github.com/ffutop/modbus-master/modbus"
	fwpacket "github.com/ffutop/modbus-master/modbus/firmware"
	"github.com/ffutop/modbus-master/modbus/rtu"
)

// Registers seeded into a fresh model.
const (
	RegDeviceType      = 0xD000 // holding, identifies the controller family
	RegSpeedSetpoint   = 0xD001 // holding, rpm
	RegFirmwareVersion = 0xD000 // input
	RegActualSpeed     = 0xD010 // input, rpm

	DeviceTypeECFan = 0x4543
)

// Option configures a Slave.
type Option func(*Slave)

// WithEraseDuration sets how long a flash erase takes. A negative duration
// never completes.
func WithEraseDuration(d time.Duration) Option {
	return func(s *Slave) { s.eraseDuration = d }
}

// WithFirmwareHook is called with the image after every finalized update.
func WithFirmwareHook(fn func(slaveID byte, image []byte)) Option {
	return func(s *Slave) { s.onFirmware = fn }
}

// Slave implements transport.Simulator on top of a DataModel.
type Slave struct {
	model   *model.DataModel
	storage persistence.Storage
	ids     map[byte]bool

	eraseDuration time.Duration
	onFirmware    func(slaveID byte, image []byte)

	mu          sync.Mutex
	bootloaders map[byte]*bootloader
}

// NewSlave creates a Slave answering for every ID in ids.
func NewSlave(m *model.DataModel, storage persistence.Storage, ids []byte, opts ...Option) *Slave {
	s := &Slave{
		model:         m,
		storage:       storage,
		ids:           make(map[byte]bool, len(ids)),
		eraseDuration: time.Second,
		bootloaders:   make(map[byte]*bootloader),
	}
	for _, id := range ids {
		s.ids[id] = true
	}
	for _, opt := range opts {
		opt(s)
	}
	if storage == nil {
		s.storage = persistence.NewMemoryStorage()
	}
	if m.HoldingRegister(RegDeviceType) == 0 {
		m.WriteSingleRegister(RegDeviceType, DeviceTypeECFan)
		m.SetInputRegister(RegFirmwareVersion, 0x0100)
	}
	return s
}

// Model returns the register image.
func (s *Slave) Model() *model.DataModel {
	return s.model
}

// ProcessRequest answers one request frame. Frames with a bad CRC or for
// another slave get no reply, and broadcasts are executed silently.
func (s *Slave) ProcessRequest(frame []byte) []byte {
	if !rtu.Verify(frame) {
		slog.Debug("simulator dropped frame with bad crc", "frame", hex.EncodeToString(frame))
		return nil
	}
	slaveID := frame[0]
	broadcast := slaveID == rtu.Broadcast
	if !broadcast && !s.ids[slaveID] {
		return nil
	}
	req := modbus.ProtocolDataUnit{
		FunctionCode: frame[1],
		Data:         frame[2 : len(frame)-2],
	}

	if req.FunctionCode == modbus.FuncCodeFirmware {
		if broadcast {
			return nil
		}
		op, payload := s.bootloader(slaveID).handle(req.Data)
		return fwpacket.BuildReply(slaveID, op, payload)
	}

	resp := s.Process(req)
	if broadcast {
		return nil
	}
	return rtu.BuildFrame(slaveID, resp.FunctionCode, resp.Data)
}

func (s *Slave) bootloader(slaveID byte) *bootloader {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bootloaders[slaveID]
	if !ok {
		b = &bootloader{
			eraseDuration: s.eraseDuration,
			onFinalize: func(image []byte) {
				s.model.SetInputRegister(RegFirmwareVersion, s.model.InputRegister(RegFirmwareVersion)+1)
				if s.onFirmware != nil {
					s.onFirmware(slaveID, image)
				}
			},
		}
		s.bootloaders[slaveID] = b
	}
	return b
}

// Firmware returns the last image finalized on slaveID.
func (s *Slave) Firmware(slaveID byte) []byte {
	return s.bootloader(slaveID).lastImage()
}

// Process executes a standard function code against the model.
func (s *Slave) Process(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils:
		return s.handleReadBits(req, model.TableCoils)
	case modbus.FuncCodeReadDiscreteInputs:
		return s.handleReadBits(req, model.TableDiscreteInputs)
	case modbus.FuncCodeReadHoldingRegisters:
		return s.handleReadRegisters(req, model.TableHoldingRegisters)
	case modbus.FuncCodeReadInputRegisters:
		return s.handleReadRegisters(req, model.TableInputRegisters)
	case modbus.FuncCodeWriteSingleCoil:
		return s.handleWriteSingleCoil(req)
	case modbus.FuncCodeWriteSingleRegister:
		return s.handleWriteSingleRegister(req)
	case modbus.FuncCodeWriteMultipleCoils:
		return s.handleWriteMultipleCoils(req)
	case modbus.FuncCodeWriteMultipleRegisters:
		return s.handleWriteMultipleRegisters(req)
	default:
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalFunction)
	}
}

func (s *Slave) handleReadBits(req modbus.ProtocolDataUnit, table model.TableType) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > modbus.MaxReadBits {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	data, err := s.model.ReadBits(table, address, quantity)
	if err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	return byteCounted(req.FunctionCode, data)
}

func (s *Slave) handleReadRegisters(req modbus.ProtocolDataUnit, table model.TableType) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > modbus.MaxReadRegisters {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	data, err := s.model.ReadRegisters(table, address, quantity)
	if err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	return byteCounted(req.FunctionCode, data)
}

func (s *Slave) handleWriteSingleCoil(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	if err := s.model.WriteSingleCoil(address, value); err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	s.storage.OnWrite(model.TableCoils, address, 1)
	return req
}

func (s *Slave) handleWriteSingleRegister(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	if err := s.model.WriteSingleRegister(address, value); err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	if address == RegSpeedSetpoint {
		s.model.SetInputRegister(RegActualSpeed, value)
	}
	s.storage.OnWrite(model.TableHoldingRegisters, address, 1)
	return req
}

func (s *Slave) handleWriteMultipleCoils(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	address, quantity, values, ok := multipleWrite(req, modbus.MaxWriteBits)
	if !ok {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if err := s.model.WriteMultipleCoils(address, quantity, values); err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	s.storage.OnWrite(model.TableCoils, address, quantity)
	return writeAck(req.FunctionCode, address, quantity)
}

func (s *Slave) handleWriteMultipleRegisters(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	address, quantity, values, ok := multipleWrite(req, modbus.MaxWriteRegisters)
	if !ok {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if err := s.model.WriteMultipleRegisters(address, quantity, values); err != nil {
		return exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	s.storage.OnWrite(model.TableHoldingRegisters, address, quantity)
	return writeAck(req.FunctionCode, address, quantity)
}

// multipleWrite splits [address, quantity, byteCount, values...].
func multipleWrite(req modbus.ProtocolDataUnit, limit uint16) (address, quantity uint16, values []byte, ok bool) {
	if len(req.Data) < 6 {
		return 0, 0, nil, false
	}
	address = binary.BigEndian.Uint16(req.Data[0:2])
	quantity = binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := int(req.Data[4])

	if quantity < 1 || quantity > limit || len(req.Data)-5 != byteCount {
		return 0, 0, nil, false
	}
	return address, quantity, req.Data[5:], true
}

func byteCounted(funcCode byte, data []byte) modbus.ProtocolDataUnit {
	respData := make([]byte, 1+len(data))
	respData[0] = byte(len(data))
	copy(respData[1:], data)
	return modbus.ProtocolDataUnit{FunctionCode: funcCode, Data: respData}
}

func writeAck(funcCode byte, address, quantity uint16) modbus.ProtocolDataUnit {
	respData := make([]byte, 4)
	binary.BigEndian.PutUint16(respData[0:2], address)
	binary.BigEndian.PutUint16(respData[2:4], quantity)
	return modbus.ProtocolDataUnit{FunctionCode: funcCode, Data: respData}
}

func exception(funcCode byte, code modbus.ExceptionCode) modbus.ProtocolDataUnit {
	return modbus.ProtocolDataUnit{
		FunctionCode: funcCode | modbus.FuncCodeError,
		Data:         []byte{byte(code)},
	}
}

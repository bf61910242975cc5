// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	fwpacket "github.com/ffutop/modbus-master/modbus/firmware"
)

type bootState int

const (
	bootIdle bootState = iota
	bootErasing
	bootReceiving
)

// Reasons carried in an 0x05 error reply.
const (
	errBadSequence = 0x01
	errBadKey      = 0x02
	errBadLength   = 0x03
	errOverflow    = 0x04
	errIncomplete  = 0x05
	errBadSize     = 0x06
	errUnknownOp   = 0x07
)

// bootloader emulates the flash side of a firmware update.
type bootloader struct {
	eraseDuration time.Duration
	onFinalize    func(image []byte)

	mu         sync.Mutex
	state      bootState
	eraseStart time.Time
	size       uint32
	image      []byte
	last       []byte
}

// handle executes one sub-protocol request [opCode, payload...] and returns
// the reply opcode and payload.
func (b *bootloader) handle(data []byte) (byte, []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(data) == 0 {
		return b.fail(errBadLength)
	}
	op, payload := data[0], data[1:]

	switch op {
	case fwpacket.OpCodeInit:
		if len(payload) != 4 {
			return b.fail(errBadLength)
		}
		size := binary.BigEndian.Uint32(payload)
		if size == 0 {
			return b.fail(errBadSize)
		}
		b.state = bootErasing
		b.eraseStart = time.Now()
		b.size = size
		b.image = make([]byte, 0, size)
		slog.Debug("bootloader erasing flash", "size", size)
		return fwpacket.OpCodeInit, payload

	case fwpacket.OpCodeErase:
		if len(payload) != 4 {
			return b.fail(errBadLength)
		}
		if binary.BigEndian.Uint32(payload) != fwpacket.EraseConfirmKey {
			return b.fail(errBadKey)
		}
		status := uint32(0)
		switch b.state {
		case bootErasing:
			if b.eraseDuration >= 0 && time.Since(b.eraseStart) >= b.eraseDuration {
				b.state = bootReceiving
				status = fwpacket.EraseComplete
			}
		case bootReceiving:
			status = fwpacket.EraseComplete
		default:
			return b.fail(errBadSequence)
		}
		return fwpacket.OpCodeErase, binary.BigEndian.AppendUint32(nil, status)

	case fwpacket.OpCodeData:
		if b.state != bootReceiving {
			return b.fail(errBadSequence)
		}
		if len(payload) < 1 || int(payload[0]) != len(payload)-1 || payload[0] == 0 {
			return b.fail(errBadLength)
		}
		if uint32(len(b.image)+len(payload)-1) > b.size {
			return b.fail(errOverflow)
		}
		b.image = append(b.image, payload[1:]...)
		return fwpacket.OpCodeAck, binary.BigEndian.AppendUint32(nil, uint32(len(b.image)))

	case fwpacket.OpCodeFinalize:
		if b.state != bootReceiving {
			return b.fail(errBadSequence)
		}
		if uint32(len(b.image)) != b.size {
			return b.fail(errIncomplete)
		}
		b.last = b.image
		b.image = nil
		b.state = bootIdle
		slog.Info("bootloader flashed image", "size", len(b.last))
		if b.onFinalize != nil {
			b.onFinalize(b.last)
		}
		return fwpacket.OpCodeFinalize, nil

	default:
		return b.fail(errUnknownOp)
	}
}

// fail aborts the session. Caller must hold the mutex.
func (b *bootloader) fail(reason byte) (byte, []byte) {
	slog.Debug("bootloader rejected request", "reason", reason, "state", b.state)
	b.state = bootIdle
	b.image = nil
	return fwpacket.OpCodeError, []byte{reason}
}

func (b *bootloader) lastImage() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

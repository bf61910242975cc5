// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import "time"

const (
	MinSize = 4
	MaxSize = 256

	ExceptionSize = 5
)

// Broadcast is the slave address every device accepts without replying.
const Broadcast = 0

// MaxSlaveID is the highest unicast slave address on an RTU bus.
const MaxSlaveID = 247

// Coil values of a Write Single Coil request.
const (
	CoilOn  = 0xFF00
	CoilOff = 0x0000
)

// CharDelay returns the time it takes to put n characters on the wire.
// Above 19200 baud the standard fixes the character time at 750us.
func CharDelay(baudRate int, n int) time.Duration {
	characterDelay := 750
	if baudRate > 0 && baudRate <= 19200 {
		characterDelay = 15000000 / baudRate
	}
	return time.Duration(characterDelay*n) * time.Microsecond
}

// FrameDelay returns the 3.5 character silence that terminates an RTU frame.
func FrameDelay(baudRate int) time.Duration {
	frameDelay := 1750
	if baudRate > 0 && baudRate <= 19200 {
		frameDelay = 35000000 / baudRate
	}
	return time.Duration(frameDelay) * time.Microsecond
}

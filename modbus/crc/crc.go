// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package crc implements the CRC-16/MODBUS checksum (poly 0xA001 reflected, init 0xFFFF).
package crc

const (
	initial    = 0xFFFF
	polynomial = 0xA001
)

var table [256]uint16

func init() {
	for i := range table {
		v := uint16(i)
		for j := 0; j < 8; j++ {
			if v&1 != 0 {
				v = (v >> 1) ^ polynomial
			} else {
				v >>= 1
			}
		}
		table[i] = v
	}
}

// CRC is a running CRC-16/MODBUS accumulator. The zero value must be Reset before use.
type CRC struct {
	value uint16
}

func (crc *CRC) Reset() *CRC {
	crc.value = initial
	return crc
}

func (crc *CRC) PushBytes(bs []byte) *CRC {
	v := crc.value
	for _, b := range bs {
		v = (v >> 8) ^ table[byte(v)^b]
	}
	crc.value = v
	return crc
}

func (crc *CRC) Value() uint16 {
	return crc.value
}

// Checksum returns the CRC-16/MODBUS of b.
func Checksum(b []byte) uint16 {
	var c CRC
	return c.Reset().PushBytes(b).Value()
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	bugst "go.bug.st/serial"

	"github.com/ffutop/modbus-master/internal/config"
)

// BugstOpener opens serial ports through go.bug.st/serial. It has no RS485
// support but enumerates ports on every platform.
type BugstOpener struct {
	Device      string
	Mode        bugst.Mode
	ReadTimeout time.Duration

	rs485 bool
}

func NewBugstOpener(cfg config.SerialConfig) *BugstOpener {
	return &BugstOpener{
		Device: cfg.Device,
		Mode: bugst.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: cfg.DataBits,
			Parity:   bugstParity(cfg.Parity),
			StopBits: bugstStopBits(cfg.StopBits),
		},
		ReadTimeout: cfg.Timeout,
		rs485:       cfg.RS485,
	}
}

func (o *BugstOpener) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if o.rs485 {
		slog.Warn("rs485 settings are ignored by the bugst driver", "device", o.Device)
	}
	port, err := bugst.Open(o.Device, &o.Mode)
	if err != nil {
		return nil, err
	}
	timeout := o.ReadTimeout
	if timeout <= 0 {
		timeout = serialTimeout
	}
	// A timed out read returns 0, nil.
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	return port, nil
}

func (o *BugstOpener) String() string {
	return o.Device
}

// Ports lists the serial ports present on this machine.
func Ports() ([]string, error) {
	return bugst.GetPortsList()
}

func bugstParity(p string) bugst.Parity {
	switch p {
	case "E":
		return bugst.EvenParity
	case "O":
		return bugst.OddParity
	default:
		return bugst.NoParity
	}
}

func bugstStopBits(n int) bugst.StopBits {
	if n == 2 {
		return bugst.TwoStopBits
	}
	return bugst.OneStopBit
}

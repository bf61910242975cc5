// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/transport"
)

const (
	// Default read timeout of a single port read.
	serialTimeout = 50 * time.Millisecond
)

// NewOpener returns the serial opener for the driver selected in cfg.
func NewOpener(cfg config.SerialConfig) (transport.Opener, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "gridx":
		return NewGridXOpener(cfg), nil
	case "bugst":
		return NewBugstOpener(cfg), nil
	default:
		return nil, fmt.Errorf("unknown serial driver %q", cfg.Driver)
	}
}

// GridXOpener opens serial ports through github.com/grid-x/serial, which
// also drives RS485 transceivers.
type GridXOpener struct {
	// Serial port configuration.
	serial.Config
}

func NewGridXOpener(cfg config.SerialConfig) *GridXOpener {
	o := &GridXOpener{}
	o.Config.Address = cfg.Device
	o.Config.BaudRate = cfg.BaudRate
	o.Config.DataBits = cfg.DataBits
	o.Config.StopBits = cfg.StopBits
	o.Config.Parity = cfg.Parity
	o.Config.Timeout = cfg.Timeout
	if o.Config.Timeout <= 0 {
		o.Config.Timeout = serialTimeout
	}
	if cfg.RS485 {
		o.Config.RS485.Enabled = true
		o.Config.RS485.DelayRtsBeforeSend = cfg.DelayRtsBeforeSend
		o.Config.RS485.DelayRtsAfterSend = cfg.DelayRtsAfterSend
		o.Config.RS485.RtsHighDuringSend = cfg.RtsHighDuringSend
		o.Config.RS485.RtsHighAfterSend = cfg.RtsHighAfterSend
		o.Config.RS485.RxDuringTx = cfg.RxDuringTx
	}
	return o
}

func (o *GridXOpener) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	port, err := serial.Open(&o.Config)
	if err != nil {
		return nil, err
	}
	slog.Debug("serial port opened", "device", o.Config.Address, "baud", o.Config.BaudRate, "rs485", o.Config.RS485.Enabled)
	return &timeoutPort{ReadWriteCloser: port}, nil
}

func (o *GridXOpener) String() string {
	return o.Config.Address
}

// timeoutPort turns the read timeout of the driver into an empty read, so
// the link keeps polling an idle line instead of treating it as lost.
type timeoutPort struct {
	io.ReadWriteCloser
}

func (p *timeoutPort) Read(b []byte) (int, error) {
	n, err := p.ReadWriteCloser.Read(b)
	if errors.Is(err, serial.ErrTimeout) {
		return n, nil
	}
	return n, err
}

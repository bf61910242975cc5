// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtuovertcp

import (
	"context"
	"io"
	"net"
	"time"
)

const (
	tcpTimeout = 10 * time.Second
)

// Opener dials a serial device server that forwards raw RTU frames
// between a TCP socket and its RS485 port.
type Opener struct {
	Address string
	Timeout time.Duration
}

// NewOpener allocates and initializes a TCP opener.
func NewOpener(address string, timeout time.Duration) *Opener {
	if timeout <= 0 {
		timeout = tcpTimeout
	}
	return &Opener{
		Address: address,
		Timeout: timeout,
	}
}

func (o *Opener) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: o.Timeout}
	conn, err := d.DialContext(ctx, "tcp", o.Address)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return conn, nil
}

func (o *Opener) String() string {
	return o.Address
}

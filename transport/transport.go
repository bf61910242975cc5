// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"io"
	"time"
)

// DefaultSilence is the inter-byte gap that ends a frame when nothing else
// is configured.
const DefaultSilence = 50 * time.Millisecond

// Opener opens a byte-stream endpoint: a serial port, a TCP connection to a
// serial device server, or anything else that carries raw RTU frames.
type Opener interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	// String names the endpoint in logs.
	String() string
}

// Simulator answers request frames in place of a device. A nil reply means
// the device stays silent.
type Simulator interface {
	ProcessRequest(frame []byte) []byte
}

// FrameHandler receives every candidate frame the link assembles. Frames are
// not CRC checked.
type FrameHandler func(frame []byte)

// DisconnectHandler is notified once per lost connection.
type DisconnectHandler func(err error)

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/ffutop/modbus-master/internal/events"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/rtu"
)

// Link turns a byte-stream endpoint into a stream of candidate frames.
//
// Modbus RTU frames carry no length prefix, so a frame ends when the line
// stays silent for the configured window. Every chunk read re-arms the
// silence timer; when it fires the whole receive buffer is emitted as one
// frame.
type Link struct {
	opener  Opener
	silence time.Duration

	// Connect retry policy.
	Attempts uint
	Delay    time.Duration

	Events events.Publisher

	mu           sync.Mutex
	port         io.ReadWriteCloser
	gen          uint64
	buf          []byte
	seq          uint64
	timer        *time.Timer
	onFrame      FrameHandler
	onDisconnect DisconnectHandler

	// emitMu keeps frame delivery in arrival order.
	emitMu sync.Mutex
}

// NewLink creates a link over the endpoint opened by opener. A zero silence
// selects DefaultSilence.
func NewLink(opener Opener, silence time.Duration) *Link {
	if silence <= 0 {
		silence = DefaultSilence
	}
	return &Link{
		opener:   opener,
		silence:  silence,
		Attempts: 3,
		Delay:    500 * time.Millisecond,
	}
}

// SilenceFor returns the silence window for a serial line: the configured
// window, but never below 3.5 character times at baudRate.
func SilenceFor(configured time.Duration, baudRate int) time.Duration {
	if configured <= 0 {
		configured = DefaultSilence
	}
	if floor := rtu.FrameDelay(baudRate); configured < floor {
		return floor
	}
	return configured
}

func (l *Link) Silence() time.Duration {
	return l.silence
}

// OnFrame registers the frame handler, replacing any previous one.
func (l *Link) OnFrame(h FrameHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFrame = h
}

// OnDisconnect registers the disconnect handler, replacing any previous one.
func (l *Link) OnDisconnect(h DisconnectHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDisconnect = h
}

// Connect opens the endpoint, retrying with exponential backoff.
func (l *Link) Connect(ctx context.Context) error {
	if l.opener == nil {
		return modbus.ErrNotConnected
	}
	var port io.ReadWriteCloser
	err := retry.Do(
		func() error {
			p, err := l.opener.Open(ctx)
			if err != nil {
				return err
			}
			port = p
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(l.Attempts),
		retry.Delay(l.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("endpoint open failed, retrying", "endpoint", l.opener.String(), "attempt", n+1, "err", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", l.opener, err)
	}
	l.Attach(port)
	return nil
}

// Attach starts reading from an already open endpoint. A previously
// attached endpoint is closed first.
func (l *Link) Attach(port io.ReadWriteCloser) {
	l.Close()

	l.mu.Lock()
	l.gen++
	gen := l.gen
	l.port = port
	l.mu.Unlock()

	name := "endpoint"
	if l.opener != nil {
		name = l.opener.String()
	}
	slog.Info("link connected", "endpoint", name, "silence", l.silence)
	events.Emit(l.Events, events.Event{Kind: events.KindConnectionState, Source: name, Connected: true, State: "connected"})

	go l.readLoop(port, gen)
}

// Connected reports whether an endpoint is attached.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// Write transmits a raw frame.
func (l *Link) Write(frame []byte) error {
	l.mu.Lock()
	port := l.port
	l.mu.Unlock()

	if port == nil {
		return modbus.ErrNotConnected
	}
	slog.Debug("link write", "frame", hex.EncodeToString(frame))
	if _, err := port.Write(frame); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// Close detaches and closes the endpoint. Buffered partial bytes are
// dropped and the disconnect handler is told modbus.ErrDisconnected.
func (l *Link) Close() error {
	l.mu.Lock()
	port := l.port
	if port == nil {
		l.mu.Unlock()
		return nil
	}
	l.detach()
	handler := l.onDisconnect
	l.mu.Unlock()

	err := port.Close()
	l.notifyDisconnect(handler, modbus.ErrDisconnected)
	return err
}

// detach resets connection state. Caller must hold the mutex.
func (l *Link) detach() {
	l.port = nil
	l.gen++
	l.buf = nil
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *Link) notifyDisconnect(handler DisconnectHandler, err error) {
	slog.Info("link disconnected", "err", err)
	events.Emit(l.Events, events.Event{Kind: events.KindConnectionState, Connected: false, State: "disconnected", Err: err.Error()})
	if handler != nil {
		handler(err)
	}
}

func (l *Link) readLoop(port io.ReadWriteCloser, gen uint64) {
	chunk := make([]byte, rtu.MaxSize)
	for {
		n, err := port.Read(chunk)
		if n > 0 {
			l.receive(chunk[:n], gen)
		}
		if err != nil {
			l.lost(port, gen, err)
			return
		}
	}
}

func (l *Link) receive(data []byte, gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.gen {
		return
	}
	l.buf = append(l.buf, data...)
	l.seq++
	seq := l.seq
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.silence, func() { l.flush(gen, seq) })
}

// flush emits the buffer if no byte arrived since the timer for seq was armed.
func (l *Link) flush(gen, seq uint64) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()

	l.mu.Lock()
	if gen != l.gen || seq != l.seq || len(l.buf) == 0 {
		l.mu.Unlock()
		return
	}
	frame := l.buf
	l.buf = nil
	l.timer = nil
	handler := l.onFrame
	l.mu.Unlock()

	slog.Debug("link frame", "frame", hex.EncodeToString(frame))
	if handler != nil {
		handler(frame)
	}
}

// lost handles a read error on the endpoint of generation gen.
func (l *Link) lost(port io.ReadWriteCloser, gen uint64, err error) {
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.detach()
	handler := l.onDisconnect
	l.mu.Unlock()

	port.Close()
	if errors.Is(err, io.EOF) {
		err = modbus.ErrDisconnected
	} else {
		err = fmt.Errorf("%w: %v", modbus.ErrDisconnected, err)
	}
	l.notifyDisconnect(handler, err)
}

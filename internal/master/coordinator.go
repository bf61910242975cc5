// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package master runs request/response exchanges against RTU slaves, one
// at a time, over a transport.Link or a simulator.
package master

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/modbus-master/internal/events"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/rtu"
	"github.com/ffutop/modbus-master/transport"
)

// DefaultTimeout bounds an exchange that sets no timeout of its own.
const DefaultTimeout = time.Second

// ErrSuperseded is returned to the caller of an exchange that was still
// pending when a newer request was sent.
var ErrSuperseded = errors.New("master: exchange superseded by a newer request")

// Request is one exchange to run.
type Request struct {
	Frame   []byte
	Timeout time.Duration
	// NoCRC accepts replies without a trailing CRC, as sent by the
	// firmware sub-protocol.
	NoCRC bool
}

// Result is the outcome of an exchange. Err is nil on success.
type Result struct {
	Frame    []byte
	Response *rtu.Response
	Err      error
}

// MismatchError reports a reply that does not belong to the request.
type MismatchError struct {
	Field     string
	Want, Got byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("master: response %s 0x%02X does not match request 0x%02X", e.Field, e.Got, e.Want)
}

type pendingExchange struct {
	id      uint64
	request Request
	timer   *time.Timer
	done    chan Result
}

// Coordinator allows at most one outstanding exchange. A request sent while
// another is pending supersedes it.
type Coordinator struct {
	link *transport.Link
	sim  transport.Simulator

	// Timeout is used by the typed helpers.
	Timeout time.Duration
	Events  events.Publisher

	mu      sync.Mutex
	nextID  uint64
	pending *pendingExchange
}

// NewCoordinator runs exchanges over link, or through sim when sim is not
// nil. Either may be nil.
func NewCoordinator(link *transport.Link, sim transport.Simulator) *Coordinator {
	c := &Coordinator{
		link:    link,
		sim:     sim,
		Timeout: DefaultTimeout,
	}
	if link != nil {
		link.OnFrame(c.onFrame)
		link.OnDisconnect(c.onDisconnect)
	}
	return c
}

// SendAndWait writes req.Frame and waits for the reply, the timeout, a
// disconnect, a superseding request or ctx, whichever comes first. Protocol
// failures are reported in Result.Err.
func (c *Coordinator) SendAndWait(ctx context.Context, req Request) Result {
	if len(req.Frame) < rtu.MinSize {
		return Result{Err: fmt.Errorf("master: request frame of %d bytes is too short", len(req.Frame))}
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}

	c.mu.Lock()
	sim := c.sim
	if sim == nil && (c.link == nil || !c.link.Connected()) {
		c.mu.Unlock()
		return Result{Err: modbus.ErrNotConnected}
	}
	var superseded *pendingExchange
	if c.pending != nil {
		superseded = c.pending
		c.resolveLocked(superseded, Result{Err: ErrSuperseded})
	}
	c.nextID++
	ex := &pendingExchange{
		id:      c.nextID,
		request: req,
		done:    make(chan Result, 1),
	}
	ex.timer = time.AfterFunc(req.Timeout, func() {
		c.resolve(ex.id, Result{Err: modbus.ErrTimeout})
	})
	c.pending = ex
	c.mu.Unlock()

	if superseded != nil {
		slog.Warn("pending exchange superseded", "exchange", superseded.id, "by", ex.id)
	}
	slog.Debug("send to modbus slave", "exchange", ex.id, "request", hex.EncodeToString(req.Frame))
	c.emit(events.Event{Kind: events.KindFrameSent, SlaveID: int(req.Frame[0]), Frame: req.Frame})

	if sim != nil {
		frame := append([]byte(nil), req.Frame...)
		go func() {
			if reply := sim.ProcessRequest(frame); reply != nil {
				c.deliver(ex.id, reply)
			}
		}()
	} else if err := c.link.Write(req.Frame); err != nil {
		c.resolve(ex.id, Result{Err: err})
	}

	var res Result
	select {
	case res = <-ex.done:
	case <-ctx.Done():
		c.resolve(ex.id, Result{Err: ctx.Err()})
		res = <-ex.done
	}

	if res.Err != nil {
		slog.Debug("exchange failed", "exchange", ex.id, "err", res.Err)
		c.emit(events.Event{Kind: events.KindFrameError, SlaveID: int(req.Frame[0]), Frame: res.Frame, Err: res.Err.Error()})
	}
	return res
}

// SendFireAndForget writes frame without waiting for a reply. A reply that
// arrives anyway is dropped, unless an exchange is pending at that moment.
func (c *Coordinator) SendFireAndForget(frame []byte) error {
	if len(frame) < rtu.MinSize {
		return fmt.Errorf("master: request frame of %d bytes is too short", len(frame))
	}
	c.mu.Lock()
	sim := c.sim
	c.mu.Unlock()

	c.emit(events.Event{Kind: events.KindFrameSent, SlaveID: int(frame[0]), Frame: frame})
	if sim != nil {
		frame = append([]byte(nil), frame...)
		go sim.ProcessRequest(frame)
		return nil
	}
	if c.link == nil {
		return modbus.ErrNotConnected
	}
	return c.link.Write(frame)
}

// onFrame is the link's frame handler.
func (c *Coordinator) onFrame(frame []byte) {
	c.mu.Lock()
	ex := c.pending
	if ex == nil {
		c.mu.Unlock()
		slog.Debug("dropped unsolicited frame", "frame", hex.EncodeToString(frame))
		return
	}
	id := ex.id
	c.mu.Unlock()

	c.deliver(id, frame)
}

// deliver resolves exchange id with frame, unless it is already resolved.
func (c *Coordinator) deliver(id uint64, frame []byte) {
	c.mu.Lock()
	ex := c.pending
	if ex == nil || ex.id != id {
		c.mu.Unlock()
		slog.Debug("dropped late frame", "exchange", id, "frame", hex.EncodeToString(frame))
		return
	}
	res := evaluate(ex.request, frame)
	c.resolveLocked(ex, res)
	c.mu.Unlock()

	slog.Debug("recv from modbus slave", "exchange", id, "response", hex.EncodeToString(frame))
	c.emit(events.Event{Kind: events.KindFrameReceived, SlaveID: int(frame[0]), Frame: frame})
}

func (c *Coordinator) onDisconnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		c.resolveLocked(c.pending, Result{Err: err})
	}
}

// resolve settles exchange id if it is still the pending one.
func (c *Coordinator) resolve(id uint64, res Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || c.pending.id != id {
		return false
	}
	return c.resolveLocked(c.pending, res)
}

// resolveLocked settles ex. Caller must hold the mutex.
func (c *Coordinator) resolveLocked(ex *pendingExchange, res Result) bool {
	if c.pending != ex {
		return false
	}
	c.pending = nil
	ex.timer.Stop()
	ex.done <- res
	return true
}

func (c *Coordinator) emit(e events.Event) {
	events.Emit(c.Events, e)
}

// evaluate parses frame as the reply to req.
func evaluate(req Request, frame []byte) Result {
	var resp *rtu.Response
	var err error
	if req.NoCRC {
		resp, err = rtu.ParseUnchecked(frame)
	} else {
		resp, err = rtu.ParseResponse(frame)
	}
	var ec modbus.ExceptionCode
	if err != nil && !errors.As(err, &ec) {
		return Result{Frame: frame, Err: err}
	}
	if frame[0] != req.Frame[0] {
		return Result{Frame: frame, Err: &MismatchError{Field: "slave id", Want: req.Frame[0], Got: frame[0]}}
	}
	if fc := frame[1] &^ modbus.FuncCodeError; fc != req.Frame[1] {
		return Result{Frame: frame, Err: &MismatchError{Field: "function code", Want: req.Frame[1], Got: fc}}
	}
	if err != nil {
		return Result{Frame: frame, Err: err}
	}
	return Result{Frame: frame, Response: resp}
}

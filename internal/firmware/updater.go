// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package firmware drives a device bootloader through a firmware update:
// Init, EraseConfirm polling, chunked DataTransfer and Done.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ffutop/modbus-master/internal/events"
	"github.com/ffutop/modbus-master/internal/master"
	fwpacket "github.com/ffutop/modbus-master/modbus/firmware"
)

// State of an update session.
type State int

const (
	StateIdle State = iota
	StateInit
	StateEraseConfirm
	StateDataTransfer
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInit:
		return "init"
	case StateEraseConfirm:
		return "erase-confirm"
	case StateDataTransfer:
		return "data-transfer"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Progress is reported on every state change and after every chunk.
type Progress struct {
	State   State
	Sent    int
	Total   int
	Percent float64
	Elapsed time.Duration
}

type ProgressCallback func(Progress)

// Exchanger runs one request/response exchange. *master.Coordinator
// implements it.
type Exchanger interface {
	SendAndWait(ctx context.Context, req master.Request) master.Result
}

// Updater flashes one slave. Only one Run may be active at a time.
type Updater struct {
	ex      Exchanger
	slaveID byte
	opts    options

	mu      sync.Mutex
	state   State
	running bool
	cancel  context.CancelFunc
	start   time.Time
}

// New creates an Updater for slaveID.
func New(ex Exchanger, slaveID byte, opts ...Option) *Updater {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Updater{
		ex:      ex,
		slaveID: slaveID,
		opts:    o,
	}
}

// State returns the current session state.
func (u *Updater) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Cancel aborts a running update. No further frames are sent and Run
// returns ErrCancelled.
func (u *Updater) Cancel() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancel != nil {
		u.cancel()
	}
}

// Run transfers image to the device. It returns ErrCancelled when ctx is
// done or Cancel is called, and one of ErrInitFailed, ErrEraseFailed,
// ErrEraseTimeout, *DataTransferError or ErrFinalizeFailed on failure.
func (u *Updater) Run(ctx context.Context, image []byte) error {
	if len(image) == 0 {
		return ErrEmptyImage
	}
	if uint64(len(image)) > uint64(^uint32(0)) {
		return fmt.Errorf("firmware: image of %d bytes is too large", len(image))
	}

	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	u.running = true
	u.cancel = cancel
	u.start = time.Now()
	u.mu.Unlock()

	defer func() {
		cancel()
		u.mu.Lock()
		u.running = false
		u.cancel = nil
		u.mu.Unlock()
	}()

	slog.Info("firmware update started", "slaveID", u.slaveID, "size", len(image))
	err := u.run(ctx, image)
	switch {
	case err == nil:
		u.setState(StateDone, len(image), len(image), 100)
		slog.Info("firmware update done", "slaveID", u.slaveID, "elapsed", time.Since(u.start))
	case errors.Is(err, ErrCancelled):
		u.setState(StateCancelled, 0, len(image), 0)
		slog.Warn("firmware update cancelled", "slaveID", u.slaveID)
	default:
		u.fail(err, len(image))
		slog.Error("firmware update failed", "slaveID", u.slaveID, "err", err)
	}
	return err
}

func (u *Updater) run(ctx context.Context, image []byte) error {
	total := len(image)

	if ctx.Err() != nil {
		return ErrCancelled
	}
	u.setState(StateInit, 0, total, 0)
	if _, err := u.exchange(ctx, fwpacket.BuildInit(u.slaveID, uint32(total)), u.opts.timeout, fwpacket.OpCodeInit, fwpacket.OpCodeAck); err != nil {
		return u.phaseError(ctx, ErrInitFailed, err)
	}

	if ctx.Err() != nil {
		return ErrCancelled
	}
	u.setState(StateEraseConfirm, 0, total, 0)
	if err := u.waitErased(ctx); err != nil {
		return err
	}

	u.setState(StateDataTransfer, 0, total, u.opts.progressStart)
	for offset := 0; offset < total; offset += u.opts.packetSize {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		end := min(offset+u.opts.packetSize, total)
		if err := u.sendChunk(ctx, image[offset:end], end); err != nil {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			return &DataTransferError{Offset: offset, Err: err}
		}
		u.report(StateDataTransfer, end, total, u.scale(end, total))

		if end < total {
			if err := sleep(ctx, u.opts.packetDelay); err != nil {
				return ErrCancelled
			}
		}
	}

	if ctx.Err() != nil {
		return ErrCancelled
	}
	if _, err := u.exchange(ctx, fwpacket.BuildFinalize(u.slaveID), u.opts.timeout, fwpacket.OpCodeFinalize, fwpacket.OpCodeAck); err != nil {
		return u.phaseError(ctx, ErrFinalizeFailed, err)
	}
	return nil
}

// waitErased polls the erase status until the device reports completion.
// Exchanges that fail on the wire are retried until the deadline; a reply
// the device marks as an error ends the phase. No poll or pause runs past
// the deadline.
func (u *Updater) waitErased(ctx context.Context) error {
	deadline := time.Now().Add(u.opts.eraseTimeout)
	timedOut := fmt.Errorf("%w after %v", ErrEraseTimeout, u.opts.eraseTimeout)
	for {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return timedOut
		}
		reply, err := u.exchange(ctx, fwpacket.BuildEraseConfirm(u.slaveID), min(u.opts.timeout, remaining), fwpacket.OpCodeErase)
		switch {
		case ctx.Err() != nil:
			return ErrCancelled
		case err != nil && reply != nil:
			return fmt.Errorf("%w: %w", ErrEraseFailed, err)
		case err != nil:
			slog.Debug("erase status poll failed", "slaveID", u.slaveID, "err", err)
		default:
			if status, ok := reply.Word(); ok && status == fwpacket.EraseComplete {
				return nil
			}
		}

		remaining = time.Until(deadline)
		if remaining <= 0 {
			return timedOut
		}
		if err := sleep(ctx, min(u.opts.erasePoll, remaining)); err != nil {
			return ErrCancelled
		}
	}
}

func (u *Updater) sendChunk(ctx context.Context, chunk []byte, sent int) error {
	frame, err := fwpacket.BuildData(u.slaveID, chunk)
	if err != nil {
		return err
	}
	reply, err := u.exchange(ctx, frame, u.opts.timeout, fwpacket.OpCodeAck)
	if err != nil {
		return err
	}
	if acked, ok := reply.Word(); ok && acked != uint32(sent) {
		return fmt.Errorf("device acknowledged %d bytes, sent %d", acked, sent)
	}
	return nil
}

// exchange sends frame and expects a reply with one of the opcodes in want.
// A reply that parsed but carries an error is returned together with the
// error.
func (u *Updater) exchange(ctx context.Context, frame []byte, timeout time.Duration, want ...byte) (*fwpacket.Reply, error) {
	res := u.ex.SendAndWait(ctx, master.Request{Frame: frame, Timeout: timeout, NoCRC: true})
	if res.Err != nil {
		return nil, res.Err
	}
	reply, err := fwpacket.ParseReply(res.Frame)
	if err != nil {
		return reply, err
	}
	if !slices.Contains(want, reply.OpCode) {
		return reply, fmt.Errorf("unexpected opcode 0x%02X, want % X", reply.OpCode, want)
	}
	return reply, nil
}

func (u *Updater) phaseError(ctx context.Context, phase, err error) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", phase, err)
}

// scale maps sent/total into the configured progress range.
func (u *Updater) scale(sent, total int) float64 {
	span := u.opts.progressEnd - u.opts.progressStart
	return u.opts.progressStart + span*float64(sent)/float64(total)
}

func (u *Updater) setState(s State, sent, total int, percent float64) {
	u.mu.Lock()
	u.state = s
	u.mu.Unlock()
	u.report(s, sent, total, percent)
}

func (u *Updater) fail(err error, total int) {
	u.mu.Lock()
	u.state = StateFailed
	u.mu.Unlock()
	events.Emit(u.opts.events, events.Event{
		Kind:    events.KindFirmwareProgress,
		SlaveID: int(u.slaveID),
		State:   StateFailed.String(),
		Err:     err.Error(),
	})
	if u.opts.onProgress != nil {
		u.opts.onProgress(Progress{State: StateFailed, Total: total, Elapsed: time.Since(u.start)})
	}
}

func (u *Updater) report(s State, sent, total int, percent float64) {
	if u.opts.onProgress != nil {
		u.opts.onProgress(Progress{
			State:   s,
			Sent:    sent,
			Total:   total,
			Percent: percent,
			Elapsed: time.Since(u.start),
		})
	}
	events.Emit(u.opts.events, events.Event{
		Kind:     events.KindFirmwareProgress,
		SlaveID:  int(u.slaveID),
		State:    s.String(),
		Progress: percent,
	})
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

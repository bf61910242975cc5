// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package firmware

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/modbus-master/internal/events"
	"github.com/ffutop/modbus-master/internal/master"
	"github.com/ffutop/modbus-master/internal/simulator"
	"github.com/ffutop/modbus-master/internal/simulator/model"
	"github.com/ffutop/modbus-master/modbus"
	fwpacket "github.com/ffutop/modbus-master/modbus/firmware"
)

// recorder passes exchanges through and remembers the opcode of each request
// together with the reply frame it got.
type recorder struct {
	next Exchanger

	mu      sync.Mutex
	ops     []byte
	replies [][]byte
}

func (r *recorder) SendAndWait(ctx context.Context, req master.Request) master.Result {
	res := r.next.SendAndWait(ctx, req)
	r.mu.Lock()
	r.ops = append(r.ops, req.Frame[2])
	r.replies = append(r.replies, res.Frame)
	r.mu.Unlock()
	return res
}

func (r *recorder) count(op byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (r *recorder) opcodes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.ops...)
}

type exchangerFunc func(ctx context.Context, req master.Request) master.Result

func (f exchangerFunc) SendAndWait(ctx context.Context, req master.Request) master.Result {
	return f(ctx, req)
}

// scripted answers like a healthy bootloader, except where fault returns a
// non-nil reply for the request.
func scripted(fault func(op byte, n int) []byte) exchangerFunc {
	var mu sync.Mutex
	var received uint32
	seen := map[byte]int{}
	return func(ctx context.Context, req master.Request) master.Result {
		mu.Lock()
		defer mu.Unlock()
		slaveID, op := req.Frame[0], req.Frame[2]
		seen[op]++
		if fault != nil {
			if reply := fault(op, seen[op]); reply != nil {
				return master.Result{Frame: reply}
			}
		}
		var reply []byte
		switch op {
		case fwpacket.OpCodeInit:
			reply = fwpacket.BuildReply(slaveID, fwpacket.OpCodeInit, req.Frame[3:7])
		case fwpacket.OpCodeErase:
			reply = fwpacket.BuildReply(slaveID, fwpacket.OpCodeErase, []byte{0xFF, 0xFF, 0xFF, 0xFF})
		case fwpacket.OpCodeData:
			received += uint32(req.Frame[3])
			reply = fwpacket.BuildReply(slaveID, fwpacket.OpCodeAck, []byte{byte(received >> 24), byte(received >> 16), byte(received >> 8), byte(received)})
		case fwpacket.OpCodeFinalize:
			reply = fwpacket.BuildReply(slaveID, fwpacket.OpCodeFinalize, nil)
		}
		return master.Result{Frame: reply}
	}
}

func fastOptions(extra ...Option) []Option {
	return append([]Option{
		WithPacketDelay(time.Millisecond),
		WithErasePoll(5 * time.Millisecond),
		WithEraseTimeout(200 * time.Millisecond),
		WithTimeout(50 * time.Millisecond),
	}, extra...)
}

func testImage(n int) []byte {
	image := make([]byte, n)
	for i := range image {
		image[i] = byte(i * 7)
	}
	return image
}

func newSimulated(opts ...simulator.Option) (*master.Coordinator, *simulator.Slave) {
	slave := simulator.NewSlave(model.NewDataModel(), nil, []byte{1}, opts...)
	return master.NewCoordinator(nil, slave), slave
}

func TestUpdater_FullUpdate(t *testing.T) {
	coord, slave := newSimulated(simulator.WithEraseDuration(20 * time.Millisecond))
	rec := &recorder{next: coord}
	image := testImage(150)

	var progress []Progress
	u := New(rec, 1, fastOptions(WithProgressCallback(func(p Progress) {
		progress = append(progress, p)
	}))...)

	require.NoError(t, u.Run(context.Background(), image))
	assert.Equal(t, StateDone, u.State())
	assert.Equal(t, image, slave.Firmware(1))

	assert.Equal(t, 1, rec.count(fwpacket.OpCodeInit))
	assert.GreaterOrEqual(t, rec.count(fwpacket.OpCodeErase), 1)
	assert.Equal(t, 3, rec.count(fwpacket.OpCodeData))
	assert.Equal(t, 1, rec.count(fwpacket.OpCodeFinalize))

	// Every erase poll precedes the first data chunk, and the last one saw
	// the erase complete.
	ops := rec.opcodes()
	assert.Equal(t, byte(fwpacket.OpCodeInit), ops[0])
	firstData := bytes.IndexByte(ops, fwpacket.OpCodeData)
	require.Greater(t, firstData, 1)
	assert.Equal(t, firstData-1, bytes.LastIndexByte(ops, fwpacket.OpCodeErase))
	reply, err := fwpacket.ParseReply(rec.replies[firstData-1])
	require.NoError(t, err)
	status, ok := reply.Word()
	require.True(t, ok)
	assert.Equal(t, fwpacket.EraseComplete, status)
	for i := 1; i < firstData-1; i++ {
		assert.Equal(t, byte(fwpacket.OpCodeErase), ops[i])
	}

	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, StateDone, last.State)
	assert.Equal(t, 100.0, last.Percent)
	prev := 0.0
	for _, p := range progress {
		assert.GreaterOrEqual(t, p.Percent, prev)
		prev = p.Percent
		if p.State == StateDataTransfer {
			assert.GreaterOrEqual(t, p.Percent, float64(DefaultProgressStart))
			assert.LessOrEqual(t, p.Percent, float64(DefaultProgressEnd))
		}
	}
}

func TestUpdater_ChunkBoundaries(t *testing.T) {
	var sizes []int
	ex := scripted(nil)
	u := New(exchangerFunc(func(ctx context.Context, req master.Request) master.Result {
		if req.Frame[2] == fwpacket.OpCodeData {
			sizes = append(sizes, int(req.Frame[3]))
		}
		assert.True(t, req.NoCRC)
		return ex(ctx, req)
	}), 1, fastOptions(WithPacketSize(16))...)

	require.NoError(t, u.Run(context.Background(), testImage(40)))
	assert.Equal(t, []int{16, 16, 8}, sizes)
}

func TestUpdater_InitFailed(t *testing.T) {
	coord, _ := newSimulated()
	rec := &recorder{next: coord}
	u := New(rec, 9, fastOptions()...)

	err := u.Run(context.Background(), testImage(10))
	require.ErrorIs(t, err, ErrInitFailed)
	assert.ErrorIs(t, err, modbus.ErrTimeout)
	assert.Equal(t, StateFailed, u.State())
	assert.Equal(t, []byte{fwpacket.OpCodeInit}, rec.opcodes())
}

func TestUpdater_EraseTimeout(t *testing.T) {
	coord, _ := newSimulated(simulator.WithEraseDuration(-1))
	rec := &recorder{next: coord}
	u := New(rec, 1, fastOptions(WithEraseTimeout(50*time.Millisecond))...)

	start := time.Now()
	err := u.Run(context.Background(), testImage(10))
	require.ErrorIs(t, err, ErrEraseTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateFailed, u.State())
	assert.Zero(t, rec.count(fwpacket.OpCodeData))
	assert.Greater(t, rec.count(fwpacket.OpCodeErase), 1)
}

// silentOnErase answers like the simulated slave but never replies to an
// erase status poll.
type silentOnErase struct {
	*simulator.Slave
}

func (s silentOnErase) ProcessRequest(frame []byte) []byte {
	if len(frame) > 2 && frame[2] == fwpacket.OpCodeErase {
		return nil
	}
	return s.Slave.ProcessRequest(frame)
}

func TestUpdater_EraseTimeoutSilentDevice(t *testing.T) {
	slave := simulator.NewSlave(model.NewDataModel(), nil, []byte{1})
	coord := master.NewCoordinator(nil, silentOnErase{slave})

	const (
		eraseTimeout = 300 * time.Millisecond
		erasePoll    = 20 * time.Millisecond
	)
	var eraseStart time.Time
	u := New(coord, 1,
		WithEraseTimeout(eraseTimeout),
		WithErasePoll(erasePoll),
		WithTimeout(100*time.Millisecond),
		WithProgressCallback(func(p Progress) {
			if p.State == StateEraseConfirm {
				eraseStart = time.Now()
			}
		}),
	)

	err := u.Run(context.Background(), testImage(10))
	elapsed := time.Since(eraseStart)
	require.ErrorIs(t, err, ErrEraseTimeout)
	assert.NotErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateFailed, u.State())
	assert.GreaterOrEqual(t, elapsed, eraseTimeout-erasePoll)
	assert.LessOrEqual(t, elapsed, eraseTimeout+erasePoll)
}

func TestUpdater_EraseRejected(t *testing.T) {
	u := New(scripted(func(op byte, n int) []byte {
		if op == fwpacket.OpCodeErase {
			return fwpacket.BuildReply(1, fwpacket.OpCodeError, []byte{0x02})
		}
		return nil
	}), 1, fastOptions()...)

	err := u.Run(context.Background(), testImage(10))
	assert.ErrorIs(t, err, ErrEraseFailed)
	assert.ErrorIs(t, err, fwpacket.ErrDeviceReported)
}

func TestUpdater_DataTransferError(t *testing.T) {
	u := New(scripted(func(op byte, n int) []byte {
		if op == fwpacket.OpCodeData && n == 2 {
			return fwpacket.BuildReply(1, fwpacket.OpCodeError, []byte{0x04})
		}
		return nil
	}), 1, fastOptions()...)

	err := u.Run(context.Background(), testImage(150))
	var dte *DataTransferError
	require.ErrorAs(t, err, &dte)
	assert.Equal(t, DefaultPacketSize, dte.Offset)
	assert.ErrorIs(t, err, fwpacket.ErrDeviceReported)
	assert.Equal(t, StateFailed, u.State())
}

func TestUpdater_AckMismatch(t *testing.T) {
	u := New(scripted(func(op byte, n int) []byte {
		if op == fwpacket.OpCodeData {
			return fwpacket.BuildReply(1, fwpacket.OpCodeAck, []byte{0, 0, 0, 1})
		}
		return nil
	}), 1, fastOptions()...)

	var dte *DataTransferError
	require.ErrorAs(t, u.Run(context.Background(), testImage(10)), &dte)
	assert.Zero(t, dte.Offset)
}

func TestUpdater_FinalizeFailed(t *testing.T) {
	u := New(scripted(func(op byte, n int) []byte {
		if op == fwpacket.OpCodeFinalize {
			return fwpacket.BuildReply(1, 0x42, nil)
		}
		return nil
	}), 1, fastOptions()...)

	err := u.Run(context.Background(), testImage(10))
	assert.ErrorIs(t, err, ErrFinalizeFailed)
	assert.ErrorIs(t, err, fwpacket.ErrUnknownOpCode)
}

func TestUpdater_GeneralAck(t *testing.T) {
	tests := []struct {
		name string
		op   byte
	}{
		{"Init", fwpacket.OpCodeInit},
		{"Finalize", fwpacket.OpCodeFinalize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := New(scripted(func(op byte, n int) []byte {
				if op == tt.op {
					return fwpacket.BuildReply(1, fwpacket.OpCodeAck, nil)
				}
				return nil
			}), 1, fastOptions()...)

			require.NoError(t, u.Run(context.Background(), testImage(10)))
			assert.Equal(t, StateDone, u.State())
		})
	}
}

func TestUpdater_CancelDuringTransfer(t *testing.T) {
	coord, _ := newSimulated(simulator.WithEraseDuration(0))
	rec := &recorder{next: coord}

	var u *Updater
	u = New(rec, 1, fastOptions(WithPacketSize(10), WithProgressCallback(func(p Progress) {
		if p.State == StateDataTransfer && p.Sent == 20 {
			u.Cancel()
		}
	}))...)

	err := u.Run(context.Background(), testImage(100))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateCancelled, u.State())
	assert.Equal(t, 2, rec.count(fwpacket.OpCodeData))
	assert.Zero(t, rec.count(fwpacket.OpCodeFinalize))
}

func TestUpdater_CancelledContext(t *testing.T) {
	rec := &recorder{next: scripted(nil)}
	u := New(rec, 1, fastOptions()...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, u.Run(ctx, testImage(10)), ErrCancelled)
	assert.Equal(t, StateCancelled, u.State())
	assert.Empty(t, rec.opcodes())
}

func TestUpdater_CancelDuringErase(t *testing.T) {
	coord, _ := newSimulated(simulator.WithEraseDuration(-1))
	u := New(coord, 1, fastOptions(WithEraseTimeout(5*time.Second))...)

	go func() {
		time.Sleep(30 * time.Millisecond)
		u.Cancel()
	}()
	start := time.Now()
	assert.ErrorIs(t, u.Run(context.Background(), testImage(10)), ErrCancelled)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateCancelled, u.State())
}

func TestUpdater_Busy(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	ex := scripted(nil)
	u := New(exchangerFunc(func(ctx context.Context, req master.Request) master.Result {
		if req.Frame[2] == fwpacket.OpCodeInit {
			entered <- struct{}{}
			<-release
		}
		return ex(ctx, req)
	}), 1, fastOptions()...)

	done := make(chan error, 1)
	go func() { done <- u.Run(context.Background(), testImage(10)) }()
	<-entered

	assert.ErrorIs(t, u.Run(context.Background(), testImage(10)), ErrBusy)
	close(release)
	assert.NoError(t, <-done)
}

func TestUpdater_EmptyImage(t *testing.T) {
	u := New(scripted(nil), 1)
	assert.ErrorIs(t, u.Run(context.Background(), nil), ErrEmptyImage)
	assert.Equal(t, StateIdle, u.State())
}

func TestUpdater_Events(t *testing.T) {
	bus := events.NewBus()
	var mu sync.Mutex
	var states []string
	bus.Subscribe(func(e events.Event) {
		if e.Kind == events.KindFirmwareProgress {
			mu.Lock()
			states = append(states, e.State)
			mu.Unlock()
		}
	})

	u := New(scripted(nil), 1, fastOptions(WithEvents(bus))...)
	require.NoError(t, u.Run(context.Background(), testImage(10)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"init", "erase-confirm", "data-transfer", "data-transfer", "done"}, states)
}

func TestOptions_IgnoreInvalid(t *testing.T) {
	u := New(nil, 1,
		WithPacketSize(0),
		WithPacketSize(fwpacket.MaxChunkSize+1),
		WithProgressRange(90, 10),
		WithErasePoll(-1),
	)
	assert.Equal(t, DefaultPacketSize, u.opts.packetSize)
	assert.Equal(t, float64(DefaultProgressStart), u.opts.progressStart)
	assert.Equal(t, float64(DefaultProgressEnd), u.opts.progressEnd)
	assert.Equal(t, DefaultErasePoll, u.opts.erasePoll)
}

func TestLoadImage(t *testing.T) {
	dir := t.TempDir()
	image := testImage(300)
	path := filepath.Join(dir, "fw.bin")
	require.NoError(t, os.WriteFile(path, image, 0o644))

	got, err := LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, image, got)

	empty := filepath.Join(dir, "empty.bin")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = LoadImage(empty)
	assert.ErrorIs(t, err, ErrEmptyImage)

	_, err = LoadImage(filepath.Join(dir, "missing.bin"))
	assert.Error(t, err)
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package scan probes a range of slave IDs for devices on the bus.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/modbus-master/internal/events"
	"github.com/ffutop/modbus-master/internal/master"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/rtu"
)

const (
	DefaultRegister = 0xD000
	DefaultTimeout  = 200 * time.Millisecond
	DefaultDelay    = 50 * time.Millisecond
)

var (
	ErrCancelled = errors.New("scan: cancelled")
	ErrBusy      = errors.New("scan: a scan is already running")
)

// Outcome classifies one probe.
type Outcome int

const (
	// Fail means no usable answer: timeout, CRC or framing error.
	Fail Outcome = iota
	// Warn means the device answered with a Modbus exception.
	Warn
	// Pass means the device returned the register.
	Pass
)

func (o Outcome) String() string {
	switch o {
	case Pass:
		return "pass"
	case Warn:
		return "warn"
	default:
		return "fail"
	}
}

func (o Outcome) MarshalYAML() (interface{}, error) {
	return o.String(), nil
}

// Probe is the result for one slave ID.
type Probe struct {
	SlaveID byte          `yaml:"slave_id"`
	Outcome Outcome       `yaml:"outcome"`
	Value   *uint16       `yaml:"value,omitempty"`
	Detail  string        `yaml:"detail,omitempty"`
	Elapsed time.Duration `yaml:"elapsed"`
}

// Result collects the probes of one scan. Found lists the IDs that passed.
type Result struct {
	Register  uint16
	Started   time.Time
	Probes    []Probe
	Found     []byte
	Cancelled bool
}

// Exchanger runs one request/response exchange. *master.Coordinator
// implements it.
type Exchanger interface {
	SendAndWait(ctx context.Context, req master.Request) master.Result
}

// Scanner probes slave IDs one at a time with a Read Holding Registers
// request. Only one scan runs at a time.
type Scanner struct {
	ex Exchanger

	Register uint16
	Timeout  time.Duration
	Delay    time.Duration
	Events   events.Publisher
	// OnProbe is called after every probe.
	OnProbe func(Probe)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func New(ex Exchanger) *Scanner {
	return &Scanner{
		ex:       ex,
		Register: DefaultRegister,
		Timeout:  DefaultTimeout,
		Delay:    DefaultDelay,
	}
}

// Cancel stops a running scan before its next probe.
func (s *Scanner) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Scan probes every ID in [start, end].
func (s *Scanner) Scan(ctx context.Context, start, end byte) (*Result, error) {
	if start < 1 || end > rtu.MaxSlaveID || start > end {
		return nil, fmt.Errorf("scan: invalid range %d-%d, want 1-%d", start, end, rtu.MaxSlaveID)
	}
	ids := make([]byte, 0, int(end)-int(start)+1)
	for id := int(start); id <= int(end); id++ {
		ids = append(ids, byte(id))
	}
	return s.ScanIDs(ctx, ids)
}

// ScanIDs probes ids in order. Every id must be a unicast address in
// 1-247. A cancelled scan returns the probes made so far together with
// ErrCancelled.
func (s *Scanner) ScanIDs(ctx context.Context, ids []byte) (*Result, error) {
	for _, id := range ids {
		if id < 1 || id > rtu.MaxSlaveID {
			return nil, fmt.Errorf("scan: slave id %d out of range 1-%d", id, rtu.MaxSlaveID)
		}
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	result := &Result{Register: s.Register, Started: time.Now()}
	slog.Info("scan started", "count", len(ids), "register", fmt.Sprintf("0x%04X", s.Register))

	for i, id := range ids {
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}
		probe := s.probe(ctx, id)
		if ctx.Err() != nil {
			// The probe was cut short and says nothing about the device.
			result.Cancelled = true
			break
		}
		result.Probes = append(result.Probes, probe)
		if probe.Outcome == Pass {
			result.Found = append(result.Found, id)
		}

		if s.OnProbe != nil {
			s.OnProbe(probe)
		}
		events.Emit(s.Events, events.Event{
			Kind:     events.KindScanProgress,
			SlaveID:  int(id),
			State:    probe.Outcome.String(),
			Progress: 100 * float64(i+1) / float64(len(ids)),
			Err:      probe.Detail,
		})

		if i < len(ids)-1 && s.Delay > 0 {
			t := time.NewTimer(s.Delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
	}

	if result.Cancelled {
		slog.Warn("scan cancelled", "probed", len(result.Probes), "found", result.Found)
		return result, ErrCancelled
	}
	slog.Info("scan finished", "probed", len(result.Probes), "found", result.Found)
	return result, nil
}

func (s *Scanner) probe(ctx context.Context, id byte) Probe {
	start := time.Now()
	probe := Probe{SlaveID: id}

	frame, err := rtu.BuildReadHoldingRegisters(id, s.Register, 1)
	if err != nil {
		probe.Detail = err.Error()
		return probe
	}
	res := s.ex.SendAndWait(ctx, master.Request{Frame: frame, Timeout: s.Timeout})
	probe.Elapsed = time.Since(start)

	var ec modbus.ExceptionCode
	switch {
	case res.Err == nil && res.Response != nil && len(res.Response.Registers) == 1:
		probe.Outcome = Pass
		value := res.Response.Registers[0]
		probe.Value = &value
		slog.Info("slave found", "slaveID", id, "value", fmt.Sprintf("0x%04X", value))
	case res.Err == nil:
		probe.Detail = "unexpected register count"
	case errors.As(res.Err, &ec):
		probe.Outcome = Warn
		probe.Detail = ec.Error()
		slog.Info("slave answered with exception", "slaveID", id, "exception", ec.Name())
	default:
		probe.Detail = res.Err.Error()
		slog.Debug("no answer from slave", "slaveID", id, "err", res.Err)
	}
	return probe
}

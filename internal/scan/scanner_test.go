// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package scan

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
	"gopkg.in/yaml.v3"

	"github.com/ffutop/modbus-master/internal/events"
	"github.com/ffutop/modbus-master/internal/master"
	"github.com/ffutop/modbus-master/internal/simulator"
	"github.com/ffutop/modbus-master/internal/simulator/model"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/rtu"
)

type exchangerFunc func(ctx context.Context, req master.Request) master.Result

func (f exchangerFunc) SendAndWait(ctx context.Context, req master.Request) master.Result {
	return f(ctx, req)
}

// bus answers 0x4543 for ids in pass, an exception for ids in warn and
// times out for everything else.
func bus(pass, warn []byte, probed *[]byte) exchangerFunc {
	var mu sync.Mutex
	return func(ctx context.Context, req master.Request) master.Result {
		id := req.Frame[0]
		mu.Lock()
		if probed != nil {
			*probed = append(*probed, id)
		}
		mu.Unlock()
		switch {
		case bytes.IndexByte(pass, id) >= 0:
			return master.Result{Response: &rtu.Response{SlaveID: id, FunctionCode: 0x03, Registers: []uint16{0x4543}}}
		case bytes.IndexByte(warn, id) >= 0:
			return master.Result{Err: modbus.ExceptionCodeIllegalDataAddress}
		default:
			return master.Result{Err: modbus.ErrTimeout}
		}
	}
}

func TestScanner_Outcomes(t *testing.T) {
	var probed []byte
	s := New(bus([]byte{2, 5}, []byte{4}, &probed))
	s.Delay = 0

	res, err := s.Scan(context.Background(), 1, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, probed)
	assert.Equal(t, []byte{2, 5}, res.Found)
	require.Len(t, res.Probes, 6)

	want := []Outcome{Fail, Pass, Fail, Warn, Pass, Fail}
	for i, p := range res.Probes {
		assert.Equal(t, want[i], p.Outcome, "slave %d", p.SlaveID)
	}
	require.NotNil(t, res.Probes[1].Value)
	assert.Equal(t, uint16(0x4543), *res.Probes[1].Value)
	assert.Contains(t, res.Probes[3].Detail, "Illegal Data Address")
}

func TestScanner_ProbeRequest(t *testing.T) {
	var got master.Request
	s := New(exchangerFunc(func(ctx context.Context, req master.Request) master.Result {
		got = req
		return master.Result{Err: modbus.ErrTimeout}
	}))

	_, err := s.Scan(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x03, 0xD0, 0x00, 0x00, 0x01}, got.Frame[:6])
	assert.Equal(t, DefaultTimeout, got.Timeout)
	assert.False(t, got.NoCRC)
}

func TestScanner_InvalidRange(t *testing.T) {
	s := New(bus(nil, nil, nil))
	for _, r := range [][2]byte{{0, 5}, {5, 1}, {1, 248}} {
		_, err := s.Scan(context.Background(), r[0], r[1])
		assert.Error(t, err, "range %v", r)
	}
}

func TestScanner_InvalidIDs(t *testing.T) {
	for _, ids := range [][]byte{{0}, {1, 0, 2}, {248}, {5, 255}} {
		var probed []byte
		s := New(bus([]byte{1, 2, 5}, nil, &probed))
		s.Delay = 0
		res, err := s.ScanIDs(context.Background(), ids)
		assert.Error(t, err, "ids %v", ids)
		assert.Nil(t, res)
		assert.Empty(t, probed)
	}
}

func TestScanner_DelayBetweenProbes(t *testing.T) {
	var stamps []time.Time
	s := New(exchangerFunc(func(ctx context.Context, req master.Request) master.Result {
		stamps = append(stamps, time.Now())
		return master.Result{Err: modbus.ErrTimeout}
	}))
	s.Delay = 30 * time.Millisecond

	_, err := s.Scan(context.Background(), 1, 3)
	require.NoError(t, err)
	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 30*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 30*time.Millisecond)
}

func TestScanner_CancelKeepsFound(t *testing.T) {
	var probed []byte
	s := New(bus([]byte{1, 2, 3, 4, 5}, nil, &probed))
	s.Delay = 0
	s.OnProbe = func(p Probe) {
		if p.SlaveID == 3 {
			s.Cancel()
		}
	}

	res, err := s.Scan(context.Background(), 1, 10)
	assert.ErrorIs(t, err, ErrCancelled)
	require.NotNil(t, res)
	assert.True(t, res.Cancelled)
	assert.Equal(t, []byte{1, 2, 3}, res.Found)
	assert.Equal(t, []byte{1, 2, 3}, probed)
}

func TestScanner_CancelledContext(t *testing.T) {
	var probed []byte
	s := New(bus(nil, nil, &probed))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.Scan(ctx, 1, 5)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, res.Probes)
	assert.Empty(t, probed)
}

func TestScanner_Busy(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	s := New(exchangerFunc(func(ctx context.Context, req master.Request) master.Result {
		entered <- struct{}{}
		<-release
		return master.Result{Err: modbus.ErrTimeout}
	}))

	done := make(chan error, 1)
	go func() {
		_, err := s.Scan(context.Background(), 1, 1)
		done <- err
	}()
	<-entered

	_, err := s.Scan(context.Background(), 1, 1)
	assert.ErrorIs(t, err, ErrBusy)
	close(release)
	assert.NoError(t, <-done)
}

func TestScanner_Events(t *testing.T) {
	b := events.NewBus()
	var got []events.Event
	b.Subscribe(func(e events.Event) { got = append(got, e) })

	s := New(bus([]byte{1}, nil, nil))
	s.Delay = 0
	s.Events = b
	_, err := s.Scan(context.Background(), 1, 2)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, events.KindScanProgress, got[0].Kind)
	assert.Equal(t, "pass", got[0].State)
	assert.Equal(t, 50.0, got[0].Progress)
	assert.Equal(t, "fail", got[1].State)
	assert.Equal(t, 100.0, got[1].Progress)
}

func TestScanner_AgainstSimulator(t *testing.T) {
	slave := simulator.NewSlave(model.NewDataModel(), nil, []byte{3, 5})
	s := New(master.NewCoordinator(nil, slave))
	s.Timeout = 20 * time.Millisecond
	s.Delay = time.Millisecond

	res, err := s.Scan(context.Background(), 1, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 5}, res.Found)
	require.NotNil(t, res.Probes[2].Value)
	assert.Equal(t, uint16(simulator.DeviceTypeECFan), *res.Probes[2].Value)
}

func TestWriteReport(t *testing.T) {
	s := New(bus([]byte{2}, []byte{3}, nil))
	s.Delay = 0
	res, err := s.Scan(context.Background(), 1, 3)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "scan.yaml")
	require.NoError(t, SaveReport(path, res))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc struct {
		Register string `yaml:"register"`
		Found    []int  `yaml:"found"`
		Probes   []struct {
			SlaveID int    `yaml:"slave_id"`
			Outcome string `yaml:"outcome"`
			Value   *int   `yaml:"value"`
		} `yaml:"probes"`
	}
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, "0xD000", doc.Register)
	assert.Equal(t, []int{2}, doc.Found)
	require.Len(t, doc.Probes, 3)
	assert.Equal(t, "fail", doc.Probes[0].Outcome)
	assert.Equal(t, "pass", doc.Probes[1].Outcome)
	require.NotNil(t, doc.Probes[1].Value)
	assert.Equal(t, 0x4543, *doc.Probes[1].Value)
	assert.Equal(t, "warn", doc.Probes[2].Outcome)
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package local

import (
	"fmt"
	"time"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/internal/simulator"
	"github.com/ffutop/modbus-master/internal/simulator/persistence"
	"github.com/ffutop/modbus-master/transport"
)

// Endpoint is an in-process simulated bus. The coordinator hands it whole
// request frames instead of bytes.
type Endpoint struct {
	sim     transport.Simulator
	storage persistence.Storage

	// Delay is how long a simulated device takes to answer.
	Delay time.Duration
}

// NewEndpoint wraps sim, answering after delay.
func NewEndpoint(sim transport.Simulator, delay time.Duration) *Endpoint {
	return &Endpoint{sim: sim, Delay: delay}
}

// Open builds the simulated devices described by cfg, answering for ids.
func Open(cfg config.LocalConfig, ids []byte) (*Endpoint, *simulator.Slave, error) {
	storage, m, err := persistence.Open(cfg.Persistence)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open simulator storage: %w", err)
	}
	slave := simulator.NewSlave(m, storage, ids, simulator.WithEraseDuration(cfg.EraseDuration))
	return &Endpoint{
		sim:     slave,
		storage: storage,
		Delay:   cfg.ResponseDelay,
	}, slave, nil
}

// ProcessRequest implements transport.Simulator. It blocks for Delay.
func (e *Endpoint) ProcessRequest(frame []byte) []byte {
	if e.Delay > 0 {
		time.Sleep(e.Delay)
	}
	return e.sim.ProcessRequest(frame)
}

// Close closes the storage.
func (e *Endpoint) Close() error {
	if e.storage == nil {
		return nil
	}
	return e.storage.Close()
}

// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/transport"
)

// Server puts a simulated device on a serial bus, answering requests from
// an external master.
type Server struct {
	Config config.SerialConfig
	Opener transport.Opener
}

// NewServer creates a new RTU Server.
func NewServer(cfg config.SerialConfig) (*Server, error) {
	opener, err := NewOpener(cfg)
	if err != nil {
		return nil, err
	}
	return &Server{
		Config: cfg,
		Opener: opener,
	}, nil
}

// Start opens the port and serves sim until ctx is done.
func (s *Server) Start(ctx context.Context, sim transport.Simulator) error {
	link := transport.NewLink(s.Opener, transport.SilenceFor(0, s.Config.BaudRate))
	if err := link.Connect(ctx); err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.Config.Device, err)
	}
	slog.Info("RTU Server listening", "device", s.Config.Device, "silence", link.Silence())
	return transport.Serve(ctx, link, sim)
}

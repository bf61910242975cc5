// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/internal/events"
	"github.com/ffutop/modbus-master/internal/events/wsock"
	"github.com/ffutop/modbus-master/internal/master"
	"github.com/ffutop/modbus-master/internal/scan"
	"github.com/ffutop/modbus-master/transport"
	"github.com/ffutop/modbus-master/transport/local"
	"github.com/ffutop/modbus-master/transport/rtu"
	rtuovertcp "github.com/ffutop/modbus-master/transport/rtu-over-tcp"
)

// session is a connected master: a coordinator over either a link or the
// in-process simulator.
type session struct {
	coord  *master.Coordinator
	link   *transport.Link
	local  *local.Endpoint
	events *events.Bus
}

// openSession connects the link described by cfg.
func openSession(ctx context.Context, cfg *config.Config, bus *events.Bus) (*session, error) {
	if bus == nil {
		bus = events.NewBus()
	}
	s := &session{events: bus}

	switch cfg.Link.Type {
	case "local":
		ids, err := scan.ParseSlaveIDs(cfg.Link.Local.SlaveIDs)
		if err != nil {
			return nil, fmt.Errorf("invalid local slave ids: %w", err)
		}
		endpoint, _, err := local.Open(cfg.Link.Local, ids)
		if err != nil {
			return nil, err
		}
		s.local = endpoint
		s.coord = master.NewCoordinator(nil, endpoint)
		slog.Info("using simulated slaves", "ids", cfg.Link.Local.SlaveIDs)

	case "rtu", "rtu-over-tcp":
		var opener transport.Opener
		silence := cfg.Link.Silence
		if cfg.Link.Type == "rtu" {
			o, err := rtu.NewOpener(cfg.Link.Serial)
			if err != nil {
				return nil, err
			}
			opener = o
			silence = transport.SilenceFor(silence, cfg.Link.Serial.BaudRate)
		} else {
			if cfg.Link.Tcp.Address == "" {
				return nil, fmt.Errorf("link.tcp.address is required for rtu-over-tcp")
			}
			opener = rtuovertcp.NewOpener(cfg.Link.Tcp.Address, cfg.Link.Tcp.Timeout)
		}

		s.link = transport.NewLink(opener, silence)
		if cfg.Link.ConnectAttempts > 0 {
			s.link.Attempts = cfg.Link.ConnectAttempts
		}
		if cfg.Link.ConnectDelay > 0 {
			s.link.Delay = cfg.Link.ConnectDelay
		}
		s.link.Events = bus
		s.coord = master.NewCoordinator(s.link, nil)
		if err := s.link.Connect(ctx); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown link type %q", cfg.Link.Type)
	}

	s.coord.Timeout = cfg.Request.Timeout
	s.coord.Events = bus
	return s, nil
}

func (s *session) Close() error {
	if s.link != nil {
		return s.link.Close()
	}
	if s.local != nil {
		return s.local.Close()
	}
	return nil
}

// withSession opens a session, runs fn and closes it. When events.listen is
// set, events are streamed to websocket clients for the lifetime of fn.
func withSession(ctx context.Context, cfg *config.Config, fn func(*session) error) error {
	bus := events.NewBus()

	if cfg.Events.Listen != "" {
		hub := wsock.NewHub()
		unsubscribe := bus.Subscribe(hub.Publish)
		defer unsubscribe()

		hubCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := hub.ListenAndServe(hubCtx, cfg.Events.Listen); err != nil {
				slog.Error("event stream stopped", "err", err)
			}
		}()
	}

	s, err := openSession(ctx, cfg, bus)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtuovertcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

// Server listens on a TCP port and treats every connection as an RTU byte
// stream answered by a simulator, the way a serial device server would
// bridge a master to its bus.
type Server struct {
	Address string
	Silence time.Duration

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new RTU over TCP Server.
func NewServer(address string, silence time.Duration) *Server {
	return &Server{
		Address: address,
		Silence: silence,
	}
}

// Listen binds the listening socket. Start calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start serves sim on every accepted connection until ctx is done.
func (s *Server) Start(ctx context.Context, sim transport.Simulator) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	slog.Info("RTU over TCP server listening", "addr", listener.Addr())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("Failed to accept connection", "err", err)
			continue
		}
		go s.handleConnection(ctx, conn, sim)
	}
}

// Close closes the server listener.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		err := s.listener.Close()
		s.listener = nil
		return err
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, sim transport.Simulator) {
	slog.Info("New RTU over TCP client connected", "addr", conn.RemoteAddr())

	link := transport.NewLink(nil, s.Silence)
	link.Attach(conn)
	err := transport.Serve(ctx, link, sim)
	if err != nil && !errors.Is(err, modbus.ErrDisconnected) {
		slog.Error("Connection closed", "addr", conn.RemoteAddr(), "err", err)
		return
	}
	slog.Info("RTU over TCP client disconnected", "addr", conn.RemoteAddr())
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/modbus-master/modbus"
)

type echoSimulator struct{}

func (echoSimulator) ProcessRequest(frame []byte) []byte {
	if frame[0] != 1 {
		return nil
	}
	return frame
}

func TestServe_RepliesThroughSimulator(t *testing.T) {
	slaveSide, masterSide := net.Pipe()

	slave := NewLink(nil, 10*time.Millisecond)
	slave.Attach(slaveSide)

	master := NewLink(nil, 10*time.Millisecond)
	master.Attach(masterSide)
	defer master.Close()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- Serve(ctx, slave, echoSimulator{}) }()

	replies := make(chan []byte, 2)
	master.OnFrame(func(frame []byte) { replies <- frame })

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, master.Write([]byte{0x02, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x39}))
	time.Sleep(50 * time.Millisecond)
	request := []byte{0x01, 0x06, 0xD0, 0x01, 0x00, 0x01, 0x21, 0x0A}
	require.NoError(t, master.Write(request))

	select {
	case got := <-replies:
		assert.Equal(t, request, got)
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServe_ReturnsOnDisconnect(t *testing.T) {
	slaveSide, masterSide := net.Pipe()
	slave := NewLink(nil, 10*time.Millisecond)
	slave.Attach(slaveSide)

	served := make(chan error, 1)
	go func() { served <- Serve(context.Background(), slave, echoSimulator{}) }()
	time.Sleep(10 * time.Millisecond)
	masterSide.Close()

	select {
	case err := <-served:
		assert.ErrorIs(t, err, modbus.ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
}

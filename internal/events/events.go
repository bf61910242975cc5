// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package events carries observability notifications from the link, the
// coordinator and the firmware and scan sessions to whoever registered for
// them. Nothing in the protocol core requires a listener.
package events

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// Kind identifies an event.
type Kind string

const (
	KindConnectionState  Kind = "connection_state"
	KindFrameSent        Kind = "frame_sent"
	KindFrameReceived    Kind = "frame_received"
	KindFrameError       Kind = "frame_error"
	KindScanProgress     Kind = "scan_progress"
	KindFirmwareProgress Kind = "firmware_progress"
)

// Frame is raw wire bytes, rendered as hex in JSON.
type Frame []byte

func (f Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(f))
}

func (f *Frame) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*f = b
	return nil
}

// Event is a single notification. Fields not meaningful for Kind are zero.
type Event struct {
	Kind      Kind      `json:"kind"`
	Time      time.Time `json:"time"`
	Source    string    `json:"source,omitempty"`
	SlaveID   int       `json:"slaveId,omitempty"`
	Frame     Frame     `json:"frame,omitempty"`
	Connected bool      `json:"connected,omitempty"`
	State     string    `json:"state,omitempty"`
	Progress  float64   `json:"progress,omitempty"`
	Err       string    `json:"error,omitempty"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(e Event)
}

// Emit stamps e and hands it to p. A nil p drops the event.
func Emit(p Publisher, e Event) {
	if p == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	p.Publish(e)
}

// Bus fans events out to registered listeners, synchronously and in
// registration order.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners []listener
}

type listener struct {
	id int
	fn func(Event)
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, l := range b.listeners {
				if l.id == id {
					b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers e to every listener.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	snapshot := b.listeners
	b.mu.RUnlock()

	for _, l := range snapshot {
		l.fn(e)
	}
}

// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package firmware

import (
	"time"

	"github.com/ffutop/modbus-master/internal/events"
	"github.com/ffutop/modbus-master/internal/master"
	fwpacket "github.com/ffutop/modbus-master/modbus/firmware"
)

const (
	DefaultPacketSize    = 60
	DefaultPacketDelay   = 20 * time.Millisecond
	DefaultErasePoll     = 200 * time.Millisecond
	DefaultEraseTimeout  = 5 * time.Second
	DefaultProgressStart = 10
	DefaultProgressEnd   = 95
)

type options struct {
	packetSize    int
	packetDelay   time.Duration
	erasePoll     time.Duration
	eraseTimeout  time.Duration
	timeout       time.Duration
	progressStart float64
	progressEnd   float64
	onProgress    ProgressCallback
	events        events.Publisher
}

func defaultOptions() options {
	return options{
		packetSize:    DefaultPacketSize,
		packetDelay:   DefaultPacketDelay,
		erasePoll:     DefaultErasePoll,
		eraseTimeout:  DefaultEraseTimeout,
		timeout:       master.DefaultTimeout,
		progressStart: DefaultProgressStart,
		progressEnd:   DefaultProgressEnd,
	}
}

// Option configures an Updater.
type Option func(*options)

// WithPacketSize sets the data chunk size. Sizes that do not fit one frame
// are ignored.
func WithPacketSize(size int) Option {
	return func(o *options) {
		if size > 0 && size <= fwpacket.MaxChunkSize {
			o.packetSize = size
		}
	}
}

// WithPacketDelay sets the pause between data chunks.
func WithPacketDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.packetDelay = d
		}
	}
}

// WithErasePoll sets the interval between erase status polls.
func WithErasePoll(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.erasePoll = d
		}
	}
}

// WithEraseTimeout bounds the erase phase.
func WithEraseTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.eraseTimeout = d
		}
	}
}

// WithTimeout sets the timeout of each exchange.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithProgressRange sets the overall progress span covered by the data
// transfer. An empty or out of bounds range is ignored.
func WithProgressRange(start, end float64) Option {
	return func(o *options) {
		if start >= 0 && end <= 100 && start < end {
			o.progressStart = start
			o.progressEnd = end
		}
	}
}

// WithProgressCallback registers a callback for progress reports. It runs
// on the updating goroutine and must return quickly.
func WithProgressCallback(fn ProgressCallback) Option {
	return func(o *options) {
		o.onProgress = fn
	}
}

// WithEvents publishes progress as FirmwareProgress events.
func WithEvents(p events.Publisher) Option {
	return func(o *options) {
		o.events = p
	}
}

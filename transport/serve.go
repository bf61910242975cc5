// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"encoding/hex"
	"log/slog"
)

// Serve answers every frame arriving on link with sim until ctx is done or
// the link disconnects. This is the slave side of a link: it lets a
// simulated device sit behind a serial port or a TCP socket.
func Serve(ctx context.Context, link *Link, sim Simulator) error {
	done := make(chan error, 1)
	link.OnDisconnect(func(err error) {
		select {
		case done <- err:
		default:
		}
	})
	link.OnFrame(func(frame []byte) {
		reply := sim.ProcessRequest(frame)
		if reply == nil {
			slog.Debug("no reply", "request", hex.EncodeToString(frame))
			return
		}
		if err := link.Write(reply); err != nil {
			slog.Warn("failed to write reply", "err", err)
		}
	})

	select {
	case <-ctx.Done():
		link.Close()
		return nil
	case err := <-done:
		return err
	}
}

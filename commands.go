// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/internal/firmware"
	"github.com/ffutop/modbus-master/internal/scan"
	"github.com/ffutop/modbus-master/internal/simulator"
	"github.com/ffutop/modbus-master/internal/simulator/persistence"
	"github.com/ffutop/modbus-master/modbus/rtu"
	rtuserial "github.com/ffutop/modbus-master/transport/rtu"
	rtuovertcp "github.com/ffutop/modbus-master/transport/rtu-over-tcp"
)

// parseUint parses decimal or 0x-prefixed hex.
func parseUint(s string, bits int) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 0, bits)
}

func parseSlave(s string) (byte, error) {
	id, err := parseUint(s, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid slave id %q: %w", s, err)
	}
	if id > rtu.MaxSlaveID {
		return 0, fmt.Errorf("slave id %d out of range 0-%d", id, rtu.MaxSlaveID)
	}
	return byte(id), nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "on", "true":
		return true, nil
	case "0", "off", "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid coil value %q", s)
}

func cmdRead(ctx context.Context, s *session, args []string) error {
	if len(args) < 3 || len(args) > 4 {
		return errors.New("usage: read <slave> <coils|discrete|holding|input> <address> [quantity]")
	}
	slaveID, err := parseSlave(args[0])
	if err != nil {
		return err
	}
	address, err := parseUint(args[2], 16)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", args[2], err)
	}
	quantity := uint64(1)
	if len(args) == 4 {
		if quantity, err = parseUint(args[3], 16); err != nil {
			return fmt.Errorf("invalid quantity %q: %w", args[3], err)
		}
	}
	addr, qty := uint16(address), uint16(quantity)

	switch args[1] {
	case "coils", "discrete":
		read := s.coord.ReadCoils
		if args[1] == "discrete" {
			read = s.coord.ReadDiscreteInputs
		}
		bits, err := read(ctx, slaveID, addr, qty)
		if err != nil {
			return err
		}
		for i, b := range bits {
			fmt.Printf("%d\t%v\n", int(addr)+i, b)
		}
	case "holding", "input":
		read := s.coord.ReadHoldingRegisters
		if args[1] == "input" {
			read = s.coord.ReadInputRegisters
		}
		values, err := read(ctx, slaveID, addr, qty)
		if err != nil {
			return err
		}
		for i, v := range values {
			fmt.Printf("0x%04X\t%d\t0x%04X\n", int(addr)+i, v, v)
		}
	default:
		return fmt.Errorf("unknown table %q", args[1])
	}
	return nil
}

func cmdWrite(ctx context.Context, s *session, args []string) error {
	if len(args) < 4 {
		return errors.New("usage: write <slave> <coil|holding> <address> <value> [value...]")
	}
	slaveID, err := parseSlave(args[0])
	if err != nil {
		return err
	}
	address, err := parseUint(args[2], 16)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", args[2], err)
	}
	addr, raw := uint16(address), args[3:]

	switch args[1] {
	case "coil":
		values := make([]bool, len(raw))
		for i, r := range raw {
			if values[i], err = parseBool(r); err != nil {
				return err
			}
		}
		if len(values) == 1 {
			err = s.coord.WriteSingleCoil(ctx, slaveID, addr, values[0])
		} else {
			err = s.coord.WriteMultipleCoils(ctx, slaveID, addr, values)
		}
	case "holding":
		values := make([]uint16, len(raw))
		for i, r := range raw {
			v, perr := parseUint(r, 16)
			if perr != nil {
				return fmt.Errorf("invalid register value %q: %w", r, perr)
			}
			values[i] = uint16(v)
		}
		if len(values) == 1 {
			err = s.coord.WriteSingleRegister(ctx, slaveID, addr, values[0])
		} else {
			err = s.coord.WriteMultipleRegisters(ctx, slaveID, addr, values)
		}
	default:
		return fmt.Errorf("unknown table %q", args[1])
	}
	if err != nil {
		return err
	}
	slog.Info("write acknowledged", "slaveID", slaveID, "address", fmt.Sprintf("0x%04X", addr), "count", len(raw))
	return nil
}

func cmdScan(ctx context.Context, s *session, cfg config.ScanConfig, args []string) error {
	spec := cfg.Range
	if len(args) > 0 {
		spec = args[0]
	}
	ids, err := scan.ParseSlaveIDs(spec)
	if err != nil {
		return err
	}
	scanner := scan.New(s.coord)
	scanner.Register = cfg.Register
	scanner.Timeout = cfg.Timeout
	scanner.Delay = cfg.Delay
	scanner.Events = s.events
	scanner.OnProbe = func(p scan.Probe) {
		if p.Outcome != scan.Fail {
			fmt.Printf("%d\t%s\t%s\n", p.SlaveID, p.Outcome, p.Detail)
		}
	}

	res, err := scanner.ScanIDs(ctx, ids)
	if err != nil && !errors.Is(err, scan.ErrCancelled) {
		return err
	}
	fmt.Printf("found %d device(s): %v\n", len(res.Found), res.Found)

	if cfg.Report != "" {
		if rerr := scan.SaveReport(cfg.Report, res); rerr != nil {
			return rerr
		}
		slog.Info("scan report written", "path", cfg.Report)
	}
	return err
}

func cmdFlash(ctx context.Context, s *session, cfg config.FirmwareConfig, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: flash <slave> <image>")
	}
	slaveID, err := parseSlave(args[0])
	if err != nil {
		return err
	}
	if slaveID == rtu.Broadcast {
		return errors.New("firmware cannot be broadcast")
	}
	image, err := firmware.LoadImage(args[1])
	if err != nil {
		return err
	}

	u := firmware.New(s.coord, slaveID,
		firmware.WithPacketSize(cfg.PacketSize),
		firmware.WithPacketDelay(cfg.PacketDelay),
		firmware.WithErasePoll(cfg.ErasePoll),
		firmware.WithEraseTimeout(cfg.EraseTimeout),
		firmware.WithTimeout(cfg.Timeout),
		firmware.WithProgressRange(cfg.ProgressStart, cfg.ProgressEnd),
		firmware.WithEvents(s.events),
		firmware.WithProgressCallback(func(p firmware.Progress) {
			fmt.Printf("\r%-14s %5.1f%% %d/%d bytes", p.State, p.Percent, p.Sent, p.Total)
			if p.State == firmware.StateDone || p.State == firmware.StateFailed || p.State == firmware.StateCancelled {
				fmt.Println()
			}
		}),
	)
	return u.Run(ctx, image)
}

// cmdSimulate serves simulated slaves until interrupted.
func cmdSimulate(ctx context.Context, cfg *config.Config) error {
	ids, err := scan.ParseSlaveIDs(cfg.Link.Local.SlaveIDs)
	if err != nil {
		return fmt.Errorf("invalid local slave ids: %w", err)
	}
	storage, m, err := persistence.Open(cfg.Link.Local.Persistence)
	if err != nil {
		return err
	}
	defer storage.Close()

	slave := simulator.NewSlave(m, storage, ids,
		simulator.WithEraseDuration(cfg.Link.Local.EraseDuration),
		simulator.WithFirmwareHook(func(slaveID byte, image []byte) {
			slog.Info("simulated slave flashed", "slaveID", slaveID, "size", len(image))
		}),
	)

	switch cfg.Serve.Type {
	case "rtu-over-tcp":
		srv := rtuovertcp.NewServer(cfg.Serve.Tcp.Address, cfg.Link.Silence)
		return srv.Start(ctx, slave)
	case "rtu":
		srv, err := rtuserial.NewServer(cfg.Serve.Serial)
		if err != nil {
			return err
		}
		if err := srv.Start(ctx, slave); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown serve type %q", cfg.Serve.Type)
	}
}

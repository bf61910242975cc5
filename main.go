// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ffutop/modbus-master/internal/config"
)

const usage = `Usage: modbus-master [flags] <command> [args]

Commands:
  read <slave> <coils|discrete|holding|input> <address> [quantity]
  write <slave> <coil|holding> <address> <value> [value...]
  scan [ids]                 probe slave IDs, e.g. "1-247" or "1,3,5-9"
  flash <slave> <image>      run a firmware update
  simulate                   expose simulated slaves over TCP or serial

Flags:
`

// newFlagSet declares the global flags. Flags named after config keys
// override the config file.
func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("modbus-master", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringP("config", "c", "", "Path to config file")
	fs.String("log.level", "info", "Log level (debug, info, warn, error)")
	fs.String("link.type", "rtu", "Link type (rtu, rtu-over-tcp, local)")
	fs.String("link.serial.device", "", "Serial device, e.g. /dev/ttyUSB0")
	fs.Int("link.serial.baud_rate", 9600, "Serial baud rate")
	fs.String("link.serial.driver", "gridx", "Serial driver (gridx, bugst)")
	fs.String("link.tcp.address", "", "Serial device server address for rtu-over-tcp")
	fs.String("link.local.slave_ids", "1", "Simulated slave IDs for the local link")
	fs.Duration("request.timeout", 0, "Response timeout of read and write commands")
	fs.Duration("firmware.timeout", 0, "Response timeout of firmware exchanges (default request.timeout)")
	fs.String("scan.report", "", "Write the scan result as YAML to this file")
	fs.String("serve.type", "rtu-over-tcp", "Where simulate exposes the slaves (rtu-over-tcp, rtu)")
	fs.String("serve.tcp.address", "127.0.0.1:4196", "Listen address of simulate")
	fs.String("events.listen", "", "Serve the event stream over websocket on this address")
	return fs
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	configFile, _ := fs.GetString("config")
	cfg, err := config.LoadConfig(configFile, changedFlags(fs))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	var runErr error
	switch cmd {
	case "read":
		runErr = withSession(ctx, cfg, func(s *session) error { return cmdRead(ctx, s, cmdArgs) })
	case "write":
		runErr = withSession(ctx, cfg, func(s *session) error { return cmdWrite(ctx, s, cmdArgs) })
	case "scan":
		runErr = withSession(ctx, cfg, func(s *session) error { return cmdScan(ctx, s, cfg.Scan, cmdArgs) })
	case "flash":
		runErr = withSession(ctx, cfg, func(s *session) error { return cmdFlash(ctx, s, cfg.Firmware, cmdArgs) })
	case "simulate":
		runErr = cmdSimulate(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}

	if runErr != nil {
		slog.Error("command failed", "command", cmd, "err", runErr)
		return 1
	}
	return 0
}

// changedFlags returns a flag set holding only the flags given on the
// command line, so unset flags do not shadow config file values.
func changedFlags(fs *pflag.FlagSet) *pflag.FlagSet {
	changed := pflag.NewFlagSet("changed", pflag.ContinueOnError)
	fs.Visit(func(f *pflag.Flag) {
		if f.Name != "config" {
			changed.AddFlag(f)
		}
	})
	return changed
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

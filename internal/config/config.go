// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config defines the global configuration structure
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Link     LinkConfig     `mapstructure:"link"`
	Request  RequestConfig  `mapstructure:"request"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Firmware FirmwareConfig `mapstructure:"firmware"`
	Serve    ServeConfig    `mapstructure:"serve"`
	Events   EventsConfig   `mapstructure:"events"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// LinkConfig defines the endpoint the master talks through
type LinkConfig struct {
	Type    string        `mapstructure:"type"`    // "rtu", "rtu-over-tcp", "local"
	Silence time.Duration `mapstructure:"silence"` // Inter-byte gap that ends a frame

	ConnectAttempts uint          `mapstructure:"connect_attempts"`
	ConnectDelay    time.Duration `mapstructure:"connect_delay"`

	Serial SerialConfig `mapstructure:"serial"` // Used if Type is "rtu"
	Tcp    TcpConfig    `mapstructure:"tcp"`    // Used if Type is "rtu-over-tcp"
	Local  LocalConfig  `mapstructure:"local"`  // Used if Type is "local"
}

// LocalConfig defines the simulated devices behind a "local" link
type LocalConfig struct {
	SlaveIDs      string            `mapstructure:"slave_ids"` // "1", "1,2", "1-10"
	ResponseDelay time.Duration     `mapstructure:"response_delay"`
	EraseDuration time.Duration     `mapstructure:"erase_duration"`
	Persistence   PersistenceConfig `mapstructure:"persistence"`
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap"
	Path string `mapstructure:"path"` // File path for "file/mmap" type
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address string        `mapstructure:"address"` // e.g. "192.168.1.100:4196"
	Timeout time.Duration `mapstructure:"timeout"` // Dial timeout
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Driver   string        `mapstructure:"driver"` // "gridx" (default), "bugst"
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"` // Read timeout

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// RequestConfig defines request/response exchange settings
type RequestConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// ScanConfig defines the slave-ID sweep
type ScanConfig struct {
	Range    string        `mapstructure:"range"` // "1-247"
	Register uint16        `mapstructure:"register"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Delay    time.Duration `mapstructure:"delay"`
	Report   string        `mapstructure:"report"` // YAML report path, empty for none
}

// FirmwareConfig defines the firmware update session
type FirmwareConfig struct {
	PacketSize    int           `mapstructure:"packet_size"`
	PacketDelay   time.Duration `mapstructure:"packet_delay"`
	ErasePoll     time.Duration `mapstructure:"erase_poll"`
	EraseTimeout  time.Duration `mapstructure:"erase_timeout"`
	Timeout       time.Duration `mapstructure:"timeout"` // Per exchange, defaults to request.timeout
	ProgressStart float64       `mapstructure:"progress_start"`
	ProgressEnd   float64       `mapstructure:"progress_end"`
}

// ServeConfig defines where the "simulate" command exposes its devices
type ServeConfig struct {
	Type   string       `mapstructure:"type"` // "rtu-over-tcp", "rtu"
	Tcp    TcpConfig    `mapstructure:"tcp"`
	Serial SerialConfig `mapstructure:"serial"`
}

// EventsConfig defines the websocket event stream
type EventsConfig struct {
	Listen string `mapstructure:"listen"` // e.g. "127.0.0.1:8080", empty to disable
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("link.type", "rtu")
	v.SetDefault("link.silence", 50*time.Millisecond)
	v.SetDefault("link.connect_attempts", 3)
	v.SetDefault("link.connect_delay", 500*time.Millisecond)
	v.SetDefault("link.serial.driver", "gridx")
	v.SetDefault("link.serial.baud_rate", 9600)
	v.SetDefault("link.serial.data_bits", 8)
	v.SetDefault("link.serial.parity", "N")
	v.SetDefault("link.serial.stop_bits", 1)
	v.SetDefault("link.tcp.timeout", 5*time.Second)
	v.SetDefault("link.local.slave_ids", "1")
	v.SetDefault("link.local.erase_duration", time.Second)
	v.SetDefault("link.local.persistence.type", "memory")

	v.SetDefault("request.timeout", time.Second)

	v.SetDefault("scan.range", "1-247")
	v.SetDefault("scan.register", 0xD000)
	v.SetDefault("scan.timeout", 200*time.Millisecond)
	v.SetDefault("scan.delay", 50*time.Millisecond)

	v.SetDefault("firmware.packet_size", 60)
	v.SetDefault("firmware.packet_delay", 20*time.Millisecond)
	v.SetDefault("firmware.erase_poll", 200*time.Millisecond)
	v.SetDefault("firmware.erase_timeout", 5*time.Second)
	v.SetDefault("firmware.progress_start", 10)
	v.SetDefault("firmware.progress_end", 95)

	v.SetDefault("serve.type", "rtu-over-tcp")
	v.SetDefault("serve.tcp.address", "127.0.0.1:4196")
	v.SetDefault("serve.serial.driver", "gridx")
	v.SetDefault("serve.serial.baud_rate", 9600)
	v.SetDefault("serve.serial.data_bits", 8)
	v.SetDefault("serve.serial.parity", "N")
	v.SetDefault("serve.serial.stop_bits", 1)
}

// LoadConfig loads configuration from file. Flags named after config keys
// (e.g. "link.serial.device") override file values when set. Without an
// explicit file a missing config is not an error.
func LoadConfig(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbusmaster/")
		v.AddConfigPath("$HOME/.modbusmaster")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate / Fixups
	fixupSerial(&config.Link.Serial)
	fixupSerial(&config.Serve.Serial)
	if config.Request.Timeout <= 0 {
		config.Request.Timeout = time.Second
	}
	if config.Firmware.Timeout <= 0 {
		config.Firmware.Timeout = config.Request.Timeout
	}
	if config.Firmware.ProgressEnd <= config.Firmware.ProgressStart {
		return nil, fmt.Errorf("firmware progress range [%v, %v] is empty", config.Firmware.ProgressStart, config.Firmware.ProgressEnd)
	}
	switch config.Link.Type {
	case "rtu", "rtu-over-tcp", "local":
	default:
		return nil, fmt.Errorf("unknown link type %q", config.Link.Type)
	}

	return &config, nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	s.Driver = strings.ToLower(s.Driver)
	if s.Timeout == 0 {
		s.Timeout = 50 * time.Millisecond
	}
}

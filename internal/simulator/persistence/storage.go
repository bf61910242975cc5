// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"fmt"
	"log/slog"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/internal/simulator/model"
)

// Storage persists the register image of a simulated device.
type Storage interface {
	// Load returns the stored model, or a fresh one if nothing is stored yet.
	Load() (*model.DataModel, error)

	// Save flushes the model.
	Save(model *model.DataModel) error

	// OnWrite is called after every write request the device accepted.
	OnWrite(table model.TableType, address, quantity uint16)

	Close() error
}

// Open creates the storage selected by cfg and loads its model. A storage
// that fails to load falls back to memory.
func Open(cfg config.PersistenceConfig) (Storage, *model.DataModel, error) {
	var storage Storage
	switch cfg.Type {
	case "file":
		slog.Info("Initializing simulator with file persistence", "path", cfg.Path)
		storage = NewFileStorage(cfg.Path)
	case "mmap":
		slog.Info("Initializing simulator with MMAP persistence", "path", cfg.Path)
		storage = NewMmapStorage(cfg.Path)
	case "", "memory":
		slog.Info("Initializing simulator with memory storage (non-persistent)")
		storage = NewMemoryStorage()
	default:
		return nil, nil, fmt.Errorf("unknown persistence type %q", cfg.Type)
	}

	m, err := storage.Load()
	if err != nil {
		slog.Error("Failed to load persistence data, falling back to memory", "err", err)
		storage = NewMemoryStorage()
		m, _ = storage.Load()
	}
	return storage, m, nil
}

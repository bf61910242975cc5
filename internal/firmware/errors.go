// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package firmware

import (
	"errors"
	"fmt"
)

var (
	ErrInitFailed     = errors.New("firmware: init failed")
	ErrEraseFailed    = errors.New("firmware: erase failed")
	ErrEraseTimeout   = errors.New("firmware: erase did not complete in time")
	ErrFinalizeFailed = errors.New("firmware: finalize failed")
	ErrCancelled      = errors.New("firmware: update cancelled")
	ErrBusy           = errors.New("firmware: an update is already running")
	ErrEmptyImage     = errors.New("firmware: image is empty")
)

// DataTransferError reports the chunk that failed.
type DataTransferError struct {
	Offset int
	Err    error
}

func (e *DataTransferError) Error() string {
	return fmt.Sprintf("firmware: data transfer failed at offset %d: %v", e.Offset, e.Err)
}

func (e *DataTransferError) Unwrap() error {
	return e.Err
}

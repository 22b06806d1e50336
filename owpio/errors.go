// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owpio

import "errors"

var (
	// ErrFIFOOverflow is returned when a batched read request is large
	// enough that its responses could not all fit in the response FIFO.
	ErrFIFOOverflow = errors.New("owpio: read request could overflow the response FIFO")
	// ErrTxFIFOFull is returned by non-blocking calls when the command FIFO
	// has no room. The FIFO is left untouched; retry later or use the
	// blocking variant.
	ErrTxFIFOFull = errors.New("owpio: not enough space in the command FIFO")
	// ErrRxFIFOEmpty is returned by non-blocking pulls when the response
	// FIFO does not yet hold all the requested data. Nothing is consumed.
	ErrRxFIFOEmpty = errors.New("owpio: not enough data in the response FIFO")
	// ErrCRC is returned when the trailing CRC byte of a read block does
	// not match. The data is not re-read.
	ErrCRC = errors.New("owpio: CRC mismatch on read data")
	// ErrSearchROM is returned when no device answered either phase of a
	// search bit, which violates the search ROM protocol. Results from the
	// failed search are discarded.
	ErrSearchROM = errors.New("owpio: search ROM protocol violation")
	// ErrDataSize is returned for read sizes outside the 1..32 bit or
	// 1..16 byte windows the state machine supports.
	ErrDataSize = errors.New("owpio: illegal data size request")
	// ErrBadMode is returned when a direct-line operation is attempted
	// after Offload, or a FIFO operation before it.
	ErrBadMode = errors.New("owpio: operation not valid in the current bus mode")
)

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package buffer provides a fixed-capacity byte buffer whose write
// operations reject, rather than truncate, data that does not fit.
//
// Backends hold one buffer per direction, sized once at construction.
// The capacity is a hard contract: a payload that does not fit is an
// error condition the caller must see, never a silent partial copy.
package buffer

import (
	"errors"
)

// ErrCapacityExceeded is returned when a write would exceed the buffer capacity.
var ErrCapacityExceeded = errors.New("buffer capacity exceeded")

// Bounded is a fixed-capacity byte buffer. Writes that do not fit fail
// without modifying the buffer contents.
type Bounded struct {
	data []byte
	n    int
}

// New creates a bounded buffer with the given capacity.
func New(capacity int) *Bounded {
	return &Bounded{
		data: make([]byte, capacity),
	}
}

// Set replaces the buffer contents with p. If len(p) exceeds the
// capacity, the buffer is left unchanged and ErrCapacityExceeded is
// returned.
func (b *Bounded) Set(p []byte) error {
	if len(p) > len(b.data) {
		return ErrCapacityExceeded
	}
	b.n = copy(b.data, p)
	return nil
}

// Bytes returns the occupied region of the buffer. The returned slice
// aliases the buffer and is valid only until the next Set or Reset.
func (b *Bounded) Bytes() []byte {
	return b.data[:b.n]
}

// Len returns the number of occupied bytes.
func (b *Bounded) Len() int {
	return b.n
}

// Cap returns the buffer capacity.
func (b *Bounded) Cap() int {
	return len(b.data)
}

// Reset marks the buffer empty. The backing array is retained.
func (b *Bounded) Reset() {
	b.n = 0
}

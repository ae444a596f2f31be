// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for devlink backends.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrResolution indicates the configured hostname did not resolve to a
	// usable address.
	ErrResolution = errors.New("address resolution failed")

	// ErrChannel indicates socket or security-context setup, or the
	// transport-level connect, failed.
	ErrChannel = errors.New("channel setup failed")

	// ErrEncode indicates an outgoing packet exceeded buffer capacity or the
	// codec rejected one of its fields.
	ErrEncode = errors.New("packet encoding failed")

	// ErrTransmit indicates the underlying send failed.
	ErrTransmit = errors.New("transmit failed")

	// ErrReceive indicates the underlying receive failed for a reason other
	// than "no data yet".
	ErrReceive = errors.New("receive failed")

	// ErrDecode indicates incoming bytes are not a valid protocol packet.
	ErrDecode = errors.New("packet decoding failed")

	// ErrConfig indicates a derived identifier or topic exceeds its buffer
	// capacity, or the configuration is otherwise unusable.
	ErrConfig = errors.New("invalid configuration")

	// ErrAlreadyInitialized indicates Init was called more than once on the
	// same backend instance.
	ErrAlreadyInitialized = errors.New("backend already initialized")

	// ErrNotConnected indicates an operation that requires an open channel
	// was called while disconnected.
	ErrNotConnected = errors.New("not connected")
)

// BackendError wraps an error with backend context.
type BackendError struct {
	Op      string // Operation that failed
	Backend string // Backend type (coap, mqtt)
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// New creates a new BackendError.
func New(op, backend string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{
		Op:      op,
		Backend: backend,
		Err:     err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

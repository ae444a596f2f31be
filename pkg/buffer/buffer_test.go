// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package buffer

import (
	"bytes"
	stderrors "errors"
	"testing"
)

func TestSetWithinCapacity(t *testing.T) {
	b := New(8)
	if err := b.Set([]byte("hello")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if !bytes.Equal(b.Bytes(), []byte("hello")) {
		t.Errorf("Bytes() = %q, want hello", b.Bytes())
	}
	if b.Len() != 5 {
		t.Errorf("Len() = %d, want 5", b.Len())
	}
	if b.Cap() != 8 {
		t.Errorf("Cap() = %d, want 8", b.Cap())
	}
}

func TestSetAtCapacity(t *testing.T) {
	b := New(4)
	if err := b.Set([]byte("full")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if !bytes.Equal(b.Bytes(), []byte("full")) {
		t.Errorf("Bytes() = %q, want full", b.Bytes())
	}
}

func TestSetOverCapacityLeavesContents(t *testing.T) {
	b := New(8)
	if err := b.Set([]byte("kept")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	err := b.Set(bytes.Repeat([]byte("x"), 9))
	if !stderrors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Set() error = %v, want ErrCapacityExceeded", err)
	}
	// A rejected write must not disturb the previous contents.
	if !bytes.Equal(b.Bytes(), []byte("kept")) {
		t.Errorf("Bytes() = %q after rejected write, want kept", b.Bytes())
	}
}

func TestSetEmpty(t *testing.T) {
	b := New(8)
	if err := b.Set([]byte("old")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := b.Set(nil); err != nil {
		t.Fatalf("Set(nil) error = %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}

func TestReset(t *testing.T) {
	b := New(8)
	if err := b.Set([]byte("data")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	b.Reset()
	if b.Len() != 0 {
		t.Errorf("Len() = %d after reset, want 0", b.Len())
	}
	if b.Cap() != 8 {
		t.Errorf("Cap() = %d after reset, want 8", b.Cap())
	}
}

func TestZeroCapacity(t *testing.T) {
	b := New(0)
	if err := b.Set([]byte("x")); !stderrors.Is(err, ErrCapacityExceeded) {
		t.Errorf("Set() error = %v, want ErrCapacityExceeded", err)
	}
	if err := b.Set(nil); err != nil {
		t.Errorf("Set(nil) error = %v", err)
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/absmach/devlink/pkg/metrics"
)

const (
	// DefaultBufferLen is the default rx/tx wire buffer capacity in bytes.
	DefaultBufferLen = 1024

	// DefaultPayloadLen is the default incoming payload buffer capacity in bytes.
	DefaultPayloadLen = 2048

	// DefaultClientIDMaxLen is the default capacity of the client
	// identifier and derived topic buffers.
	DefaultClientIDMaxLen = 64

	// DefaultKeepalive is the default keep-alive interval.
	DefaultKeepalive = 60 * time.Second
)

// Family selects the address family used during resolution. It is a
// configuration decision, not negotiated at runtime.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// ResolveStrategy selects how resolver candidates are examined.
type ResolveStrategy int

const (
	// ResolveFirst examines only the first candidate and fails if its
	// family does not match. This mirrors legacy firmware behavior where
	// the candidate loop terminated after one entry.
	ResolveFirst ResolveStrategy = iota

	// ResolveMatch scans candidates for the first family match.
	ResolveMatch
)

// PSK is a pre-shared key identity for DTLS-secured datagram channels.
type PSK struct {
	Identity string
	Key      []byte
}

// Config holds the immutable per-connection-attempt parameters shared
// by both backends. A backend reads it during Init and Connect; changes
// after Init take effect on the next Init.
type Config struct {
	// Host is the remote hostname. Must be non-empty.
	Host string

	// Port is the remote port.
	Port uint16

	// ClientID is the protocol-specific identity used by the stream
	// backend for session and topic derivation.
	ClientID string

	// ClientIDMaxLen caps the client identifier and derived topic length.
	// Zero selects DefaultClientIDMaxLen.
	ClientIDMaxLen int

	// Resource is the request path used by the datagram backend.
	Resource string

	// Family selects IPv4 or IPv6 resolution.
	Family Family

	// ResolveStrategy selects candidate handling during resolution.
	ResolveStrategy ResolveStrategy

	// TLS enables transport security on the stream backend. Nil selects
	// the non-secure transport.
	TLS *tls.Config

	// PSK enables DTLS on the datagram backend. Nil selects plain UDP.
	PSK *PSK

	// WebSocket carries the stream protocol over a WebSocket connection
	// when set ("ws" or "wss" URL). Empty selects raw TCP.
	WebSocketURL string

	// Keepalive is the keep-alive interval. Zero selects DefaultKeepalive.
	Keepalive time.Duration

	// BufferLen is the wire rx/tx buffer capacity. Zero selects
	// DefaultBufferLen.
	BufferLen int

	// PayloadLen is the incoming payload buffer capacity. Zero selects
	// DefaultPayloadLen.
	PayloadLen int

	// Logger for backend events. Nil selects slog.Default.
	Logger *slog.Logger

	// Metrics is an optional instrumentation sink. Nil disables
	// instrumentation.
	Metrics *metrics.Metrics
}

// WithDefaults returns a copy of cfg with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.ClientIDMaxLen == 0 {
		c.ClientIDMaxLen = DefaultClientIDMaxLen
	}
	if c.Keepalive == 0 {
		c.Keepalive = DefaultKeepalive
	}
	if c.BufferLen == 0 {
		c.BufferLen = DefaultBufferLen
	}
	if c.PayloadLen == 0 {
		c.PayloadLen = DefaultPayloadLen
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

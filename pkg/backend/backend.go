// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"net"
	"time"
)

// EventType identifies a backend event delivered to the orchestrator.
type EventType int

const (
	// EventConnected signals the transport-level connection is established.
	EventConnected EventType = iota + 1

	// EventReady signals the session is additionally prepared to accept
	// application traffic. Always follows EventConnected.
	EventReady

	// EventDisconnected signals the session has ended.
	EventDisconnected

	// EventDataReceived carries an incoming application payload.
	EventDataReceived

	// EventError signals the channel may be unusable. The orchestrator
	// decides whether to disconnect and reconnect; backends never reconnect
	// on their own.
	EventError

	// EventFotaDone signals a completed firmware update and requests a
	// reboot from the orchestrator.
	EventFotaDone
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	case EventDataReceived:
		return "data_received"
	case EventError:
		return "error"
	case EventFotaDone:
		return "fota_done"
	default:
		return "unknown"
	}
}

// Event is a notification produced by backend logic and consumed by the
// orchestrator's registered handler.
//
// Payload aliases a backend-owned buffer and is valid only for the
// duration of the handler call; the next Input overwrites it. Handlers
// that need the data longer must copy it.
type Event struct {
	Type    EventType
	Payload []byte
	Err     error
}

// Handler receives backend events. Delivery is synchronous: the backend
// blocks until the handler returns, and the handler must not call back
// into the backend instance that invoked it.
type Handler func(Event)

// TopicType selects the destination topic class for a stream-backend send.
type TopicType int

const (
	// TopicMsg publishes to the derived update topic.
	TopicMsg TopicType = iota + 1
)

// QoS is the delivery guarantee level for a published message.
type QoS byte

const (
	QoSAtMostOnce  QoS = 0
	QoSAtLeastOnce QoS = 1
	QoSExactlyOnce QoS = 2
)

// TxData describes one outgoing application message. Payload is a
// caller-owned byte buffer with explicit length semantics; backends do
// not assume null termination or retain the slice past the call.
type TxData struct {
	// Payload is the application data to transmit.
	Payload []byte

	// Topic selects the destination topic class. Only the stream backend
	// consults it; the datagram backend publishes to its configured
	// resource path.
	Topic TopicType

	// QoS is the requested delivery guarantee. Only the stream backend
	// consults it.
	QoS QoS
}

// Backend is the lifecycle contract both transport backends satisfy.
// The orchestrator holds a Backend value and drives it from a single
// polling loop; no operation is safe for concurrent use.
//
// Init must be called exactly once per instance and must succeed before
// any other operation. Calling other operations before a successful
// Init or Connect is undefined and must be guarded by the caller.
type Backend interface {
	// Init prepares the backend: resolves addresses or derives session
	// identifiers per configuration, and registers the event handler.
	Init(cfg Config, h Handler) error

	// Connect opens the transport channel and starts the protocol session.
	// Connection state from any previous session is discarded.
	Connect(ctx context.Context) error

	// Send transmits one application message.
	Send(ctx context.Context, data TxData) error

	// Input performs one non-blocking receive/dispatch iteration, invoking
	// the event handler zero or more times. A "no data available"
	// condition is a normal nil return.
	Input() error

	// Ping sends a protocol-level keep-alive probe. The caller must invoke
	// it before KeepaliveTimeLeft elapses.
	Ping() error

	// KeepaliveTimeLeft reports the remaining budget before a ping is due.
	KeepaliveTimeLeft() time.Duration

	// Disconnect tears down the session and closes the channel. Safe to
	// call on a degraded channel; best-effort, idempotent close.
	Disconnect() error

	// Conn exposes the open transport channel so the orchestrator can
	// register it with its own I/O readiness mechanism. Nil while
	// disconnected.
	Conn() net.Conn
}

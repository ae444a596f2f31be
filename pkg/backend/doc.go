// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backend defines the uniform transport-backend contract shared by
// the datagram (CoAP-style) and stream (MQTT-style) protocol backends.
//
// # Architecture Overview
//
// An orchestrator owns one Backend value and drives it from a single
// polling loop. Both concrete backends satisfy the same lifecycle, so the
// orchestrator can swap transports without changing call sites:
//
//	Orchestrator
//	     ↓
//	┌──────────────┐
//	│   Backend    │  (this package: interface + event model)
//	└──────────────┘
//	     ↓
//	┌──────────────┐   ┌──────────────┐
//	│ coap.Backend │   │ mqtt.Backend │  (concrete implementations)
//	└──────────────┘   └──────────────┘
//	     ↓                   ↓
//	   UDP/DTLS          TCP/TLS/WS
//
// # Lifecycle
//
//	Init       → resolve / derive identifiers, register event handler
//	Connect    → open channel, start protocol session
//	Send       → transmit one application message
//	Input      → one non-blocking receive/dispatch iteration
//	Ping       → keep-alive probe
//	Disconnect → tear down session and channel
//
// Init is callable exactly once per instance. No reconnect-on-error
// transition is automatic: after an EventError the orchestrator decides
// whether to Disconnect and Connect again.
//
// # Event Model
//
// Backends communicate asynchronously observed conditions through a
// registered Handler. Delivery is synchronous and reentrant-unsafe: a
// backend never invokes the handler recursively from within the handler's
// own execution, and a handler must not call back into the backend that
// invoked it.
//
// A successful stream-session handshake always produces Connected
// immediately followed by Ready, in that order, exactly once per connect.
// DataReceived payloads alias a backend-owned buffer valid only for the
// duration of the callback.
//
// # Concurrency
//
// Single-threaded cooperative model. Socket reads are bounded by a short
// poll window, so a "no data available" Input is a normal, cheap nil
// return that never stalls the driving loop. Backends hold
// no internal locks: each instance is exclusively owned by the one polling
// task that drives it.
package backend

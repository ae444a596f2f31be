// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap implements the datagram transport backend: a CoAP-style
// request/response exchange over UDP, optionally DTLS-secured.
//
// # Correlation
//
// The backend assumes at most one request outstanding at a time. Every
// send increments a 16-bit correlation token embedded in the request; a
// reply is accepted only when its token exactly equals the most recently
// issued token in both length and value. Anything else is a stale or
// foreign reply and is discarded without an event, since duplicate and
// delayed datagrams are expected on an unreliable transport.
//
// The token is re-seeded from a random source on every connect so
// replies from a previous session cannot collide with the current one.
// Ping resets the token to zero and sends an empty confirmable request;
// it is a pure keep-alive probe with no tracked reply.
//
// # State Machine
//
//	Idle → Resolved (Init) → Connected (Connect)
//	     → steady-state Send/Input/Ping
//	     → Disconnected (Disconnect)
//
// No reconnect-on-error transition is automatic. A receive or decode
// failure during Input surfaces as an error event and the orchestrator
// decides whether to reconnect.
//
// # Wire Codec
//
// Packet construction and parsing is delegated to
// github.com/plgd-dev/go-coap/v3 (message pool + UDP coder). Encoded
// packets pass through a fixed-capacity transmit buffer; construction
// that exceeds the capacity fails instead of truncating.
package coap

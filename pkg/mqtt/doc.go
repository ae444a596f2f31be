// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements the stream transport backend: a persistent
// MQTT-style publish/subscribe session over TCP, TLS, or a WebSocket
// carrier, with QoS 1 acknowledgment handling.
//
// # Session Model
//
// Connect dials the carrier and sends the protocol CONNECT; the
// handshake completes asynchronously. Input reads one packet per
// iteration and translates it into backend events:
//
//	CONNACK (accepted) → Connected, then Ready
//	DISCONNECT / EOF   → Disconnected
//	PUBLISH            → DataReceived (QoS 1 acknowledged first)
//	PUBACK / SUBACK    → logged only, housekeeping confirmations
//
// Connected and Ready are distinct events, always in that order: ready
// additionally means the session accepts application traffic.
//
// # Topics
//
// The update topic is derived from the client identifier at Init time
// with a hard capacity check; derivation fails loudly rather than
// silently truncating. Sends addressed to the message topic class are
// routed to the derived topic.
//
// # State Machine
//
//	Uninitialized → TopicsPopulated (Init) → SessionConnecting (Connect)
//	              → SessionConnected/Ready (CONNACK via Input)
//	              → SessionDisconnected (Disconnect)
//
// Publish and acknowledgment traffic are intra-connected events that do
// not change backend state.
//
// # Wire Codec
//
// Packet encoding and decoding is delegated to
// github.com/eclipse/paho.mqtt.golang/packets, bounded on both sides
// by the configured wire buffer capacity: an outgoing publish that
// encodes past it fails instead of truncating, and an incoming packet
// whose declared length exceeds it is consumed and dropped before the
// codec allocates for it. The incoming payload is additionally staged
// through a fixed-capacity buffer; a payload that does not fit is
// logged and counted, and its DataReceived event is suppressed.
package mqtt

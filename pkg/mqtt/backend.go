// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"

	"github.com/absmach/devlink/pkg/backend"
	"github.com/absmach/devlink/pkg/buffer"
	"github.com/absmach/devlink/pkg/errors"
	"github.com/absmach/devlink/pkg/metrics"
	"github.com/absmach/devlink/pkg/resolver"
)

const backendName = "mqtt"

// pollWindow bounds the peek for the first byte of a packet. A deadline
// already in the past makes the poller fail the read before attempting
// it, so the window must be positive for queued data to be delivered.
const pollWindow = time.Millisecond

// readTimeout bounds the read of a packet whose first byte has already
// arrived. Control-plane packets are small; a packet that cannot
// complete within this window indicates a broken peer.
const readTimeout = time.Second

var _ backend.Backend = (*Backend)(nil)

// Backend is the stream transport backend. It maintains a persistent
// publish/subscribe session with QoS 1 acknowledgment handling over
// TCP, TLS, or a WebSocket carrier.
type Backend struct {
	cfg      backend.Config
	handler  backend.Handler
	resolver *resolver.Resolver
	logger   *slog.Logger

	clientID    string
	updateTopic string
	sessionID   string

	conn   net.Conn
	br     *bufio.Reader
	lastTx time.Time

	txBuf      *buffer.Bounded
	payloadBuf *buffer.Bounded

	initialized bool
	inHandler   bool
}

// New creates an uninitialized stream backend.
func New() *Backend {
	return &Backend{}
}

// Init derives the client identifier and update topic from
// configuration and registers the event handler. Derivation fails with
// a configuration error rather than truncating; both strings are
// re-derived on every Init so reconnects never see stale identity.
// It must be called exactly once per instance.
func (b *Backend) Init(cfg backend.Config, h backend.Handler) error {
	if b.initialized {
		return errors.New("init", backendName, errors.ErrAlreadyInitialized)
	}

	cfg = cfg.WithDefaults()
	b.cfg = cfg
	b.handler = h
	b.logger = cfg.Logger
	b.resolver = resolver.New(cfg.Logger)
	b.txBuf = buffer.New(cfg.BufferLen)
	b.payloadBuf = buffer.New(cfg.PayloadLen)

	if err := b.populateTopics(); err != nil {
		return errors.New("init", backendName, err)
	}

	b.initialized = true
	return nil
}

// populateTopics derives the client identifier and the update topic. In
// this configuration the update topic is the client identifier itself.
func (b *Backend) populateTopics() error {
	if b.cfg.ClientID == "" {
		return fmt.Errorf("%w: empty client identifier", errors.ErrConfig)
	}
	if len(b.cfg.ClientID) > b.cfg.ClientIDMaxLen {
		return fmt.Errorf("%w: client identifier %d bytes exceeds %d",
			errors.ErrConfig, len(b.cfg.ClientID), b.cfg.ClientIDMaxLen)
	}
	b.clientID = b.cfg.ClientID

	topic := b.clientID
	if len(topic) > b.cfg.ClientIDMaxLen {
		return fmt.Errorf("%w: update topic %d bytes exceeds %d",
			errors.ErrConfig, len(topic), b.cfg.ClientIDMaxLen)
	}
	b.updateTopic = topic

	return nil
}

// Connect resolves the broker address, dials the configured carrier,
// and sends the protocol-level CONNECT. No event fires here: the event
// model fires on the CONNACK observed by Input, not on socket-level
// connect. Failures return the underlying error.
func (b *Backend) Connect(ctx context.Context) error {
	if !b.initialized {
		return errors.New("connect", backendName, errors.ErrConfig)
	}

	conn, err := b.dial(ctx)
	if err != nil {
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.ConnectAttempts.WithLabelValues(backendName, "error").Inc()
		}
		return errors.New("connect", backendName, fmt.Errorf("%w: %v", errors.ErrChannel, err))
	}

	b.conn = conn
	b.br = bufio.NewReaderSize(conn, b.cfg.BufferLen)
	b.sessionID = uuid.New().String()

	cp := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	cp.ClientIdentifier = b.clientID
	cp.ProtocolName = "MQTT"
	cp.ProtocolVersion = 4
	cp.CleanSession = true
	cp.Keepalive = uint16(b.cfg.Keepalive / time.Second)

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := cp.Write(conn); err != nil {
		conn.Close()
		b.conn = nil
		b.br = nil
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.ConnectAttempts.WithLabelValues(backendName, "error").Inc()
		}
		return errors.New("connect", backendName, fmt.Errorf("%w: %v", errors.ErrTransmit, err))
	}

	b.lastTx = time.Now()
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.ConnectAttempts.WithLabelValues(backendName, "ok").Inc()
	}
	b.logger.Debug("session connecting",
		slog.String("backend", backendName),
		slog.String("session", b.sessionID),
		slog.String("client_id", b.clientID))

	return nil
}

// dial opens the transport carrier: raw TCP, TLS, or MQTT over
// WebSocket when a WebSocket URL is configured.
func (b *Backend) dial(ctx context.Context) (net.Conn, error) {
	if b.cfg.WebSocketURL != "" {
		return dialWebSocket(ctx, b.cfg.WebSocketURL, b.cfg.TLS)
	}

	addr, err := b.resolver.Resolve(ctx, b.cfg.Host, b.cfg.Port, b.cfg.Family, b.cfg.ResolveStrategy)
	if err != nil {
		return nil, err
	}

	if b.cfg.TLS != nil {
		tlsCfg := b.cfg.TLS.Clone()
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = b.cfg.Host
		}
		d := tls.Dialer{Config: tlsCfg}
		return d.DialContext(ctx, "tcp", addr.String())
	}

	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr.String())
}

// Send publishes one application message. The message topic type is
// substituted with the derived update topic; any other type is a
// configuration error that is logged, and the publish proceeds with no
// topic. The message id is freshly generated, with no duplicate or
// retain flags.
func (b *Backend) Send(ctx context.Context, data backend.TxData) error {
	if b.conn == nil {
		return errors.New("send", backendName, errors.ErrNotConnected)
	}

	var topic string
	switch data.Topic {
	case backend.TopicMsg:
		topic = b.updateTopic
	default:
		b.logger.Error("no endpoint topic available",
			slog.String("backend", backendName),
			slog.Int("topic_type", int(data.Topic)))
	}

	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.TopicName = topic
	pub.Payload = data.Payload
	pub.Qos = byte(data.QoS)
	pub.MessageID = nextMessageID()
	pub.Dup = false
	pub.Retain = false

	// Encode through the fixed transmit buffer so an oversized publish
	// fails instead of pushing an unbounded packet at the peer.
	var wire bytes.Buffer
	if err := pub.Write(&wire); err != nil {
		return b.sendErr("send", fmt.Errorf("%w: %v", errors.ErrEncode, err))
	}
	if err := b.txBuf.Set(wire.Bytes()); err != nil {
		return b.sendErr("send", fmt.Errorf("%w: encoded packet %d bytes, buffer %d", errors.ErrEncode, wire.Len(), b.txBuf.Cap()))
	}

	if deadline, ok := ctx.Deadline(); ok {
		b.conn.SetWriteDeadline(deadline)
	}
	if _, err := b.conn.Write(b.txBuf.Bytes()); err != nil {
		return b.sendErr("send", fmt.Errorf("%w: %v", errors.ErrTransmit, err))
	}

	b.lastTx = time.Now()
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.SendsTotal.WithLabelValues(backendName, "ok").Inc()
		b.cfg.Metrics.PayloadBytes.WithLabelValues(backendName, "tx").Observe(float64(len(data.Payload)))
	}
	b.logger.Debug("published",
		slog.String("backend", backendName),
		slog.String("session", b.sessionID),
		slog.String("topic", topic),
		slog.Int("message_id", int(pub.MessageID)),
		slog.Int("payload_len", len(data.Payload)))

	return nil
}

func (b *Backend) sendErr(op string, err error) error {
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.SendsTotal.WithLabelValues(backendName, "error").Inc()
	}
	return errors.New(op, backendName, err)
}

// Ping issues a protocol-level keep-alive probe. The caller is
// responsible for invoking it before the keep-alive deadline elapses.
func (b *Backend) Ping() error {
	if b.conn == nil {
		return errors.New("ping", backendName, errors.ErrNotConnected)
	}

	ping := packets.NewControlPacket(packets.Pingreq).(*packets.PingreqPacket)
	if err := ping.Write(b.conn); err != nil {
		return errors.New("ping", backendName, fmt.Errorf("%w: %v", errors.ErrTransmit, err))
	}

	b.lastTx = time.Now()
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.KeepalivePings.WithLabelValues(backendName).Inc()
	}
	b.logger.Debug("ping sent", slog.String("backend", backendName))

	return nil
}

// KeepaliveTimeLeft reports the remaining time budget before a ping is due.
func (b *Backend) KeepaliveTimeLeft() time.Duration {
	left := b.cfg.Keepalive - time.Since(b.lastTx)
	if left < 0 {
		return 0
	}
	return left
}

// Input drives one iteration of the session's receive/dispatch logic,
// invoking the event handler zero or more times. No pending data is a
// normal nil return; receive and decode failures surface as events.
func (b *Backend) Input() error {
	if b.conn == nil {
		return errors.New("input", backendName, errors.ErrNotConnected)
	}

	// Peek one byte within the poll window so an idle channel costs
	// almost nothing and no partial packet is ever consumed.
	b.conn.SetReadDeadline(time.Now().Add(pollWindow))
	if _, err := b.br.Peek(1); err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil
		}
		if err == io.EOF {
			b.logger.Debug("connection closed by peer",
				slog.String("backend", backendName),
				slog.String("session", b.sessionID))
			b.emit(backend.Event{Type: backend.EventDisconnected})
			return nil
		}
		b.emit(backend.Event{Type: backend.EventError, Err: fmt.Errorf("%w: %v", errors.ErrReceive, err)})
		return nil
	}

	b.conn.SetReadDeadline(time.Now().Add(readTimeout))

	// The peer declares the packet length up front; hold it to the wire
	// buffer capacity before letting the codec allocate for it. An
	// oversized packet is consumed to keep the stream in sync, then
	// discarded.
	remaining, headerLen, err := peekPacketLength(b.br)
	if err != nil {
		b.drop(metrics.DropDecode)
		b.emit(backend.Event{Type: backend.EventError, Err: fmt.Errorf("%w: %v", errors.ErrDecode, err)})
		return nil
	}
	if remaining > b.cfg.BufferLen {
		b.logger.Error("incoming packet exceeds wire buffer",
			slog.String("backend", backendName),
			slog.Int("packet_len", remaining),
			slog.Int("capacity", b.cfg.BufferLen))
		if _, err := io.CopyN(io.Discard, b.br, int64(headerLen+remaining)); err != nil {
			b.emit(backend.Event{Type: backend.EventError, Err: fmt.Errorf("%w: %v", errors.ErrReceive, err)})
			return nil
		}
		b.drop(metrics.DropOversizedPacket)
		return nil
	}

	pkt, err := packets.ReadPacket(b.br)
	if err != nil {
		b.logger.Debug("malformed packet",
			slog.String("backend", backendName),
			slog.String("error", err.Error()))
		b.drop(metrics.DropDecode)
		b.emit(backend.Event{Type: backend.EventError, Err: fmt.Errorf("%w: %v", errors.ErrDecode, err)})
		return nil
	}

	b.dispatch(pkt)
	return nil
}

// dispatch translates one protocol packet into backend events.
func (b *Backend) dispatch(pkt packets.ControlPacket) {
	switch p := pkt.(type) {
	case *packets.ConnackPacket:
		b.logger.Debug("CONNACK",
			slog.String("backend", backendName),
			slog.String("session", b.sessionID),
			slog.Int("return_code", int(p.ReturnCode)))
		if p.ReturnCode != packets.Accepted {
			b.emit(backend.Event{Type: backend.EventError,
				Err: fmt.Errorf("%w: connection refused, return code %d", errors.ErrChannel, p.ReturnCode)})
			return
		}
		b.emit(backend.Event{Type: backend.EventConnected})
		b.emit(backend.Event{Type: backend.EventReady})

	case *packets.PublishPacket:
		b.handlePublish(p)

	case *packets.PubackPacket:
		b.logger.Debug("PUBACK",
			slog.String("backend", backendName),
			slog.Int("message_id", int(p.MessageID)))

	case *packets.SubackPacket:
		b.logger.Debug("SUBACK",
			slog.String("backend", backendName),
			slog.Int("message_id", int(p.MessageID)))

	case *packets.PingrespPacket:
		b.logger.Debug("PINGRESP", slog.String("backend", backendName))

	case *packets.DisconnectPacket:
		b.emit(backend.Event{Type: backend.EventDisconnected})

	default:
		b.logger.Debug("unhandled packet",
			slog.String("backend", backendName),
			slog.String("type", pkt.String()))
	}
}

// handlePublish copies the incoming payload into the fixed payload
// buffer, acknowledges QoS 1 deliveries before notifying, and emits
// DataReceived. An oversized payload suppresses the event entirely but
// is logged and counted so the loss is diagnosable.
func (b *Backend) handlePublish(p *packets.PublishPacket) {
	b.logger.Debug("PUBLISH received",
		slog.String("backend", backendName),
		slog.String("topic", p.TopicName),
		slog.Int("message_id", int(p.MessageID)),
		slog.Int("payload_len", len(p.Payload)))

	if err := b.payloadBuf.Set(p.Payload); err != nil {
		b.logger.Error("incoming message too large for payload buffer",
			slog.String("backend", backendName),
			slog.Int("payload_len", len(p.Payload)),
			slog.Int("capacity", b.payloadBuf.Cap()))
		b.drop(metrics.DropPayloadTooLarge)
		return
	}

	if p.Qos == byte(backend.QoSAtLeastOnce) {
		ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
		ack.MessageID = p.MessageID
		if err := ack.Write(b.conn); err != nil {
			b.logger.Error("failed to acknowledge publish",
				slog.String("backend", backendName),
				slog.Int("message_id", int(p.MessageID)),
				slog.String("error", err.Error()))
		}
	}

	if b.cfg.Metrics != nil {
		b.cfg.Metrics.PayloadBytes.WithLabelValues(backendName, "rx").Observe(float64(b.payloadBuf.Len()))
	}
	b.emit(backend.Event{Type: backend.EventDataReceived, Payload: b.payloadBuf.Bytes()})
}

// Disconnect executes the protocol-level disconnect handshake and
// closes the channel. Safe to call on a degraded channel.
func (b *Backend) Disconnect() error {
	if b.conn == nil {
		return nil
	}

	dp := packets.NewControlPacket(packets.Disconnect).(*packets.DisconnectPacket)
	if err := dp.Write(b.conn); err != nil {
		b.logger.Debug("disconnect packet not sent",
			slog.String("backend", backendName),
			slog.String("error", err.Error()))
	}

	err := b.conn.Close()
	b.conn = nil
	b.br = nil
	return err
}

// Conn exposes the open channel for readiness polling. Nil while
// disconnected.
func (b *Backend) Conn() net.Conn {
	return b.conn
}

func (b *Backend) emit(evt backend.Event) {
	if b.handler == nil || b.inHandler {
		return
	}
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.Events.WithLabelValues(backendName, evt.Type.String()).Inc()
	}
	b.inHandler = true
	b.handler(evt)
	b.inHandler = false
}

func (b *Backend) drop(reason string) {
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.ReceiveDrops.WithLabelValues(backendName, reason).Inc()
	}
}

// peekPacketLength decodes the remaining-length varint from the fixed
// header without consuming it, and reports the total header size.
func peekPacketLength(br *bufio.Reader) (remaining, headerLen int, err error) {
	for i := 1; i <= 4; i++ {
		hdr, err := br.Peek(1 + i)
		if err != nil {
			return 0, 0, err
		}
		digit := hdr[i]
		remaining |= int(digit&0x7f) << (7 * (i - 1))
		if digit&0x80 == 0 {
			return remaining, 1 + i, nil
		}
	}
	return 0, 0, fmt.Errorf("malformed remaining length")
}

// nextMessageID generates a message identifier for an outgoing publish.
// Identifiers are random rather than sequential; zero is reserved by
// the protocol.
func nextMessageID() uint16 {
	id := uint16(rand.Uint32())
	if id == 0 {
		id = 1
	}
	return id
}

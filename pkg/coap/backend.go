// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"

	"github.com/absmach/devlink/pkg/backend"
	"github.com/absmach/devlink/pkg/buffer"
	"github.com/absmach/devlink/pkg/errors"
	"github.com/absmach/devlink/pkg/metrics"
	"github.com/absmach/devlink/pkg/resolver"
)

const backendName = "coap"

// pollWindow bounds one Input receive attempt. A deadline already in
// the past makes the poller fail the read before attempting it, so the
// window must be positive for queued data to be delivered.
const pollWindow = time.Millisecond

var _ backend.Backend = (*Backend)(nil)

// Backend is the datagram transport backend. It maintains a
// one-outstanding-request request/response exchange over an unreliable
// datagram channel, correlating replies by token.
type Backend struct {
	cfg      backend.Config
	handler  backend.Handler
	resolver *resolver.Resolver
	logger   *slog.Logger

	addr *net.UDPAddr
	conn net.Conn

	token  uint16
	msgID  uint16
	lastTx time.Time

	txBuf      *buffer.Bounded
	rxBuf      []byte
	payloadBuf *buffer.Bounded

	initialized bool
	inHandler   bool
}

// New creates an uninitialized datagram backend.
func New() *Backend {
	return &Backend{}
}

// Init resolves the configured hostname and registers the event handler.
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
	b.rxBuf = make([]byte, cfg.BufferLen)
	b.payloadBuf = buffer.New(cfg.PayloadLen)

	addr, err := b.resolver.Resolve(context.Background(), cfg.Host, cfg.Port, cfg.Family, cfg.ResolveStrategy)
	if err != nil {
		return errors.New("init", backendName, err)
	}
	b.addr = addr
	b.initialized = true

	return nil
}

// Connect opens the datagram channel, plain UDP or DTLS per
// configuration, and seeds the correlation token from a random source.
// On any connect-phase failure the channel is closed before returning.
func (b *Backend) Connect(ctx context.Context) error {
	if !b.initialized {
		return errors.New("connect", backendName, errors.ErrConfig)
	}

	conn, err := b.dial(ctx)
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.ConnectAttempts.WithLabelValues(backendName, "error").Inc()
		}
		return errors.New("connect", backendName, fmt.Errorf("%w: %v", errors.ErrChannel, err))
	}

	b.conn = conn
	b.token = uint16(rand.Uint32())
	b.msgID = uint16(rand.Uint32())
	b.lastTx = time.Now()

	if b.cfg.Metrics != nil {
		b.cfg.Metrics.ConnectAttempts.WithLabelValues(backendName, "ok").Inc()
	}
	b.logger.Debug("channel connected",
		slog.String("backend", backendName),
		slog.String("remote", b.addr.String()),
		slog.Bool("secured", b.cfg.PSK != nil))

	// The datagram protocol has no session handshake: a connected
	// channel is immediately ready for application traffic.
	b.emit(backend.Event{Type: backend.EventConnected})
	b.emit(backend.Event{Type: backend.EventReady})

	return nil
}

func (b *Backend) dial(ctx context.Context) (net.Conn, error) {
	if b.cfg.PSK == nil {
		var d net.Dialer
		return d.DialContext(ctx, "udp", b.addr.String())
	}

	psk := b.cfg.PSK
	dtlsCfg := &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return psk.Key, nil
		},
		PSKIdentityHint: []byte(psk.Identity),
		CipherSuites:    []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8},
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithCancel(ctx)
		},
	}

	return dtls.Dial("udp", b.addr, dtlsCfg)
}

// Send increments the correlation token and transmits a non-confirmable
// PUT carrying the new token, the configured resource path, and the
// payload.
func (b *Backend) Send(ctx context.Context, data backend.TxData) error {
	if b.conn == nil {
		return errors.New("send", backendName, errors.ErrNotConnected)
	}

	b.token++

	var token [2]byte
	binary.BigEndian.PutUint16(token[:], b.token)

	msg := pool.NewMessage(ctx)
	defer msg.Reset()

	msg.SetType(message.NonConfirmable)
	msg.SetCode(codes.PUT)
	msg.SetMessageID(int32(b.nextMessageID()))
	msg.SetToken(token[:])
	if err := msg.SetPath(b.cfg.Resource); err != nil {
		return b.sendErr("send", fmt.Errorf("%w: %v", errors.ErrEncode, err))
	}
	msg.SetBody(bytes.NewReader(data.Payload))

	wire, err := msg.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return b.sendErr("send", fmt.Errorf("%w: %v", errors.ErrEncode, err))
	}
	if err := b.txBuf.Set(wire); err != nil {
		return b.sendErr("send", fmt.Errorf("%w: encoded packet %d bytes, buffer %d", errors.ErrEncode, len(wire), b.txBuf.Cap()))
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
	b.logger.Debug("request sent",
		slog.String("backend", backendName),
		slog.String("token", fmt.Sprintf("0x%04x", b.token)),
		slog.Int("payload_len", len(data.Payload)))

	return nil
}

func (b *Backend) sendErr(op string, err error) error {
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.SendsTotal.WithLabelValues(backendName, "error").Inc()
	}
	return errors.New(op, backendName, err)
}

// Ping resets the correlation token to zero and sends a zero-length
// confirmable request with no token. The probe only holds NAT and
// firewall state open; no matched reply is tracked.
func (b *Backend) Ping() error {
	if b.conn == nil {
		return errors.New("ping", backendName, errors.ErrNotConnected)
	}

	b.token = 0

	msg := pool.NewMessage(context.Background())
	defer msg.Reset()

	msg.SetType(message.Confirmable)
	msg.SetCode(codes.Empty)
	msg.SetMessageID(int32(b.nextMessageID()))

	wire, err := msg.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return errors.New("ping", backendName, fmt.Errorf("%w: %v", errors.ErrEncode, err))
	}
	if _, err := b.conn.Write(wire); err != nil {
		return errors.New("ping", backendName, fmt.Errorf("%w: %v", errors.ErrTransmit, err))
	}

	b.lastTx = time.Now()
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.KeepalivePings.WithLabelValues(backendName).Inc()
	}
	b.logger.Debug("ping sent", slog.String("backend", backendName))

	return nil
}

// Input performs one bounded receive attempt. No pending data is a
// normal nil return. Receive and decode failures surface as an error
// event rather than a failure return; stale or foreign tokens are
// discarded silently.
func (b *Backend) Input() error {
	if b.conn == nil {
		return errors.New("input", backendName, errors.ErrNotConnected)
	}

	b.conn.SetReadDeadline(time.Now().Add(pollWindow))
	n, err := b.conn.Read(b.rxBuf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil
		}
		b.logger.Debug("socket error",
			slog.String("backend", backendName),
			slog.String("error", err.Error()))
		b.emit(backend.Event{Type: backend.EventError, Err: fmt.Errorf("%w: %v", errors.ErrReceive, err)})
		return nil
	}

	if n == 0 {
		b.logger.Debug("empty datagram", slog.String("backend", backendName))
		b.drop(metrics.DropEmptyDatagram)
		return nil
	}

	msg := pool.NewMessage(context.Background())
	defer msg.Reset()

	if _, err := msg.UnmarshalWithDecoder(coder.DefaultCoder, b.rxBuf[:n]); err != nil {
		b.logger.Debug("malformed response",
			slog.String("backend", backendName),
			slog.String("error", err.Error()))
		b.drop(metrics.DropDecode)
		b.emit(backend.Event{Type: backend.EventError, Err: fmt.Errorf("%w: %v", errors.ErrDecode, err)})
		return nil
	}

	token := msg.Token()
	if !b.tokenMatches(token) {
		b.logger.Debug("foreign token discarded",
			slog.String("backend", backendName),
			slog.String("token", token.String()))
		b.drop(metrics.DropTokenMismatch)
		return nil
	}

	payload, err := msg.ReadBody()
	if err != nil {
		b.emit(backend.Event{Type: backend.EventError, Err: fmt.Errorf("%w: %v", errors.ErrDecode, err)})
		return nil
	}
	if err := b.payloadBuf.Set(payload); err != nil {
		b.logger.Error("incoming payload too large for buffer",
			slog.String("backend", backendName),
			slog.Int("payload_len", len(payload)),
			slog.Int("capacity", b.payloadBuf.Cap()))
		b.drop(metrics.DropPayloadTooLarge)
		return nil
	}

	b.logger.Debug("response received",
		slog.String("backend", backendName),
		slog.String("code", msg.Code().String()),
		slog.Int("payload_len", b.payloadBuf.Len()))
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.PayloadBytes.WithLabelValues(backendName, "rx").Observe(float64(b.payloadBuf.Len()))
	}
	b.emit(backend.Event{Type: backend.EventDataReceived, Payload: b.payloadBuf.Bytes()})

	return nil
}

// tokenMatches reports whether a reply token exactly equals the most
// recently issued request token in both length and value.
func (b *Backend) tokenMatches(token message.Token) bool {
	if len(token) != 2 {
		return false
	}
	return binary.BigEndian.Uint16(token) == b.token
}

// KeepaliveTimeLeft reports the remaining time budget before a ping is due.
func (b *Backend) KeepaliveTimeLeft() time.Duration {
	left := b.cfg.Keepalive - time.Since(b.lastTx)
	if left < 0 {
		return 0
	}
	return left
}

// Disconnect closes the channel. Safe to call repeatedly or on a
// degraded channel.
func (b *Backend) Disconnect() error {
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// Conn exposes the open channel for readiness polling. Nil while
// disconnected.
func (b *Backend) Conn() net.Conn {
	return b.conn
}

func (b *Backend) nextMessageID() uint16 {
	b.msgID++
	return b.msgID
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

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"encoding/binary"
	stderrors "errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"

	"github.com/absmach/devlink/pkg/backend"
	"github.com/absmach/devlink/pkg/errors"
)

// eventRecorder captures emitted events.
type eventRecorder struct {
	events []backend.Event
}

func (r *eventRecorder) handle(evt backend.Event) {
	// Payload aliases a backend buffer; copy before the next Input.
	e := evt
	if evt.Payload != nil {
		e.Payload = append([]byte(nil), evt.Payload...)
	}
	r.events = append(r.events, e)
}

// testServer is a loopback UDP endpoint standing in for the remote.
type testServer struct {
	t    *testing.T
	conn *net.UDPConn
	peer *net.UDPAddr
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testServer{t: t, conn: conn}
}

func (s *testServer) port() uint16 {
	return uint16(s.conn.LocalAddr().(*net.UDPAddr).Port)
}

func (s *testServer) recv() []byte {
	s.t.Helper()
	buf := make([]byte, 2048)
	s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		s.t.Fatalf("server receive failed: %v", err)
	}
	s.peer = addr
	return buf[:n]
}

func (s *testServer) send(data []byte) {
	s.t.Helper()
	if s.peer == nil {
		s.t.Fatal("no peer address recorded, receive first")
	}
	if _, err := s.conn.WriteToUDP(data, s.peer); err != nil {
		s.t.Fatalf("server send failed: %v", err)
	}
}

func newConnectedBackend(t *testing.T, srv *testServer, rec *eventRecorder, payloadLen int) *Backend {
	t.Helper()

	b := New()
	cfg := backend.Config{
		Host:       "localhost",
		Port:       srv.port(),
		Resource:   "msg",
		PayloadLen: payloadLen,
	}
	if err := b.Init(cfg, rec.handle); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { b.Disconnect() })
	return b
}

// inputUntil drives Input until the recorder holds want events or the
// deadline passes.
func inputUntil(t *testing.T, b *Backend, rec *eventRecorder, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := b.Input(); err != nil {
			t.Fatalf("Input() error = %v", err)
		}
		if len(rec.events) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d events, got %d", want, len(rec.events))
}

func decodeMessage(t *testing.T, data []byte) *pool.Message {
	t.Helper()
	msg := pool.NewMessage(context.Background())
	if _, err := msg.UnmarshalWithDecoder(coder.DefaultCoder, data); err != nil {
		t.Fatalf("failed to decode datagram: %v", err)
	}
	return msg
}

func TestInitTwice(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}

	b := New()
	cfg := backend.Config{Host: "localhost", Port: srv.port()}
	if err := b.Init(cfg, rec.handle); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := b.Init(cfg, rec.handle); !stderrors.Is(err, errors.ErrAlreadyInitialized) {
		t.Errorf("second Init() error = %v, want ErrAlreadyInitialized", err)
	}
}

func TestInitResolutionFailure(t *testing.T) {
	b := New()
	err := b.Init(backend.Config{Host: "host.invalid", Port: 5683}, nil)
	if !stderrors.Is(err, errors.ErrResolution) {
		t.Errorf("Init() error = %v, want ErrResolution", err)
	}
}

func TestConnectEmitsConnectedReady(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	newConnectedBackend(t, srv, rec, 0)

	if len(rec.events) != 2 {
		t.Fatalf("expected 2 events after connect, got %d", len(rec.events))
	}
	if rec.events[0].Type != backend.EventConnected {
		t.Errorf("first event = %v, want connected", rec.events[0].Type)
	}
	if rec.events[1].Type != backend.EventReady {
		t.Errorf("second event = %v, want ready", rec.events[1].Type)
	}
}

func TestSendTokenIncrements(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b := newConnectedBackend(t, srv, rec, 0)

	var prev uint16
	for i := 0; i < 3; i++ {
		if err := b.Send(context.Background(), backend.TxData{Payload: []byte("hello")}); err != nil {
			t.Fatalf("Send() error = %v", err)
		}

		msg := decodeMessage(t, srv.recv())
		token := msg.Token()
		if len(token) != 2 {
			t.Fatalf("token length = %d, want 2", len(token))
		}
		got := binary.BigEndian.Uint16(token)
		if i > 0 && got != prev+1 {
			t.Errorf("token = %#04x, want %#04x", got, prev+1)
		}
		prev = got

		if msg.Code() != codes.PUT {
			t.Errorf("code = %v, want PUT", msg.Code())
		}
		if msg.Type() != message.NonConfirmable {
			t.Errorf("type = %v, want NonConfirmable", msg.Type())
		}
		path, err := msg.Options().Path()
		if err != nil {
			t.Fatalf("request has no path: %v", err)
		}
		if strings.Trim(path, "/") != "msg" {
			t.Errorf("path = %q, want msg", path)
		}
		body, err := msg.ReadBody()
		if err != nil || !bytes.Equal(body, []byte("hello")) {
			t.Errorf("body = %q (err %v), want hello", body, err)
		}
	}
}

func TestSendPayloadTooLarge(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}

	b := New()
	cfg := backend.Config{
		Host:      "localhost",
		Port:      srv.port(),
		Resource:  "msg",
		BufferLen: 16,
	}
	if err := b.Init(cfg, rec.handle); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { b.Disconnect() })

	err := b.Send(context.Background(), backend.TxData{Payload: bytes.Repeat([]byte("x"), 64)})
	if !stderrors.Is(err, errors.ErrEncode) {
		t.Errorf("Send() error = %v, want ErrEncode", err)
	}
}

func TestPingResetsToken(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b := newConnectedBackend(t, srv, rec, 0)

	if err := b.Ping(); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if b.token != 0 {
		t.Errorf("token after ping = %#04x, want 0", b.token)
	}

	msg := decodeMessage(t, srv.recv())
	if msg.Type() != message.Confirmable {
		t.Errorf("type = %v, want Confirmable", msg.Type())
	}
	if msg.Code() != codes.Empty {
		t.Errorf("code = %v, want Empty", msg.Code())
	}
	if len(msg.Token()) != 0 {
		t.Errorf("ping carries token %v, want none", msg.Token())
	}
}

func TestInputNoData(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b := newConnectedBackend(t, srv, rec, 0)
	rec.events = nil

	if err := b.Input(); err != nil {
		t.Fatalf("Input() error = %v", err)
	}
	if len(rec.events) != 0 {
		t.Errorf("expected no events, got %d", len(rec.events))
	}
}

func encodeReply(t *testing.T, token []byte, payload []byte) []byte {
	t.Helper()
	msg := pool.NewMessage(context.Background())
	defer msg.Reset()

	msg.SetType(message.Acknowledgement)
	msg.SetCode(codes.Content)
	msg.SetMessageID(99)
	if token != nil {
		msg.SetToken(token)
	}
	if payload != nil {
		msg.SetBody(bytes.NewReader(payload))
	}

	data, err := msg.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		t.Fatalf("failed to encode reply: %v", err)
	}
	return data
}

func TestInputMatchingTokenAccepted(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b := newConnectedBackend(t, srv, rec, 0)

	if err := b.Send(context.Background(), backend.TxData{Payload: []byte("req")}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	srv.recv()
	rec.events = nil

	var token [2]byte
	binary.BigEndian.PutUint16(token[:], b.token)
	srv.send(encodeReply(t, token[:], []byte("reply data")))

	inputUntil(t, b, rec, 1)
	evt := rec.events[0]
	if evt.Type != backend.EventDataReceived {
		t.Fatalf("event = %v, want data_received", evt.Type)
	}
	if !bytes.Equal(evt.Payload, []byte("reply data")) {
		t.Errorf("payload = %q, want %q", evt.Payload, "reply data")
	}
}

func TestInputForeignTokenDiscarded(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b := newConnectedBackend(t, srv, rec, 0)

	if err := b.Send(context.Background(), backend.TxData{Payload: []byte("req")}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	srv.recv()
	rec.events = nil

	// A reply for a request that was never outstanding.
	var foreign [2]byte
	binary.BigEndian.PutUint16(foreign[:], b.token+1)
	srv.send(encodeReply(t, foreign[:], []byte("spoofed")))

	// A reply with matching leading bytes but wrong length.
	var long [4]byte
	binary.BigEndian.PutUint16(long[:2], b.token)
	srv.send(encodeReply(t, long[:], []byte("padded")))

	// Let both datagrams arrive, then drain.
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		if err := b.Input(); err != nil {
			t.Fatalf("Input() error = %v", err)
		}
	}
	if len(rec.events) != 0 {
		t.Errorf("expected foreign replies discarded without events, got %d events", len(rec.events))
	}
}

func TestInputMalformedEmitsError(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b := newConnectedBackend(t, srv, rec, 0)

	if err := b.Send(context.Background(), backend.TxData{Payload: []byte("req")}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	srv.recv()
	rec.events = nil

	srv.send([]byte{0xff, 0xff})

	inputUntil(t, b, rec, 1)
	evt := rec.events[0]
	if evt.Type != backend.EventError {
		t.Fatalf("event = %v, want error", evt.Type)
	}
	if !stderrors.Is(evt.Err, errors.ErrDecode) {
		t.Errorf("event error = %v, want ErrDecode", evt.Err)
	}
}

func TestInputPayloadTooLargeSuppressed(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b := newConnectedBackend(t, srv, rec, 8)

	if err := b.Send(context.Background(), backend.TxData{Payload: []byte("req")}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	srv.recv()
	rec.events = nil

	var token [2]byte
	binary.BigEndian.PutUint16(token[:], b.token)
	srv.send(encodeReply(t, token[:], bytes.Repeat([]byte("x"), 64)))

	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 5; i++ {
		if err := b.Input(); err != nil {
			t.Fatalf("Input() error = %v", err)
		}
	}
	if len(rec.events) != 0 {
		t.Errorf("expected oversized payload suppressed, got %d events", len(rec.events))
	}

	// The buffer stays usable for the next fitting reply.
	srv.send(encodeReply(t, token[:], []byte("ok")))
	inputUntil(t, b, rec, 1)
	if rec.events[0].Type != backend.EventDataReceived {
		t.Fatalf("event = %v, want data_received", rec.events[0].Type)
	}
	if !bytes.Equal(rec.events[0].Payload, []byte("ok")) {
		t.Errorf("payload = %q, want ok", rec.events[0].Payload)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b := newConnectedBackend(t, srv, rec, 0)

	if err := b.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if b.Conn() != nil {
		t.Error("Conn() not nil after disconnect")
	}
	if err := b.Disconnect(); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
}

func TestKeepaliveTimeLeft(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b := newConnectedBackend(t, srv, rec, 0)

	left := b.KeepaliveTimeLeft()
	if left <= 0 || left > backend.DefaultKeepalive {
		t.Errorf("KeepaliveTimeLeft() = %v, want within (0, %v]", left, backend.DefaultKeepalive)
	}
}

func TestTokenReseededOnReconnect(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b := newConnectedBackend(t, srv, rec, 0)

	first := b.token
	if err := b.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	// Reconnect a few times: at least one re-seed should differ.
	same := true
	for i := 0; i < 4 && same; i++ {
		if err := b.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		same = b.token == first
		b.Disconnect()
	}
	if same {
		t.Error("token not re-seeded across reconnects")
	}
}

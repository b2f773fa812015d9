package session_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/arelio/slipbridge/internal/catalog"
	"github.com/arelio/slipbridge/internal/field"
	"github.com/arelio/slipbridge/internal/frame"
	"github.com/arelio/slipbridge/internal/session"
)

// fakeSink records every Publish call and lets the test control when
// (and whether) completion fires.
type fakeSink struct {
	mu    sync.Mutex
	calls []publishCall
	// hold, when true, defers invoking completion until release() is
	// called for that call index.
	hold bool
}

type publishCall struct {
	topic      string
	payload    string
	qos        uint8
	retain     bool
	completion func(error)
}

func (s *fakeSink) Publish(_ context.Context, topic string, payload []byte, qos uint8, retain bool, completion func(error)) {
	s.mu.Lock()
	s.calls = append(s.calls, publishCall{topic, string(payload), qos, retain, completion})
	hold := s.hold
	s.mu.Unlock()

	if !hold {
		completion(nil)
	}
}

func (s *fakeSink) release(i int, err error) {
	s.mu.Lock()
	c := s.calls[i]
	s.mu.Unlock()
	c.completion(err)
}

func (s *fakeSink) snapshot() []publishCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publishCall(nil), s.calls...)
}

func heartbeatCatalog(t *testing.T) *catalog.PacketCatalog {
	t.Helper()
	idVal := field.ValueU(field.U8, 0x01)
	c, err := catalog.New([]catalog.PacketDesc{{
		Name: "heartbeat",
		Fields: []catalog.FieldDesc{
			{Name: "id", Type: field.U8, Offset: 0, Value: &idVal},
			{Name: "seq", Type: field.U16, Offset: 1},
		},
		IDFieldIndex: 0,
		IDValue:      idVal,
		Template: catalog.MqttTemplate{
			Topic:   "hb/{{seq}}",
			Payload: "ok",
			QoS:     0,
			Retain:  false,
		},
	}})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return c
}

func newWriter() (session.Writer, func() [][]byte) {
	var mu sync.Mutex
	var writes [][]byte
	return func(b []byte) error {
			mu.Lock()
			defer mu.Unlock()
			writes = append(writes, append([]byte(nil), b...))
			return nil
		}, func() [][]byte {
			mu.Lock()
			defer mu.Unlock()
			return append([][]byte(nil), writes...)
		}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestSessionHappyPath mirrors scenario S1: one heartbeat frame,
// successful publish, one ACK.
func TestSessionHappyPath(t *testing.T) {
	t.Parallel()

	cat := heartbeatCatalog(t)
	sink := &fakeSink{}
	write, writes := newWriter()
	p := session.New(cat, sink, write, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	wire := frame.Encode([]byte{0x01, 0x2A, 0x00})
	if !p.Feed(wire) {
		t.Fatal("Feed rejected")
	}

	waitForWrites(t, writes, 1)

	calls := sink.snapshot()
	if len(calls) != 1 {
		t.Fatalf("publish calls = %d, want 1", len(calls))
	}
	if calls[0].topic != "hb/0x2A (42)" {
		t.Errorf("topic = %q, want hb/0x2A (42)", calls[0].topic)
	}
	if calls[0].payload != "ok" {
		t.Errorf("payload = %q, want ok", calls[0].payload)
	}

	got := writes()
	if want := frame.MakeResponse(frame.ACK); !bytes.Equal(got[0], want) {
		t.Errorf("response = %v, want ACK %v", got[0], want)
	}
}

// TestSessionStuffedPayload mirrors scenario S2: a pre-framing payload
// containing END and ESC bytes round-trips through the wire stuffing
// and still decodes and matches correctly, with seq extracted from the
// unstuffed bytes.
func TestSessionStuffedPayload(t *testing.T) {
	t.Parallel()

	cat := heartbeatCatalog(t)
	sink := &fakeSink{}
	write, writes := newWriter()
	p := session.New(cat, sink, write, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	wire := []byte{frame.END, 0x01, frame.ESC, frame.EscEnd, frame.ESC, frame.EscEsc, frame.END}
	if !p.Feed(wire) {
		t.Fatal("Feed rejected")
	}

	waitForWrites(t, writes, 1)

	calls := sink.snapshot()
	if len(calls) != 1 {
		t.Fatalf("publish calls = %d, want 1", len(calls))
	}
	if want := "hb/0xDBC0 (56256)"; calls[0].topic != want {
		t.Errorf("topic = %q, want %q", calls[0].topic, want)
	}

	got := writes()
	if want := frame.MakeResponse(frame.ACK); !bytes.Equal(got[0], want) {
		t.Errorf("response = %v, want ACK %v", got[0], want)
	}
}

// TestSessionInvalidEscape mirrors scenario S5: an ESC followed by a
// non-stuffing byte mid-session resets the decoder with no publish and
// no response, and the session remains open for the next frame.
func TestSessionInvalidEscape(t *testing.T) {
	t.Parallel()

	cat := heartbeatCatalog(t)
	sink := &fakeSink{}
	write, writes := newWriter()
	p := session.New(cat, sink, write, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	wire := []byte{frame.END, 0x01, frame.ESC, 0x99, frame.END}
	p.Feed(wire)

	// Feed a sentinel frame afterward and wait for its effect, to give
	// the invalid-escape frame time to be (non-)processed deterministically.
	p.Feed(frame.Encode([]byte{0x01, 0x01, 0x00}))
	waitForWrites(t, writes, 1)

	calls := sink.snapshot()
	if len(calls) != 1 {
		t.Fatalf("publish calls = %d, want 1 (only the sentinel frame)", len(calls))
	}
	if calls[0].topic != "hb/0x1 (1)" {
		t.Errorf("topic = %q, want hb/0x1 (1) (the sentinel frame, not the invalid one)", calls[0].topic)
	}
}

// TestSessionNoMatch mirrors scenario S3: unmatched frame produces no
// publish and no response.
func TestSessionNoMatch(t *testing.T) {
	t.Parallel()

	cat := heartbeatCatalog(t)
	sink := &fakeSink{}
	write, writes := newWriter()
	p := session.New(cat, sink, write, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	wire := frame.Encode([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	p.Feed(wire)

	// Feed a sentinel frame afterward and wait for its effect, to give
	// the no-match frame time to be (non-)processed deterministically.
	p.Feed(frame.Encode([]byte{0x01, 0x01, 0x00}))
	waitForWrites(t, writes, 1)

	if len(sink.snapshot()) != 1 {
		t.Fatalf("publish calls = %d, want 1 (only the sentinel frame)", len(sink.snapshot()))
	}
}

// TestSessionPublishFailure mirrors scenario S4: publish failure sends
// NAK and keeps the session open.
func TestSessionPublishFailure(t *testing.T) {
	t.Parallel()

	cat := heartbeatCatalog(t)
	sink := &fakeSink{hold: true}
	write, writes := newWriter()
	p := session.New(cat, sink, write, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Feed(frame.Encode([]byte{0x01, 0x2A, 0x00}))
	waitForCalls(t, sink, 1)
	sink.release(0, errors.New("broker unavailable"))

	waitForWrites(t, writes, 1)
	got := writes()
	if want := frame.MakeResponse(frame.NAK); !bytes.Equal(got[0], want) {
		t.Errorf("response = %v, want NAK %v", got[0], want)
	}
}

// TestSessionTwoFramesInOrder mirrors scenario S6: two back-to-back
// frames produce two publishes and two ACKs in arrival order, even
// with an artificial delay on the first completion.
func TestSessionTwoFramesInOrder(t *testing.T) {
	t.Parallel()

	cat := heartbeatCatalog(t)
	sink := &fakeSink{hold: true}
	write, writes := newWriter()
	p := session.New(cat, sink, write, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	wire := append(frame.Encode([]byte{0x01, 0x01, 0x00}), frame.Encode([]byte{0x01, 0x02, 0x00})...)
	p.Feed(wire)

	waitForCalls(t, sink, 1)
	if got := sink.snapshot()[0].topic; got != "hb/0x1 (1)" {
		t.Fatalf("first publish topic = %q, want hb/0x1 (1)", got)
	}
	sink.release(0, nil)

	waitForCalls(t, sink, 2)
	if got := sink.snapshot()[1].topic; got != "hb/0x2 (2)" {
		t.Fatalf("second publish topic = %q, want hb/0x2 (2)", got)
	}
	sink.release(1, nil)

	waitForWrites(t, writes, 2)
	got := writes()
	ack := frame.MakeResponse(frame.ACK)
	if !bytes.Equal(got[0], ack) || !bytes.Equal(got[1], ack) {
		t.Errorf("responses = %v, want two ACKs", got)
	}
}

func waitForWrites(t *testing.T, writes func() [][]byte, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(writes()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d writes, got %d", n, len(writes()))
}

func waitForCalls(t *testing.T, sink *fakeSink, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d publish calls, got %d", n, len(sink.snapshot()))
}

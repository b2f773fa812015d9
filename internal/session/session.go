// Package session implements the per-connection session processor
// (component C6): it drives the frame decoder, runs the scan/match and
// template expansion pipeline on each decoded frame, dispatches
// publishes, and emits the framed ACK/NAK response.
package session

import (
	"context"
	"log/slog"

	"github.com/arelio/slipbridge/internal/catalog"
	"github.com/arelio/slipbridge/internal/frame"
	"github.com/arelio/slipbridge/internal/scan"
	"github.com/arelio/slipbridge/internal/tmpl"
)

// PublishSink is the contract boundary in front of the MQTT publisher
// (component C7). Publish arranges for completion to be invoked exactly
// once. A qos outside {0,1,2} is rejected by invoking completion
// synchronously, before Publish returns, with an error (mqttsink.Client
// wraps mqttsink.ErrInvalidArgument); the broker is never reached in
// that case.
type PublishSink interface {
	Publish(ctx context.Context, topic string, payload []byte, qos uint8, retain bool, completion func(error))
}

// Metrics is the narrow observability seam the processor reports
// through. A nil Metrics is valid; every method call is guarded.
type Metrics interface {
	FrameDecoded(result string)
	PacketMatched(name string)
	PacketUnmatched()
	Publish(packet, result string)
	Response(kind string)
}

// State is the per-connection processor state.
type State uint8

const (
	StateReading State = iota
	StateAwaitPublish
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateAwaitPublish:
		return "await_publish"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Writer writes one already-framed response onto the connection. The
// ingress layer supplies an implementation that serializes writes per
// connection (spec invariant: no two writes to the same socket
// overlap).
type Writer func(response []byte) error

// Processor owns one connection's decoding/matching/publishing state
// machine. It is not safe for concurrent use except through Feed,
// Run, and Close, which are the only methods meant to be called from
// outside the processor's own goroutine.
type Processor struct {
	cat     *catalog.PacketCatalog
	sink    PublishSink
	write   Writer
	log     *slog.Logger
	metrics Metrics

	decoder *frame.Decoder

	incoming    chan []byte
	completions chan error
	closeCh     chan struct{}
	doneCh      chan struct{}
}

// New returns a Processor ready to Run. metrics may be nil.
func New(cat *catalog.PacketCatalog, sink PublishSink, write Writer, log *slog.Logger, metrics Metrics) *Processor {
	return &Processor{
		cat:         cat,
		sink:        sink,
		write:       write,
		log:         log,
		metrics:     metrics,
		decoder:     frame.NewDecoder(),
		incoming:    make(chan []byte, 1),
		completions: make(chan error, 1),
		closeCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Feed delivers newly-read bytes to the processor's decoder. It blocks
// until accepted or the processor stops; the caller (the connection's
// reader goroutine) should stop reading once Feed returns false.
func (p *Processor) Feed(data []byte) bool {
	cp := append([]byte(nil), data...)
	select {
	case p.incoming <- cp:
		return true
	case <-p.doneCh:
		return false
	}
}

// Close signals the processor to stop; Run returns once any
// in-progress work yields. Safe to call more than once.
func (p *Processor) Close() {
	select {
	case <-p.closeCh:
	default:
		close(p.closeCh)
	}
}

// Done is closed once Run has returned.
func (p *Processor) Done() <-chan struct{} {
	return p.doneCh
}

// Run drives the state machine until ctx is cancelled or Close is
// called. It must run on its own goroutine; Feed and publish
// completions are the only cross-goroutine inputs.
func (p *Processor) Run(ctx context.Context) {
	defer close(p.doneCh)

	state := StateReading
	var queue [][]byte

	for {
		if state == StateClosed {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-p.closeCh:
			return
		case data := <-p.incoming:
			var decoded [][]byte
			if err := p.decoder.Write(data, func(f []byte) {
				decoded = append(decoded, append([]byte(nil), f...))
			}); err != nil {
				p.metric(func(m Metrics) { m.FrameDecoded("invalid_escape") })
				p.log.Debug("invalid escape sequence, resetting decoder", "error", err)
				p.decoder.Reset()
			}
			p.metric(func(m Metrics) {
				for range decoded {
					m.FrameDecoded("ok")
				}
			})
			queue = append(queue, decoded...)
			if state == StateReading {
				state = p.drain(ctx, &queue)
			}

		case err := <-p.completions:
			state = p.handleCompletion(err)
			if state == StateReading {
				state = p.drain(ctx, &queue)
			}
		}
	}
}

// drain processes queued frames one at a time while in StateReading,
// stopping as soon as one dispatches a publish (entering
// StateAwaitPublish) since only one frame may be in flight at a time.
func (p *Processor) drain(ctx context.Context, queue *[][]byte) State {
	for len(*queue) > 0 {
		f := (*queue)[0]
		*queue = (*queue)[1:]

		if next, dispatched := p.processFrame(ctx, f); dispatched {
			return next
		}
	}
	return StateReading
}

// processFrame runs one decoded frame through the match/template/
// publish pipeline. Returns (StateAwaitPublish, true) if a publish was
// dispatched; otherwise (StateReading, false).
func (p *Processor) processFrame(ctx context.Context, f []byte) (State, bool) {
	env := make(map[string]string)
	var matched *catalog.PacketDesc

	scan.Scan(p.cat, f, func(v scan.FieldView, pkt catalog.PacketDesc) {
		if matched == nil {
			matched = &pkt
		}
		env[v.Desc.Name] = v.Value.String()
	})

	if matched == nil {
		p.metric(func(m Metrics) { m.PacketUnmatched() })
		p.log.Debug("no packet matched frame")
		return StateReading, false
	}
	p.metric(func(m Metrics) { m.PacketMatched(matched.Name) })

	topic, payload, err := tmpl.Render(matched.Template, env)
	if err != nil {
		p.log.Warn("template render failed", "packet", matched.Name, "error", err)
		p.sendResponse(frame.NAK)
		return StateReading, false
	}

	packetName := matched.Name
	p.sink.Publish(ctx, topic, []byte(payload), matched.Template.QoS, matched.Template.Retain, func(pubErr error) {
		p.onCompletion(packetName, pubErr)
	})
	return StateAwaitPublish, true
}

// onCompletion is invoked by the publish sink, possibly from a
// different goroutine. It hands the result back to Run; a completion
// arriving after the processor has stopped is dropped.
func (p *Processor) onCompletion(packet string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.metric(func(m Metrics) { m.Publish(packet, result) })

	select {
	case p.completions <- err:
	case <-p.doneCh:
		p.log.Debug("discarding late publish completion", "packet", packet, "error", err)
	}
}

func (p *Processor) handleCompletion(err error) State {
	if err != nil {
		p.log.Warn("publish failed", "error", err)
		p.sendResponse(frame.NAK)
	} else {
		p.sendResponse(frame.ACK)
	}
	return StateReading
}

func (p *Processor) sendResponse(kind byte) {
	label := "nak"
	if kind == frame.ACK {
		label = "ack"
	}
	p.metric(func(m Metrics) { m.Response(label) })
	if err := p.write(frame.MakeResponse(kind)); err != nil {
		p.log.Warn("failed to write response", "error", err)
	}
}

func (p *Processor) metric(f func(Metrics)) {
	if p.metrics != nil {
		f(p.metrics)
	}
}

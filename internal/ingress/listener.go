// Package ingress implements the TCP connection supervisor (component
// C10): it accepts peer connections, wires one session.Processor per
// connection, and serializes writes back onto each socket.
package ingress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/arelio/slipbridge/internal/catalog"
	"github.com/arelio/slipbridge/internal/session"
)

const (
	readBufferSize   = 4096
	acceptRetryDelay = 50 * time.Millisecond
)

// Metrics is the narrow observability seam Server reports connection
// lifecycle events through, distinct from session.Metrics (which reports
// per-frame events). A nil Metrics is valid.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
}

// Server accepts TCP connections on a single address and drives one
// session.Processor per connection until the supervising context is
// cancelled.
type Server struct {
	addr    string
	cat     *catalog.PacketCatalog
	sink    session.PublishSink
	log     *slog.Logger
	metrics Metrics

	sessionMetrics session.Metrics

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New returns a Server ready to Run. sessionMetrics and metrics may be
// nil.
func New(addr string, cat *catalog.PacketCatalog, sink session.PublishSink, log *slog.Logger, sessionMetrics session.Metrics, metrics Metrics) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:           addr,
		cat:            cat,
		sink:           sink,
		log:            log.With(slog.String("component", "ingress.server")),
		metrics:        metrics,
		sessionMetrics: sessionMetrics,
		conns:          make(map[net.Conn]struct{}),
	}
}

// Run listens on the server's address and serves connections until ctx
// is cancelled, then closes the listener and every live connection and
// waits for their goroutines to finish.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("ingress: listen on %s: %w", s.addr, err)
	}

	s.log.Info("listening", slog.String("addr", s.addr))

	var wg sync.WaitGroup
	acceptErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		acceptErr <- s.acceptLoop(ctx, ln, &wg)
	}()

	<-ctx.Done()
	_ = ln.Close()
	s.closeAllConns()
	wg.Wait()

	if err := <-acceptErr; err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, wg *sync.WaitGroup) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(acceptRetryDelay)
				continue
			}
			return fmt.Errorf("ingress: accept: %w", err)
		}

		s.addConn(conn)
		s.metric(func(m Metrics) { m.ConnectionOpened() })

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.removeConn(conn)
			defer s.metric(func(m Metrics) { m.ConnectionClosed() })
			s.serve(ctx, conn)
		}()
	}
}

// serve owns one connection for its lifetime: a write-serializing
// Writer, the session.Processor's Run loop, and a read loop on this
// goroutine feeding raw bytes in for the processor to decode.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	log := s.log.With(slog.String("remote", conn.RemoteAddr().String()))
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(b []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err := conn.Write(b)
		return err
	}

	proc := session.New(s.cat, s.sink, write, log, s.sessionMetrics)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go proc.Run(connCtx)

	reader := bufio.NewReaderSize(conn, readBufferSize)
	buf := make([]byte, readBufferSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if !proc.Feed(buf[:n]) {
				break
			}
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debug("connection read ended", "error", err)
			}
			break
		}
	}

	proc.Close()
	<-proc.Done()
}

func (s *Server) addConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) closeAllConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) metric(f func(Metrics)) {
	if s.metrics != nil {
		f(s.metrics)
	}
}

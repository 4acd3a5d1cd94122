// Package server accepts TCP connections and runs every transport, TCP or
// WebSocket, through the handshake and pumps until it closes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// acceptor owns the listening socket and tracks every live connection so
// Stop can close them.
type acceptor struct {
	server *Server
	logger *logrus.Entry

	mu       sync.Mutex
	conns    map[*connection]struct{}
	stopping bool
	wg       sync.WaitGroup

	loopDone chan struct{}
}

func newAcceptor(s *Server) *acceptor {
	return &acceptor{
		server: s,
		logger: s.logger.WithField("component", "acceptor"),
		conns:  make(map[*connection]struct{}),
	}
}

// acceptLoop accepts connections until the listener is closed.
func (a *acceptor) acceptLoop(ln net.Listener) {
	a.loopDone = make(chan struct{})
	go func() {
		defer close(a.loopDone)
		var backoff time.Duration

		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) || a.isStopping() {
					return
				}
				backoff = nextBackoff(backoff)
				a.logger.WithError(err).WithField("retry", backoff).Error("Failed to accept connection")
				time.Sleep(backoff)
				continue
			}
			backoff = 0

			c := newConnection(a.server, conn)
			if !a.begin(c) {
				_ = conn.Close()
				return
			}
			a.logger.WithField("remote", conn.RemoteAddr().String()).Debug("Connection accepted")
			go a.serve(c)
		}
	}()
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	return min(2*d, time.Second)
}

// begin tracks conn so that stop closes it. It returns false once the
// acceptor is stopping; otherwise the caller must run serve.
func (a *acceptor) begin(conn *connection) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopping {
		return false
	}
	a.conns[conn] = struct{}{}
	a.wg.Add(1)
	return true
}

// serve runs conn from handshake to close. It must follow a successful begin.
func (a *acceptor) serve(conn *connection) {
	defer a.wg.Done()
	defer func() {
		a.mu.Lock()
		delete(a.conns, conn)
		a.mu.Unlock()
	}()

	conn.serve()
}

func (a *acceptor) isStopping() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopping
}

// stop refuses new connections and closes every tracked transport,
// including those still in the handshake. It returns the number of
// connections closed and the close failures.
func (a *acceptor) stop() (int, error) {
	a.mu.Lock()
	a.stopping = true
	conns := make([]*connection, 0, len(a.conns))
	for conn := range a.conns {
		conns = append(conns, conn)
	}
	a.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.client.closeTransport(); err != nil {
			a.logger.WithError(err).WithField("remote", conn.client.addr).Warn("Error closing client connection")
			errs = append(errs, fmt.Errorf("close connection %s: %w", conn.client.addr, err))
		}
	}
	return len(conns), errors.Join(errs...)
}

// wait blocks until every connection goroutine and the accept loop have
// returned, or ctx is done.
func (a *acceptor) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		if a.loopDone != nil {
			<-a.loopDone
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

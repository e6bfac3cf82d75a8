/*
Robin Mail Transfer Agent - SMTP/ESMTP/LMTP debugging and staging server.
Copyright © 2021-2026 The Robin MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package smtp implements the server side of the mail transfer core:
// listeners with a bounded session pool, the per-connection command
// loop, the verb dispatch table and the hand-off of finalized envelopes
// into the storage-processor chain.
package smtp

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/auth"
	"github.com/transilvlad/robin-sub002/internal/bot"
	"github.com/transilvlad/robin-sub002/internal/config"
	"github.com/transilvlad/robin-sub002/internal/processor"
	"github.com/transilvlad/robin-sub002/internal/proxy"
	"github.com/transilvlad/robin-sub002/internal/webhook"
)

// Endpoint accepts connections on one or more listeners and runs a
// session handler for each. Cleartext and implicit-TLS listeners share
// the session pool; the endpoint as a whole is bounded by
// server.max_sessions with server.backlog waiters on top.
type Endpoint struct {
	Cfg      config.Server
	Hostname string

	// TLSConfig enables STARTTLS (and implicit TLS listeners) when set.
	TLSConfig *tls.Config

	// Authenticator enables AUTH when set.
	Authenticator auth.Authenticator

	// Hook is the optional per-verb policy webhook.
	Hook *webhook.Client

	// Router matches recipients against proxy rules. May be nil.
	Router *proxy.Router

	// Bots matches recipients against bot bindings. May be nil.
	Bots *bot.Bindings

	// Chain receives finalized envelopes.
	Chain *processor.Chain

	// SpoolDir receives payload files while DATA/BDAT is collecting.
	SpoolDir string

	Log log.Logger

	sem     *semaphore.Weighted
	waiting int32

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New prepares an endpoint; listeners are attached with Serve.
func New(cfg config.Server, hostname string, logger log.Logger) *Endpoint {
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		Cfg:      cfg,
		Hostname: hostname,
		Log:      logger,
		sem:      semaphore.NewWeighted(int64(maxSessions)),
		conns:    make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Serve runs the accept loop on l until Close. implicitTLS listeners
// (tls:// endpoints, port 465) handshake before the banner.
func (e *Endpoint) Serve(l net.Listener, implicitTLS bool) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()

	e.wg.Add(1)
	defer e.wg.Done()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-e.ctx.Done():
				return
			default:
			}
			e.Log.Error("accept failed", err, "local", l.Addr())
			return
		}
		e.dispatch(conn, implicitTLS)
	}
}

// dispatch admits the connection into the session pool. A full pool
// with a full backlog answers 421 and hangs up; that is the
// RESOURCE_EXHAUSTED contract.
func (e *Endpoint) dispatch(conn net.Conn, implicitTLS bool) {
	if e.sem.TryAcquire(1) {
		e.spawn(conn, implicitTLS)
		return
	}

	if int(atomic.AddInt32(&e.waiting, 1)) > e.Cfg.Backlog {
		atomic.AddInt32(&e.waiting, -1)
		sessionsRejected.Inc()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		conn.Write([]byte("421 4.3.2 " + e.Hostname + " Too many concurrent sessions, try again later\r\n"))
		conn.Close()
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer atomic.AddInt32(&e.waiting, -1)
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			conn.Close()
			return
		}
		e.spawn(conn, implicitTLS)
	}()
}

func (e *Endpoint) spawn(conn net.Conn, implicitTLS bool) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		e.runSession(conn, implicitTLS)
	}()
}

func (e *Endpoint) runSession(conn net.Conn, implicitTLS bool) {
	sessionsStarted.Inc()
	defer sessionsEnded.Inc()

	if implicitTLS {
		if e.TLSConfig == nil {
			e.Log.Msg("implicit TLS listener without TLS configuration", "remote", conn.RemoteAddr())
			conn.Close()
			return
		}
		tlsConn := tls.Server(conn, e.TLSConfig)
		tlsConn.SetDeadline(time.Now().Add(30 * time.Second))
		if err := tlsConn.Handshake(); err != nil {
			e.Log.Error("implicit TLS handshake failed", err, "remote", conn.RemoteAddr())
			tlsConn.Close()
			return
		}
		tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
	}

	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.conns, conn)
		e.mu.Unlock()
	}()

	c := newConn(e, conn, implicitTLS)
	c.serve()
}

// Close stops accepting, waits for active sessions up to the drain
// window, then forces the rest down.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	for _, l := range e.listeners {
		l.Close()
	}
	e.listeners = nil
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		e.Log.Msg("drain window expired, cancelling sessions")
	}

	e.cancel()
	e.mu.Lock()
	for conn := range e.conns {
		conn.Close()
	}
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

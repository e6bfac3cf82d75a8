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

// Package msg defines the session and envelope structures that flow
// through the server: from the protocol loop, through the storage
// processors, into the relay queue.
package msg

import (
	"net"
	"time"

	"github.com/google/uuid"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Transaction is one command/response pair exchanged on the wire.
type Transaction struct {
	Command  string
	Response string
}

// TLSState captures the negotiated TLS parameters of a session.
type TLSState struct {
	Negotiated bool
	Version    uint16
	CipherName string
	PeerCerts  [][]byte // DER, leaf first
}

// Session describes one accepted (or dialed) connection. A session is
// mutated only by its own handler goroutine; asynchronous consumers (bot
// replies, raw webhooks) must work on a Clone.
type Session struct {
	// UID is stable for the session lifetime and shows up in log lines,
	// Received stamps and spool file names.
	UID       string
	Direction Direction

	LocalAddr  net.Addr
	RemoteAddr net.Addr
	RemoteIP   net.IP
	RemoteRDNS string

	// Hello is the argument of the last EHLO/HELO/LHLO.
	Hello string
	LMTP  bool

	TLS TLSState

	// Principal is the authenticated identity. Set at most once.
	Principal string

	// Transactions is the ordered command/response log.
	Transactions []Transaction
	ErrorCount   int

	Envelopes []*Envelope

	Created time.Time
}

func NewSession(dir Direction) *Session {
	return &Session{
		UID:       uuid.NewString(),
		Direction: dir,
		Created:   time.Now(),
	}
}

// Log appends a command/response pair to the transaction log.
func (s *Session) Log(command, response string) {
	s.Transactions = append(s.Transactions, Transaction{Command: command, Response: response})
}

// ClearLog drops the transaction log. The cron does this before reusing
// a session object for a delivery attempt.
func (s *Session) ClearLog() {
	s.Transactions = nil
}

// Authenticated reports whether AUTH completed on this session.
func (s *Session) Authenticated() bool {
	return s.Principal != ""
}

// SetPrincipal records the authenticated identity. The first value wins;
// later calls are ignored, the principal never changes once set.
func (s *Session) SetPrincipal(p string) {
	if s.Principal == "" {
		s.Principal = p
	}
}

// Clone returns a deep copy safe to hand to a background consumer.
// Envelope payload buffers are shared, not copied: payload bytes are
// immutable once DATA completes.
func (s *Session) Clone() *Session {
	c := *s

	c.Transactions = make([]Transaction, len(s.Transactions))
	copy(c.Transactions, s.Transactions)

	c.TLS.PeerCerts = make([][]byte, len(s.TLS.PeerCerts))
	copy(c.TLS.PeerCerts, s.TLS.PeerCerts)

	c.Envelopes = make([]*Envelope, 0, len(s.Envelopes))
	for _, e := range s.Envelopes {
		c.Envelopes = append(c.Envelopes, e.Clone())
	}

	return &c
}

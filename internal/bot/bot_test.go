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

package bot

import (
	"io"
	"net"
	"strings"
	"testing"

	"github.com/transilvlad/robin-sub002/framework/buffer"
	"github.com/transilvlad/robin-sub002/internal/config"
	"github.com/transilvlad/robin-sub002/internal/msg"
)

func TestDecodeTarget(t *testing.T) {
	for _, tc := range []struct {
		in      string
		base    string
		token   string
		replyTo string
	}{
		{"bot@host.example", "bot@host.example", "", ""},
		{"bot+tok@host.example", "bot@host.example", "tok", ""},
		{"bot+tok+user+dom.com@host.example", "bot@host.example", "tok", "user@dom.com"},
		{"bot+tok+a+b+dom.com@host.example", "bot@host.example", "tok", "a+b@dom.com"},
	} {
		got, err := DecodeTarget(tc.in)
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if got.Base != tc.base || got.Token != tc.token || got.ReplyTo != tc.replyTo {
			t.Errorf("%q: got %+v", tc.in, got)
		}
	}
}

func TestBindingAuthorization(t *testing.T) {
	bs, err := CompileBindings([]config.BotBinding{
		{Name: "analyzer", AddressPattern: `bot@host\.example`, AllowedIPs: []string{"10.0.0.0/16"}, AllowedTokens: []string{"tok"}},
		{Name: "open", AddressPattern: `open@host\.example`},
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		rcpt  string
		ip    string
		match bool
		name  string
	}{
		{"bot@host.example", "10.0.3.4", true, "analyzer"},
		{"bot@host.example", "10.1.0.1", false, ""},      // outside /16 despite string prefix
		{"bot+tok@host.example", "192.0.2.1", true, "analyzer"}, // token overrides IP
		{"bot+bad@host.example", "192.0.2.1", false, ""},
		{"open@host.example", "203.0.113.9", true, "open"}, // no restrictions
		{"nobody@host.example", "10.0.3.4", false, ""},
	} {
		m, ok := bs.Match(tc.rcpt, net.ParseIP(tc.ip))
		if ok != tc.match {
			t.Errorf("%s from %s: match = %v, want %v", tc.rcpt, tc.ip, ok, tc.match)
			continue
		}
		if ok && m.BindingName != tc.name {
			t.Errorf("%s: binding = %q, want %q", tc.rcpt, m.BindingName, tc.name)
		}
	}
}

func TestSieveAddressedReply(t *testing.T) {
	bs, err := CompileBindings([]config.BotBinding{
		{Name: "analyzer", AddressPattern: `bot@host\.example`, AllowedTokens: []string{"tok"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	s := msg.NewSession(msg.DirectionInbound)
	s.Hello = "client.example"
	s.RemoteIP = net.ParseIP("192.0.2.1")
	s.Log("MAIL FROM:<from@example.org>", "250 OK")

	e := msg.NewEnvelope(s.UID, "from@example.org")
	e.AddRecipient("bot+tok+user+dom.com@host.example")
	e.Body = buffer.MemoryBuffer{Slice: []byte("Subject: probe\r\n\r\nhello\r\n")}
	e.Size = int64(e.Body.Len())
	e.AddScanResult(msg.RspamdResult{Score: 3.2, Symbols: []string{"MIME_GOOD"}})

	m, ok := bs.Match("bot+tok+user+dom.com@host.example", s.RemoteIP)
	if !ok {
		t.Fatal("expected binding match")
	}
	if m.ReplyTo != "user@dom.com" {
		t.Fatalf("ReplyTo = %q", m.ReplyTo)
	}

	reply, err := BuildReply("mx.example.org", s, e, m)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Sender != "bot@host.example" {
		t.Errorf("reply sender = %q", reply.Sender)
	}
	if len(reply.Recipients) != 1 || reply.Recipients[0] != "user@dom.com" {
		t.Errorf("reply recipients = %v", reply.Recipients)
	}

	r, err := reply.Body.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	blob, _ := io.ReadAll(r)
	body := string(blob)
	for _, want := range []string{
		"To: <user@dom.com>",
		"From: Robin Bot <bot@host.example>",
		"Auto-Submitted: auto-replied",
		s.UID,
		"from@example.org",
		"score=3.20",
		"C: MAIL FROM:<from@example.org>",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("reply body missing %q", want)
		}
	}
}

type captureQueue struct {
	ch chan *msg.Envelope
}

func (q *captureQueue) EnqueueReply(e *msg.Envelope) error {
	q.ch <- e
	return nil
}

func TestDispatcher(t *testing.T) {
	q := &captureQueue{ch: make(chan *msg.Envelope, 1)}
	d := NewDispatcher("mx.example.org", 2, q, testLogger())
	defer d.Close()

	s := msg.NewSession(msg.DirectionInbound)
	e := msg.NewEnvelope(s.UID, "from@example.org")
	e.AddRecipient("bot+tok+user+dom.com@host.example")
	e.Body = buffer.MemoryBuffer{Slice: []byte("\r\nx\r\n")}

	if !d.Submit(Task{
		Session:  s.Clone(),
		Envelope: e.Clone(),
		Match:    Match{BindingName: "analyzer", Rcpt: "bot+tok+user+dom.com@host.example", ReplyTo: "user@dom.com"},
	}) {
		t.Fatal("submit rejected")
	}

	reply := <-q.ch
	if reply.Sender != "bot@host.example" || reply.Recipients[0] != "user@dom.com" {
		t.Errorf("reply = sender %q, rcpts %v", reply.Sender, reply.Recipients)
	}
}

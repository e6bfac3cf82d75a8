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

package smtp

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/auth"
	"github.com/transilvlad/robin-sub002/internal/config"
	"github.com/transilvlad/robin-sub002/internal/msg"
	"github.com/transilvlad/robin-sub002/internal/processor"
	"github.com/transilvlad/robin-sub002/internal/proxy"
	"github.com/transilvlad/robin-sub002/internal/queue"
	"github.com/transilvlad/robin-sub002/internal/webhook"
)

func testEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	cfg := config.Server{
		MaxMessageSize:  64 * 1024,
		MaxRecipients:   3,
		MaxSessions:     4,
		Backlog:         1,
		MaxTransactions: 100,
		MaxErrors:       5,
		Chunking:        true,
	}
	e := New(cfg, "robin.test", log.Logger{Out: log.NopOutput{}})
	e.SpoolDir = t.TempDir()
	e.Chain = &processor.Chain{Log: e.Log}
	return e
}

// recorder is a chain step capturing the state it was run with. The
// payload is snapshotted during the run since the spool file may be
// gone by the time the test looks at it.
type recorder struct {
	mu     sync.Mutex
	envs   []*msg.Envelope
	bodies []string
	result processor.Result
	mutate func(st *processor.State)
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Run(_ context.Context, st *processor.State) processor.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, st.Envelope)
	var body string
	if st.Envelope.Body != nil {
		if br, err := st.Envelope.Body.Open(); err == nil {
			blob, _ := io.ReadAll(br)
			br.Close()
			body = string(blob)
		}
	}
	r.bodies = append(r.bodies, body)
	if r.mutate != nil {
		r.mutate(st)
	}
	return r.result
}

func (r *recorder) envelope(t *testing.T) *msg.Envelope {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.envs) == 0 {
		t.Fatal("no envelope reached the chain")
	}
	return r.envs[len(r.envs)-1]
}

func (r *recorder) body(t *testing.T) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.bodies) == 0 {
		t.Fatal("no envelope reached the chain")
	}
	return r.bodies[len(r.bodies)-1]
}

// script drives one scripted conversation against a live session.
type script struct {
	t *testing.T
	c net.Conn
	r *bufio.Reader
}

func startSession(t *testing.T, e *Endpoint) *script {
	t.Helper()
	server, client := net.Pipe()
	c := newConn(e, server, false)
	done := make(chan struct{})
	go func() {
		c.serve()
		close(done)
	}()
	t.Cleanup(func() {
		client.Close()
		<-done
	})

	s := &script{t: t, c: client, r: bufio.NewReader(client)}
	s.expect("220 ")
	return s
}

func (s *script) send(line string) {
	s.t.Helper()
	if _, err := s.c.Write([]byte(line + "\r\n")); err != nil {
		s.t.Fatal(err)
	}
}

func (s *script) sendRaw(data string) {
	s.t.Helper()
	if _, err := s.c.Write([]byte(data)); err != nil {
		s.t.Fatal(err)
	}
}

func (s *script) line() string {
	s.t.Helper()
	l, err := s.r.ReadString('\n')
	if err != nil {
		s.t.Fatalf("read reply: %v", err)
	}
	return strings.TrimRight(l, "\r\n")
}

func (s *script) expect(prefix string) string {
	s.t.Helper()
	l := s.line()
	if !strings.HasPrefix(l, prefix) {
		s.t.Fatalf("expected reply %q..., got %q", prefix, l)
	}
	return l
}

// expectMulti reads a full multiline reply and returns all lines.
func (s *script) expectMulti(code string) []string {
	s.t.Helper()
	var lines []string
	for {
		l := s.line()
		if !strings.HasPrefix(l, code) {
			s.t.Fatalf("expected %s reply, got %q", code, l)
		}
		lines = append(lines, l)
		if strings.HasPrefix(l, code+" ") {
			return lines
		}
	}
}

func (s *script) exchange(send, expect string) {
	s.t.Helper()
	s.send(send)
	s.expect(expect)
}

func TestSessionTransaction(t *testing.T) {
	e := testEndpoint(t)
	rec := &recorder{}
	e.Chain = &processor.Chain{Procs: []processor.Processor{rec}, Log: e.Log}

	s := startSession(t, e)
	s.send("EHLO client.example")
	caps := strings.Join(s.expectMulti("250"), "\n")
	for _, want := range []string{"PIPELINING", "8BITMIME", "ENHANCEDSTATUSCODES", "SIZE 65536", "CHUNKING"} {
		if !strings.Contains(caps, want) {
			t.Errorf("EHLO reply misses %s:\n%s", want, caps)
		}
	}
	for _, absent := range []string{"STARTTLS", "AUTH"} {
		if strings.Contains(caps, absent) {
			t.Errorf("EHLO reply advertises %s without it being available:\n%s", absent, caps)
		}
	}

	s.exchange("MAIL FROM:<alice@x.ex>", "250 ")
	s.exchange("RCPT TO:<bob@y.ex>", "250 ")
	s.exchange("DATA", "354 ")
	s.sendRaw("Subject: hi\r\nMessage-Id: <abc123@x.ex>\r\n\r\nline one\r\n..dot stuffed\r\n.\r\n")
	s.expect("250 ")

	env := rec.envelope(t)
	if env.Sender != "alice@x.ex" {
		t.Errorf("sender = %q", env.Sender)
	}
	if len(env.Recipients) != 1 || env.Recipients[0] != "bob@y.ex" {
		t.Errorf("recipients = %v", env.Recipients)
	}
	if env.MessageID != "abc123@x.ex" {
		t.Errorf("message id = %q", env.MessageID)
	}

	body := rec.body(t)
	if !strings.Contains(body, "\r\n.dot stuffed\r\n") {
		t.Errorf("dot stuffing not removed:\n%q", body)
	}
	if strings.Contains(body, "..dot") {
		t.Errorf("stuffed dot survived:\n%q", body)
	}

	prefix := string(env.HeaderPrefix())
	if !strings.HasPrefix(prefix, "Received: from client.example") {
		t.Errorf("missing Received stamp:\n%q", prefix)
	}
	if !strings.Contains(prefix, "by robin.test (Robin) with ESMTP") {
		t.Errorf("Received stamp lacks WITH clause:\n%q", prefix)
	}
}

func TestCommandSequencing(t *testing.T) {
	e := testEndpoint(t)
	s := startSession(t, e)

	s.exchange("MAIL FROM:<a@x.ex>", "503 ")
	s.exchange("EHLO client.example", "250-")
	s.expectMulti("250")
	s.exchange("DATA", "503 ")
	s.exchange("RCPT TO:<b@y.ex>", "503 ")
	s.exchange("XUNKNOWN", "500 ")
	s.exchange("NOOP", "250 ")
}

func TestRsetDropsTransaction(t *testing.T) {
	e := testEndpoint(t)
	rec := &recorder{}
	e.Chain = &processor.Chain{Procs: []processor.Processor{rec}, Log: e.Log}

	s := startSession(t, e)
	s.send("EHLO c.example")
	s.expectMulti("250")
	s.exchange("MAIL FROM:<a@x.ex>", "250 ")
	s.exchange("RCPT TO:<b@y.ex>", "250 ")
	s.exchange("RSET", "250 ")
	s.exchange("DATA", "503 ")
	s.exchange("MAIL FROM:<c@x.ex>", "250 ")
	s.exchange("RCPT TO:<d@y.ex>", "250 ")
	s.exchange("DATA", "354 ")
	s.sendRaw("Subject: x\r\n\r\nbody\r\n.\r\n")
	s.expect("250 ")

	if got := rec.envelope(t).Sender; got != "c@x.ex" {
		t.Errorf("sender after RSET = %q", got)
	}
}

func TestBdatChunks(t *testing.T) {
	e := testEndpoint(t)
	rec := &recorder{}
	e.Chain = &processor.Chain{Procs: []processor.Processor{rec}, Log: e.Log}

	s := startSession(t, e)
	s.send("EHLO c.example")
	s.expectMulti("250")
	s.exchange("MAIL FROM:<a@x.ex>", "250 ")
	s.exchange("RCPT TO:<b@y.ex>", "250 ")

	chunk1 := "Subject: chunked\r\n\r\nfirst "
	chunk2 := "second\r\n"
	s.sendRaw(fmt.Sprintf("BDAT %d\r\n%s", len(chunk1), chunk1))
	s.expect("250 ")

	// Mid-transfer the transaction only admits more chunks.
	s.exchange("MAIL FROM:<x@x.ex>", "503 ")

	s.sendRaw(fmt.Sprintf("BDAT %d LAST\r\n%s", len(chunk2), chunk2))
	s.expect("250 ")

	if got := rec.body(t); got != chunk1+chunk2 {
		t.Errorf("body = %q, want %q", got, chunk1+chunk2)
	}
}

func TestBdatDisabled(t *testing.T) {
	e := testEndpoint(t)
	e.Cfg.Chunking = false

	s := startSession(t, e)
	s.send("EHLO c.example")
	s.expectMulti("250")
	s.exchange("MAIL FROM:<a@x.ex>", "250 ")
	s.exchange("RCPT TO:<b@y.ex>", "250 ")
	s.exchange("BDAT 4 LAST", "502 ")
}

func TestLMTPPerRecipientReplies(t *testing.T) {
	e := testEndpoint(t)
	e.Cfg.LMTP = true
	rec := &recorder{
		result: processor.StopOK(),
		mutate: func(st *processor.State) {
			st.SetStatus("good@l.ex", nil)
			st.SetStatus("full@l.ex", &exterrors.SMTPError{
				Code:         452,
				EnhancedCode: exterrors.EnhancedCode{4, 2, 2},
				Message:      "Mailbox full",
			})
		},
	}
	e.Chain = &processor.Chain{Procs: []processor.Processor{rec}, Log: e.Log}

	s := startSession(t, e)
	s.exchange("EHLO c.example", "500 ")
	s.send("LHLO c.example")
	s.expectMulti("250")
	s.exchange("MAIL FROM:<a@x.ex>", "250 ")
	s.exchange("RCPT TO:<good@l.ex>", "250 ")
	s.exchange("RCPT TO:<full@l.ex>", "250 ")
	s.exchange("DATA", "354 ")
	s.sendRaw("Subject: x\r\n\r\nbody\r\n.\r\n")

	first := s.expect("250 ")
	if !strings.Contains(first, "<good@l.ex>") {
		t.Errorf("first reply not for good rcpt: %q", first)
	}
	second := s.expect("452 ")
	if !strings.Contains(second, "<full@l.ex>") {
		t.Errorf("second reply not for full rcpt: %q", second)
	}
}

func TestRecipientLimit(t *testing.T) {
	e := testEndpoint(t)
	s := startSession(t, e)
	s.send("EHLO c.example")
	s.expectMulti("250")
	s.exchange("MAIL FROM:<a@x.ex>", "250 ")
	for i := 0; i < 3; i++ {
		s.exchange(fmt.Sprintf("RCPT TO:<r%d@y.ex>", i), "250 ")
	}
	s.exchange("RCPT TO:<over@y.ex>", "452 ")
}

func TestMessageSizeLimit(t *testing.T) {
	e := testEndpoint(t)
	e.Cfg.MaxMessageSize = 100

	s := startSession(t, e)
	s.send("EHLO c.example")
	s.expectMulti("250")

	// SIZE parameter rejection up front.
	s.exchange("MAIL FROM:<a@x.ex> SIZE=5000", "552 ")

	// Actual payload overrun after DATA.
	s.exchange("MAIL FROM:<a@x.ex>", "250 ")
	s.exchange("RCPT TO:<b@y.ex>", "250 ")
	s.exchange("DATA", "354 ")
	s.sendRaw("Subject: big\r\n\r\n" + strings.Repeat("x", 200) + "\r\n.\r\n")
	s.expect("552 ")

	// The session survives an oversized message.
	s.exchange("NOOP", "250 ")
}

func TestCommandLineTooLong(t *testing.T) {
	e := testEndpoint(t)
	s := startSession(t, e)
	s.exchange("NOOP "+strings.Repeat("x", 600), "500 ")
	s.exchange("NOOP", "250 ")
}

func TestAuthPlain(t *testing.T) {
	table := auth.NewStaticTable(config.Auth{Users: map[string]string{"alice": "secret"}})

	t.Run("success", func(t *testing.T) {
		e := testEndpoint(t)
		e.Authenticator = table
		s := startSession(t, e)
		s.send("EHLO c.example")
		caps := strings.Join(s.expectMulti("250"), "\n")
		if !strings.Contains(caps, "AUTH PLAIN LOGIN") {
			t.Fatalf("AUTH not advertised:\n%s", caps)
		}

		ir := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00secret"))
		s.exchange("AUTH PLAIN "+ir, "235 ")
		s.exchange("AUTH PLAIN "+ir, "503 ")
	})

	t.Run("bad credentials", func(t *testing.T) {
		e := testEndpoint(t)
		e.Authenticator = table
		s := startSession(t, e)
		s.send("EHLO c.example")
		s.expectMulti("250")

		ir := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00wrong"))
		s.exchange("AUTH PLAIN "+ir, "535 ")
	})

	t.Run("challenge round trip", func(t *testing.T) {
		e := testEndpoint(t)
		e.Authenticator = table
		s := startSession(t, e)
		s.send("EHLO c.example")
		s.expectMulti("250")

		s.exchange("AUTH LOGIN", "334 ")
		s.exchange(base64.StdEncoding.EncodeToString([]byte("alice")), "334 ")
		s.exchange(base64.StdEncoding.EncodeToString([]byte("secret")), "235 ")
	})

	t.Run("not enabled", func(t *testing.T) {
		e := testEndpoint(t)
		s := startSession(t, e)
		s.send("EHLO c.example")
		s.expectMulti("250")
		s.exchange("AUTH PLAIN", "502 ")
	})
}

func TestStartTLSUnavailable(t *testing.T) {
	e := testEndpoint(t)
	s := startSession(t, e)
	s.send("EHLO c.example")
	s.expectMulti("250")
	s.exchange("STARTTLS", "454 ")
}

func TestMiscVerbs(t *testing.T) {
	e := testEndpoint(t)
	s := startSession(t, e)
	s.send("HELO c.example")
	s.expect("250 robin.test")
	s.exchange("VRFY bob", "252 ")
	s.send("HELP")
	s.expectMulti("214")
	s.exchange("QUIT", "221 ")
	if _, err := s.r.ReadString('\n'); err != io.EOF {
		t.Errorf("connection still open after QUIT: %v", err)
	}
}

func TestSessionPoolExhaustion(t *testing.T) {
	// The pool semaphore is sized at construction, so the limits must be
	// in place before New.
	cfg := config.Server{
		MaxMessageSize:  64 * 1024,
		MaxRecipients:   3,
		MaxSessions:     1,
		Backlog:         0,
		MaxTransactions: 100,
		MaxErrors:       5,
	}
	e := New(cfg, "robin.test", log.Logger{Out: log.NopOutput{}})
	e.SpoolDir = t.TempDir()
	e.Chain = &processor.Chain{Log: e.Log}
	e.sem.TryAcquire(1) // pool full

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go e.Serve(l, false)
	t.Cleanup(func() { l.Close() })

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "421 ") {
		t.Fatalf("expected 421 over capacity, got %q", line)
	}
}

func TestMailHookOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"smtpResponse":"250 hooked"}`))
	}))
	t.Cleanup(srv.Close)

	e := testEndpoint(t)
	e.Hook = webhook.NewClient(config.Webhook{
		URL:            srv.URL,
		Verbs:          []string{"MAIL"},
		TimeoutSeconds: 5,
	}, e.Log)
	rec := &recorder{}
	e.Chain = &processor.Chain{Procs: []processor.Processor{rec}, Log: e.Log}

	s := startSession(t, e)
	s.send("EHLO c.example")
	s.expectMulti("250")

	// A 2xx override stands in for the builtin MAIL reply; the
	// transaction must still be open for RCPT and DATA.
	if reply := s.expectAfter("MAIL FROM:<a@x.ex>", "250 "); !strings.Contains(reply, "hooked") {
		t.Fatalf("override reply = %q", reply)
	}
	s.exchange("RCPT TO:<b@y.ex>", "250 ")
	s.exchange("DATA", "354 ")
	s.sendRaw("Subject: x\r\n\r\nbody\r\n.\r\n")
	s.expect("250 ")

	if got := rec.envelope(t).Sender; got != "a@x.ex" {
		t.Errorf("sender = %q", got)
	}
}

func TestSpoolCleanup(t *testing.T) {
	deliver := func(t *testing.T, e *Endpoint) {
		t.Helper()
		s := startSession(t, e)
		s.send("EHLO c.example")
		s.expectMulti("250")
		s.exchange("MAIL FROM:<a@x.ex>", "250 ")
		s.exchange("RCPT TO:<b@y.ex>", "250 ")
		s.exchange("DATA", "354 ")
		s.sendRaw("Subject: x\r\n\r\nbody\r\n.\r\n")
		s.expect("250 ")
	}

	t.Run("chain consumed the message", func(t *testing.T) {
		e := testEndpoint(t)
		e.Chain = &processor.Chain{Procs: []processor.Processor{&recorder{}}, Log: e.Log}
		deliver(t, e)

		entries, err := os.ReadDir(e.SpoolDir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Errorf("spool file left behind after acceptance: %v", entries)
		}
	})

	t.Run("queue job owns the payload", func(t *testing.T) {
		e := testEndpoint(t)
		rec := &recorder{mutate: func(st *processor.State) { st.RelayJobs = 1 }}
		e.Chain = &processor.Chain{Procs: []processor.Processor{rec}, Log: e.Log}
		deliver(t, e)

		entries, err := os.ReadDir(e.SpoolDir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Errorf("payload with a queue owner must survive the session: %v", entries)
		}
	})
}

func TestIdleTimeout(t *testing.T) {
	e := testEndpoint(t)
	e.Cfg.ReadTimeoutSeconds = 1

	s := startSession(t, e)
	// Say nothing and wait out the read deadline.
	s.expect("421 ")
}

// upstreamServer is a scripted proxied target capturing the relayed wire.
type upstreamServer struct {
	l net.Listener

	mu     sync.Mutex
	rcpts  []string
	data   strings.Builder
	aborts int
}

func startUpstream(t *testing.T) *upstreamServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &upstreamServer{l: l}
	go s.serve()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *upstreamServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	tcp := s.l.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}

func (s *upstreamServer) serve() {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		go s.session(conn)
	}
}

func (s *upstreamServer) session(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	write := func(line string) { conn.Write([]byte(line + "\r\n")) }

	write("220 upstream.test ESMTP")
	inData := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if inData {
			if line == "." {
				inData = false
				write("250 2.0.0 OK queued")
				continue
			}
			s.mu.Lock()
			s.data.WriteString(line + "\r\n")
			s.mu.Unlock()
			continue
		}

		switch verb := strings.ToUpper(line); {
		case strings.HasPrefix(verb, "EHLO"):
			write("250-upstream.test")
			write("250 8BITMIME")
		case strings.HasPrefix(verb, "MAIL"):
			write("250 2.1.0 OK")
		case strings.HasPrefix(verb, "RCPT"):
			if strings.Contains(line, "bad@") {
				write("550 5.1.1 No such user")
				continue
			}
			s.mu.Lock()
			s.rcpts = append(s.rcpts, line)
			s.mu.Unlock()
			write("250 2.1.5 OK")
		case strings.HasPrefix(verb, "DATA"):
			write("354 go ahead")
			inData = true
		case strings.HasPrefix(verb, "RSET"):
			s.mu.Lock()
			s.aborts++
			s.mu.Unlock()
			write("250 2.0.0 OK")
		case strings.HasPrefix(verb, "QUIT"):
			write("221 2.0.0 bye")
			return
		default:
			write("500 5.5.1 what")
		}
	}
}

func (s *upstreamServer) captured() ([]string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rcpts...), s.data.String()
}

func TestProxyRelay(t *testing.T) {
	up := startUpstream(t)
	host, port := up.hostPort(t)

	e := testEndpoint(t)
	router, err := proxy.NewRouter([]config.ProxyRule{{
		RcptPattern: `.*@p\.ex`,
		Host:        host,
		Port:        port,
		Protocol:    "esmtp",
	}}, "robin.test", e.Log)
	if err != nil {
		t.Fatal(err)
	}
	e.Router = router

	mgr := queue.NewManager(queue.NewMemoryStore(), t.TempDir(), "memory", e.Log)
	rec := &recorder{}
	e.Chain = &processor.Chain{
		Procs: []processor.Processor{rec, &processor.ProxyStream{Queue: mgr, Log: e.Log}},
		Log:   e.Log,
	}

	s := startSession(t, e)
	s.send("EHLO c.example")
	s.expectMulti("250")
	s.exchange("MAIL FROM:<a@x.ex>", "250 ")

	// Matching recipient opens the upstream and relays the RCPT.
	reply := s.expectAfter("RCPT TO:<carol@p.ex>", "250 ")
	if !strings.Contains(reply, "relayed") {
		t.Errorf("relayed RCPT reply = %q", reply)
	}

	// Upstream rejection comes back verbatim.
	s.exchange("RCPT TO:<bad@p.ex>", "550 ")

	// Non-matching recipient falls through to normal processing.
	s.exchange("RCPT TO:<dave@q.ex>", "250 ")

	s.exchange("DATA", "354 ")
	s.sendRaw("Subject: relay\r\n\r\npayload\r\n.\r\n")
	s.expect("250 ")

	rcpts, data := up.captured()
	if len(rcpts) != 1 || !strings.Contains(rcpts[0], "carol@p.ex") {
		t.Errorf("upstream rcpts = %v", rcpts)
	}
	if !strings.Contains(data, "payload") {
		t.Errorf("upstream data = %q", data)
	}
	if !strings.Contains(data, "Received: from c.example") {
		t.Errorf("upstream data lacks Received stamp:\n%q", data)
	}

	// The fallthrough recipient stayed on the envelope for the rest of
	// the chain.
	env := rec.envelope(t)
	if len(env.ProxyRecipients) != 1 || env.ProxyRecipients[0] != "carol@p.ex" {
		t.Errorf("proxy recipients = %v", env.ProxyRecipients)
	}
	found := false
	for _, r := range env.Recipients {
		if r == "dave@q.ex" {
			found = true
		}
	}
	if !found {
		t.Errorf("fallthrough recipient missing: %v", env.Recipients)
	}
}

func (s *script) expectAfter(send, prefix string) string {
	s.t.Helper()
	s.send(send)
	return s.expect(prefix)
}

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

package smtpconn

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/internal/config"
)

// testServer is a scripted SMTP peer good enough for client testing.
type testServer struct {
	l net.Listener

	mu       sync.Mutex
	mailResp string // response for MAIL, default 250
	data     strings.Builder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &testServer{l: l, mailResp: "250 2.1.0 OK"}
	go s.serve()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *testServer) endpoint() config.Endpoint {
	host, port, _ := net.SplitHostPort(s.l.Addr().String())
	return config.Endpoint{Scheme: "tcp", Host: host, Port: port}
}

func (s *testServer) dataBytes() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.String()
}

func (s *testServer) serve() {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		go s.session(conn)
	}
}

func (s *testServer) session(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	write := func(line string) { conn.Write([]byte(line + "\r\n")) }

	write("220 test.invalid ESMTP")
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

		verb := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(verb, "EHLO"), strings.HasPrefix(verb, "LHLO"):
			write("250-test.invalid")
			write("250-SIZE 1048576")
			write("250 8BITMIME")
		case strings.HasPrefix(verb, "MAIL"):
			s.mu.Lock()
			resp := s.mailResp
			s.mu.Unlock()
			write(resp)
		case strings.HasPrefix(verb, "RCPT"):
			if strings.Contains(line, "bad@") {
				write("550 5.1.1 No such user")
				continue
			}
			write("250 2.1.5 OK")
		case strings.HasPrefix(verb, "DATA"):
			write("354 Send data")
			inData = true
		case strings.HasPrefix(verb, "QUIT"):
			write("221 2.0.0 Bye")
			return
		default:
			write("500 5.5.1 Unknown command")
		}
	}
}

func TestConnectMailRcptData(t *testing.T) {
	srv := newTestServer(t)

	c := New()
	c.Hostname = "robin.test"
	if _, err := c.Connect(context.Background(), srv.endpoint(), false, nil); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.Mail(ctx, "a@x.example", smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := c.Rcpt(ctx, "b@y.example"); err != nil {
		t.Fatal(err)
	}
	if err := c.Data(ctx, []byte("Received: test\r\n"), strings.NewReader("Subject: hi\r\n\r\nhi\r\n")); err != nil {
		t.Fatal(err)
	}

	got := srv.dataBytes()
	if !strings.HasPrefix(got, "Received: test\r\n") || !strings.Contains(got, "Subject: hi") {
		t.Errorf("upstream data:\n%q", got)
	}
	if rcpts := c.Rcpts(); len(rcpts) != 1 || rcpts[0] != "b@y.example" {
		t.Errorf("Rcpts = %v", rcpts)
	}
}

func TestRcptRejectionWrapped(t *testing.T) {
	srv := newTestServer(t)

	c := New()
	c.AddrInSMTPMsg = true
	if _, err := c.Connect(context.Background(), srv.endpoint(), false, nil); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.Mail(ctx, "a@x.example", smtp.MailOptions{}); err != nil {
		t.Fatal(err)
	}
	err := c.Rcpt(ctx, "bad@y.example")
	if err == nil {
		t.Fatal("expected rejection")
	}

	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("error is %T, want *exterrors.SMTPError", err)
	}
	if smtpErr.Code != 550 || smtpErr.Temporary() {
		t.Errorf("Code = %d, Temporary = %v", smtpErr.Code, smtpErr.Temporary())
	}
	if !strings.Contains(smtpErr.Message, "said:") {
		t.Errorf("Message = %q, want remote address prefix", smtpErr.Message)
	}
}

func Test552RewrittenTo452(t *testing.T) {
	srv := newTestServer(t)
	srv.mu.Lock()
	srv.mailResp = "552 5.3.4 Message too big for system"
	srv.mu.Unlock()

	c := New()
	if _, err := c.Connect(context.Background(), srv.endpoint(), false, nil); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err := c.Mail(context.Background(), "a@x.example", smtp.MailOptions{})
	if err == nil {
		t.Fatal("expected error")
	}

	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("error is %T, want *exterrors.SMTPError", err)
	}
	if smtpErr.Code != 452 {
		t.Errorf("Code = %d, want 452", smtpErr.Code)
	}
	if !smtpErr.Temporary() {
		t.Error("rewritten error should be temporary")
	}
	if smtpErr.EnhancedCode[0] != 4 {
		t.Errorf("EnhancedCode = %v, want class 4", smtpErr.EnhancedCode)
	}
}

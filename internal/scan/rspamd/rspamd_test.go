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

package rspamd

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/transilvlad/robin-sub002/framework/buffer"
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/config"
	"github.com/transilvlad/robin-sub002/internal/msg"
)

func testEnvelope() (*msg.Session, *msg.Envelope) {
	s := msg.NewSession(msg.DirectionInbound)
	s.Hello = "client.example"
	s.RemoteIP = net.ParseIP("192.0.2.7")

	e := msg.NewEnvelope(s.UID, "from@example.org")
	e.AddRecipient("to@example.com")
	e.AddHeader("Received", "from client.example", true)
	e.Body = buffer.MemoryBuffer{Slice: []byte("Subject: test\r\n\r\nbody\r\n")}
	return s, e
}

func TestCheckClean(t *testing.T) {
	var gotPath string
	var gotHeaders http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"action":"no action","score":1.5,"symbols":{"MIME_GOOD":{"name":"MIME_GOOD","score":-0.1}}}`))
	}))
	defer srv.Close()

	c := New(config.Rspamd{URL: srv.URL, Threshold: 15, TimeoutSeconds: 5}, "mx.example.org", log.Logger{Out: log.NopOutput{}})
	s, e := testEnvelope()

	res, err := c.Check(context.Background(), s, e)
	if err != nil {
		t.Fatal(err)
	}
	if res.Spam || res.Score != 1.5 {
		t.Errorf("result = %+v", res)
	}
	if !reflect.DeepEqual(res.Symbols, []string{"MIME_GOOD"}) {
		t.Errorf("symbols = %v", res.Symbols)
	}

	if gotPath != "/checkv2" {
		t.Errorf("path = %q", gotPath)
	}
	if gotHeaders.Get("From") != "from@example.org" ||
		gotHeaders.Get("Rcpt") != "to@example.com" ||
		gotHeaders.Get("IP") != "192.0.2.7" ||
		gotHeaders.Get("MTA-Name") != "mx.example.org" {
		t.Errorf("headers = %+v", gotHeaders)
	}
	want := "Received: from client.example\r\nSubject: test\r\n\r\nbody\r\n"
	if string(gotBody) != want {
		t.Errorf("body = %q, want %q", gotBody, want)
	}
}

func TestCheckVerdicts(t *testing.T) {
	for _, tc := range []struct {
		name string
		resp string
		spam bool
	}{
		{"reject action", `{"action":"reject","score":20}`, true},
		{"score over threshold", `{"action":"add header","score":16}`, true},
		{"score under threshold", `{"action":"add header","score":6}`, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.resp))
			}))
			defer srv.Close()

			c := New(config.Rspamd{URL: srv.URL, Threshold: 15, TimeoutSeconds: 5}, "mx.example.org", log.Logger{Out: log.NopOutput{}})
			s, e := testEnvelope()
			res, err := c.Check(context.Background(), s, e)
			if err != nil {
				t.Fatal(err)
			}
			if res.Spam != tc.spam {
				t.Errorf("Spam = %v, want %v", res.Spam, tc.spam)
			}
		})
	}
}

func TestCheckServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(config.Rspamd{URL: srv.URL, TimeoutSeconds: 5}, "mx.example.org", log.Logger{Out: log.NopOutput{}})
	s, e := testEnvelope()
	if _, err := c.Check(context.Background(), s, e); err == nil {
		t.Error("expected error for HTTP 500")
	}
}

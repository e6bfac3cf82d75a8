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

package clamav

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/transilvlad/robin-sub002/framework/buffer"
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/config"
	"github.com/transilvlad/robin-sub002/internal/msg"
)

// fakeClamd accepts one INSTREAM session, captures the streamed payload
// and answers with the given verdict line.
func fakeClamd(t *testing.T, verdict string, payload chan<- []byte) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		cmd, err := r.ReadString('\x00')
		if err != nil || cmd != "zINSTREAM\x00" {
			return
		}

		var data []byte
		var size [4]byte
		for {
			if _, err := io.ReadFull(r, size[:]); err != nil {
				return
			}
			n := binary.BigEndian.Uint32(size[:])
			if n == 0 {
				break
			}
			chunk := make([]byte, n)
			if _, err := io.ReadFull(r, chunk); err != nil {
				return
			}
			data = append(data, chunk...)
		}
		if payload != nil {
			payload <- data
		}
		conn.Write([]byte(verdict + "\x00"))
	}()

	return l.Addr().String()
}

func testScanner(addr string) *Scanner {
	return New(config.ClamAV{Address: addr, TimeoutSeconds: 5}, log.Logger{Out: log.NopOutput{}})
}

func testEnvelope() *msg.Envelope {
	e := msg.NewEnvelope("uid1", "from@example.org")
	e.AddRecipient("to@example.com")
	e.AddHeader("Received", "from client.example", true)
	e.Body = buffer.MemoryBuffer{Slice: []byte("Subject: test\r\n\r\nbody\r\n")}
	return e
}

func TestScanClean(t *testing.T) {
	payload := make(chan []byte, 1)
	addr := fakeClamd(t, "stream: OK", payload)

	res, err := testScanner(addr).Scan(context.Background(), testEnvelope())
	if err != nil {
		t.Fatal(err)
	}
	if res.Infected {
		t.Errorf("result = %+v", res)
	}

	want := "Received: from client.example\r\nSubject: test\r\n\r\nbody\r\n"
	if got := string(<-payload); got != want {
		t.Errorf("streamed payload = %q, want %q", got, want)
	}
}

func TestScanInfected(t *testing.T) {
	addr := fakeClamd(t, "stream: Eicar-Signature FOUND", nil)

	res, err := testScanner(addr).Scan(context.Background(), testEnvelope())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Infected || len(res.Viruses) != 1 || res.Viruses[0] != "Eicar-Signature" {
		t.Errorf("result = %+v", res)
	}
}

func TestScanDaemonError(t *testing.T) {
	addr := fakeClamd(t, "INSTREAM size limit exceeded. ERROR", nil)

	if _, err := testScanner(addr).Scan(context.Background(), testEnvelope()); err == nil {
		t.Error("expected error for ERROR reply")
	}
}

func TestParseReply(t *testing.T) {
	for _, tc := range []struct {
		in       string
		infected bool
		err      bool
	}{
		{"stream: OK", false, false},
		{"stream: Win.Test.EICAR_HDB-1 FOUND", true, false},
		{"something ERROR", false, true},
		{"garbage", false, true},
	} {
		res, err := parseReply(tc.in)
		if (err != nil) != tc.err {
			t.Errorf("%q: err = %v", tc.in, err)
			continue
		}
		if res.Infected != tc.infected {
			t.Errorf("%q: Infected = %v", tc.in, res.Infected)
		}
	}
}

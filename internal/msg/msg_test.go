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

package msg

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/transilvlad/robin-sub002/framework/buffer"
)

func TestEnvelopeRecipients(t *testing.T) {
	e := NewEnvelope("sess-1", "a@x.example")

	if !e.AddRecipient("b@y.example") {
		t.Error("first AddRecipient = false")
	}
	if e.AddRecipient("B@Y.example") {
		t.Error("case-variant duplicate accepted")
	}
	if !e.AddRecipient("c@y.example") {
		t.Error("distinct recipient rejected")
	}

	e.RemoveRecipient("b@Y.EXAMPLE")
	if len(e.Recipients) != 1 || e.Recipients[0] != "c@y.example" {
		t.Errorf("Recipients = %v", e.Recipients)
	}
}

func TestEnvelopeWriteTo(t *testing.T) {
	e := NewEnvelope("sess-1", "a@x.example")
	e.Body = buffer.MemoryBuffer{Slice: []byte("Subject: hi\r\n\r\nhi\r\n")}
	e.AddHeader("X-Robin-Scan", "clean", false)
	e.AddHeader("Received", "from c.example by s.example", true)

	var out bytes.Buffer
	if _, err := e.WriteTo(&out); err != nil {
		t.Fatal(err)
	}

	want := "Received: from c.example by s.example\r\n" +
		"X-Robin-Scan: clean\r\n" +
		"Subject: hi\r\n\r\nhi\r\n"
	if out.String() != want {
		t.Errorf("WriteTo output:\n%q\nwant:\n%q", out.String(), want)
	}
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	e := NewEnvelope("sess-1", "a@x.example")
	e.AddRecipient("b@y.example")
	e.Body = buffer.FileBuffer{Path: "/var/lib/robin/queue/payload.1", LenHint: 42}
	e.Size = 42
	e.RetryCount = 3
	e.AddScanResult(RspamdResult{Score: 7.5, Spam: false, Symbols: []string{"DKIM_INVALID"}})
	e.AddScanResult(ClamAVResult{Infected: true, Viruses: []string{"Eicar-Test-Signature"}})

	blob, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}

	var got Envelope
	if err := json.Unmarshal(blob, &got); err != nil {
		t.Fatal(err)
	}

	fb, ok := got.Body.(buffer.FileBuffer)
	if !ok || fb.Path != "/var/lib/robin/queue/payload.1" {
		t.Errorf("Body = %#v", got.Body)
	}
	if got.RetryCount != 3 || got.Sender != "a@x.example" {
		t.Errorf("meta = %+v", got)
	}

	scans := got.ScanResults()
	if len(scans) != 2 {
		t.Fatalf("scans = %d, want 2", len(scans))
	}
	r, ok := scans[0].(RspamdResult)
	if !ok || r.Score != 7.5 {
		t.Errorf("scans[0] = %#v", scans[0])
	}
	c, ok := scans[1].(ClamAVResult)
	if !ok || !c.Infected || c.Viruses[0] != "Eicar-Test-Signature" {
		t.Errorf("scans[1] = %#v", scans[1])
	}
}

func TestEnvelopeJSONExclusivePayload(t *testing.T) {
	var e Envelope
	err := json.Unmarshal([]byte(`{"sender":"a@x","body_path":"/p","body_inline":"aGk="}`), &e)
	if err == nil {
		t.Error("expected error for payload with both path and inline bytes")
	}
}

func TestScanListConcurrentAppend(t *testing.T) {
	e := NewEnvelope("sess-1", "a@x.example")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.AddScanResult(OtherResult{Name: "stub"})
			}
		}()
	}
	wg.Wait()

	if got := len(e.ScanResults()); got != 1600 {
		t.Errorf("results = %d, want 1600", got)
	}
}

func TestSessionClone(t *testing.T) {
	s := NewSession(DirectionInbound)
	s.Hello = "c.example"
	s.Log("MAIL FROM:<a@x>", "250 OK")

	e := NewEnvelope(s.UID, "a@x.example")
	e.AddRecipient("b@y.example")
	e.Body = buffer.MemoryBuffer{Slice: []byte("hi")}
	s.Envelopes = append(s.Envelopes, e)

	c := s.Clone()
	c.Log("RCPT TO:<b@y>", "250 OK")
	c.Envelopes[0].AddRecipient("d@z.example")
	c.Envelopes[0].AddScanResult(OtherResult{Name: "stub"})

	if len(s.Transactions) != 1 {
		t.Errorf("original transaction log grew: %d", len(s.Transactions))
	}
	if len(s.Envelopes[0].Recipients) != 1 {
		t.Errorf("original recipient list grew: %v", s.Envelopes[0].Recipients)
	}
	if len(s.Envelopes[0].ScanResults()) != 0 {
		t.Error("original scan list grew")
	}
	if c.Envelopes[0].Body.Len() != 2 {
		t.Error("clone lost shared payload buffer")
	}
}

func TestSessionPrincipalImmutable(t *testing.T) {
	s := NewSession(DirectionInbound)
	s.SetPrincipal("alice")
	s.SetPrincipal("bob")
	if s.Principal != "alice" {
		t.Errorf("Principal = %q, want alice", s.Principal)
	}
}

func TestSessionUIDsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		uid := NewSession(DirectionInbound).UID
		if seen[uid] || !strings.Contains(uid, "-") {
			t.Fatalf("bad or duplicate uid %q", uid)
		}
		seen[uid] = true
	}
}

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

package auth

import (
	"testing"

	"github.com/transilvlad/robin-sub002/internal/config"
)

func testTable() *StaticTable {
	return NewStaticTable(config.Auth{
		Enabled: true,
		Users: map[string]string{
			"alice": "secret",
			"bob":   "hunter2",
		},
	})
}

func TestStaticTable(t *testing.T) {
	tbl := testTable()

	cases := []struct {
		name     string
		username string
		password string
		wantErr  bool
	}{
		{"ok", "alice", "secret", false},
		{"case folded username", "ALICE", "secret", false},
		{"wrong password", "alice", "Secret", true},
		{"unknown user", "carol", "secret", true},
		{"empty username", "", "secret", true},
		{"empty password", "alice", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tbl.AuthPlain(tc.username, tc.password)
			if tc.wantErr && err == nil {
				t.Error("expected failure, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestPlainServer(t *testing.T) {
	var principal string
	srv, ok := NewServer("PLAIN", testTable(), func(u string) { principal = u })
	if !ok {
		t.Fatal("PLAIN not supported")
	}

	_, done, err := srv.Next([]byte("\x00alice\x00secret"))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !done {
		t.Fatal("exchange not done after initial response")
	}
	if principal != "alice" {
		t.Fatalf("principal = %q, want alice", principal)
	}
}

func TestPlainServerRejectsForeignAuthz(t *testing.T) {
	srv, _ := NewServer("PLAIN", testTable(), func(string) {})

	_, _, err := srv.Next([]byte("bob\x00alice\x00secret"))
	if err == nil {
		t.Fatal("authorization identity != authentication identity accepted")
	}
}

func TestLoginServer(t *testing.T) {
	var principal string
	srv, ok := NewServer("LOGIN", testTable(), func(u string) { principal = u })
	if !ok {
		t.Fatal("LOGIN not supported")
	}

	ch, done, err := srv.Next(nil)
	if err != nil || done {
		t.Fatalf("initial challenge: done=%v err=%v", done, err)
	}
	if string(ch) != "Username:" {
		t.Fatalf("challenge = %q", ch)
	}

	ch, done, err = srv.Next([]byte("bob"))
	if err != nil || done {
		t.Fatalf("username step: done=%v err=%v", done, err)
	}
	if string(ch) != "Password:" {
		t.Fatalf("challenge = %q", ch)
	}

	_, done, err = srv.Next([]byte("hunter2"))
	if err != nil {
		t.Fatalf("password step: %v", err)
	}
	if !done {
		t.Fatal("exchange not done")
	}
	if principal != "bob" {
		t.Fatalf("principal = %q, want bob", principal)
	}
}

func TestUnknownMechanism(t *testing.T) {
	if _, ok := NewServer("CRAM-MD5", testTable(), func(string) {}); ok {
		t.Fatal("CRAM-MD5 accepted")
	}
}

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

package address

import "testing"

func TestSplit(t *testing.T) {
	for _, tc := range []struct {
		addr    string
		mbox    string
		domain  string
		wantErr bool
	}{
		{addr: "user@example.org", mbox: "user", domain: "example.org"},
		{addr: "user+ext@example.org", mbox: "user+ext", domain: "example.org"},
		{addr: `"quoted @ user"@example.org`, mbox: `"quoted @ user"`, domain: "example.org"},
		{addr: "postmaster", mbox: "postmaster", domain: ""},
		{addr: "POSTMASTER", mbox: "POSTMASTER", domain: ""},
		{addr: "no-domain@", wantErr: true},
		{addr: "@no-mailbox.org", wantErr: true},
		{addr: "", wantErr: true},
	} {
		mbox, domain, err := Split(tc.addr)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Split(%q): expected error, got %q/%q", tc.addr, mbox, domain)
			}
			continue
		}
		if err != nil {
			t.Errorf("Split(%q): %v", tc.addr, err)
			continue
		}
		if mbox != tc.mbox || domain != tc.domain {
			t.Errorf("Split(%q) = %q, %q; want %q, %q", tc.addr, mbox, domain, tc.mbox, tc.domain)
		}
	}
}

func TestValid(t *testing.T) {
	for _, tc := range []struct {
		addr  string
		valid bool
	}{
		{"user@example.org", true},
		{"user@[127.0.0.1]", true},
		{"üser@example.org", true},
		{"user@exämple.org", true},
		{"postmaster", true},
		{"", false},
		{"user@", false},
		{"@example.org", false},
		{"user@.", false},
	} {
		if got := Valid(tc.addr); got != tc.valid {
			t.Errorf("Valid(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestEqual(t *testing.T) {
	for _, tc := range []struct {
		a, b  string
		equal bool
	}{
		{"user@example.org", "USER@EXAMPLE.ORG", true},
		{"user@example.org", "user@example.org", true},
		{"user@xn--exmple-cua.org", "user@exämple.org", true},
		{"user@example.org", "other@example.org", false},
		{"user@example.org", "user@example.net", false},
	} {
		if got := Equal(tc.a, tc.b); got != tc.equal {
			t.Errorf("Equal(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.equal)
		}
	}
}

func TestForLookupStable(t *testing.T) {
	// Same equivalence class must map to one lookup key.
	a, err := ForLookup("User@Exämple.org")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ForLookup("user@xn--exmple-cua.org")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("ForLookup keys differ: %q vs %q", a, b)
	}
}

func TestQuoteUnquoteMbox(t *testing.T) {
	for _, tc := range []struct {
		raw    string
		quoted string
	}{
		{"plain", "plain"},
		{"with space", `"with space"`},
		{`has"quote`, `"has\"quote"`},
	} {
		if got := QuoteMbox(tc.raw); got != tc.quoted {
			t.Errorf("QuoteMbox(%q) = %q, want %q", tc.raw, got, tc.quoted)
		}
		back, err := UnquoteMbox(tc.quoted)
		if err != nil {
			t.Errorf("UnquoteMbox(%q): %v", tc.quoted, err)
			continue
		}
		if back != tc.raw {
			t.Errorf("UnquoteMbox(%q) = %q, want %q", tc.quoted, back, tc.raw)
		}
	}
}

func TestToASCII(t *testing.T) {
	got, err := ToASCII("user@exämple.org")
	if err != nil {
		t.Fatal(err)
	}
	if got != "user@xn--exmple-cua.org" {
		t.Errorf("ToASCII = %q", got)
	}

	if _, err := ToASCII("üser@example.org"); err == nil {
		t.Error("ToASCII accepted a Unicode local-part")
	}
}

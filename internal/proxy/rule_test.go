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

package proxy

import (
	"net"
	"testing"

	"github.com/transilvlad/robin-sub002/internal/config"
)

func mustCompile(t *testing.T, cfgs ...config.ProxyRule) []Rule {
	t.Helper()
	rules, err := CompileRules(cfgs)
	if err != nil {
		t.Fatal(err)
	}
	return rules
}

func TestRuleMatches(t *testing.T) {
	for _, tc := range []struct {
		name  string
		rule  config.ProxyRule
		rcpt  string
		mail  string
		ehlo  string
		ip    string
		match bool
	}{
		{
			name:  "rcpt only",
			rule:  config.ProxyRule{RcptPattern: `.*@p\.ex`, Host: "u", Port: 25},
			rcpt:  "c@p.ex",
			match: true,
		},
		{
			name:  "rcpt no match",
			rule:  config.ProxyRule{RcptPattern: `.*@p\.ex`, Host: "u", Port: 25},
			rcpt:  "d@q.ex",
			match: false,
		},
		{
			name:  "rcpt pattern is anchored",
			rule:  config.ProxyRule{RcptPattern: `a@p\.ex`, Host: "u", Port: 25},
			rcpt:  "xa@p.ex.other",
			match: false,
		},
		{
			name: "all patterns AND",
			rule: config.ProxyRule{
				RcptPattern: `.*@p\.ex`, MailPattern: `.*@x\.ex`,
				EhloPattern: `client\..*`, Host: "u", Port: 25,
			},
			rcpt: "c@p.ex", mail: "a@x.ex", ehlo: "client.example",
			match: true,
		},
		{
			name: "mail pattern fails the AND",
			rule: config.ProxyRule{
				RcptPattern: `.*@p\.ex`, MailPattern: `.*@x\.ex`,
				Host: "u", Port: 25,
			},
			rcpt: "c@p.ex", mail: "a@other.ex",
			match: false,
		},
		{
			name:  "cidr v4 inside",
			rule:  config.ProxyRule{RcptPattern: `.*`, IPPattern: "10.1.0.0/16", Host: "u", Port: 25},
			rcpt:  "c@p.ex",
			ip:    "10.1.200.4",
			match: true,
		},
		{
			name: "cidr v4 outside despite string prefix",
			// 10.10.x must not match a 10.1.0.0/16 restriction even
			// though "10.1" is a string prefix of "10.10".
			rule:  config.ProxyRule{RcptPattern: `.*`, IPPattern: "10.1.0.0/16", Host: "u", Port: 25},
			rcpt:  "c@p.ex",
			ip:    "10.10.0.1",
			match: false,
		},
		{
			name:  "cidr v6",
			rule:  config.ProxyRule{RcptPattern: `.*`, IPPattern: "2001:db8::/32", Host: "u", Port: 25},
			rcpt:  "c@p.ex",
			ip:    "2001:db8::1",
			match: true,
		},
		{
			name:  "plain ip equality",
			rule:  config.ProxyRule{RcptPattern: `.*`, IPPattern: "192.0.2.7", Host: "u", Port: 25},
			rcpt:  "c@p.ex",
			ip:    "192.0.2.7",
			match: true,
		},
		{
			name:  "plain ip mismatch",
			rule:  config.ProxyRule{RcptPattern: `.*`, IPPattern: "192.0.2.7", Host: "u", Port: 25},
			rcpt:  "c@p.ex",
			ip:    "192.0.2.70",
			match: false,
		},
		{
			name:  "ip restriction with no ip",
			rule:  config.ProxyRule{RcptPattern: `.*`, IPPattern: "10.0.0.0/8", Host: "u", Port: 25},
			rcpt:  "c@p.ex",
			match: false,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rules := mustCompile(t, tc.rule)
			var ip net.IP
			if tc.ip != "" {
				ip = net.ParseIP(tc.ip)
			}
			if got := rules[0].Matches(tc.rcpt, tc.mail, tc.ehlo, ip); got != tc.match {
				t.Errorf("Matches = %v, want %v", got, tc.match)
			}
		})
	}
}

func TestRouterFirstMatchWins(t *testing.T) {
	rt := &Router{Rules: mustCompile(t,
		config.ProxyRule{RcptPattern: `.*@p\.ex`, Host: "first", Port: 25},
		config.ProxyRule{RcptPattern: `.*@.*\.ex`, Host: "second", Port: 25},
	)}

	if i := rt.Match("c@p.ex", "", "", nil); i != 0 {
		t.Errorf("Match = %d, want 0", i)
	}
	if i := rt.Match("c@q.ex", "", "", nil); i != 1 {
		t.Errorf("Match = %d, want 1", i)
	}
	if i := rt.Match("c@q.org", "", "", nil); i != -1 {
		t.Errorf("Match = %d, want -1", i)
	}
}

func TestCompileRulesErrors(t *testing.T) {
	_, err := CompileRules([]config.ProxyRule{{RcptPattern: `(`, Host: "u", Port: 25}})
	if err == nil {
		t.Error("expected error for invalid regexp")
	}
}

func TestRuleDefaults(t *testing.T) {
	rules := mustCompile(t, config.ProxyRule{RcptPattern: `.*`, Host: "u", Port: 25})
	if rules[0].Action() != ActionNone {
		t.Errorf("Action = %v, want none", rules[0].Action())
	}
	if rules[0].Protocol() != "esmtp" {
		t.Errorf("Protocol = %v, want esmtp", rules[0].Protocol())
	}
}

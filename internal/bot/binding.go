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

// Package bot matches recipients against bot bindings and generates
// diagnostic reply messages for them.
package bot

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/transilvlad/robin-sub002/framework/address"
	"github.com/transilvlad/robin-sub002/internal/config"
)

// Target is a decoded sieve-extended recipient:
//
//	bot+tok+user+dom.com@host
//
// Base is bot@host, Token is "tok" and ReplyTo is user@dom.com. Plain
// addresses decode to Base only.
type Target struct {
	Base    string
	Token   string
	ReplyTo string
}

// DecodeTarget splits the sieve-extended addressing on the local part.
// One '+' segment is a bare token; further segments encode the reply
// address with the last segment being its domain.
func DecodeTarget(rcpt string) (Target, error) {
	mbox, domain, err := address.Split(rcpt)
	if err != nil {
		return Target{}, err
	}

	parts := strings.Split(mbox, "+")
	t := Target{Base: parts[0] + "@" + domain}
	if len(parts) >= 2 {
		t.Token = parts[1]
	}
	if len(parts) >= 4 {
		replyDomain := parts[len(parts)-1]
		replyMbox := strings.Join(parts[2:len(parts)-1], "+")
		t.ReplyTo = replyMbox + "@" + replyDomain
	}
	return t, nil
}

// Binding is one compiled bot binding.
type Binding struct {
	Name      string
	addressRe *regexp.Regexp
	ipNets    []*net.IPNet
	tokens    map[string]bool
}

// Authorized reports whether the source may trigger this bot: source IP
// inside any allowed network OR a matching address token. A binding with
// neither IPs nor tokens is open.
func (b *Binding) Authorized(ip net.IP, token string) bool {
	if len(b.ipNets) == 0 && len(b.tokens) == 0 {
		return true
	}
	for _, n := range b.ipNets {
		if ip != nil && n.Contains(ip) {
			return true
		}
	}
	return token != "" && b.tokens[token]
}

// Match is one recipient claimed by a binding.
type Match struct {
	BindingName string
	Rcpt        string
	// ReplyTo is where the analysis report goes. Empty means reply to
	// the envelope sender.
	ReplyTo string
}

type Bindings struct {
	list []*Binding
}

func CompileBindings(cfgs []config.BotBinding) (*Bindings, error) {
	bs := &Bindings{}
	for i, cfg := range cfgs {
		b := &Binding{Name: cfg.Name, tokens: make(map[string]bool, len(cfg.AllowedTokens))}

		re, err := compileAnchored(cfg.AddressPattern)
		if err != nil {
			return nil, fmt.Errorf("bot: binding %d: address_pattern: %w", i, err)
		}
		b.addressRe = re

		for _, tok := range cfg.AllowedTokens {
			b.tokens[tok] = true
		}

		for _, entry := range cfg.AllowedIPs {
			ipNet, err := parseIPOrCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("bot: binding %d: allowed_ips %q: %w", i, entry, err)
			}
			b.ipNets = append(b.ipNets, ipNet)
		}

		bs.list = append(bs.list, b)
	}
	return bs, nil
}

// Match finds the first binding claiming rcpt that also authorizes the
// source. The pattern is tested against the base address with sieve
// extensions stripped.
func (bs *Bindings) Match(rcpt string, ip net.IP) (Match, bool) {
	if bs == nil {
		return Match{}, false
	}
	target, err := DecodeTarget(rcpt)
	if err != nil {
		return Match{}, false
	}

	for _, b := range bs.list {
		if !b.addressRe.MatchString(target.Base) {
			continue
		}
		if !b.Authorized(ip, target.Token) {
			continue
		}
		return Match{BindingName: b.Name, Rcpt: rcpt, ReplyTo: target.ReplyTo}, true
	}
	return Match{}, false
}

func parseIPOrCIDR(entry string) (*net.IPNet, error) {
	if _, ipNet, err := net.ParseCIDR(entry); err == nil {
		return ipNet, nil
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, fmt.Errorf("not an IP address or CIDR network")
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

func compileAnchored(pattern string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^(?:" + pattern + ")$"
	}
	return regexp.Compile(pattern)
}

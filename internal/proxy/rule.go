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

// Package proxy implements rule-driven relaying of inbound transactions
// to an upstream SMTP/LMTP server.
package proxy

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/transilvlad/robin-sub002/internal/config"
)

// NonMatchAction is what happens to recipients that do not match the
// envelope's active rule.
type NonMatchAction string

const (
	// ActionNone lets non-matching recipients fall through to the normal
	// processing chain. The upstream transaction opened for the matched
	// recipients is still consumed at DATA time.
	ActionNone NonMatchAction = "none"
	// ActionAccept replies 250 locally without relaying.
	ActionAccept NonMatchAction = "accept"
	// ActionReject replies 550.
	ActionReject NonMatchAction = "reject"
)

// Rule is a compiled proxy rule. All patterns that are set must match
// (AND); rules are tried in order and the first match wins.
type Rule struct {
	Cfg config.ProxyRule

	rcptRe *regexp.Regexp
	mailRe *regexp.Regexp
	ehloRe *regexp.Regexp

	// IP restriction: CIDR nets when the pattern parses as such,
	// otherwise a regexp applied to the textual form.
	ipNet *net.IPNet
	ipRe  *regexp.Regexp
}

func (r *Rule) Action() NonMatchAction {
	if r.Cfg.NonMatchAction == "" {
		return ActionNone
	}
	return NonMatchAction(r.Cfg.NonMatchAction)
}

func (r *Rule) Protocol() string {
	if r.Cfg.Protocol == "" {
		return "esmtp"
	}
	return r.Cfg.Protocol
}

// Matches reports whether all patterns set on the rule match the given
// transaction attributes.
func (r *Rule) Matches(rcpt, mail, ehlo string, ip net.IP) bool {
	if !r.rcptRe.MatchString(rcpt) {
		return false
	}
	if r.mailRe != nil && !r.mailRe.MatchString(mail) {
		return false
	}
	if r.ehloRe != nil && !r.ehloRe.MatchString(ehlo) {
		return false
	}
	if r.ipNet != nil {
		if ip == nil || !r.ipNet.Contains(ip) {
			return false
		}
	} else if r.ipRe != nil {
		if ip == nil || !r.ipRe.MatchString(ip.String()) {
			return false
		}
	}
	return true
}

// CompileRules builds the matchers for the configured rule list.
//
// IP patterns are parsed as CIDR prefixes (or single addresses) first;
// comparison is then by prefix length, never by string prefix. Only
// patterns that do not parse as an address fall back to regexp matching.
func CompileRules(cfgs []config.ProxyRule) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	for i, cfg := range cfgs {
		r := Rule{Cfg: cfg}

		var err error
		r.rcptRe, err = compileAnchored(cfg.RcptPattern)
		if err != nil {
			return nil, fmt.Errorf("proxy: rule %d: rcpt_pattern: %w", i, err)
		}
		if cfg.MailPattern != "" {
			r.mailRe, err = compileAnchored(cfg.MailPattern)
			if err != nil {
				return nil, fmt.Errorf("proxy: rule %d: mail_pattern: %w", i, err)
			}
		}
		if cfg.EhloPattern != "" {
			r.ehloRe, err = compileAnchored(cfg.EhloPattern)
			if err != nil {
				return nil, fmt.Errorf("proxy: rule %d: ehlo_pattern: %w", i, err)
			}
		}
		if cfg.IPPattern != "" {
			if _, ipNet, cidrErr := net.ParseCIDR(cfg.IPPattern); cidrErr == nil {
				r.ipNet = ipNet
			} else if ip := net.ParseIP(cfg.IPPattern); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				r.ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
			} else {
				r.ipRe, err = compileAnchored(cfg.IPPattern)
				if err != nil {
					return nil, fmt.Errorf("proxy: rule %d: ip_pattern: %w", i, err)
				}
			}
		}

		rules = append(rules, r)
	}
	return rules, nil
}

func compileAnchored(pattern string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^(?:" + pattern + ")$"
	}
	return regexp.Compile(pattern)
}

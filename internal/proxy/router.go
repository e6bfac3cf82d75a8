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
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"

	"github.com/emersion/go-smtp"
	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/config"
	"github.com/transilvlad/robin-sub002/internal/smtpconn"
)

// Router matches inbound recipients against the rule list and manages
// upstream transactions. The Router itself is stateless; per-envelope
// upstream state lives in Upstream objects owned by the session.
type Router struct {
	Rules     []Rule
	Hostname  string
	TLSConfig *tls.Config
	Log       log.Logger
}

func NewRouter(cfgs []config.ProxyRule, hostname string, logger log.Logger) (*Router, error) {
	rules, err := CompileRules(cfgs)
	if err != nil {
		return nil, err
	}
	return &Router{
		Rules:     rules,
		Hostname:  hostname,
		TLSConfig: &tls.Config{},
		Log:       logger,
	}, nil
}

// Match returns the index of the first rule matching the transaction
// attributes, or -1.
func (rt *Router) Match(rcpt, mail, ehlo string, ip net.IP) int {
	for i := range rt.Rules {
		if rt.Rules[i].Matches(rcpt, mail, ehlo, ip) {
			return i
		}
	}
	return -1
}

// Upstream is an open transaction on the proxied server. Created at the
// first matching RCPT, consumed (committed or aborted) at DATA time.
type Upstream struct {
	RuleIndex int
	Rule      *Rule

	conn *smtpconn.C
}

// Open dials the rule target and advances the upstream transaction up
// to MAIL FROM. Protocol (smtp/esmtp/lmtp), TLS and credentials come
// from the rule.
func (rt *Router) Open(ctx context.Context, ruleIndex int, sender string) (*Upstream, error) {
	rule := &rt.Rules[ruleIndex]

	c := smtpconn.New()
	c.Hostname = rt.Hostname
	c.Log = rt.Log
	c.AddrInSMTPMsg = true
	c.TLSConfig = rt.TLSConfig

	endp := config.Endpoint{
		Scheme: "tcp",
		Host:   rule.Cfg.Host,
		Port:   strconv.Itoa(rule.Cfg.Port),
	}

	var err error
	if rule.Protocol() == "lmtp" {
		_, err = c.ConnectLMTP(ctx, endp, rule.Cfg.TLS, rt.TLSConfig)
	} else {
		_, err = c.Connect(ctx, endp, rule.Cfg.TLS, rt.TLSConfig)
	}
	if err != nil {
		return nil, err
	}

	if rule.Cfg.Username != "" {
		if err := c.Auth(ctx, rule.Cfg.Username, rule.Cfg.Password); err != nil {
			c.DirectClose()
			return nil, err
		}
	}

	if err := c.Mail(ctx, sender, smtp.MailOptions{}); err != nil {
		c.DirectClose()
		return nil, err
	}

	return &Upstream{RuleIndex: ruleIndex, Rule: rule, conn: c}, nil
}

// Rcpt forwards the recipient to the upstream and returns the response
// to relay. Errors carrying an SMTP status are relayed verbatim; other
// failures map to a 451.
func (u *Upstream) Rcpt(ctx context.Context, rcpt string) error {
	return u.conn.Rcpt(ctx, rcpt)
}

// Data streams the header prefix and payload to the upstream and
// returns the final upstream response as error (nil meaning 250-class
// acceptance). The upstream transaction is finished either way.
func (u *Upstream) Data(ctx context.Context, prefix []byte, body io.Reader) error {
	err := u.conn.Data(ctx, prefix, body)
	if err != nil {
		u.conn.DirectClose()
		u.conn = nil
		return err
	}
	u.conn.Close()
	u.conn = nil
	return nil
}

// Abort drops the upstream transaction without sending mail.
func (u *Upstream) Abort() {
	if u.conn == nil {
		return
	}
	u.conn.Close()
	u.conn = nil
}

// WrapRcptErr converts an upstream RCPT failure into the reply for the
// inbound client: SMTP rejections are relayed as-is, transport errors
// become 451 per the mid-transaction failure rule.
func WrapRcptErr(err error) *exterrors.SMTPError {
	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code != 0 {
		return smtpErr
	}
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 4, 1},
		Message:      "Upstream delivery failed",
		Err:          err,
	}
}

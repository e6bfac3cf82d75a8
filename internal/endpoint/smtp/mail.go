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

package smtp

import (
	"errors"
	"strconv"
	"strings"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/transilvlad/robin-sub002/framework/address"
	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/internal/msg"
	"github.com/transilvlad/robin-sub002/internal/proxy"
)

func (c *conn) cmdMail(args string) error {
	command := "MAIL " + args

	sender, params, err := parsePath(args, "FROM")
	if err != nil {
		return c.replyLogged(command, 501, exterrors.EnhancedCode{5, 5, 2}, err.Error())
	}
	if sender != "" && !address.Valid(sender) {
		return c.replyLogged(command, 501, exterrors.EnhancedCode{5, 1, 7}, "Malformed sender address")
	}

	for key, value := range params {
		switch key {
		case "SIZE":
			declared, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return c.replyLogged(command, 501, exterrors.EnhancedCode{5, 5, 4}, "Malformed SIZE parameter")
			}
			if max := c.endpoint.Cfg.MaxMessageSize; max > 0 && declared > max {
				return c.replyLogged(command, 552, exterrors.EnhancedCode{5, 3, 4}, "Message size exceeds limit")
			}
		case "BODY":
			switch strings.ToUpper(value) {
			case "7BIT", "8BITMIME":
			default:
				return c.replyLogged(command, 501, exterrors.EnhancedCode{5, 5, 4}, "Unsupported BODY value")
			}
		default:
			return c.replyLogged(command, 501, exterrors.EnhancedCode{5, 5, 4}, "Unsupported MAIL parameter: "+key)
		}
	}

	// The envelope must exist before the hook runs: a 2xx override
	// advances the transaction state, and RCPT needs an envelope to
	// land on.
	c.envelope = msg.NewEnvelope(c.session.UID, sender)
	c.botMatches = nil

	if handled, err := c.checkHook(command, "MAIL", args); handled {
		if c.state != stateMail {
			c.envelope = nil
		}
		return err
	}

	c.state = stateMail
	return c.replyLogged(command, 250, exterrors.EnhancedCode{2, 1, 0}, "OK")
}

func (c *conn) cmdRcpt(args string) error {
	command := "RCPT " + args

	if max := c.endpoint.Cfg.MaxRecipients; max > 0 && len(c.envelope.Recipients) >= max {
		return c.replyLogged(command, 452, exterrors.EnhancedCode{4, 5, 3}, "Too many recipients")
	}

	rcpt, params, err := parsePath(args, "TO")
	if err != nil {
		return c.replyLogged(command, 501, exterrors.EnhancedCode{5, 5, 2}, err.Error())
	}
	if len(params) != 0 {
		return c.replyLogged(command, 501, exterrors.EnhancedCode{5, 5, 4}, "RCPT parameters are not supported")
	}
	if rcpt == "" || !address.Valid(rcpt) {
		return c.replyLogged(command, 501, exterrors.EnhancedCode{5, 1, 3}, "Malformed recipient address")
	}

	// Decision order: active/first proxy rule, bot bindings, webhook,
	// default accept.
	if done, err := c.rcptProxy(command, rcpt); done {
		return err
	}

	if c.endpoint.Bots != nil {
		if m, ok := c.endpoint.Bots.Match(rcpt, c.session.RemoteIP); ok {
			if !c.envelope.AddRecipient(rcpt) {
				return c.replyLogged(command, 250, exterrors.EnhancedCode{2, 1, 5}, "OK")
			}
			c.botMatches = append(c.botMatches, m)
			c.envelope.BotMatches = append(c.envelope.BotMatches, m.BindingName)
			c.state = stateRcpt
			return c.replyLogged(command, 250, exterrors.EnhancedCode{2, 1, 5}, "OK")
		}
	}

	if handled, err := c.checkHook(command, "RCPT", args); handled {
		if c.state == stateRcpt {
			c.envelope.AddRecipient(rcpt)
		}
		return err
	}

	c.envelope.AddRecipient(rcpt)
	c.state = stateRcpt
	return c.replyLogged(command, 250, exterrors.EnhancedCode{2, 1, 5}, "OK")
}

// rcptProxy applies the proxy rules to the recipient. The first
// matching RCPT of the transaction opens the upstream connection and
// pins its rule; later recipients either ride the same rule or get the
// rule's non-match treatment.
func (c *conn) rcptProxy(command, rcpt string) (done bool, err error) {
	router := c.endpoint.Router
	if router == nil || len(router.Rules) == 0 {
		return false, nil
	}

	idx := router.Match(rcpt, c.envelope.Sender, c.session.Hello, c.session.RemoteIP)

	// No rule active on this envelope yet.
	if c.envelope.ProxyRuleIndex < 0 {
		if idx < 0 {
			return false, nil
		}

		ctx, cancel := c.hookContext()
		up, openErr := router.Open(ctx, idx, c.envelope.Sender)
		cancel()
		if openErr != nil {
			c.endpoint.Log.Error("upstream connect failed", openErr, "uid", c.session.UID, "rule", idx)
			return true, c.replyLogged(command, 451, exterrors.EnhancedCode{4, 4, 1}, "Upstream connection failed")
		}
		c.upstream = up
		c.envelope.ProxyRuleIndex = idx
		return true, c.rcptUpstream(command, rcpt)
	}

	// A rule is pinned. Same rule: relay. Different or none: the
	// pinned rule's non-match action decides.
	if idx == c.envelope.ProxyRuleIndex && c.upstream != nil {
		return true, c.rcptUpstream(command, rcpt)
	}

	switch router.Rules[c.envelope.ProxyRuleIndex].Action() {
	case proxy.ActionAccept:
		// Accepted but delivered nowhere.
		return true, c.replyLogged(command, 250, exterrors.EnhancedCode{2, 1, 5}, "OK")
	case proxy.ActionReject:
		return true, c.replyLogged(command, 550, exterrors.EnhancedCode{5, 7, 1}, "Recipient not accepted here")
	default: // ActionNone falls through to normal processing.
		return false, nil
	}
}

func (c *conn) rcptUpstream(command, rcpt string) error {
	ctx, cancel := c.hookContext()
	err := c.upstream.Rcpt(ctx, rcpt)
	cancel()
	if err != nil {
		// Relay an upstream SMTP rejection verbatim; a transport
		// failure becomes 451 and the upstream is abandoned
		// mid-transaction.
		var protoErr *gosmtp.SMTPError
		if !errors.As(err, &protoErr) {
			c.upstream.Abort()
			c.upstream = nil
			c.envelope.ProxyRuleIndex = -1
			// Previously relayed recipients are lost with the upstream
			// transaction; they fall back to normal processing.
			c.envelope.ProxyRecipients = nil
		}
		smtpErr := proxy.WrapRcptErr(err)
		return c.replyLogged(command, smtpErr.Code, smtpErr.EnhancedCode, smtpErr.Message)
	}

	c.envelope.AddRecipient(rcpt)
	c.envelope.ProxyRecipients = append(c.envelope.ProxyRecipients, rcpt)
	c.state = stateRcpt
	return c.replyLogged(command, 250, exterrors.EnhancedCode{2, 1, 5}, "OK (relayed)")
}

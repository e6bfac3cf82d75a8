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
	"encoding/base64"
	"strings"

	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/internal/auth"
)

// cmdAuth runs the SASL exchange for AUTH PLAIN / AUTH LOGIN.
// Base64 framing errors are syntax errors; credential failures reply
// 535 and count against the error limit.
func (c *conn) cmdAuth(args string) error {
	command := "AUTH " + args

	if c.state == stateGreeted {
		return c.replyLogged(command, 503, exterrors.EnhancedCode{5, 5, 1}, "Send hello first")
	}
	if c.endpoint.Authenticator == nil {
		return c.replyLogged(command, 502, exterrors.EnhancedCode{5, 5, 1}, "Authentication not enabled")
	}
	if c.session.Authenticated() {
		return c.replyLogged(command, 503, exterrors.EnhancedCode{5, 5, 1}, "Already authenticated")
	}
	if c.authBlockedByTLS() {
		return c.replyLogged(command, 538, exterrors.EnhancedCode{5, 7, 11}, "Encryption required for requested authentication mechanism")
	}

	mech, initial, _ := strings.Cut(args, " ")
	if mech == "" {
		return c.replyLogged(command, 501, exterrors.EnhancedCode{5, 5, 4}, "Mechanism argument required")
	}

	var principal string
	srv, ok := auth.NewServer(mech, c.endpoint.Authenticator, func(u string) { principal = u })
	if !ok {
		return c.replyLogged(command, 504, exterrors.EnhancedCode{5, 5, 4}, "Unsupported authentication mechanism")
	}

	// Initial response, "=" denoting an empty one (RFC 4954).
	var resp []byte
	haveResp := false
	if initial != "" {
		haveResp = true
		if initial != "=" {
			var err error
			resp, err = base64.StdEncoding.DecodeString(initial)
			if err != nil {
				return c.replyLogged(command, 501, exterrors.EnhancedCode{5, 5, 2}, "Malformed base64 in initial response")
			}
		} else {
			resp = []byte{}
		}
	}

	for {
		if !haveResp {
			resp = nil
		}
		challenge, done, err := srv.Next(resp)
		if err != nil {
			authFailures.Inc()
			return c.replyLogged(command, 535, exterrors.EnhancedCode{5, 7, 8}, "Authentication credentials invalid")
		}
		if done {
			break
		}

		if err := c.writeReply(334, noEnch, base64.StdEncoding.EncodeToString(challenge)); err != nil {
			return err
		}
		line, err := c.readCommand()
		if err != nil {
			return err
		}
		if line == "*" {
			return c.replyLogged(command, 501, exterrors.EnhancedCode{5, 0, 0}, "Authentication cancelled")
		}
		resp, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			return c.replyLogged(command, 501, exterrors.EnhancedCode{5, 5, 2}, "Malformed base64 response")
		}
		haveResp = true
	}

	// The first successful AUTH decides the principal for good.
	c.session.SetPrincipal(principal)
	c.endpoint.Log.Msg("authenticated", "uid", c.session.UID, "username", principal)
	return c.replyLogged("AUTH "+mech, 235, exterrors.EnhancedCode{2, 7, 0}, "Authentication successful")
}

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
	"fmt"
	"strings"
	"time"

	"github.com/transilvlad/robin-sub002/internal/msg"
)

// stampReceived prepends the trace field for the hop, RFC 5321
// section 4.4.
func (c *conn) stampReceived(env *msg.Envelope) {
	var b strings.Builder

	fmt.Fprintf(&b, "from %s", helloOrUnknown(c.session.Hello))
	if c.session.RemoteIP != nil {
		if c.session.RemoteRDNS != "" {
			fmt.Fprintf(&b, " (%s [%s])", c.session.RemoteRDNS, c.session.RemoteIP)
		} else {
			fmt.Fprintf(&b, " ([%s])", c.session.RemoteIP)
		}
	}
	fmt.Fprintf(&b, "\r\n\tby %s (Robin) with %s id %s", c.endpoint.Hostname, c.withProtocol(), c.session.UID)
	if len(env.Recipients) == 1 {
		fmt.Fprintf(&b, "\r\n\tfor <%s>", env.Recipients[0])
	}
	fmt.Fprintf(&b, ";\r\n\t%s", time.Now().Format("Mon, 2 Jan 2006 15:04:05 -0700"))

	env.AddHeader("Received", b.String(), true)
}

// withProtocol names the transfer protocol for the WITH clause per the
// IANA mail transmission types registry.
func (c *conn) withProtocol() string {
	var p string
	switch {
	case c.lmtp:
		p = "LMTP"
	case c.extended:
		p = "ESMTP"
	default:
		p = "SMTP"
	}
	if c.session.TLS.Negotiated {
		p += "S"
	}
	if c.session.Authenticated() {
		p += "A"
	}
	return p
}

func helloOrUnknown(hello string) string {
	if hello == "" {
		return "unknown"
	}
	return hello
}

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
)

// parsePath parses the argument of MAIL FROM / RCPT TO: the keyword,
// an angle-bracketed path and optional ESMTP parameters. Source routes
// ("@relay:" prefixes) are stripped per RFC 5321 appendix C; the null
// reverse-path yields an empty address.
func parsePath(args, keyword string) (addr string, params map[string]string, err error) {
	rest, ok := cutPrefixFold(args, keyword+":")
	if !ok {
		return "", nil, fmt.Errorf("Syntax error: expected %s:<address>", keyword)
	}
	rest = strings.TrimLeft(rest, " ")

	if !strings.HasPrefix(rest, "<") {
		return "", nil, fmt.Errorf("Syntax error: path must be enclosed in angle brackets")
	}
	end := strings.IndexByte(rest, '>')
	if end < 0 {
		return "", nil, fmt.Errorf("Syntax error: unterminated path")
	}
	addr = rest[1:end]
	rest = strings.TrimSpace(rest[end+1:])

	// Strip the obsolete source route.
	if strings.HasPrefix(addr, "@") {
		if colon := strings.IndexByte(addr, ':'); colon >= 0 {
			addr = addr[colon+1:]
		}
	}

	if rest != "" {
		params = make(map[string]string)
		for _, field := range strings.Fields(rest) {
			key, value, _ := strings.Cut(field, "=")
			params[strings.ToUpper(key)] = value
		}
	}
	return addr, params, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

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

package exterrors

import (
	"errors"
	"net"
)

// UnwrapDNSErr extracts the machine-readable reason string and log context
// from a net.DNSError found anywhere in the chain of err.
func UnwrapDNSErr(err error) (reason string, misc map[string]interface{}) {
	dnsErr := &net.DNSError{}
	if !errors.As(err, &dnsErr) {
		return "", nil
	}

	misc = map[string]interface{}{}
	if dnsErr.Name != "" {
		misc["dns_name"] = dnsErr.Name
	}
	if dnsErr.Server != "" {
		misc["dns_server"] = dnsErr.Server
	}

	return dnsErr.Err, misc
}

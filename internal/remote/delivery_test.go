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

package remote

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/foxcpp/go-mtasts"

	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/config"
)

// plaintextMX serves a minimal ESMTP dialogue without advertising
// STARTTLS.
func plaintextMX(t *testing.T) config.Endpoint {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				fmt.Fprint(conn, "220 mx.robin.test ESMTP\r\n")
				br := bufio.NewReader(conn)
				for {
					line, err := br.ReadString('\n')
					if err != nil {
						return
					}
					verb := strings.ToUpper(strings.TrimSpace(line))
					switch {
					case strings.HasPrefix(verb, "EHLO"), strings.HasPrefix(verb, "HELO"):
						fmt.Fprint(conn, "250-mx.robin.test\r\n250 8BITMIME\r\n")
					case strings.HasPrefix(verb, "QUIT"):
						fmt.Fprint(conn, "221 2.0.0 Bye\r\n")
						return
					default:
						fmt.Fprint(conn, "250 2.0.0 OK\r\n")
					}
				}
			}(conn)
		}
	}()

	addr := l.Addr().(*net.TCPAddr)
	return config.Endpoint{Scheme: "tcp", Host: addr.IP.String(), Port: strconv.Itoa(addr.Port)}
}

func TestConnectSTSModes(t *testing.T) {
	endp := plaintextMX(t)
	target := &Target{
		Hostname:  "robin.test",
		TLSConfig: &tls.Config{},
		Log:       log.Logger{Out: log.NopOutput{}},
	}
	mx := MXHost{Host: "mx.robin.test", Policy: MTASTS}

	t.Run("testing mode proceeds without TLS", func(t *testing.T) {
		// The MX does not even match the policy; testing mode still
		// delivers (RFC 8461 Section 5).
		policy := &mtasts.Policy{Mode: mtasts.ModeTesting, MX: []string{"other.example"}}
		conn, err := target.connectSTS(context.Background(), endp, policy, mx)
		if err != nil {
			t.Fatalf("testing-mode policy blocked delivery: %v", err)
		}
		conn.Close()
	})

	t.Run("enforce mode requires TLS", func(t *testing.T) {
		policy := &mtasts.Policy{Mode: mtasts.ModeEnforce, MX: []string{"mx.robin.test"}}
		_, err := target.connectSTS(context.Background(), endp, policy, mx)
		checkSMTPErr(t, err, 451, exterrors.EnhancedCode{4, 7, 1})
	})

	t.Run("enforce mode rejects unlisted MX", func(t *testing.T) {
		policy := &mtasts.Policy{Mode: mtasts.ModeEnforce, MX: []string{"other.example"}}
		_, err := target.connectSTS(context.Background(), endp, policy, mx)
		checkSMTPErr(t, err, 550, exterrors.EnhancedCode{5, 7, 0})
	})
}

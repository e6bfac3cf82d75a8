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

// Package auth provides the pluggable authentication backend used by the
// AUTH verb. Credentials are verified through an Authenticator; the SASL
// framing (PLAIN, LOGIN) is handled by go-sasl servers built on top of
// it.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/emersion/go-sasl"
	"golang.org/x/text/secure/precis"

	"github.com/transilvlad/robin-sub002/internal/config"
)

// ErrInvalidCredentials is returned for any authentication failure. The
// reply to the peer never distinguishes unknown user from bad password.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Authenticator verifies a username/password pair.
type Authenticator interface {
	AuthPlain(username, password string) error
}

// StaticTable authenticates against the in-config user table. This is a
// debugging server; the table maps usernames to plaintext passwords.
type StaticTable struct {
	users map[string]string
}

func NewStaticTable(cfg config.Auth) *StaticTable {
	return &StaticTable{users: cfg.Users}
}

func (t *StaticTable) AuthPlain(username, password string) error {
	key, err := normalize(username)
	if err != nil {
		return ErrInvalidCredentials
	}

	expected, ok := t.users[key]
	if !ok {
		// Burn the comparison anyway so unknown names do not return
		// measurably faster.
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// normalize applies PRECIS UsernameCaseMapped so that the name the
// client sent and the name in the table compare under the same form.
func normalize(username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", ErrInvalidCredentials
	}
	return precis.UsernameCaseMapped.CompareKey(username)
}

// Mechanisms lists the advertised SASL mechanisms.
func Mechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

// NewServer builds the SASL server for the requested mechanism. The
// identity callback receives the authenticated username on success.
func NewServer(mech string, a Authenticator, identity func(username string)) (sasl.Server, bool) {
	switch strings.ToUpper(mech) {
	case sasl.Plain:
		return sasl.NewPlainServer(func(authz, username, password string) error {
			if authz != "" && authz != username {
				return ErrInvalidCredentials
			}
			if err := a.AuthPlain(username, password); err != nil {
				return err
			}
			identity(username)
			return nil
		}), true
	case sasl.Login:
		return NewLoginServer(func(username, password string) error {
			if err := a.AuthPlain(username, password); err != nil {
				return err
			}
			identity(username)
			return nil
		}), true
	default:
		return nil, false
	}
}

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

// Package local writes accepted messages to per-recipient maildirs.
package local

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/emersion/go-maildir"

	"github.com/transilvlad/robin-sub002/framework/address"
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/msg"
)

type Maildir struct {
	Root string
	Log  log.Logger
}

func NewMaildir(root string, logger log.Logger) *Maildir {
	return &Maildir{Root: root, Log: logger}
}

func (m *Maildir) Enabled() bool {
	return m != nil && m.Root != ""
}

// Deliver writes the full message into <root>/<recipient>/new for every
// envelope recipient. Each recipient gets an independent copy; a failure
// for one recipient aborts the whole delivery.
func (m *Maildir) Deliver(e *msg.Envelope) error {
	for _, rcpt := range e.Recipients {
		if err := m.deliverOne(e, rcpt); err != nil {
			return fmt.Errorf("maildir: %s: %w", rcpt, err)
		}
		m.Log.DebugMsg("maildir delivery", "rcpt", rcpt, "uid", e.SessionUID)
	}
	return nil
}

// DeliverRcpt writes one copy for a single recipient. Used by the
// storage chain when only a subset of the envelope is local.
func (m *Maildir) DeliverRcpt(e *msg.Envelope, rcpt string) error {
	if err := m.deliverOne(e, rcpt); err != nil {
		return fmt.Errorf("maildir: %s: %w", rcpt, err)
	}
	m.Log.DebugMsg("maildir delivery", "rcpt", rcpt, "uid", e.SessionUID)
	return nil
}

func (m *Maildir) deliverOne(e *msg.Envelope, rcpt string) error {
	dir := maildir.Dir(filepath.Join(m.Root, mailboxName(rcpt)))
	if err := os.MkdirAll(string(dir), 0o700); err != nil {
		return err
	}
	if err := dir.Init(); err != nil {
		return err
	}

	del, err := maildir.NewDelivery(string(dir))
	if err != nil {
		return err
	}

	body, err := e.Body.Open()
	if err != nil {
		del.Abort()
		return err
	}
	defer body.Close()

	if _, err := del.Write(e.HeaderPrefix()); err != nil {
		del.Abort()
		return err
	}
	if _, err := io.Copy(del, body); err != nil {
		del.Abort()
		return err
	}
	return del.Close()
}

// mailboxName maps a recipient address to a directory name. Normalized
// for case and IDNA, with path separators stripped so a hostile RCPT
// cannot escape the root.
func mailboxName(rcpt string) string {
	norm, err := address.ForLookup(rcpt)
	if err != nil {
		norm = strings.ToLower(rcpt)
	}
	norm = strings.ReplaceAll(norm, "/", "_")
	norm = strings.ReplaceAll(norm, string(filepath.Separator), "_")
	norm = strings.ReplaceAll(norm, "..", "_")
	return norm
}

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

package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/transilvlad/robin-sub002/framework/buffer"
	"github.com/transilvlad/robin-sub002/internal/msg"
)

// BuildReply renders the diagnostic analysis report for one bot match.
// The returned envelope is ready for the relay queue: sender is the bot
// address, recipient is the decoded reply target (envelope sender when
// the address carried none).
func BuildReply(hostname string, s *msg.Session, e *msg.Envelope, m Match) (*msg.Envelope, error) {
	target, err := DecodeTarget(m.Rcpt)
	if err != nil {
		return nil, fmt.Errorf("bot: %w", err)
	}

	replyTo := m.ReplyTo
	if replyTo == "" {
		replyTo = e.Sender
	}
	if replyTo == "" {
		return nil, fmt.Errorf("bot: no reply target for %s", m.Rcpt)
	}

	var b strings.Builder
	writeHeader := func(field, value string) {
		b.WriteString(field)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}
	writeHeader("From", "Robin Bot <"+target.Base+">")
	writeHeader("To", "<"+replyTo+">")
	writeHeader("Subject", "Analysis report ("+m.BindingName+")")
	writeHeader("Date", time.Now().UTC().Format(time.RFC1123Z))
	writeHeader("Message-ID", "<"+uuid.NewString()+"@"+hostname+">")
	writeHeader("Auto-Submitted", "auto-replied")
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", "text/plain; charset=utf-8")
	b.WriteString("\r\n")

	writeReport(&b, s, e)

	reply := msg.NewEnvelope(s.UID, target.Base)
	reply.AddRecipient(replyTo)
	reply.Body = buffer.MemoryBuffer{Slice: []byte(b.String())}
	reply.Size = int64(reply.Body.Len())
	return reply, nil
}

func writeReport(b *strings.Builder, s *msg.Session, e *msg.Envelope) {
	line := func(format string, args ...interface{}) {
		fmt.Fprintf(b, format, args...)
		b.WriteString("\r\n")
	}

	line("Session")
	line("  UID:        %s", s.UID)
	if s.RemoteIP != nil {
		line("  Remote IP:  %s", s.RemoteIP)
	}
	if s.RemoteRDNS != "" {
		line("  rDNS:       %s", s.RemoteRDNS)
	}
	line("  EHLO:       %s", s.Hello)
	line("  TLS:        %v", s.TLS.Negotiated)
	if s.TLS.Negotiated && s.TLS.CipherName != "" {
		line("  Cipher:     %s", s.TLS.CipherName)
	}
	if s.Principal != "" {
		line("  Auth user:  %s", s.Principal)
	}
	line("")

	line("Envelope")
	line("  Sender:     %s", e.Sender)
	line("  Recipients: %s", strings.Join(e.Recipients, ", "))
	line("  Size:       %d bytes", e.Size)
	if e.MessageID != "" {
		line("  Message-ID: %s", e.MessageID)
	}
	line("")

	if scans := e.ScanResults(); len(scans) != 0 {
		line("Scan results")
		for _, res := range scans {
			switch r := res.(type) {
			case msg.RspamdResult:
				line("  rspamd: score=%.2f spam=%v symbols=%s", r.Score, r.Spam, strings.Join(r.Symbols, ","))
			case msg.ClamAVResult:
				line("  clamav: infected=%v viruses=%s", r.Infected, strings.Join(r.Viruses, ","))
			default:
				line("  %s", res.Scanner())
			}
		}
		line("")
	}

	if len(s.Transactions) != 0 {
		line("Transcript")
		for _, tr := range s.Transactions {
			line("  C: %s", tr.Command)
			line("  S: %s", tr.Response)
		}
	}
}

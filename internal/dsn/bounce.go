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

package dsn

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/transilvlad/robin-sub002/framework/buffer"
	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/msg"
	"github.com/transilvlad/robin-sub002/internal/queue"
)

// Builder turns exhausted relay failures into bounce envelopes. It is
// the queue cron's Bouncer.
type Builder struct {
	Hostname string
	Log      log.Logger
}

func NewBuilder(hostname string, logger log.Logger) *Builder {
	return &Builder{Hostname: hostname, Log: logger}
}

// Bounce builds the DSN envelope for one failed recipient. Returns
// (nil, nil) when no notification is due: null reverse-path, or the
// failed message is itself a mailer-daemon notification.
func (b *Builder) Bounce(e *msg.Envelope, f queue.Failure) (*msg.Envelope, error) {
	if e.Sender == "" || strings.HasPrefix(strings.ToLower(e.Sender), "mailer-daemon@") {
		return nil, nil
	}

	mailerDaemon := "mailer-daemon@" + b.Hostname

	failedHeader, err := b.originalHeader(e)
	if err != nil {
		// Still bounce, just without the original header part.
		b.Log.Error("cannot recover original header for DSN", err, "uid", e.SessionUID)
		failedHeader = textproto.Header{}
	}

	status := exterrors.EnhancedCode{5, 0, 0}
	var smtpErr *exterrors.SMTPError
	if errors.As(f.Err, &smtpErr) && smtpErr.EnhancedCode[0] != 0 {
		status = smtpErr.EnhancedCode
	}

	arrival := e.Created
	if arrival.IsZero() {
		arrival = time.Now()
	}
	lastAttempt := e.LastAttempt
	if lastAttempt.IsZero() {
		lastAttempt = time.Now()
	}

	var body bytes.Buffer
	reportHeader, err := GenerateDSN(false,
		Envelope{
			MsgID: "<" + uuid.NewString() + "@" + b.Hostname + ">",
			From:  "Mail Delivery Subsystem <" + mailerDaemon + ">",
			To:    "<" + e.Sender + ">",
		},
		ReportingMTAInfo{
			ReportingMTA:    b.Hostname,
			XSender:         e.Sender,
			XUID:            e.SessionUID,
			ArrivalDate:     arrival,
			LastAttemptDate: lastAttempt,
		},
		[]RecipientInfo{{
			FinalRecipient: f.Rcpt,
			Action:         ActionFailed,
			Status:         status,
			DiagnosticCode: f.Err,
		}},
		failedHeader, &body)
	if err != nil {
		return nil, fmt.Errorf("dsn: %w", err)
	}

	var full bytes.Buffer
	if err := textproto.WriteHeader(&full, reportHeader); err != nil {
		return nil, fmt.Errorf("dsn: %w", err)
	}
	if _, err := body.WriteTo(&full); err != nil {
		return nil, fmt.Errorf("dsn: %w", err)
	}

	bounce := msg.NewEnvelope(e.SessionUID, mailerDaemon)
	bounce.AddRecipient(e.Sender)
	bounce.Body = buffer.MemoryBuffer{Slice: full.Bytes()}
	bounce.Size = int64(full.Len())
	return bounce, nil
}

// originalHeader re-reads the stored payload up to the end of the
// header block.
func (b *Builder) originalHeader(e *msg.Envelope) (textproto.Header, error) {
	if e.Body == nil {
		return textproto.Header{}, nil
	}
	r, err := e.Body.Open()
	if err != nil {
		return textproto.Header{}, err
	}
	defer r.Close()

	var payload io.Reader = io.MultiReader(bytes.NewReader(e.HeaderPrefix()), r)
	return textproto.ReadHeader(bufio.NewReader(payload))
}

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

package processor

import (
	"context"
	"errors"

	"github.com/transilvlad/robin-sub002/framework/address"
	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/lda"
	"github.com/transilvlad/robin-sub002/internal/msg"
	"github.com/transilvlad/robin-sub002/internal/queue"
	local "github.com/transilvlad/robin-sub002/internal/storage/local"
)

// Bouncer builds a DSN envelope for a recipient that failed
// permanently. Implemented by dsn.Builder.
type Bouncer interface {
	Bounce(e *msg.Envelope, f queue.Failure) (*msg.Envelope, error)
}

// Local delivers recipients of local domains: LDA subprocess when
// configured, maildir drop otherwise. Transient failures queue the
// failed subset as an LDA retry job; permanent failures bounce (or, on
// LMTP, surface as that recipient's DATA status).
type Local struct {
	IsLocal func(domain string) bool
	Maildir *local.Maildir
	LDA     *lda.Agent
	Queue   *queue.Manager
	Bounce  Bouncer
	Log     log.Logger
}

func (p *Local) Name() string { return "local" }

func (p *Local) Run(ctx context.Context, st *State) Result {
	e := st.Envelope

	var locals []string
	for _, rcpt := range e.Recipients {
		if st.ClaimedByBot(rcpt) || st.ClaimedByProxy(rcpt) {
			continue
		}
		_, domain, err := address.Split(rcpt)
		if err != nil {
			continue
		}
		if p.IsLocal(domain) {
			locals = append(locals, rcpt)
		}
	}
	if len(locals) == 0 {
		return Continue()
	}

	var retry []string
	for _, rcpt := range locals {
		err := p.deliver(ctx, e, rcpt)
		if err == nil {
			e.RemoveRecipient(rcpt)
			st.SetStatus(rcpt, nil)
			continue
		}

		if exterrors.IsTemporaryOrUnspec(err) {
			retry = append(retry, rcpt)
			st.SetStatus(rcpt, nil)
			continue
		}

		p.failPermanently(st, rcpt, err)
	}

	if len(retry) != 0 {
		if err := queue.SpoolPayload(p.Queue.QueueDir, e); err != nil {
			p.Log.Error("payload spool failed", err, "uid", e.SessionUID)
			return StopReject(451, exterrors.EnhancedCode{4, 3, 0}, "Message queueing failed")
		}
		job := cloneWithRcpts(e, retry)
		if err := p.Queue.SubmitRelay(queue.ProtocolLDA, job); err != nil {
			p.Log.Error("local retry enqueue failed", err, "uid", e.SessionUID)
			return StopReject(451, exterrors.EnhancedCode{4, 3, 0}, "Message queueing failed")
		}
		st.RelayJobs++
		for _, rcpt := range retry {
			e.RemoveRecipient(rcpt)
		}
	}

	if len(e.Recipients) == 0 {
		return StopOK()
	}
	return Continue()
}

func (p *Local) deliver(ctx context.Context, e *msg.Envelope, rcpt string) error {
	if p.LDA.Enabled() {
		return p.LDA.Deliver(ctx, e, rcpt)
	}
	if p.Maildir.Enabled() {
		return p.Maildir.DeliverRcpt(e, rcpt)
	}
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 3, 5},
		Message:      "No local delivery method configured",
		TargetName:   "local",
	}
}

// failPermanently handles a permanent per-recipient failure: over LMTP
// the client hears about it directly in that recipient's DATA status,
// over SMTP a DSN goes back to the sender.
func (p *Local) failPermanently(st *State, rcpt string, err error) {
	e := st.Envelope
	e.RemoveRecipient(rcpt)

	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		smtpErr = &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 3, 0},
			Message:      "Local delivery failed",
			Err:          err,
		}
	}

	if st.Session.LMTP {
		st.SetStatus(rcpt, smtpErr)
		return
	}

	p.Log.Error("local delivery failed", err, "rcpt", rcpt, "uid", e.SessionUID)
	dsnEnv, bErr := p.Bounce.Bounce(e, queue.Failure{Rcpt: rcpt, Err: smtpErr})
	if bErr != nil {
		p.Log.Error("bounce generation failed", bErr, "rcpt", rcpt, "uid", e.SessionUID)
		return
	}
	if dsnEnv == nil {
		// Null reverse-path, nobody to notify.
		return
	}
	if err := p.Queue.SubmitBounce(dsnEnv); err != nil {
		p.Log.Error("bounce enqueue failed", err, "rcpt", rcpt, "uid", e.SessionUID)
	}
}

// cloneWithRcpts copies the envelope with the recipient list replaced.
func cloneWithRcpts(e *msg.Envelope, rcpts []string) *msg.Envelope {
	c := e.Clone()
	c.Recipients = append([]string(nil), rcpts...)
	return c
}

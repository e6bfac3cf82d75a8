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

// Package processor runs accepted envelopes through the ordered storage
// chain: scanners, webhooks, bot dispatch, local delivery, proxy
// streaming and finally the relay-queue decision.
//
// Processors return a tagged Result instead of panicking or erroring
// across the chain boundary; the session layer translates the final
// Result into the SMTP reply for DATA/BDAT.
package processor

import (
	"context"
	"errors"

	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/bot"
	"github.com/transilvlad/robin-sub002/internal/msg"
	"github.com/transilvlad/robin-sub002/internal/proxy"
)

// Kind discriminates the chain outcome of one processor.
type Kind int

const (
	// KindContinue passes the envelope to the next processor.
	KindContinue Kind = iota
	// KindStopOK ends the chain with acceptance. Used by discard
	// policies: the client sees 250, the message goes nowhere.
	KindStopOK
	// KindStopReject ends the chain with the carried SMTP status.
	KindStopReject
)

// Result is the tagged outcome of one processor run.
type Result struct {
	Kind     Kind
	Code     int
	Enhanced exterrors.EnhancedCode
	Text     string
}

func Continue() Result { return Result{Kind: KindContinue} }
func StopOK() Result   { return Result{Kind: KindStopOK} }

func StopReject(code int, enhanced exterrors.EnhancedCode, text string) Result {
	return Result{Kind: KindStopReject, Code: code, Enhanced: enhanced, Text: text}
}

// RejectErr converts an error into a StopReject, reusing the SMTP
// status when the error carries one and falling back to 451.
func RejectErr(err error) Result {
	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) {
		text := smtpErr.Message
		if text == "" {
			text = "Message processing failed"
		}
		return StopReject(smtpErr.Code, smtpErr.EnhancedCode, text)
	}
	code := exterrors.SMTPCode(err, 451, 554)
	ench := exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{4, 0, 0})
	return StopReject(code, ench, "Message processing failed")
}

// State is the unit of work flowing through the chain: the accepting
// session, the finalized envelope and the per-transaction context the
// protocol layer collected before DATA completed.
type State struct {
	Session  *msg.Session
	Envelope *msg.Envelope

	// Upstream is the open proxied transaction, present when a proxy
	// rule claimed recipients at RCPT time. Consumed by the proxy
	// streaming step; aborted by the chain runner if the chain stops
	// before that step runs.
	Upstream *proxy.Upstream

	// BotMatches are the recipients claimed by bot bindings at RCPT
	// time. Those recipients skip local storage and the relay queue.
	BotMatches []bot.Match

	// Statuses records the per-recipient outcome for LMTP responses.
	// Recipients without an entry share the overall chain result.
	Statuses map[string]*exterrors.SMTPError

	// RelayJobs counts queue submissions made for this envelope. When a
	// second job is cut from the same envelope it gets an independent
	// payload file so neither job can delete the other's bytes.
	RelayJobs int
}

// SetStatus records a per-recipient delivery status.
func (st *State) SetStatus(rcpt string, err *exterrors.SMTPError) {
	if st.Statuses == nil {
		st.Statuses = make(map[string]*exterrors.SMTPError)
	}
	st.Statuses[rcpt] = err
}

// ClaimedByBot reports whether rcpt was taken by a bot binding.
func (st *State) ClaimedByBot(rcpt string) bool {
	for _, m := range st.BotMatches {
		if m.Rcpt == rcpt {
			return true
		}
	}
	return false
}

// ClaimedByProxy reports whether rcpt was relayed at RCPT time.
func (st *State) ClaimedByProxy(rcpt string) bool {
	for _, r := range st.Envelope.ProxyRecipients {
		if r == rcpt {
			return true
		}
	}
	return false
}

// Processor is one step of the storage chain.
type Processor interface {
	Name() string
	Run(ctx context.Context, st *State) Result
}

// Chain runs processors in declared order and interprets their results.
type Chain struct {
	Procs []Processor
	Log   log.Logger
}

// Run executes the chain. The first StopOK/StopReject wins; an open
// upstream transaction that the proxy step never reached is aborted so
// the rule target does not receive half a transaction.
func (c *Chain) Run(ctx context.Context, st *State) Result {
	for _, p := range c.Procs {
		res := p.Run(ctx, st)
		chainResults.WithLabelValues(p.Name(), res.Kind.label()).Inc()
		if res.Kind != KindContinue {
			if res.Kind == KindStopReject && st.Upstream != nil {
				st.Upstream.Abort()
				st.Upstream = nil
			}
			c.Log.DebugMsg("chain stopped", "processor", p.Name(), "uid", st.Envelope.SessionUID, "code", res.Code)
			return res
		}
	}
	if st.Upstream != nil {
		// The proxy step is always part of the chain; reaching here
		// with a live upstream means misconfiguration.
		st.Upstream.Abort()
		st.Upstream = nil
	}
	return Continue()
}

func (k Kind) label() string {
	switch k {
	case KindStopOK:
		return "stop_ok"
	case KindStopReject:
		return "stop_reject"
	}
	return "continue"
}

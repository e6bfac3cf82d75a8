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

	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/msg"
	"github.com/transilvlad/robin-sub002/internal/queue"
)

// ProxyStream commits the upstream transaction opened at RCPT time:
// the payload is streamed verbatim (header prefix first) and the
// upstream final response decides the fate of the proxied recipients.
type ProxyStream struct {
	Queue *queue.Manager
	Log   log.Logger
}

func (p *ProxyStream) Name() string { return "proxy" }

func (p *ProxyStream) Run(ctx context.Context, st *State) Result {
	if st.Upstream == nil {
		return Continue()
	}
	e := st.Envelope
	up := st.Upstream
	st.Upstream = nil

	body, err := e.Body.Open()
	if err != nil {
		up.Abort()
		return StopReject(451, exterrors.EnhancedCode{4, 3, 0}, "Message streaming failed")
	}
	err = up.Data(ctx, e.HeaderPrefix(), body)
	body.Close()

	proxied := append([]string(nil), e.ProxyRecipients...)

	if err == nil {
		for _, rcpt := range proxied {
			e.RemoveRecipient(rcpt)
			st.SetStatus(rcpt, nil)
		}
		p.Log.Msg("proxied message delivered", "uid", e.SessionUID, "rcpts", len(proxied))
		if len(e.Recipients) == 0 {
			return StopOK()
		}
		return Continue()
	}

	// When the whole transaction belongs to the proxy rule the upstream
	// verdict is the client's verdict. With mixed recipients the other
	// deliveries already happened, so the upstream failure is absorbed:
	// transient failures re-queue the proxied subset for normal outbound
	// delivery, permanent ones are final.
	if len(proxied) == len(e.Recipients) {
		return RejectErr(err)
	}

	p.Log.Error("upstream DATA failed", err, "uid", e.SessionUID)
	if exterrors.IsTemporaryOrUnspec(err) {
		if spoolErr := queue.SpoolPayload(p.Queue.QueueDir, e); spoolErr != nil {
			p.Log.Error("payload spool failed", spoolErr, "uid", e.SessionUID)
		} else if job, jErr := p.retryJob(st, proxied); jErr != nil {
			p.Log.Error("payload detach failed", jErr, "uid", e.SessionUID)
		} else if qErr := p.Queue.SubmitRelay(queue.ProtocolESMTP, job); qErr != nil {
			p.Log.Error("proxy retry enqueue failed", qErr, "uid", e.SessionUID)
		} else {
			st.RelayJobs++
		}
	}
	for _, rcpt := range proxied {
		e.RemoveRecipient(rcpt)
	}
	if len(e.Recipients) == 0 {
		return StopOK()
	}
	return Continue()
}

// retryJob cuts the retry envelope for the proxied subset. When another
// job already references the payload the new job gets its own copy.
func (p *ProxyStream) retryJob(st *State, proxied []string) (*msg.Envelope, error) {
	job := cloneWithRcpts(st.Envelope, proxied)
	if st.RelayJobs > 0 {
		if err := detachBody(job, p.Queue.QueueDir); err != nil {
			return nil, err
		}
	}
	return job, nil
}

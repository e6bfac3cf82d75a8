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

	"github.com/transilvlad/robin-sub002/framework/buffer"
	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/msg"
	"github.com/transilvlad/robin-sub002/internal/queue"
)

// QueueDecision is the terminal chain step: whatever recipients are
// still on the envelope need outbound relay and become a queue job.
type QueueDecision struct {
	Queue *queue.Manager
	Log   log.Logger
}

func (p *QueueDecision) Name() string { return "queue" }

func (p *QueueDecision) Run(ctx context.Context, st *State) Result {
	e := st.Envelope
	if len(e.Recipients) == 0 {
		return StopOK()
	}

	if err := queue.SpoolPayload(p.Queue.QueueDir, e); err != nil {
		p.Log.Error("payload spool failed", err, "uid", e.SessionUID)
		return StopReject(451, exterrors.EnhancedCode{4, 3, 0}, "Message queueing failed")
	}

	job := cloneWithRcpts(e, e.Recipients)
	if st.RelayJobs > 0 {
		if err := detachBody(job, p.Queue.QueueDir); err != nil {
			p.Log.Error("payload detach failed", err, "uid", e.SessionUID)
			return StopReject(451, exterrors.EnhancedCode{4, 3, 0}, "Message queueing failed")
		}
	}

	if err := p.Queue.SubmitRelay(queue.ProtocolESMTP, job); err != nil {
		p.Log.Error("relay enqueue failed", err, "uid", e.SessionUID)
		return StopReject(451, exterrors.EnhancedCode{4, 3, 0}, "Message queueing failed")
	}
	st.RelayJobs++

	return StopOK()
}

// detachBody gives the job its own payload file so the earlier job for
// the same envelope cannot delete its bytes after delivery.
func detachBody(e *msg.Envelope, dir string) error {
	if _, ok := e.Body.(buffer.FileBuffer); !ok {
		return nil
	}
	r, err := e.Body.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	b, err := buffer.BufferInFile(r, dir)
	if err != nil {
		return err
	}
	e.Body = b
	return nil
}

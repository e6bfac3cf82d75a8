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

package core

import (
	"context"

	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/lda"
	"github.com/transilvlad/robin-sub002/internal/msg"
	"github.com/transilvlad/robin-sub002/internal/queue"
	"github.com/transilvlad/robin-sub002/internal/remote"
	"github.com/transilvlad/robin-sub002/internal/storage/local"
)

// protocolDeliverer routes queue jobs by protocol: LDA retry jobs go
// back through local delivery, ESMTP jobs go out through the MX
// resolver.
type protocolDeliverer struct {
	remote  *remote.Target
	maildir *local.Maildir
	lda     *lda.Agent
	log     log.Logger
}

func (c *CoreContext) deliverer() queue.Deliverer {
	return &protocolDeliverer{
		remote:  c.Remote,
		maildir: c.Maildir,
		lda:     c.LDA,
		log:     c.named("delivery"),
	}
}

func (d *protocolDeliverer) Deliver(ctx context.Context, j *queue.Job, e *msg.Envelope) []queue.Failure {
	if j.Protocol == queue.ProtocolLDA {
		return d.deliverLocal(ctx, e)
	}
	return d.remote.Deliver(ctx, j, e)
}

func (d *protocolDeliverer) deliverLocal(ctx context.Context, e *msg.Envelope) []queue.Failure {
	var failed []queue.Failure
	for _, rcpt := range e.Recipients {
		var err error
		if d.lda.Enabled() {
			err = d.lda.Deliver(ctx, e, rcpt)
		} else {
			err = d.maildir.DeliverRcpt(e, rcpt)
		}
		if err != nil {
			d.log.Error("local redelivery failed", err, "uid", e.SessionUID, "rcpt", rcpt)
			failed = append(failed, queue.Failure{Rcpt: rcpt, Err: err})
		}
	}
	return failed
}

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

// Package queue implements the durable relay queue: serialized jobs in
// one of several backends, drained by a retry cron.
package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/transilvlad/robin-sub002/internal/msg"
)

// Protocol selects the delivery path for a job: LDA jobs retry local
// delivery, ESMTP jobs go out through the MX resolver. LMTP and raw
// SMTP upstreams exist only on the proxy path and never reach the
// queue.
type Protocol string

const (
	ProtocolESMTP Protocol = "esmtp"
	ProtocolLDA   Protocol = "lda"
)

// Job is one relay unit: envelopes awaiting delivery over a common
// protocol. Fully delivered envelopes are removed from the job between
// attempts; the job is dropped when none remain.
type Job struct {
	UID      string   `json:"uid"`
	Protocol Protocol `json:"protocol"`

	// Mailbox overrides the delivery mailbox for LDA jobs.
	Mailbox string `json:"mailbox,omitempty"`

	Envelopes []*msg.Envelope `json:"envelopes"`

	RetryCount int       `json:"retry_count"`
	Created    time.Time `json:"created"`
	LastRetry  time.Time `json:"last_retry"`
}

func NewJob(protocol Protocol, envelopes ...*msg.Envelope) *Job {
	return &Job{
		UID:       uuid.NewString(),
		Protocol:  protocol,
		Envelopes: envelopes,
		Created:   time.Now(),
	}
}

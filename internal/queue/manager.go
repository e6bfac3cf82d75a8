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

package queue

import (
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/msg"
)

// Manager is the producer-side handle on the queue: the storage chain
// and the bot dispatcher submit through it, the cron consumes from the
// shared Store.
type Manager struct {
	Store    Store
	QueueDir string
	Backend  string
	Log      log.Logger
}

func NewManager(store Store, queueDir, backend string, logger log.Logger) *Manager {
	return &Manager{Store: store, QueueDir: queueDir, Backend: backend, Log: logger}
}

// SubmitRelay wraps an envelope in a new job and enqueues it. The
// payload file is moved into the queue directory first so session
// cleanup cannot take it away.
func (m *Manager) SubmitRelay(protocol Protocol, envelopes ...*msg.Envelope) error {
	for _, e := range envelopes {
		if err := SpoolPayload(m.QueueDir, e); err != nil {
			return err
		}
	}

	j := NewJob(protocol, envelopes...)
	if err := m.Store.Enqueue(j); err != nil {
		return err
	}

	m.updateGauge()
	m.Log.DebugMsg("relay job queued", "job", j.UID, "protocol", string(protocol), "envelopes", len(envelopes))
	return nil
}

// EnqueueReply satisfies the bot dispatcher's queue dependency.
func (m *Manager) EnqueueReply(e *msg.Envelope) error {
	return m.SubmitRelay(ProtocolESMTP, e)
}

// SubmitBounce enqueues a DSN envelope at the head of the queue so
// failure notices do not wait behind the backlog that caused them.
func (m *Manager) SubmitBounce(e *msg.Envelope) error {
	if err := SpoolPayload(m.QueueDir, e); err != nil {
		return err
	}

	j := NewJob(ProtocolESMTP, e)
	if err := m.Store.EnqueueFront(j); err != nil {
		return err
	}

	m.updateGauge()
	m.Log.Msg("bounce job queued", "job", j.UID, "rcpt", e.Recipients)
	return nil
}

func (m *Manager) updateGauge() {
	if n, err := m.Store.Len(); err == nil {
		queuedJobs.WithLabelValues(m.Backend).Set(float64(n))
	}
}

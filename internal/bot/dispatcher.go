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
	"sync"

	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/msg"
)

// Enqueuer accepts generated reply envelopes for relay. Implemented by
// the queue manager.
type Enqueuer interface {
	EnqueueReply(e *msg.Envelope) error
}

// Task is one bot reply to generate. Session and Envelope must be
// clones: workers run after the protocol loop has moved on.
type Task struct {
	Session  *msg.Session
	Envelope *msg.Envelope
	Match    Match
}

// Dispatcher fans bot reply generation out to a small worker pool so
// the session handler never waits on report rendering or queue IO.
type Dispatcher struct {
	Hostname string
	Queue    Enqueuer
	Log      log.Logger

	tasks chan Task
	wg    sync.WaitGroup
}

func NewDispatcher(hostname string, workers int, queue Enqueuer, logger log.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		Hostname: hostname,
		Queue:    queue,
		Log:      logger,
		tasks:    make(chan Task, 256),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Submit hands a task to the pool. Returns false when the backlog is
// full; the caller drops the reply, never the message.
func (d *Dispatcher) Submit(t Task) bool {
	select {
	case d.tasks <- t:
		return true
	default:
		d.Log.Msg("bot reply dropped, backlog full", "binding", t.Match.BindingName, "uid", t.Session.UID)
		return false
	}
}

// Close drains the backlog and stops the workers.
func (d *Dispatcher) Close() {
	close(d.tasks)
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for t := range d.tasks {
		reply, err := BuildReply(d.Hostname, t.Session, t.Envelope, t.Match)
		if err != nil {
			d.Log.Error("bot reply generation failed", err, "binding", t.Match.BindingName, "uid", t.Session.UID)
			continue
		}
		if err := d.Queue.EnqueueReply(reply); err != nil {
			d.Log.Error("bot reply enqueue failed", err, "binding", t.Match.BindingName, "uid", t.Session.UID)
			continue
		}
		d.Log.DebugMsg("bot reply queued", "binding", t.Match.BindingName, "to", reply.Recipients, "uid", t.Session.UID)
	}
}

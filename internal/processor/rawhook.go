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
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/webhook"
)

// RawHook posts the full message to the RAW content webhook. The
// response never affects acceptance; with wait_for_response=false the
// POST happens on a background goroutine against cloned state.
type RawHook struct {
	Client *webhook.RawClient
	Wait   bool
	Log    log.Logger
}

func (p *RawHook) Name() string { return "webhook_raw" }

func (p *RawHook) Run(ctx context.Context, st *State) Result {
	if p.Wait {
		if err := p.Client.Send(ctx, st.Session, st.Envelope); err != nil {
			p.Log.Error("raw webhook failed", err, "uid", st.Envelope.SessionUID)
		}
		return Continue()
	}

	s := st.Session.Clone()
	e := st.Envelope.Clone()
	// The spool file may be cleaned up the moment the chain finishes,
	// so the background POST works from its own in-memory copy.
	if _, ok := e.Body.(buffer.MemoryBuffer); !ok {
		r, err := e.Body.Open()
		if err != nil {
			p.Log.Error("raw webhook payload read failed", err, "uid", e.SessionUID)
			return Continue()
		}
		b, err := buffer.BufferInMemory(r)
		r.Close()
		if err != nil {
			p.Log.Error("raw webhook payload read failed", err, "uid", e.SessionUID)
			return Continue()
		}
		e.Body = b
	}
	go func() {
		if err := p.Client.Send(context.Background(), s, e); err != nil {
			p.Log.Error("raw webhook failed", err, "uid", e.SessionUID)
		}
	}()
	return Continue()
}

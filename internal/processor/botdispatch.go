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

	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/bot"
)

// BotDispatch hands bot-claimed recipients to the reply worker pool.
// The workers get cloned state; the claimed recipients are removed so
// later steps do not store or relay for them.
type BotDispatch struct {
	Dispatcher *bot.Dispatcher
	Log        log.Logger
}

func (p *BotDispatch) Name() string { return "bot" }

func (p *BotDispatch) Run(ctx context.Context, st *State) Result {
	if len(st.BotMatches) == 0 {
		return Continue()
	}

	session := st.Session.Clone()
	for _, m := range st.BotMatches {
		p.Dispatcher.Submit(bot.Task{
			Session:  session,
			Envelope: st.Envelope.Clone(),
			Match:    m,
		})
		st.Envelope.RemoveRecipient(m.Rcpt)
	}

	if len(st.Envelope.Recipients) == 0 {
		return StopOK()
	}
	return Continue()
}

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
	"fmt"

	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/config"
	"github.com/transilvlad/robin-sub002/internal/scan/clamav"
	"github.com/transilvlad/robin-sub002/internal/scan/rspamd"
)

// AV streams the payload to clamd and applies the configured action to
// infected messages.
type AV struct {
	Scanner *clamav.Scanner
	Action  string // reject | discard
	Log     log.Logger
}

func (p *AV) Name() string { return "av" }

func (p *AV) Run(ctx context.Context, st *State) Result {
	res, err := p.Scanner.Scan(ctx, st.Envelope)
	if err != nil {
		p.Log.Error("virus scan failed", err, "uid", st.Envelope.SessionUID)
		return StopReject(451, exterrors.EnhancedCode{4, 3, 0}, "Virus scan unavailable")
	}

	st.Envelope.AddScanResult(res)

	if !res.Infected {
		return Continue()
	}
	if p.Action == "discard" {
		p.Log.Msg("infected message discarded", "uid", st.Envelope.SessionUID, "viruses", res.Viruses)
		return StopOK()
	}
	return StopReject(554, exterrors.EnhancedCode{5, 7, 0}, "Virus detected")
}

// Spam scores the payload through rspamd, stamps verdict headers and
// applies the configured action above the threshold.
type Spam struct {
	Client    *rspamd.Client
	Threshold float64
	Action    string // reject | discard
	Log       log.Logger
}

func (p *Spam) Name() string { return "spam" }

func (p *Spam) Run(ctx context.Context, st *State) Result {
	res, err := p.Client.Check(ctx, st.Session, st.Envelope)
	if err != nil {
		p.Log.Error("spam check failed", err, "uid", st.Envelope.SessionUID)
		return StopReject(451, exterrors.EnhancedCode{4, 3, 0}, "Spam check unavailable")
	}

	over := res.Score > p.Threshold
	res.Spam = res.Spam || over
	st.Envelope.AddScanResult(res)

	spamFlag := "No"
	if res.Spam {
		spamFlag = "Yes"
	}
	st.Envelope.AddHeader("X-Robin-Spam", spamFlag, false)
	st.Envelope.AddHeader("X-Robin-Spam-Score", fmt.Sprintf("%.2f / %.2f", res.Score, p.Threshold), false)

	if !over {
		return Continue()
	}
	if p.Action == "discard" {
		p.Log.Msg("spam message discarded", "uid", st.Envelope.SessionUID, "score", res.Score)
		return StopOK()
	}
	return StopReject(554, exterrors.EnhancedCode{5, 7, 1}, "Spam message rejected")
}

// NewAV builds the AV step from configuration, nil when disabled.
func NewAV(cfg config.ClamAV, logger log.Logger) *AV {
	if !cfg.Enabled {
		return nil
	}
	return &AV{Scanner: clamav.New(cfg, logger), Action: action(cfg.Action), Log: logger}
}

// NewSpam builds the spam step from configuration, nil when disabled.
func NewSpam(cfg config.Rspamd, hostname string, logger log.Logger) *Spam {
	if !cfg.Enabled {
		return nil
	}
	return &Spam{
		Client:    rspamd.New(cfg, hostname, logger),
		Threshold: cfg.Threshold,
		Action:    action(cfg.Action),
		Log:       logger,
	}
}

func action(a string) string {
	if a == "" {
		return "reject"
	}
	return a
}

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

// Package lda pipes accepted messages into an external local delivery
// agent binary, one invocation per recipient.
package lda

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"regexp"
	"time"

	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/config"
	"github.com/transilvlad/robin-sub002/internal/msg"
)

var placeholderRe = regexp.MustCompile(`{[a-zA-Z0-9_]+?}`)

type Agent struct {
	Binary  string
	Args    []string
	Timeout time.Duration

	transient map[int]bool

	Log log.Logger
}

func New(cfg config.LDA, logger log.Logger) *Agent {
	transient := make(map[int]bool, len(cfg.TransientExitCodes))
	for _, code := range cfg.TransientExitCodes {
		transient[code] = true
	}
	return &Agent{
		Binary:    cfg.Binary,
		Args:      cfg.Args,
		Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		transient: transient,
		Log:       logger,
	}
}

func (a *Agent) Enabled() bool {
	return a != nil && a.Binary != ""
}

func (a *Agent) expandArgs(e *msg.Envelope, rcpt string) []string {
	args := make([]string, len(a.Args))
	for i, arg := range a.Args {
		args[i] = placeholderRe.ReplaceAllStringFunc(arg, func(placeholder string) string {
			switch placeholder {
			case "{sender}":
				return e.Sender
			case "{rcpt}":
				return rcpt
			case "{uid}":
				return e.SessionUID
			}
			return placeholder
		})
	}
	return args
}

// Deliver runs the agent for one recipient with the message on stdin.
// Exit code zero is success; codes from the transient set produce a
// temporary (4xx) error so the caller requeues instead of bouncing.
func (a *Agent) Deliver(ctx context.Context, e *msg.Envelope, rcpt string) error {
	if a.Timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	body, err := e.Body.Open()
	if err != nil {
		return a.wrapErr(err, rcpt, 451, exterrors.EnhancedCode{4, 3, 0})
	}
	defer body.Close()

	cmd := exec.CommandContext(ctx, a.Binary, a.expandArgs(e, rcpt)...)
	cmd.Stdin = io.MultiReader(bytes.NewReader(e.HeaderPrefix()), body)
	var stderr bytes.Buffer
	cmd.Stderr = limitedWriter{&stderr, 4096}

	err = cmd.Run()
	if err == nil {
		a.Log.DebugMsg("lda delivery", "rcpt", rcpt, "uid", e.SessionUID)
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if a.transient[code] {
			return &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
				Message:      "Local delivery temporarily failed",
				TargetName:   "lda",
				Err:          err,
				Misc: map[string]interface{}{
					"rcpt":      rcpt,
					"exit_code": code,
					"stderr":    stderr.String(),
				},
			}
		}
		return &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 3, 0},
			Message:      "Local delivery failed",
			TargetName:   "lda",
			Err:          err,
			Misc: map[string]interface{}{
				"rcpt":      rcpt,
				"exit_code": code,
				"stderr":    stderr.String(),
			},
		}
	}

	// Start failure or timeout kill, treated as transient.
	return a.wrapErr(err, rcpt, 451, exterrors.EnhancedCode{4, 3, 0})
}

func (a *Agent) wrapErr(err error, rcpt string, code int, ench exterrors.EnhancedCode) error {
	return &exterrors.SMTPError{
		Code:         code,
		EnhancedCode: ench,
		Message:      "Local delivery temporarily failed",
		TargetName:   "lda",
		Err:          err,
		Misc: map[string]interface{}{
			"rcpt": rcpt,
		},
	}
}

// limitedWriter keeps the first N bytes of agent stderr for diagnostics
// and discards the rest.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

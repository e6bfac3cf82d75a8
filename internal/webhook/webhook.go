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

// Package webhook implements the HTTP policy hooks: per-verb JSON calls
// that may override the SMTP reply, and the post-DATA RAW content POST.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/config"
	"github.com/transilvlad/robin-sub002/internal/msg"
)

// Override is a webhook-dictated SMTP reply.
type Override struct {
	Code int
	Text string
}

// Client calls the per-verb policy webhook.
type Client struct {
	URL          string
	Method       string
	Verbs        map[string]bool // nil means all verbs
	IgnoreErrors bool

	HTTPClient *http.Client
	Log        log.Logger
}

func NewClient(cfg config.Webhook, logger log.Logger) *Client {
	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	var verbs map[string]bool
	if len(cfg.Verbs) != 0 {
		verbs = make(map[string]bool, len(cfg.Verbs))
		for _, v := range cfg.Verbs {
			verbs[strings.ToUpper(v)] = true
		}
	}
	return &Client{
		URL:          cfg.URL,
		Method:       method,
		Verbs:        verbs,
		IgnoreErrors: cfg.IgnoreErrors,
		HTTPClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		Log: logger,
	}
}

// Enabled reports whether the hook applies to the given verb.
func (c *Client) Enabled(verb string) bool {
	if c == nil || c.URL == "" {
		return false
	}
	if c.Verbs == nil {
		return true
	}
	return c.Verbs[strings.ToUpper(verb)]
}

type sessionInfo struct {
	UID       string `json:"uid"`
	Direction string `json:"direction"`
	RemoteIP  string `json:"remote_ip,omitempty"`
	RDNS      string `json:"rdns,omitempty"`
	Ehlo      string `json:"ehlo,omitempty"`
	TLS       bool   `json:"tls"`
	Username  string `json:"username,omitempty"`
}

type envelopeInfo struct {
	Sender     string   `json:"sender,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	Size       int64    `json:"size,omitempty"`
}

type verbInfo struct {
	Name string `json:"name"`
	Args string `json:"args,omitempty"`
}

type hookRequest struct {
	Session  *sessionInfo  `json:"session,omitempty"`
	Envelope *envelopeInfo `json:"envelope,omitempty"`
	Verb     *verbInfo     `json:"verb,omitempty"`
}

type hookResponse struct {
	SMTPResponse string `json:"smtpResponse"`
}

// Check calls the webhook for one command. A nil Override with nil
// error means "proceed with the default reply". Failures are converted
// to 451 4.3.2 unless IgnoreErrors is set, in which case they are
// logged and swallowed.
func (c *Client) Check(ctx context.Context, s *msg.Session, e *msg.Envelope, verb, args string) (*Override, error) {
	req := hookRequest{
		Verb: &verbInfo{Name: verb, Args: args},
	}
	if s != nil {
		req.Session = &sessionInfo{
			UID:       s.UID,
			Direction: string(s.Direction),
			RDNS:      s.RemoteRDNS,
			Ehlo:      s.Hello,
			TLS:       s.TLS.Negotiated,
			Username:  s.Principal,
		}
		if s.RemoteIP != nil {
			req.Session.RemoteIP = s.RemoteIP.String()
		}
	}
	if e != nil {
		req.Envelope = &envelopeInfo{
			Sender:     e.Sender,
			Recipients: e.Recipients,
			Size:       e.Size,
		}
	}

	override, err := c.do(ctx, req)
	if err != nil {
		if c.IgnoreErrors {
			c.Log.Error("webhook error ignored", err, "verb", verb)
			return nil, nil
		}
		return nil, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 3, 2},
			Message:      "Policy webhook unavailable",
			Err:          err,
			Misc: map[string]interface{}{
				"webhook_verb": verb,
			},
		}
	}
	return override, nil
}

func (c *Client) do(ctx context.Context, req hookRequest) (*Override, error) {
	blob, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, c.Method, c.URL, bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 65536))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var hr hookResponse
	if err := json.Unmarshal(body, &hr); err != nil {
		// A 2xx with an unparsable body still means "continue".
		c.Log.Msg("webhook response is not JSON, ignored", "body_len", len(body))
		return nil, nil
	}
	if hr.SMTPResponse == "" {
		return nil, nil
	}

	return ParseOverride(hr.SMTPResponse)
}

// ParseOverride splits a "<code> <text>" reply override.
func ParseOverride(s string) (*Override, error) {
	s = strings.TrimSpace(s)
	codeStr, text, _ := strings.Cut(s, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 200 || code > 599 {
		return nil, fmt.Errorf("webhook: malformed smtpResponse override: %q", s)
	}
	return &Override{Code: code, Text: strings.TrimSpace(text)}, nil
}

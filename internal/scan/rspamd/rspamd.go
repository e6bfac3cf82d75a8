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

// Package rspamd implements the client for the Rspamd /checkv2 HTTP
// endpoint.
package rspamd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/config"
	"github.com/transilvlad/robin-sub002/internal/msg"
)

type Client struct {
	URL      string
	Hostname string

	HTTPClient *http.Client
	Log        log.Logger
}

func New(cfg config.Rspamd, hostname string, logger log.Logger) *Client {
	url := cfg.URL
	if url == "" {
		url = "http://127.0.0.1:11333"
	}
	return &Client{
		URL:      url,
		Hostname: hostname,
		HTTPClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		Log: logger,
	}
}

type symbol struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

type response struct {
	Action  string            `json:"action"`
	Score   float64           `json:"score"`
	Symbols map[string]symbol `json:"symbols"`
}

// Check scores the envelope payload. Spam is set only when Rspamd
// itself says reject; the caller applies its own score threshold.
func (c *Client) Check(ctx context.Context, s *msg.Session, e *msg.Envelope) (msg.RspamdResult, error) {
	bodyR, err := e.Body.Open()
	if err != nil {
		return msg.RspamdResult{}, fmt.Errorf("rspamd: %w", err)
	}
	defer bodyR.Close()

	prefix := e.HeaderPrefix()
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/checkv2",
		io.MultiReader(bytes.NewReader(prefix), bodyR))
	if err != nil {
		return msg.RspamdResult{}, fmt.Errorf("rspamd: %w", err)
	}

	r.Header.Add("Pass", "all")
	r.Header.Add("User-Agent", "robin")
	if c.Hostname != "" {
		r.Header.Add("MTA-Name", c.Hostname)
	}
	r.Header.Add("Queue-Id", s.UID)
	if s.RemoteIP != nil {
		r.Header.Add("IP", s.RemoteIP.String())
	}
	if s.Hello != "" {
		r.Header.Add("Helo", s.Hello)
	}
	r.Header.Add("From", e.Sender)
	for _, rcpt := range e.Recipients {
		r.Header.Add("Rcpt", rcpt)
	}
	r.Header.Add("Content-Length", strconv.Itoa(len(prefix)+e.Body.Len()))

	resp, err := c.HTTPClient.Do(r)
	if err != nil {
		return msg.RspamdResult{}, fmt.Errorf("rspamd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return msg.RspamdResult{}, fmt.Errorf("rspamd: HTTP %d", resp.StatusCode)
	}

	var respData response
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return msg.RspamdResult{}, fmt.Errorf("rspamd: %w", err)
	}

	symbols := make([]string, 0, len(respData.Symbols))
	for name := range respData.Symbols {
		symbols = append(symbols, name)
	}
	sort.Strings(symbols)

	return msg.RspamdResult{
		Score:   respData.Score,
		Spam:    respData.Action == "reject",
		Symbols: symbols,
	}, nil
}

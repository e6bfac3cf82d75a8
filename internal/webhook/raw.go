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

package webhook

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/config"
	"github.com/transilvlad/robin-sub002/internal/msg"
)

// RawClient POSTs the full accepted message to an HTTP collector. The
// response never affects message acceptance.
type RawClient struct {
	URL      string
	Base64   bool
	Hostname string

	HTTPClient *http.Client
	Log        log.Logger
}

func NewRawClient(cfg config.Webhook, hostname string, logger log.Logger) *RawClient {
	return &RawClient{
		URL:      cfg.RawURL,
		Base64:   cfg.RawBase64,
		Hostname: hostname,
		HTTPClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		Log: logger,
	}
}

func (c *RawClient) Enabled() bool {
	return c != nil && c.URL != ""
}

// Send posts the message with session context headers. The caller
// decides whether to wait (waitForResponse) or run this in a goroutine.
func (c *RawClient) Send(ctx context.Context, s *msg.Session, e *msg.Envelope) error {
	body, err := e.Body.Open()
	if err != nil {
		return fmt.Errorf("webhook: raw: %w", err)
	}
	defer body.Close()

	var payload io.Reader = io.MultiReader(strings.NewReader(string(e.HeaderPrefix())), body)
	contentType := "text/plain"
	if c.Base64 {
		blob, err := io.ReadAll(payload)
		if err != nil {
			return fmt.Errorf("webhook: raw: %w", err)
		}
		payload = strings.NewReader(base64.StdEncoding.EncodeToString(blob))
		contentType = "application/base64"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, payload)
	if err != nil {
		return fmt.Errorf("webhook: raw: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	req.Header.Set("Hostname", c.Hostname)
	req.Header.Set("Direction", string(s.Direction))
	req.Header.Set("UID", s.UID)
	req.Header.Set("TLS", fmt.Sprintf("%v", s.TLS.Negotiated))
	req.Header.Set("EHLO", s.Hello)
	req.Header.Set("Username", s.Principal)
	if s.RemoteIP != nil {
		req.Header.Set("SenderIP", s.RemoteIP.String())
	}
	req.Header.Set("SenderRDNS", s.RemoteRDNS)
	req.Header.Set("Sender", e.Sender)
	req.Header.Set("Recipients", strings.Join(e.Recipients, ", "))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: raw: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 65536))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook: raw: unexpected status %d", resp.StatusCode)
	}
	return nil
}

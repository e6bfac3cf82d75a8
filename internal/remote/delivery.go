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

package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/foxcpp/go-mtasts"

	"github.com/transilvlad/robin-sub002/framework/address"
	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/config"
	"github.com/transilvlad/robin-sub002/internal/msg"
	"github.com/transilvlad/robin-sub002/internal/queue"
	"github.com/transilvlad/robin-sub002/internal/smtpconn"
)

// Target delivers envelopes to the mail exchangers of each recipient
// domain. It is the queue cron's Deliverer for relayed mail.
type Target struct {
	Hostname string
	Port     int

	// RequireTLS upgrades Opportunistic connections to mandatory TLS.
	RequireTLS bool

	Resolver *Resolver

	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	SubmissionTimeout time.Duration

	TLSConfig *tls.Config

	Log log.Logger
}

// NewTarget wires a Target per the [remote] configuration.
func NewTarget(cfg config.Remote, hostname string, resolver *Resolver, logger log.Logger) *Target {
	return &Target{
		Hostname:          hostname,
		Port:              cfg.Port,
		RequireTLS:        cfg.RequireTLS,
		Resolver:          resolver,
		ConnectTimeout:    time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
		CommandTimeout:    time.Duration(cfg.CommandTimeoutSeconds) * time.Second,
		SubmissionTimeout: time.Duration(cfg.DataTimeoutSeconds) * time.Second,
		TLSConfig:         &tls.Config{},
		Log:               logger,
	}
}

// Deliver attempts the envelope against every recipient domain and
// reports the recipients that could not be delivered. An empty result
// means complete success; the caller decides between retry and bounce.
func (t *Target) Deliver(ctx context.Context, _ *queue.Job, e *msg.Envelope) []queue.Failure {
	byDomain := map[string][]string{}
	var failures []queue.Failure
	for _, rcpt := range e.Recipients {
		_, domain, err := address.Split(rcpt)
		if err != nil {
			failures = append(failures, queue.Failure{Rcpt: rcpt, Err: &exterrors.SMTPError{
				Code:         553,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 3},
				Message:      "Invalid recipient address",
				TargetName:   "remote",
				Err:          err,
			}})
			continue
		}
		byDomain[domain] = append(byDomain[domain], rcpt)
	}

	domains := make([]string, 0, len(byDomain))
	for domain := range byDomain {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	for _, domain := range domains {
		failures = append(failures, t.deliverDomain(ctx, e, domain, byDomain[domain])...)
	}
	return failures
}

func (t *Target) deliverDomain(ctx context.Context, e *msg.Envelope, domain string, rcpts []string) []queue.Failure {
	route, err := t.Resolver.ResolveRoute(ctx, domain)
	if err != nil {
		return failAll(rcpts, err)
	}

	var lastErr error
	for _, mx := range route.Hosts {
		conn, err := t.connect(ctx, route, mx)
		if err != nil {
			lastErr = err
			t.Log.Error("connection attempt failed", err, "uid", e.SessionUID, "mx", mx.Host, "policy", mx.Policy.String())
			connectsFailed.WithLabelValues(mx.Policy.String()).Inc()
			continue
		}

		t.Log.DebugMsg("connected", "uid", e.SessionUID, "mx", mx.Host, "policy", mx.Policy.String(), "route", route.Fingerprint)
		connects.WithLabelValues(mx.Policy.String()).Inc()

		failures := t.transact(ctx, conn, e, rcpts)
		conn.Close()
		return failures
	}

	if lastErr == nil {
		lastErr = &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 1},
			Message:      "No usable mail exchangers",
			TargetName:   "remote",
			Misc:         map[string]interface{}{"domain": domain},
		}
	}
	return failAll(rcpts, lastErr)
}

// connect establishes the session to one MX, enforcing its security
// policy. The returned connection is past EHLO and any mandated TLS
// negotiation.
func (t *Target) connect(ctx context.Context, route *Route, mx MXHost) (*smtpconn.C, error) {
	endp := config.Endpoint{
		Scheme: "tcp",
		Host:   mx.Host,
		Port:   strconv.Itoa(t.Port),
	}

	switch mx.Policy {
	case DANE:
		return t.connectDANE(ctx, endp, mx)
	case MTASTS:
		return t.connectSTS(ctx, endp, route.STS, mx)
	default:
		return t.connectOpportunistic(ctx, endp)
	}
}

func (t *Target) connectDANE(ctx context.Context, endp config.Endpoint, mx MXHost) (*smtpconn.C, error) {
	// Certificate acceptance is decided by the TLSA records, not by
	// PKIX, so handshake verification is skipped and verifyDANE runs on
	// the resulting connection state.
	cfg := t.TLSConfig.Clone()
	cfg.InsecureSkipVerify = true

	conn := t.newConn()
	didTLS, err := conn.Connect(ctx, endp, true, cfg)
	if err != nil {
		return nil, err
	}
	if !didTLS {
		conn.DirectClose()
		return nil, &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 10},
			Message:      "TLS is required but not advertised (enforced by DANE)",
			TargetName:   "remote",
			Misc:         map[string]interface{}{"mx": mx.Host},
		}
	}

	state, ok := conn.Client().TLSConnectionState()
	if !ok {
		conn.DirectClose()
		return nil, errors.New("remote: TLS state unavailable after STARTTLS")
	}
	if _, err := verifyDANE(mx.TLSA, state); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

func (t *Target) connectSTS(ctx context.Context, endp config.Endpoint, policy *mtasts.Policy, mx MXHost) (*smtpconn.C, error) {
	enforce := policy.Mode == mtasts.ModeEnforce

	if !policy.Match(mx.Host) {
		if enforce {
			return nil, &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
				Message:      "Failed to establish the MX record authenticity (MTA-STS)",
				TargetName:   "remote",
				Misc:         map[string]interface{}{"mx": mx.Host},
			}
		}
		t.Log.Msg("MX does not match the testing-mode MTA-STS policy", "mx", mx.Host)
	}

	// RFC 8461 Section 5: a testing-mode policy never blocks delivery.
	// Failures are logged and the connection proceeds the opportunistic
	// way; only enforce treats missing or broken TLS as fatal.
	if !enforce {
		return t.connectOpportunistic(ctx, endp)
	}

	conn := t.newConn()
	didTLS, err := conn.Connect(ctx, endp, true, t.TLSConfig.Clone())
	if err != nil {
		return nil, err
	}
	if !didTLS {
		conn.DirectClose()
		return nil, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message:      "TLS is required but unavailable or failed (MTA-STS)",
			TargetName:   "remote",
			Misc:         map[string]interface{}{"mx": mx.Host},
		}
	}

	return conn, nil
}

func (t *Target) connectOpportunistic(ctx context.Context, endp config.Endpoint) (*smtpconn.C, error) {
	conn := t.newConn()
	didTLS, err := conn.Connect(ctx, endp, true, t.TLSConfig.Clone())

	var tlsErr smtpconn.TLSError
	if err != nil && errors.As(err, &tlsErr) && !t.RequireTLS {
		// Retry without certificate verification, then in cleartext.
		// Better an unauthenticated channel than no mail at all.
		t.Log.Error("TLS error, falling back to unauthenticated TLS", err, "mx", endp.Host)
		cfg := t.TLSConfig.Clone()
		cfg.InsecureSkipVerify = true

		conn = t.newConn()
		didTLS, err = conn.Connect(ctx, endp, true, cfg)
		if err != nil && errors.As(err, &tlsErr) {
			t.Log.Error("TLS error, falling back to cleartext", err, "mx", endp.Host)
			conn = t.newConn()
			didTLS, err = conn.Connect(ctx, endp, false, nil)
		}
	}
	if err != nil {
		return nil, err
	}

	if t.RequireTLS && !didTLS {
		conn.DirectClose()
		return nil, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message:      "TLS is required but unavailable or failed",
			TargetName:   "remote",
			Misc:         map[string]interface{}{"mx": endp.Host},
		}
	}

	return conn, nil
}

func (t *Target) newConn() *smtpconn.C {
	conn := smtpconn.New()
	conn.Hostname = t.Hostname
	conn.Log = t.Log
	conn.AddrInSMTPMsg = true
	if t.ConnectTimeout != 0 {
		conn.ConnectTimeout = t.ConnectTimeout
	}
	if t.CommandTimeout != 0 {
		conn.CommandTimeout = t.CommandTimeout
	}
	if t.SubmissionTimeout != 0 {
		conn.SubmissionTimeout = t.SubmissionTimeout
	}
	return conn
}

// transact runs MAIL/RCPT/DATA on an established connection. Recipient
// rejections are recorded individually; MAIL or DATA rejections fail all
// recipients that were still in play.
func (t *Target) transact(ctx context.Context, conn *smtpconn.C, e *msg.Envelope, rcpts []string) []queue.Failure {
	if err := conn.Mail(ctx, e.Sender, smtp.MailOptions{}); err != nil {
		return failAll(rcpts, err)
	}

	var failures []queue.Failure
	accepted := make([]string, 0, len(rcpts))
	for _, rcpt := range rcpts {
		if err := conn.Rcpt(ctx, rcpt); err != nil {
			failures = append(failures, queue.Failure{Rcpt: rcpt, Err: err})
			continue
		}
		accepted = append(accepted, rcpt)
	}
	if len(accepted) == 0 {
		return failures
	}

	body, err := e.Body.Open()
	if err != nil {
		return append(failures, failAll(accepted, err)...)
	}
	defer body.Close()

	if err := conn.Data(ctx, e.HeaderPrefix(), body); err != nil {
		return append(failures, failAll(accepted, err)...)
	}

	deliveredRcpts.Add(float64(len(accepted)))
	return failures
}

func failAll(rcpts []string, err error) []queue.Failure {
	failures := make([]queue.Failure, 0, len(rcpts))
	for _, rcpt := range rcpts {
		failures = append(failures, queue.Failure{Rcpt: rcpt, Err: err})
	}
	return failures
}

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

// Package remote implements outbound delivery to the mail exchangers of
// the recipient domain with DANE and MTA-STS policy enforcement.
package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/foxcpp/go-mtasts"

	"github.com/transilvlad/robin-sub002/framework/dns"
	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/config"
)

// PolicyKind is the security policy selected for one MX host. DANE wins
// over MTA-STS, MTA-STS over Opportunistic.
type PolicyKind int8

const (
	Opportunistic PolicyKind = iota
	MTASTS
	DANE
)

func (k PolicyKind) String() string {
	switch k {
	case DANE:
		return "dane"
	case MTASTS:
		return "mtasts"
	}
	return "opportunistic"
}

// MXHost is one mail exchanger of the route, with the policy that will
// govern the connection to it.
type MXHost struct {
	Host   string
	Pref   uint16
	Policy PolicyKind

	// TLSA carries the DNSSEC-authenticated records for Policy == DANE.
	TLSA []dns.TLSA
}

// Route is the resolved delivery route for one recipient domain.
type Route struct {
	Domain string

	// Hosts is ordered by (preference, lowercased hostname).
	Hosts []MXHost

	// STS is the domain policy, non-nil when any host uses MTASTS.
	STS *mtasts.Policy

	// Fingerprint is the SHA-256 digest of the canonical host list.
	// Identical routes shared by several domains produce identical
	// fingerprints.
	Fingerprint string
}

// Resolver composes MX, TLSA and MTA-STS lookups into delivery routes.
//
// The lookup functions can be replaced in tests. When Ext is set, MX and
// TLSA queries go through it so the AD flag is visible; otherwise LookupMX
// is used and DANE is never selected (TLSA without DNSSEC proof is
// unusable).
type Resolver struct {
	Ext *dns.ExtResolver

	LookupMX   func(ctx context.Context, domain string) ([]*net.MX, error)
	LookupTLSA func(ctx context.Context, host string) (ad bool, recs []dns.TLSA, err error)
	STSGet     func(ctx context.Context, domain string) (*mtasts.Policy, error)

	Log log.Logger
}

// NewResolver builds a Resolver per the [remote] configuration. The
// MTA-STS cache is filesystem-backed when mtasts_cache_dir is set and
// in-memory otherwise.
func NewResolver(cfg config.Remote, logger log.Logger) (*Resolver, error) {
	r := &Resolver{Log: logger}

	ext, err := dns.NewExtResolver()
	if err != nil {
		logger.Error("DNSSEC-aware resolver unavailable, DANE discovery disabled", err)
	} else {
		r.Ext = ext
		r.LookupTLSA = func(ctx context.Context, host string) (bool, []dns.TLSA, error) {
			return ext.AuthLookupTLSA(ctx, "25", "tcp", host)
		}
	}
	r.LookupMX = func(ctx context.Context, domain string) ([]*net.MX, error) {
		return net.DefaultResolver.LookupMX(ctx, domain)
	}

	var cache *mtasts.Cache
	if cfg.MTASTSCacheDir != "" {
		if err := os.MkdirAll(cfg.MTASTSCacheDir, 0o700); err != nil {
			return nil, fmt.Errorf("remote: %w", err)
		}
		cache = mtasts.NewFSCache(cfg.MTASTSCacheDir)
	} else {
		cache = mtasts.NewRAMCache()
	}
	cache.Resolver = net.DefaultResolver
	r.STSGet = cache.Get

	return r, nil
}

// ResolveRoute fetches the MX records of domain and derives the per-host
// security policy.
//
// The null MX convention (single record ".") is a permanent refusal to
// accept mail and yields a 556 5.1.10 error. A domain without MX records
// falls back to its own A/AAAA record per RFC 5321.
func (r *Resolver) ResolveRoute(ctx context.Context, domain string) (*Route, error) {
	var (
		mxAD bool
		mxs  []*net.MX
		err  error
	)
	if r.Ext != nil {
		mxAD, mxs, err = r.Ext.AuthLookupMX(ctx, domain)
	} else {
		mxs, err = r.LookupMX(ctx, domain)
	}
	if err != nil && !dns.IsNotFound(err) {
		return nil, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 3},
			Message:      "MX lookup error",
			TargetName:   "remote",
			Err:          err,
			Misc:         map[string]interface{}{"domain": domain},
		}
	}

	if len(mxs) == 1 && mxs[0].Host == "." {
		return nil, &exterrors.SMTPError{
			Code:         556,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
			Message:      "Domain does not accept email (null MX)",
			TargetName:   "remote",
			Misc:         map[string]interface{}{"domain": domain},
		}
	}

	if len(mxs) == 0 {
		// Implicit MX: the domain itself, at preference 0.
		mxs = append(mxs, &net.MX{Host: domain, Pref: 0})
	}

	sort.Slice(mxs, func(i, j int) bool {
		if mxs[i].Pref != mxs[j].Pref {
			return mxs[i].Pref < mxs[j].Pref
		}
		return canonicalHost(mxs[i].Host) < canonicalHost(mxs[j].Host)
	})

	route := &Route{Domain: domain}
	stsFetched := false
	for _, mx := range mxs {
		host := MXHost{Host: canonicalHost(mx.Host), Pref: mx.Pref, Policy: Opportunistic}

		if recs := r.daneRecords(ctx, mxAD, host.Host); len(recs) != 0 {
			host.Policy = DANE
			host.TLSA = recs
		} else {
			if !stsFetched {
				stsFetched = true
				route.STS = r.stsPolicy(ctx, domain)
			}
			if route.STS != nil {
				host.Policy = MTASTS
			}
		}

		route.Hosts = append(route.Hosts, host)
	}

	route.Fingerprint = routeFingerprint(route.Hosts)
	return route, nil
}

// daneRecords returns the TLSA record set for _25._tcp.<host>, or nil
// when the records are absent or not DNSSEC-authenticated.
func (r *Resolver) daneRecords(ctx context.Context, mxAD bool, host string) []dns.TLSA {
	if r.LookupTLSA == nil {
		return nil
	}

	ad, recs, err := r.LookupTLSA(ctx, host)
	if err != nil {
		if !dns.IsNotFound(err) {
			r.Log.Error("TLSA lookup error, assuming no DANE", err, "host", host)
		}
		return nil
	}
	// Both the MX record set and the TLSA record set must be signed for
	// the records to be trustworthy (RFC 7672 Section 2.2).
	if !ad || (r.Ext != nil && !mxAD) {
		if len(recs) != 0 {
			r.Log.DebugMsg("ignoring TLSA records without DNSSEC proof", "host", host)
		}
		return nil
	}
	return recs
}

func (r *Resolver) stsPolicy(ctx context.Context, domain string) *mtasts.Policy {
	if r.STSGet == nil {
		return nil
	}
	policy, err := r.STSGet(ctx, domain)
	if err != nil {
		if !errors.Is(err, mtasts.ErrNoPolicy) {
			r.Log.DebugMsg("MTA-STS fetch error", "domain", domain, "reason", err.Error())
		}
		return nil
	}
	return policy
}

func canonicalHost(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// routeFingerprint hashes the canonical "pref:host" list. Two
// permutations of the same MX set sort identically and therefore hash
// identically.
func routeFingerprint(hosts []MXHost) string {
	h := sha256.New()
	for _, mx := range hosts {
		fmt.Fprintf(h, "%d:%s\n", mx.Pref, mx.Host)
	}
	return hex.EncodeToString(h.Sum(nil))
}

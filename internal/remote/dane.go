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
	"crypto/tls"
	"crypto/x509"

	"github.com/transilvlad/robin-sub002/framework/dns"
	"github.com/transilvlad/robin-sub002/framework/exterrors"
)

// verifyDANE checks whether the TLSA record set matches the certificate
// chain presented by the server.
//
// overridePKIX reports whether the match alone authenticates the server,
// so the connection may be trusted even though it was established with
// InsecureSkipVerify. DANE-TA(2) and DANE-EE(3) override PKIX; PKIX-TA(0)
// and PKIX-EE(1) additionally require a chain to a Web PKI root
// (RFC 6698 Section 2.1.1).
//
// An empty record set is a no-op. A non-empty set makes TLS mandatory
// even if every record in it is unusable (RFC 7672 Section 2.2).
func verifyDANE(recs []dns.TLSA, connState tls.ConnectionState) (overridePKIX bool, err error) {
	if len(recs) == 0 {
		return false, nil
	}

	if !connState.HandshakeComplete {
		return false, &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 10},
			Message:      "TLS is required but unsupported or failed (enforced by DANE)",
			TargetName:   "remote",
			Misc: map[string]interface{}{
				"remote_server": connState.ServerName,
			},
		}
	}

	// Records with unknown parameter values are unusable and must be
	// ignored rather than treated as a mismatch. The filtered set goes
	// into a fresh slice; recs belongs to the caller.
	validRecs := make([]dns.TLSA, 0, len(recs))
	for _, rec := range recs {
		if rec.Usage > 3 || rec.Selector > 1 || rec.MatchingType > 2 {
			continue
		}
		validRecs = append(validRecs, rec)
	}
	if len(validRecs) == 0 {
		// All records unusable: TLS is mandatory (checked above) but
		// authentication is not required.
		return false, nil
	}

	// PKIX chains are needed for usages 0 and 1 and are computed at most
	// once. VerifiedChains is nil here since the handshake skipped
	// verification.
	var (
		pkixChains [][]*x509.Certificate
		pkixTried  bool
	)
	webPKI := func() [][]*x509.Certificate {
		if !pkixTried {
			pkixTried = true
			pkixChains = verifyPKIX(connState)
		}
		return pkixChains
	}

	for _, rec := range validRecs {
		switch rec.Usage {
		case 0: // PKIX-TA: CA constraint within a Web PKI chain.
			for _, chain := range webPKI() {
				for _, cert := range chain[1:] {
					if rec.Verify(cert) == nil {
						return false, nil
					}
				}
			}
		case 1: // PKIX-EE: certificate constraint plus Web PKI validity.
			if len(webPKI()) != 0 && rec.Verify(connState.PeerCertificates[0]) == nil {
				return false, nil
			}
		case 2: // DANE-TA: the matched CA becomes the trust anchor.
			if verifyTA(rec, connState) {
				return true, nil
			}
		case 3: // DANE-EE: SAN and expiry are not considered (RFC 7672 Section 3.1.1).
			if rec.Verify(connState.PeerCertificates[0]) == nil {
				return true, nil
			}
		}
	}

	return false, &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
		Message:      "No matching TLSA records",
		TargetName:   "remote",
		Misc: map[string]interface{}{
			"remote_server": connState.ServerName,
		},
	}
}

// verifyTA finds a presented CA certificate matching the record, makes it
// the sole root and runs standard X.509 chain verification against it.
func verifyTA(rec dns.TLSA, connState tls.ConnectionState) bool {
	opts := x509.VerifyOptions{
		DNSName:       connState.ServerName,
		Roots:         x509.NewCertPool(),
		Intermediates: x509.NewCertPool(),
	}
	foundTA := false
	for _, cert := range connState.PeerCertificates {
		if !foundTA && cert.IsCA && rec.Verify(cert) == nil {
			opts.Roots.AddCert(cert)
			foundTA = true
		}
		opts.Intermediates.AddCert(cert)
	}
	if !foundTA {
		return false
	}

	_, err := connState.PeerCertificates[0].Verify(opts)
	return err == nil
}

// verifyPKIX validates the presented chain against the system roots,
// returning nil when it does not chain up.
func verifyPKIX(connState tls.ConnectionState) [][]*x509.Certificate {
	opts := x509.VerifyOptions{
		DNSName:       connState.ServerName,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range connState.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	chains, err := connState.PeerCertificates[0].Verify(opts)
	if err != nil {
		return nil
	}
	return chains
}

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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/transilvlad/robin-sub002/framework/dns"
	"github.com/transilvlad/robin-sub002/framework/exterrors"
)

type testCert struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

var testSerial int64

// issueCert generates a certificate on the fly. With a nil parent the
// certificate is self-signed.
func issueCert(t *testing.T, cn string, isCA bool, dnsNames []string, parent *testCert) testCert {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	testSerial++
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(testSerial),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  isCA,
		DNSNames:              dnsNames,
	}

	parentTmpl, parentKey := tmpl, key
	if parent != nil {
		parentTmpl, parentKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parentTmpl, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return testCert{cert: cert, key: key}
}

func spkiSHA256(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(hash[:])
}

func certSHA256(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(hash[:])
}

func tlsaRecord(usage, selector, matchingType uint8, certHash string) dns.TLSA {
	return dns.TLSA{
		Usage:        usage,
		Selector:     selector,
		MatchingType: matchingType,
		Certificate:  certHash,
	}
}

func TestVerifyDANE(t *testing.T) {
	ca := issueCert(t, "Robin Test CA", true, nil, nil)
	intermediate := issueCert(t, "Robin Test Intermediate", true, nil, &ca)
	leaf := issueCert(t, "mx.robin.test", false, []string{"mx.robin.test"}, &intermediate)
	selfSigned := issueCert(t, "mx.robin.test", false, []string{"mx.robin.test"}, nil)
	stranger := issueCert(t, "mx.robin.test", false, []string{"mx.robin.test"}, nil)

	state := func(certs ...*x509.Certificate) tls.ConnectionState {
		return tls.ConnectionState{
			HandshakeComplete: true,
			ServerName:        "mx.robin.test",
			PeerCertificates:  certs,
		}
	}

	test := func(name string, recs []dns.TLSA, connState tls.ConnectionState, wantOverride, wantErr bool) {
		t.Helper()
		t.Run(name, func(t *testing.T) {
			override, err := verifyDANE(recs, connState)
			if (err != nil) != wantErr {
				t.Errorf("err: %v, wantErr: %v", err, wantErr)
			}
			if override != wantOverride {
				t.Errorf("overridePKIX = %v, want %v", override, wantOverride)
			}
		})
	}

	test("no records, no TLS", nil, tls.ConnectionState{}, false, false)
	test("no records, TLS", nil, state(selfSigned.cert), false, false)

	// A non-empty authenticated record set makes TLS mandatory even when
	// every record in it is unusable.
	test("unusable records, TLS", []dns.TLSA{
		tlsaRecord(4, 1, 1, "ffff"),
		tlsaRecord(3, 5, 1, "ffff"),
		tlsaRecord(3, 1, 9, "ffff"),
	}, state(selfSigned.cert), false, false)
	test("unusable records, no TLS", []dns.TLSA{
		tlsaRecord(4, 1, 1, "ffff"),
	}, tls.ConnectionState{}, false, true)

	test("DANE-EE, SPKI match", []dns.TLSA{
		tlsaRecord(3, 1, 1, spkiSHA256(selfSigned.cert)),
	}, state(selfSigned.cert), true, false)
	test("DANE-EE, full cert match", []dns.TLSA{
		tlsaRecord(3, 0, 1, certSHA256(selfSigned.cert)),
	}, state(selfSigned.cert), true, false)
	test("DANE-EE, chained leaf", []dns.TLSA{
		tlsaRecord(3, 1, 1, spkiSHA256(leaf.cert)),
	}, state(leaf.cert, intermediate.cert), true, false)
	test("DANE-EE, second record matches", []dns.TLSA{
		tlsaRecord(3, 1, 1, spkiSHA256(stranger.cert)),
		tlsaRecord(3, 1, 1, spkiSHA256(selfSigned.cert)),
	}, state(selfSigned.cert), true, false)
	test("DANE-EE, mismatch", []dns.TLSA{
		tlsaRecord(3, 1, 1, spkiSHA256(stranger.cert)),
	}, state(selfSigned.cert), false, true)

	test("DANE-TA, intermediate anchor", []dns.TLSA{
		tlsaRecord(2, 1, 1, spkiSHA256(intermediate.cert)),
	}, state(leaf.cert, intermediate.cert), true, false)
	test("DANE-TA, root anchor", []dns.TLSA{
		tlsaRecord(2, 1, 1, spkiSHA256(ca.cert)),
	}, state(leaf.cert, intermediate.cert, ca.cert), true, false)
	test("DANE-TA, anchor not presented", []dns.TLSA{
		tlsaRecord(2, 1, 1, spkiSHA256(intermediate.cert)),
	}, state(selfSigned.cert), false, true)
	test("DANE-TA, mixed with non-matching", []dns.TLSA{
		tlsaRecord(2, 1, 1, spkiSHA256(stranger.cert)),
		tlsaRecord(2, 1, 1, spkiSHA256(intermediate.cert)),
	}, state(leaf.cert, intermediate.cert), true, false)
}

func TestVerifyDANERecordSetUntouched(t *testing.T) {
	selfSigned := issueCert(t, "mx.robin.test", false, []string{"mx.robin.test"}, nil)

	// Unusable record first: filtering must not shuffle the caller's
	// slice, it is owned by the resolver cache.
	recs := []dns.TLSA{
		tlsaRecord(4, 1, 1, "ffff"),
		tlsaRecord(3, 1, 1, spkiSHA256(selfSigned.cert)),
	}
	override, err := verifyDANE(recs, tls.ConnectionState{
		HandshakeComplete: true,
		ServerName:        "mx.robin.test",
		PeerCertificates:  []*x509.Certificate{selfSigned.cert},
	})
	if err != nil || !override {
		t.Fatalf("override = %v, err = %v", override, err)
	}
	if recs[0].Usage != 4 || recs[1].Usage != 3 {
		t.Errorf("record set was modified: %+v", recs)
	}
}

func TestVerifyDANEErrorCodes(t *testing.T) {
	selfSigned := issueCert(t, "mx.robin.test", false, []string{"mx.robin.test"}, nil)
	rec := tlsaRecord(3, 1, 1, spkiSHA256(selfSigned.cert))

	_, err := verifyDANE([]dns.TLSA{rec}, tls.ConnectionState{ServerName: "mx.robin.test"})
	checkSMTPErr(t, err, 554, exterrors.EnhancedCode{5, 7, 10})

	other := issueCert(t, "mx.robin.test", false, []string{"mx.robin.test"}, nil)
	_, err = verifyDANE([]dns.TLSA{rec}, tls.ConnectionState{
		HandshakeComplete: true,
		ServerName:        "mx.robin.test",
		PeerCertificates:  []*x509.Certificate{other.cert},
	})
	checkSMTPErr(t, err, 550, exterrors.EnhancedCode{5, 7, 0})

	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Temporary() {
		t.Error("TLSA mismatch must be permanent")
	}
}

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
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/config"
)

// Signer adds a DKIM-Signature header covering the header prefix and
// the stored payload. Signing failures are log-only: a debugging server
// must not lose mail over a bad key.
type Signer struct {
	Domain   string
	Selector string
	Key      crypto.Signer
	Log      log.Logger
}

var signedFields = []string{"From", "To", "Cc", "Subject", "Date", "Message-Id", "MIME-Version", "Reply-To"}

func NewSigner(cfg config.DKIM, logger log.Logger) (*Signer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Domain == "" || cfg.Selector == "" {
		return nil, fmt.Errorf("dkim: domain and selector are required")
	}

	key, err := loadKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	return &Signer{Domain: cfg.Domain, Selector: cfg.Selector, Key: key, Log: logger}, nil
}

func (p *Signer) Name() string { return "dkim" }

func (p *Signer) Run(ctx context.Context, st *State) Result {
	sig, err := p.sign(st)
	if err != nil {
		p.Log.Error("dkim signing failed", err, "uid", st.Envelope.SessionUID)
		return Continue()
	}
	st.Envelope.AddHeader("DKIM-Signature", sig, true)
	return Continue()
}

func (p *Signer) sign(st *State) (string, error) {
	signer, err := dkim.NewSigner(&dkim.SignOptions{
		Domain:                 p.Domain,
		Selector:               p.Selector,
		Identifier:             "@" + p.Domain,
		Signer:                 p.Key,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             signedFields,
	})
	if err != nil {
		return "", err
	}

	if _, err := signer.Write(st.Envelope.HeaderPrefix()); err != nil {
		signer.Close()
		return "", err
	}
	body, err := st.Envelope.Body.Open()
	if err != nil {
		signer.Close()
		return "", err
	}
	_, err = io.Copy(signer, body)
	body.Close()
	if err != nil {
		signer.Close()
		return "", err
	}
	if err := signer.Close(); err != nil {
		return "", err
	}

	// Signature() yields the raw "DKIM-Signature: ..." field; AddHeader
	// wants only the value.
	sig := strings.TrimSuffix(signer.Signature(), "\r\n")
	sig = strings.TrimPrefix(sig, "DKIM-Signature:")
	return strings.TrimLeft(sig, " \t"), nil
}

func loadKey(path string) (crypto.Signer, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dkim: %w", err)
	}
	block, _ := pem.Decode(blob)
	if block == nil {
		return nil, fmt.Errorf("dkim: %s: no PEM block found", path)
	}

	var key interface{}
	switch block.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("dkim: %s: unsupported PEM block %q", path, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("dkim: %s: %w", path, err)
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("dkim: %s: unsupported key type %T", path, key)
	}
}

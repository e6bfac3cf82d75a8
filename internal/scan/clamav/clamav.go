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

// Package clamav implements the clamd INSTREAM protocol: the message is
// streamed over TCP in length-prefixed chunks and clamd answers with a
// single verdict line.
package clamav

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/transilvlad/robin-sub002/framework/log"
	"github.com/transilvlad/robin-sub002/internal/config"
	"github.com/transilvlad/robin-sub002/internal/msg"
)

// chunkSize is the INSTREAM chunk payload size. clamd rejects chunks
// above its StreamMaxLength, 8K is well under any sane setting.
const chunkSize = 8192

type Scanner struct {
	Address string
	Timeout time.Duration

	Dialer net.Dialer
	Log    log.Logger
}

func New(cfg config.ClamAV, logger log.Logger) *Scanner {
	addr := cfg.Address
	if addr == "" {
		addr = "127.0.0.1:3310"
	}
	return &Scanner{
		Address: addr,
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		Log:     logger,
	}
}

// Scan streams the envelope headers and body to clamd and parses the
// verdict. IO and protocol failures are returned as errors, an infected
// message is not an error.
func (s *Scanner) Scan(ctx context.Context, e *msg.Envelope) (msg.ClamAVResult, error) {
	if s.Timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	conn, err := s.Dialer.DialContext(ctx, "tcp", s.Address)
	if err != nil {
		return msg.ClamAVResult{}, fmt.Errorf("clamav: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return msg.ClamAVResult{}, fmt.Errorf("clamav: %w", err)
	}

	body, err := e.Body.Open()
	if err != nil {
		return msg.ClamAVResult{}, fmt.Errorf("clamav: %w", err)
	}
	defer body.Close()

	payload := io.MultiReader(bytes.NewReader(e.HeaderPrefix()), body)
	if err := writeChunks(conn, payload); err != nil {
		return msg.ClamAVResult{}, fmt.Errorf("clamav: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil {
		return msg.ClamAVResult{}, fmt.Errorf("clamav: %w", err)
	}
	return parseReply(strings.TrimSuffix(reply, "\x00"))
}

// Ping checks that clamd is alive. Used at startup so a misconfigured
// scanner address fails fast instead of on the first message.
func (s *Scanner) Ping(ctx context.Context) error {
	conn, err := s.Dialer.DialContext(ctx, "tcp", s.Address)
	if err != nil {
		return fmt.Errorf("clamav: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte("zPING\x00")); err != nil {
		return fmt.Errorf("clamav: %w", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil {
		return fmt.Errorf("clamav: %w", err)
	}
	if strings.TrimSuffix(reply, "\x00") != "PONG" {
		return fmt.Errorf("clamav: unexpected PING reply: %q", reply)
	}
	return nil
}

func writeChunks(conn net.Conn, r io.Reader) error {
	buf := make([]byte, chunkSize)
	var size [4]byte
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			binary.BigEndian.PutUint32(size[:], uint32(n))
			if _, err := conn.Write(size[:]); err != nil {
				return err
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return err
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return err
		}
	}

	// Zero-length chunk terminates the stream.
	binary.BigEndian.PutUint32(size[:], 0)
	_, err := conn.Write(size[:])
	return err
}

// parseReply handles the three clamd verdict forms:
//
//	stream: OK
//	stream: Eicar-Signature FOUND
//	INSTREAM size limit exceeded. ERROR
func parseReply(reply string) (msg.ClamAVResult, error) {
	switch {
	case strings.HasSuffix(reply, "OK"):
		return msg.ClamAVResult{}, nil
	case strings.HasSuffix(reply, "FOUND"):
		virus := strings.TrimSuffix(reply, " FOUND")
		if _, after, ok := strings.Cut(virus, ": "); ok {
			virus = after
		}
		return msg.ClamAVResult{Infected: true, Viruses: []string{virus}}, nil
	case strings.HasSuffix(reply, "ERROR"):
		return msg.ClamAVResult{}, fmt.Errorf("clamav: %s", strings.TrimSuffix(reply, " ERROR"))
	default:
		return msg.ClamAVResult{}, fmt.Errorf("clamav: malformed reply: %q", reply)
	}
}

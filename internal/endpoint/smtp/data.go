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

package smtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/emersion/go-message/textproto"

	"github.com/transilvlad/robin-sub002/framework/buffer"
	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/internal/msg"
	"github.com/transilvlad/robin-sub002/internal/processor"
)

// bdatState accumulates BDAT chunks. DATA and BDAT share the same
// spool-file backing, so the storage chain sees one uniform payload
// regardless of the transfer command.
type bdatState struct {
	file *os.File
	path string
	size int64
}

func (b *bdatState) discard() {
	if b.file != nil {
		b.file.Close()
	}
	os.Remove(b.path)
}

// createSpool opens the payload file for the transaction in progress.
// The name is derived from the session UID and the envelope index so
// concurrent sessions never collide.
func (c *conn) createSpool() (*os.File, string, error) {
	name := fmt.Sprintf("msg.%s.%d.eml", c.session.UID, len(c.session.Envelopes))
	path := filepath.Join(c.endpoint.SpoolDir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

func (c *conn) cmdData(args string) error {
	if args != "" {
		return c.replyLogged("DATA "+args, 501, exterrors.EnhancedCode{5, 5, 4}, "DATA takes no arguments")
	}

	if handled, err := c.checkHook("DATA", "DATA", args); handled {
		return err
	}

	if err := c.writeReply(354, noEnch, "Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return err
	}

	f, path, err := c.createSpool()
	if err != nil {
		c.endpoint.Log.Error("spool create failed", err, "uid", c.session.UID)
		return c.replyLogged("DATA", 451, exterrors.EnhancedCode{4, 3, 0}, "Temporary storage failure")
	}

	size, dataErr := c.readDotStuffed(f)
	if closeErr := f.Close(); closeErr != nil && dataErr == nil {
		dataErr = &exterrors.SMTPError{
			Code: 451, EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
			Message: "Temporary storage failure", Err: closeErr,
		}
	}
	if dataErr != nil {
		os.Remove(path)
		var smtpErr *exterrors.SMTPError
		if errors.As(dataErr, &smtpErr) {
			// The terminating dot was consumed; the session survives.
			return c.replyLogged("DATA", smtpErr.Code, smtpErr.EnhancedCode, smtpErr.Message)
		}
		return dataErr // socket-level, session is done
	}

	return c.finalize("DATA", path, size)
}

// readDotStuffed copies the message text into w, removing dot-stuffing
// and enforcing the text-line and message-size limits. Limit violations
// are reported only after the terminating dot so the protocol stays in
// sync.
func (c *conn) readDotStuffed(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var (
		size        int64
		lineTooLong bool
		tooBig      bool
	)
	maxSize := c.endpoint.Cfg.MaxMessageSize

	for {
		c.setReadDeadline()
		line, err := c.r.ReadString('\n')
		if err != nil {
			return 0, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if len(line) > maxTextLine+1 { // +1 allows the stuffed dot
			lineTooLong = true
			continue
		}
		if strings.HasPrefix(trimmed, ".") {
			trimmed = trimmed[1:]
		}

		size += int64(len(trimmed)) + 2
		if maxSize > 0 && size > maxSize {
			tooBig = true
			continue
		}
		if !tooBig && !lineTooLong {
			if _, err := bw.WriteString(trimmed + "\r\n"); err != nil {
				return 0, &exterrors.SMTPError{
					Code: 451, EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
					Message: "Temporary storage failure", Err: err,
				}
			}
		}
	}

	if lineTooLong {
		return 0, &exterrors.SMTPError{
			Code: 500, EnhancedCode: exterrors.EnhancedCode{5, 5, 2},
			Message: "Text line too long",
		}
	}
	if tooBig {
		return 0, &exterrors.SMTPError{
			Code: 552, EnhancedCode: exterrors.EnhancedCode{5, 3, 4},
			Message: "Message size exceeds limit",
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, &exterrors.SMTPError{
			Code: 451, EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
			Message: "Temporary storage failure", Err: err,
		}
	}
	return size, nil
}

func (c *conn) cmdBdat(args string) error {
	command := "BDAT " + args

	if !c.endpoint.Cfg.Chunking {
		return c.replyLogged(command, 502, exterrors.EnhancedCode{5, 5, 1}, "CHUNKING is not enabled")
	}

	fields := strings.Fields(args)
	if len(fields) == 0 || len(fields) > 2 {
		return c.replyLogged(command, 501, exterrors.EnhancedCode{5, 5, 4}, "Syntax: BDAT <size> [LAST]")
	}
	chunkSize, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || chunkSize < 0 {
		return c.replyLogged(command, 501, exterrors.EnhancedCode{5, 5, 4}, "Malformed chunk size")
	}
	last := false
	if len(fields) == 2 {
		if !strings.EqualFold(fields[1], "LAST") {
			return c.replyLogged(command, 501, exterrors.EnhancedCode{5, 5, 4}, "Syntax: BDAT <size> [LAST]")
		}
		last = true
	}

	if c.bdat == nil {
		f, path, err := c.createSpool()
		if err != nil {
			c.endpoint.Log.Error("spool create failed", err, "uid", c.session.UID)
			c.discardChunk(chunkSize)
			return c.replyLogged(command, 451, exterrors.EnhancedCode{4, 3, 0}, "Temporary storage failure")
		}
		c.bdat = &bdatState{file: f, path: path}
	}

	c.setReadDeadline()
	n, err := io.Copy(c.bdat.file, io.LimitReader(c.r, chunkSize))
	if err != nil || n != chunkSize {
		// Can't resync a half-read chunk; the connection is unusable.
		return errCloseSession
	}
	c.bdat.size += chunkSize

	if max := c.endpoint.Cfg.MaxMessageSize; max > 0 && c.bdat.size > max {
		c.replyLogged(command, 552, exterrors.EnhancedCode{5, 3, 4}, "Message size exceeds limit")
		c.abortTransaction()
		return nil
	}

	if !last {
		return c.replyLogged(command, 250, exterrors.EnhancedCode{2, 0, 0},
			fmt.Sprintf("%d bytes received", chunkSize))
	}

	st := c.bdat
	c.bdat = nil
	if err := st.file.Close(); err != nil {
		st.discard()
		c.abortTransaction()
		return c.replyLogged(command, 451, exterrors.EnhancedCode{4, 3, 0}, "Temporary storage failure")
	}
	return c.finalize(command, st.path, st.size)
}

// discardChunk drains a BDAT chunk that cannot be stored so the command
// stream stays parseable.
func (c *conn) discardChunk(size int64) {
	io.Copy(io.Discard, io.LimitReader(c.r, size))
}

// finalize runs the completed envelope through the storage chain and
// emits the DATA/BDAT verdict: one reply for SMTP, one per accepted
// recipient for LMTP.
func (c *conn) finalize(command, path string, size int64) error {
	env := c.envelope
	env.Body = buffer.FileBuffer{Path: path, LenHint: int(size)}
	env.Size = size
	env.MessageID = discoverMessageID(env)
	c.stampReceived(env)

	rcpts := append([]string(nil), env.Recipients...)

	st := &processor.State{
		Session:    c.session,
		Envelope:   env,
		Upstream:   c.upstream,
		BotMatches: c.botMatches,
	}
	c.upstream = nil

	res := c.endpoint.Chain.Run(context.Background(), st)

	c.session.Envelopes = append(c.session.Envelopes, env)
	c.envelope = nil
	c.botMatches = nil
	c.state = stateHelloed

	code, ench, text := resultReply(res)
	if code/100 == 2 {
		messagesAccepted.Inc()
		if st.RelayJobs == 0 {
			// No queue job took ownership of the payload; the chain was
			// its last consumer.
			env.Body.Remove()
		}
	} else {
		messagesRejected.Inc()
		env.Body.Remove()
	}

	if !c.lmtp {
		return c.replyLogged(command, code, ench, text)
	}

	// LMTP: one status per accepted recipient, in RCPT order.
	c.session.Log(command, fmt.Sprintf("%d %s", code, text))
	for _, rcpt := range rcpts {
		rCode, rEnch, rText := code, ench, text
		if st.Statuses != nil {
			if smtpErr, ok := st.Statuses[rcpt]; ok {
				if smtpErr == nil {
					rCode, rEnch, rText = 250, exterrors.EnhancedCode{2, 0, 0}, "OK"
				} else {
					rCode, rEnch, rText = smtpErr.Code, smtpErr.EnhancedCode, smtpErr.Message
				}
			}
		}
		if err := c.writeReply(rCode, rEnch, "<"+rcpt+"> "+rText); err != nil {
			return err
		}
	}
	return nil
}

func resultReply(res processor.Result) (int, exterrors.EnhancedCode, string) {
	if res.Kind == processor.KindStopReject {
		return res.Code, res.Enhanced, res.Text
	}
	return 250, exterrors.EnhancedCode{2, 0, 0}, "OK: message accepted"
}

// discoverMessageID pulls Message-Id out of the stored header block,
// if any.
func discoverMessageID(env *msg.Envelope) string {
	if env.Body == nil {
		return ""
	}
	r, err := env.Body.Open()
	if err != nil {
		return ""
	}
	defer r.Close()

	hdr, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		return ""
	}
	return strings.Trim(hdr.Get("Message-Id"), "<> \t")
}

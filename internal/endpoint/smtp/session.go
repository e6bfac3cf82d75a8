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
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/transilvlad/robin-sub002/framework/exterrors"
	"github.com/transilvlad/robin-sub002/internal/bot"
	"github.com/transilvlad/robin-sub002/internal/msg"
	"github.com/transilvlad/robin-sub002/internal/proxy"
)

// Command and text line limits from RFC 5321 section 4.5.3.1.
const (
	maxCommandLine = 512
	maxTextLine    = 1000 // 998 + CRLF
)

// state is the protocol position of a session. Verb admissibility is
// checked against it by the dispatch table.
type state int

const (
	stateGreeted state = iota // connection open, no hello yet
	stateHelloed              // EHLO/HELO/LHLO done
	stateMail                 // MAIL accepted, no recipient yet
	stateRcpt                 // at least one recipient accepted
)

// errCloseSession tells the command loop to hang up.
var errCloseSession = errors.New("smtp: session closed")

// conn is one live protocol session.
type conn struct {
	endpoint *Endpoint
	netConn  net.Conn
	r        *bufio.Reader
	w        *bufio.Writer

	session *msg.Session
	state   state

	// extended is true after EHLO or LHLO (response may use enhanced
	// status codes and parameters).
	extended bool
	lmtp     bool

	envelope   *msg.Envelope
	botMatches []bot.Match
	upstream   *proxy.Upstream

	// bdat carries chunked-transfer state between BDAT commands.
	bdat *bdatState

	txnCount int
}

// verbHandler is one entry of the dispatch table: the states the verb
// is admissible in and the handler to execute. Verbs are added by
// registering entries, not by subclassing anything.
type verbHandler struct {
	states  map[state]bool // nil means any state
	execute func(c *conn, args string) error
}

var verbs = map[string]verbHandler{
	"EHLO":     {execute: (*conn).cmdEhlo},
	"HELO":     {execute: (*conn).cmdHelo},
	"LHLO":     {execute: (*conn).cmdLhlo},
	"STARTTLS": {states: states(stateGreeted, stateHelloed), execute: (*conn).cmdStartTLS},
	"AUTH":     {states: states(stateGreeted, stateHelloed), execute: (*conn).cmdAuth},
	"MAIL":     {states: states(stateHelloed), execute: (*conn).cmdMail},
	"RCPT":     {states: states(stateMail, stateRcpt), execute: (*conn).cmdRcpt},
	"DATA":     {states: states(stateRcpt), execute: (*conn).cmdData},
	"BDAT":     {states: states(stateRcpt), execute: (*conn).cmdBdat},
	"RSET":     {execute: (*conn).cmdRset},
	"NOOP":     {execute: (*conn).cmdNoop},
	"VRFY":     {states: states(stateHelloed, stateMail, stateRcpt), execute: (*conn).cmdVrfy},
	"HELP":     {execute: (*conn).cmdHelp},
	"QUIT":     {execute: (*conn).cmdQuit},
}

func states(ss ...state) map[state]bool {
	m := make(map[state]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

func newConn(e *Endpoint, netConn net.Conn, implicitTLS bool) *conn {
	s := msg.NewSession(msg.DirectionInbound)
	s.LocalAddr = netConn.LocalAddr()
	s.RemoteAddr = netConn.RemoteAddr()
	if tcp, ok := netConn.RemoteAddr().(*net.TCPAddr); ok {
		s.RemoteIP = tcp.IP
	}

	c := &conn{
		endpoint: e,
		netConn:  netConn,
		r:        bufio.NewReader(netConn),
		w:        bufio.NewWriter(netConn),
		session:  s,
		state:    stateGreeted,
		lmtp:     e.Cfg.LMTP,
	}
	c.session.LMTP = e.Cfg.LMTP

	if tlsConn, ok := netConn.(*tls.Conn); ok {
		c.recordTLS(tlsConn.ConnectionState())
	}
	return c
}

func (c *conn) serve() {
	defer c.cleanup()

	c.resolveRDNS()

	if err := c.writeReply(220, noEnch, c.endpoint.Hostname+" ESMTP Robin"); err != nil {
		return
	}
	c.endpoint.Log.DebugMsg("session started", "uid", c.session.UID, "remote", c.session.RemoteAddr)

	for {
		line, err := c.readCommand()
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				c.replyLogged(line, 500, exterrors.EnhancedCode{5, 5, 2}, "Command line too long")
				if c.tooManyErrors() {
					return
				}
				continue
			}
			// RFC 5321 Section 4.2.4.1: an idle connection is told why
			// it is going away.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.writeReply(421, exterrors.EnhancedCode{4, 4, 2}, c.endpoint.Hostname+" Idle timeout, closing connection")
			}
			return
		}

		if err := c.command(line); err != nil {
			if !errors.Is(err, errCloseSession) {
				c.endpoint.Log.Error("session failed", err, "uid", c.session.UID)
			}
			return
		}

		c.txnCount++
		if c.txnCount > c.endpoint.Cfg.MaxTransactions {
			c.writeReply(421, exterrors.EnhancedCode{4, 7, 0}, "Transaction limit exceeded, closing connection")
			return
		}
	}
}

func (c *conn) cleanup() {
	if c.upstream != nil {
		c.upstream.Abort()
		c.upstream = nil
	}
	if c.bdat != nil {
		c.bdat.discard()
		c.bdat = nil
	}
	if c.envelope != nil && c.envelope.Body != nil {
		c.envelope.Body.Remove()
	}
	c.netConn.Close()
	c.endpoint.Log.DebugMsg("session ended", "uid", c.session.UID,
		"transactions", c.txnCount, "errors", c.session.ErrorCount)
}

// command parses one line and runs it through the dispatch table.
func (c *conn) command(line string) error {
	verb, args := splitVerb(line)

	h, ok := verbs[verb]
	if !ok {
		c.replyLogged(line, 500, exterrors.EnhancedCode{5, 5, 1}, "Unknown command")
		if c.tooManyErrors() {
			return errCloseSession
		}
		return nil
	}

	// A transaction in chunked transfer only admits more chunks or an
	// abort; everything else is out of sequence.
	if c.bdat != nil && verb != "BDAT" && verb != "RSET" && verb != "QUIT" && verb != "NOOP" {
		c.replyLogged(line, 503, exterrors.EnhancedCode{5, 5, 1}, "BDAT transfer in progress")
		if c.tooManyErrors() {
			return errCloseSession
		}
		return nil
	}

	if h.states != nil && !h.states[c.state] {
		c.replyLogged(line, 503, exterrors.EnhancedCode{5, 5, 1}, "Bad sequence of commands")
		if c.tooManyErrors() {
			return errCloseSession
		}
		return nil
	}

	if err := h.execute(c, args); err != nil {
		return err
	}
	if c.tooManyErrors() {
		c.writeReply(421, exterrors.EnhancedCode{4, 7, 0}, "Too many errors, closing connection")
		return errCloseSession
	}
	return nil
}

var errLineTooLong = errors.New("smtp: line too long")

// readCommand reads one CRLF-terminated command line, bounded by
// maxCommandLine. Over-long lines are drained and reported.
func (c *conn) readCommand() (string, error) {
	c.setReadDeadline()

	var line []byte
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		line = append(line, b)
		if len(line) > maxCommandLine {
			// Drain the rest of the oversized line.
			for {
				b, err := c.r.ReadByte()
				if err != nil {
					return "", err
				}
				if b == '\n' {
					return "", errLineTooLong
				}
			}
		}
	}
	return strings.TrimRight(string(line), "\r"), nil
}

func splitVerb(line string) (verb, args string) {
	verb, args, _ = strings.Cut(line, " ")
	return strings.ToUpper(strings.TrimSpace(verb)), strings.TrimSpace(args)
}

var noEnch = exterrors.EnhancedCode{}

// writeReply emits a single-line reply. The enhanced status code is
// included only after EHLO/LHLO and only for codes that carry one.
func (c *conn) writeReply(code int, ench exterrors.EnhancedCode, text string) error {
	return c.writeReplyLines(code, ench, text)
}

// writeReplyLines emits a (possibly multiline) reply with hyphen
// continuation.
func (c *conn) writeReplyLines(code int, ench exterrors.EnhancedCode, lines ...string) error {
	c.setWriteDeadline()

	prefix := ""
	if c.extended && ench != noEnch {
		prefix = ench.String() + " "
	}
	for i, text := range lines {
		sep := " "
		if i != len(lines)-1 {
			sep = "-"
		}
		if _, err := fmt.Fprintf(c.w, "%d%s%s%s\r\n", code, sep, prefix, text); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

// replyLogged sends the reply and records the command/response pair in
// the session transaction log, bumping the error counter for 4xx/5xx.
func (c *conn) replyLogged(command string, code int, ench exterrors.EnhancedCode, text string) error {
	c.session.Log(command, fmt.Sprintf("%d %s", code, text))
	if code >= 400 {
		c.session.ErrorCount++
	}
	return c.writeReply(code, ench, text)
}

// replyErr maps an error carrying SMTP status to a logged reply.
func (c *conn) replyErr(command string, err error) error {
	code := exterrors.SMTPCode(err, 451, 554)
	ench := exterrors.SMTPEnchCode(err, exterrors.EnhancedCode{4, 0, 0})
	text := "Internal server error"
	var smtpErr *exterrors.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Message != "" {
		text = smtpErr.Message
	}
	return c.replyLogged(command, code, ench, text)
}

func (c *conn) tooManyErrors() bool {
	return c.session.ErrorCount > c.endpoint.Cfg.MaxErrors
}

func (c *conn) setReadDeadline() {
	if t := c.endpoint.Cfg.ReadTimeoutSeconds; t > 0 {
		c.netConn.SetReadDeadline(time.Now().Add(time.Duration(t) * time.Second))
	}
}

func (c *conn) setWriteDeadline() {
	if t := c.endpoint.Cfg.WriteTimeoutSeconds; t > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(time.Duration(t) * time.Second))
	}
}

func (c *conn) resolveRDNS() {
	if c.session.RemoteIP == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	names, err := net.DefaultResolver.LookupAddr(ctx, c.session.RemoteIP.String())
	if err == nil && len(names) != 0 {
		c.session.RemoteRDNS = strings.TrimSuffix(names[0], ".")
	}
}

func (c *conn) recordTLS(cs tls.ConnectionState) {
	st := msg.TLSState{
		Negotiated: true,
		Version:    cs.Version,
		CipherName: tls.CipherSuiteName(cs.CipherSuite),
	}
	for _, cert := range cs.PeerCertificates {
		st.PeerCerts = append(st.PeerCerts, cert.Raw)
	}
	c.session.TLS = st
}

// abortTransaction drops the current envelope and everything tied to
// it. Session identity (hello, TLS, principal) survives.
func (c *conn) abortTransaction() {
	if c.upstream != nil {
		c.upstream.Abort()
		c.upstream = nil
	}
	if c.bdat != nil {
		c.bdat.discard()
		c.bdat = nil
	}
	if c.envelope != nil && c.envelope.Body != nil {
		c.envelope.Body.Remove()
	}
	c.envelope = nil
	c.botMatches = nil
	if c.state > stateHelloed {
		c.state = stateHelloed
	}
}

// hookContext bounds webhook calls.
func (c *conn) hookContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// checkHook consults the policy webhook for verb. It returns true when
// the webhook dictated the reply (already sent).
func (c *conn) checkHook(command, verb, args string) (handled bool, err error) {
	hook := c.endpoint.Hook
	if hook == nil || !hook.Enabled(verb) {
		return false, nil
	}

	ctx, cancel := c.hookContext()
	defer cancel()

	override, hookErr := hook.Check(ctx, c.session, c.envelope, verb, args)
	if hookErr != nil {
		return true, c.replyErr(command, hookErr)
	}
	if override == nil {
		return false, nil
	}
	return true, c.replyOverride(command, verb, override.Code, override.Text)
}

// replyOverride sends a webhook-dictated reply and advances state when
// the override accepts the command anyway.
func (c *conn) replyOverride(command, verb string, code int, text string) error {
	if text == "" {
		text = "OK"
	}
	if code/100 == 2 {
		switch verb {
		case "MAIL":
			c.state = stateMail
		case "RCPT":
			c.state = stateRcpt
		}
	}
	return c.replyLogged(command, code, noEnch, text)
}

// --- verb handlers -------------------------------------------------

func (c *conn) cmdEhlo(args string) error {
	if c.lmtp {
		return c.replyLogged("EHLO", 500, exterrors.EnhancedCode{5, 5, 1}, "This is LMTP, use LHLO")
	}
	return c.hello(args, true)
}

func (c *conn) cmdHelo(args string) error {
	if c.lmtp {
		return c.replyLogged("HELO", 500, exterrors.EnhancedCode{5, 5, 1}, "This is LMTP, use LHLO")
	}
	return c.hello(args, false)
}

func (c *conn) cmdLhlo(args string) error {
	if !c.lmtp {
		return c.replyLogged("LHLO", 500, exterrors.EnhancedCode{5, 5, 1}, "This is SMTP, use EHLO")
	}
	return c.hello(args, true)
}

func (c *conn) hello(args string, extended bool) error {
	verb := "HELO"
	if extended {
		verb = "EHLO"
		if c.lmtp {
			verb = "LHLO"
		}
	}
	command := verb + " " + args

	if args == "" {
		return c.replyLogged(command, 501, exterrors.EnhancedCode{5, 5, 4}, "Hostname argument required")
	}

	if handled, err := c.checkHook(command, verb, args); handled {
		return err
	}

	// A new hello resets any transaction in progress.
	c.abortTransaction()
	c.session.Hello = args
	c.extended = extended
	c.state = stateHelloed

	if !extended {
		return c.replyLogged(command, 250, noEnch, c.endpoint.Hostname)
	}

	lines := []string{c.endpoint.Hostname + " at your service"}
	lines = append(lines, c.capabilities()...)
	c.session.Log(command, "250 "+c.endpoint.Hostname)
	return c.writeReplyLines(250, noEnch, lines...)
}

// capabilities builds the EHLO/LHLO extension list from the session
// state: STARTTLS disappears once negotiated, AUTH appears only when
// its TLS precondition is met.
func (c *conn) capabilities() []string {
	caps := []string{"PIPELINING", "8BITMIME", "ENHANCEDSTATUSCODES"}
	if c.endpoint.Cfg.MaxMessageSize > 0 {
		caps = append(caps, "SIZE "+strconv.FormatInt(c.endpoint.Cfg.MaxMessageSize, 10))
	}
	if c.endpoint.Cfg.Chunking {
		caps = append(caps, "CHUNKING")
	}
	if !c.lmtp && !c.session.TLS.Negotiated && c.endpoint.TLSConfig != nil {
		caps = append(caps, "STARTTLS")
	}
	if c.endpoint.Authenticator != nil && !c.authBlockedByTLS() {
		caps = append(caps, "AUTH PLAIN LOGIN")
	}
	return caps
}

func (c *conn) authBlockedByTLS() bool {
	return c.endpoint.Cfg.AuthRequiresTLS && !c.session.TLS.Negotiated
}

func (c *conn) cmdStartTLS(args string) error {
	if c.lmtp {
		return c.replyLogged("STARTTLS", 500, exterrors.EnhancedCode{5, 5, 1}, "Not available")
	}
	if c.endpoint.TLSConfig == nil {
		return c.replyLogged("STARTTLS", 454, exterrors.EnhancedCode{4, 7, 0}, "TLS not available")
	}
	if c.session.TLS.Negotiated {
		// Exactly one TLS upgrade per session.
		return c.replyLogged("STARTTLS", 503, exterrors.EnhancedCode{5, 5, 1}, "TLS already active")
	}

	if err := c.replyLogged("STARTTLS", 220, exterrors.EnhancedCode{2, 0, 0}, "Ready to start TLS"); err != nil {
		return err
	}

	tlsConn := tls.Server(c.netConn, c.endpoint.TLSConfig)
	tlsConn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		c.endpoint.Log.Error("TLS handshake failed", err, "uid", c.session.UID)
		tlsConn.Close()
		return errCloseSession
	}
	tlsConn.SetDeadline(time.Time{})

	c.netConn = tlsConn
	c.r = bufio.NewReader(tlsConn)
	c.w = bufio.NewWriter(tlsConn)
	c.recordTLS(tlsConn.ConnectionState())

	// All hello-negotiated state is void; the client must start over.
	c.abortTransaction()
	c.session.Hello = ""
	c.extended = false
	c.state = stateGreeted
	return nil
}

func (c *conn) cmdRset(args string) error {
	c.abortTransaction()
	return c.replyLogged("RSET", 250, exterrors.EnhancedCode{2, 0, 0}, "OK")
}

func (c *conn) cmdNoop(args string) error {
	return c.replyLogged("NOOP", 250, exterrors.EnhancedCode{2, 0, 0}, "OK")
}

func (c *conn) cmdVrfy(args string) error {
	return c.replyLogged("VRFY "+args, 252, exterrors.EnhancedCode{2, 5, 0},
		"Cannot verify the user, but will accept the message and attempt delivery")
}

func (c *conn) cmdHelp(args string) error {
	c.session.Log("HELP", "214")
	return c.writeReplyLines(214, noEnch,
		"Supported commands:",
		"EHLO HELO STARTTLS AUTH MAIL RCPT DATA BDAT",
		"RSET NOOP VRFY HELP QUIT")
}

func (c *conn) cmdQuit(args string) error {
	c.replyLogged("QUIT", 221, exterrors.EnhancedCode{2, 0, 0}, c.endpoint.Hostname+" closing connection")
	return errCloseSession
}

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

package msg

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/transilvlad/robin-sub002/framework/address"
	"github.com/transilvlad/robin-sub002/framework/buffer"
)

// Header is one header field queued for emission ahead of the original
// message. Prepend fields come out before Append fields; the original
// header block follows all of them.
type Header struct {
	Field   string
	Value   string
	Prepend bool
}

// Envelope is one MAIL transaction: reverse-path, forward-paths and the
// payload collected by DATA/BDAT.
//
// Payload bytes are immutable once DATA completes. Processors may only
// add header fields via AddHeader; those are emitted ahead of the body
// by WriteTo.
type Envelope struct {
	// SessionUID ties the envelope back to the session that accepted it.
	// Deliberately a value, not a pointer: nothing reaches back into the
	// live session.
	SessionUID string

	Sender     string
	Recipients []string

	Body buffer.Buffer
	Size int64

	MessageID string

	Headers []Header

	// ProxyRuleIndex is the matched proxy rule, -1 when none. At most
	// one rule matches per envelope.
	ProxyRuleIndex int
	// ProxyRecipients are the recipients claimed by the proxy rule.
	ProxyRecipients []string

	// BotMatches lists bot binding names that claimed a recipient.
	BotMatches []string

	scans *scanList

	RetryCount  int
	Created     time.Time
	LastAttempt time.Time
}

func NewEnvelope(sessionUID, sender string) *Envelope {
	return &Envelope{
		SessionUID:     sessionUID,
		Sender:         sender,
		ProxyRuleIndex: -1,
		scans:          &scanList{},
		Created:        time.Now(),
	}
}

// AddRecipient appends rcpt unless an equivalent address is already
// present. Returns false on duplicate.
func (e *Envelope) AddRecipient(rcpt string) bool {
	for _, r := range e.Recipients {
		if address.Equal(r, rcpt) {
			return false
		}
	}
	e.Recipients = append(e.Recipients, rcpt)
	return true
}

// RemoveRecipient deletes the first address equivalent to rcpt,
// preserving order of the rest.
func (e *Envelope) RemoveRecipient(rcpt string) {
	for i, r := range e.Recipients {
		if address.Equal(r, rcpt) {
			e.Recipients = append(e.Recipients[:i], e.Recipients[i+1:]...)
			return
		}
	}
}

// AddHeader queues a header field for emission ahead of the message.
func (e *Envelope) AddHeader(field, value string, prepend bool) {
	e.Headers = append(e.Headers, Header{Field: field, Value: value, Prepend: prepend})
}

// HeaderPrefix renders the queued header additions: prepend fields
// first, then append fields.
func (e *Envelope) HeaderPrefix() []byte {
	var out []byte
	for _, h := range e.Headers {
		if h.Prepend {
			out = append(out, h.Field+": "+h.Value+"\r\n"...)
		}
	}
	for _, h := range e.Headers {
		if !h.Prepend {
			out = append(out, h.Field+": "+h.Value+"\r\n"...)
		}
	}
	return out
}

// WriteTo emits the header prefix followed by the stored payload.
func (e *Envelope) WriteTo(w io.Writer) (int64, error) {
	var total int64

	prefix := e.HeaderPrefix()
	n, err := w.Write(prefix)
	total += int64(n)
	if err != nil {
		return total, err
	}

	if e.Body == nil {
		return total, nil
	}
	r, err := e.Body.Open()
	if err != nil {
		return total, err
	}
	defer r.Close()

	nn, err := io.Copy(w, r)
	total += nn
	return total, err
}

// AddScanResult appends to the scan result list. Safe for concurrent
// use by scanner goroutines.
func (e *Envelope) AddScanResult(r ScanResult) {
	if e.scans == nil {
		e.scans = &scanList{}
	}
	e.scans.Add(r)
}

// ScanResults returns a snapshot of the scan result list.
func (e *Envelope) ScanResults() []ScanResult {
	if e.scans == nil {
		return nil
	}
	return e.scans.Snapshot()
}

// Clone deep-copies the envelope. The payload buffer is shared since
// payload bytes are immutable.
func (e *Envelope) Clone() *Envelope {
	c := *e

	c.Recipients = append([]string(nil), e.Recipients...)
	c.ProxyRecipients = append([]string(nil), e.ProxyRecipients...)
	c.BotMatches = append([]string(nil), e.BotMatches...)
	c.Headers = append([]Header(nil), e.Headers...)
	c.scans = &scanList{results: e.ScanResults()}

	return &c
}

// envelopeJSON is the serialized form used by queue backends. The
// payload reference is either a spool file path or inline bytes, never
// both.
type envelopeJSON struct {
	SessionUID string   `json:"session_uid"`
	Sender     string   `json:"sender"`
	Recipients []string `json:"recipients"`

	BodyPath   string `json:"body_path,omitempty"`
	BodyInline []byte `json:"body_inline,omitempty"`
	Size       int64  `json:"size"`

	MessageID string   `json:"message_id,omitempty"`
	Headers   []Header `json:"headers,omitempty"`

	ProxyRuleIndex  int      `json:"proxy_rule_index"`
	ProxyRecipients []string `json:"proxy_recipients,omitempty"`
	BotMatches      []string `json:"bot_matches,omitempty"`

	Scans []json.RawMessage `json:"scans,omitempty"`

	RetryCount  int       `json:"retry_count"`
	Created     time.Time `json:"created"`
	LastAttempt time.Time `json:"last_attempt"`
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	j := envelopeJSON{
		SessionUID:      e.SessionUID,
		Sender:          e.Sender,
		Recipients:      e.Recipients,
		Size:            e.Size,
		MessageID:       e.MessageID,
		Headers:         e.Headers,
		ProxyRuleIndex:  e.ProxyRuleIndex,
		ProxyRecipients: e.ProxyRecipients,
		BotMatches:      e.BotMatches,
		RetryCount:      e.RetryCount,
		Created:         e.Created,
		LastAttempt:     e.LastAttempt,
	}

	switch body := e.Body.(type) {
	case nil:
	case buffer.FileBuffer:
		j.BodyPath = body.Path
	case buffer.MemoryBuffer:
		j.BodyInline = body.Slice
	default:
		return nil, fmt.Errorf("msg: cannot serialize payload buffer %T", e.Body)
	}

	for _, s := range e.ScanResults() {
		raw, err := marshalScanResult(s)
		if err != nil {
			return nil, err
		}
		j.Scans = append(j.Scans, raw)
	}

	return json.Marshal(j)
}

func (e *Envelope) UnmarshalJSON(blob []byte) error {
	var j envelopeJSON
	if err := json.Unmarshal(blob, &j); err != nil {
		return err
	}
	if j.BodyPath != "" && j.BodyInline != nil {
		return errors.New("msg: payload reference has both path and inline bytes")
	}

	*e = Envelope{
		SessionUID:      j.SessionUID,
		Sender:          j.Sender,
		Recipients:      j.Recipients,
		Size:            j.Size,
		MessageID:       j.MessageID,
		Headers:         j.Headers,
		ProxyRuleIndex:  j.ProxyRuleIndex,
		ProxyRecipients: j.ProxyRecipients,
		BotMatches:      j.BotMatches,
		RetryCount:      j.RetryCount,
		Created:         j.Created,
		LastAttempt:     j.LastAttempt,
	}

	switch {
	case j.BodyPath != "":
		e.Body = buffer.FileBuffer{Path: j.BodyPath, LenHint: int(j.Size)}
	case j.BodyInline != nil:
		e.Body = buffer.MemoryBuffer{Slice: j.BodyInline}
	}

	e.scans = &scanList{}
	for _, raw := range j.Scans {
		s, err := unmarshalScanResult(raw)
		if err != nil {
			return err
		}
		e.scans.Add(s)
	}

	return nil
}

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
	"sync"
)

// ScanResult is the outcome of one content scanner pass over an
// envelope. Concrete types, not a map: the set of scanners is known and
// downstream consumers (bot replies, header stamping) switch on them.
type ScanResult interface {
	Scanner() string
}

// RspamdResult is the spam verdict from an Rspamd check.
type RspamdResult struct {
	Score   float64  `json:"score"`
	Spam    bool     `json:"spam"`
	Symbols []string `json:"symbols,omitempty"`
}

func (RspamdResult) Scanner() string { return "rspamd" }

// ClamAVResult is the virus verdict from a ClamAV INSTREAM scan.
type ClamAVResult struct {
	Infected bool     `json:"infected"`
	Viruses  []string `json:"viruses,omitempty"`
	Part     string   `json:"part,omitempty"`
}

func (ClamAVResult) Scanner() string { return "clamav" }

// OtherResult carries a verdict from a scanner the server has no
// dedicated type for.
type OtherResult struct {
	Name   string                 `json:"name"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

func (r OtherResult) Scanner() string { return r.Name }

// scanList is the append-only result list on an envelope. Scanners may
// run concurrently, so appends are serialized.
type scanList struct {
	mu      sync.Mutex
	results []ScanResult
}

func (l *scanList) Add(r ScanResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

func (l *scanList) Snapshot() []ScanResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ScanResult(nil), l.results...)
}

type scanJSON struct {
	Scanner string          `json:"scanner"`
	Data    json.RawMessage `json:"data"`
}

func marshalScanResult(r ScanResult) (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(scanJSON{Scanner: r.Scanner(), Data: data})
}

func unmarshalScanResult(blob json.RawMessage) (ScanResult, error) {
	var j scanJSON
	if err := json.Unmarshal(blob, &j); err != nil {
		return nil, err
	}

	switch j.Scanner {
	case "rspamd":
		var r RspamdResult
		if err := json.Unmarshal(j.Data, &r); err != nil {
			return nil, err
		}
		return r, nil
	case "clamav":
		var r ClamAVResult
		if err := json.Unmarshal(j.Data, &r); err != nil {
			return nil, err
		}
		return r, nil
	default:
		var r OtherResult
		if err := json.Unmarshal(j.Data, &r); err != nil {
			return nil, err
		}
		if r.Name == "" {
			r.Name = j.Scanner
		}
		return r, nil
	}
}

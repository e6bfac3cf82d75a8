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

package exterrors

import (
	"fmt"
)

// EnhancedCode is the RFC 3463 enhanced status code triplet.
type EnhancedCode [3]int

func (ec EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is the error that can be directly returned to the peer as an
// SMTP status.
//
// The component that created the error is recorded in TargetName so log
// entries can be attributed. Misc carries arbitrary key-value context that
// is merged into structured log output by Fields.
type SMTPError struct {
	// Basic SMTP status code.
	Code int

	// Enhanced SMTP status code, if it starts with 0 - considered unset.
	EnhancedCode EnhancedCode

	// Message line returned to the peer.
	Message string

	// Name of the component that generated the error.
	TargetName string

	// Machine-readable description of the problem, preferred over Message
	// for logging when set.
	Reason string

	// Underlying cause, if any.
	Err error

	// Additional context for structured logging.
	Misc map[string]interface{}
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

// Temporary reports whether the error is transient based on the status code
// class: 4xx codes are considered temporary, anything else is permanent.
func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(se.Misc)+5)
	for k, v := range se.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = se.Code
	ctx["smtp_enchcode"] = se.EnhancedCode
	ctx["smtp_msg"] = se.Message
	if se.TargetName != "" {
		ctx["target"] = se.TargetName
	}
	if se.Reason != "" {
		ctx["reason"] = se.Reason
	}
	if se.Err != nil {
		ctx["underlying_err"] = se.Err.Error()
	}
	return ctx
}

func (se *SMTPError) Error() string {
	if se.Reason != "" {
		return se.Reason
	}
	return se.Message
}

// SMTPCode returns the temporary or permanent basic code depending on
// whether err is temporary.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode adjusts the class of the enhanced code triplet depending on
// whether err is temporary. The class of the base triplet is ignored.
func SMTPEnchCode(err error, base EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		base[0] = 4
	} else {
		base[0] = 5
	}
	return base
}

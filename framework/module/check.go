/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

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

package module

import (
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/mailfilter/framework/exterrors"
	"github.com/foxcpp/mailfilter/framework/smtpd"
)

// CheckResult is the verdict of a filter that inspects some part of the
// session.
type CheckResult struct {
	// Reason is sent to the client if Reject is set and logged if
	// Quarantine is set. *exterrors.SMTPError values keep their code.
	Reason error

	// Reject means the command (or the whole message for BODY checks)
	// should be refused.
	Reject bool

	// Quarantine means the message should be accepted but marked as
	// suspicious. Storage filters deliver such messages to a separate
	// folder.
	Quarantine bool

	// AuthResult is rendered into an Authentication-Results field.
	AuthResult []authres.Result

	// Header fields are prepended to the message header.
	Header textproto.Header
}

// Apply merges res into the session state.
//
// On rejection the reply is set from Reason, the envelope change of a
// MAIL or RCPT command is undone, the transaction state is recorded under
// checkName and StatusBreak is returned so later handlers do not run.
// Otherwise the reply of the previous handler is kept and StatusOK is
// returned.
func (res CheckResult) Apply(c *smtpd.Context, verb, checkName string) smtpd.Status {
	if len(res.AuthResult) != 0 {
		c.Header.Add("Authentication-Results", authres.Format(c.Options().Hostname, res.AuthResult))
	}
	// Add prepends, so fields are added bottom to top to keep their order.
	var fields [][2]string
	for f := res.Header.Fields(); f.Next(); {
		fields = append(fields, [2]string{f.Key(), f.Value()})
	}
	for i := len(fields) - 1; i >= 0; i-- {
		c.Header.Add(fields[i][0], fields[i][1])
	}

	if res.Reject {
		reason := res.Reason
		if reason == nil {
			reason = &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
				Message:      "Message rejected",
				CheckName:    checkName,
			}
		}
		c.UndoEnvelope(verb)
		c.ReplyError(reason)
		code, msg, _ := c.ReplyCode()
		c.SetTransactionState(checkName, code, msg)
		c.Log.Error("rejected", reason, "check", checkName)
		return smtpd.StatusBreak
	}

	if res.Quarantine {
		c.Quarantine = true
		if res.Reason != nil {
			c.QuarantineReason = res.Reason.Error()
		}
		c.Log.Msg("quarantined", "check", checkName, "reason", c.QuarantineReason)
	}

	c.Inherit()
	return smtpd.StatusOK
}

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

package exterrors

import (
	"errors"
	"fmt"
	"strconv"
)

// EnhancedCode is an RFC 3463 status code, e.g. {5, 7, 1}.
type EnhancedCode [3]int

func (ec EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is an error that carries the reply a client should see.
//
// Message is sent to the client, Err and Reason are only logged.
type SMTPError struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string

	// CheckName is the name of the filter module that produced the error.
	CheckName string

	// Err is the underlying error, if any. It is never sent to the client.
	Err error

	// Reason is a short human-readable explanation for the logs. Err text
	// is used if it is empty.
	Reason string

	// Misc fields added to the log message.
	Misc map[string]interface{}
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(se.Misc)+5)
	for k, v := range se.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = se.Code
	if se.EnhancedCode != (EnhancedCode{}) {
		ctx["smtp_enchcode"] = se.EnhancedCode.String()
	}
	ctx["smtp_msg"] = se.Message
	if se.CheckName != "" {
		ctx["check"] = se.CheckName
	}
	switch {
	case se.Reason != "":
		ctx["reason"] = se.Reason
	case se.Err != nil:
		ctx["reason"] = se.Err.Error()
	}
	return ctx
}

func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Error() string {
	if se.Reason != "" {
		return se.Reason
	}
	if se.Err != nil {
		return se.Err.Error()
	}
	return strconv.Itoa(se.Code) + " " + se.Message
}

// Reply returns the client-visible text of the error, prefixed by the
// enhanced status code when one is set.
func (se *SMTPError) Reply() string {
	if se.EnhancedCode == (EnhancedCode{}) {
		return se.Message
	}
	return se.EnhancedCode.String() + " " + se.Message
}

// SMTPCode extracts the reply from err. Errors that are not SMTPError are
// mapped to a generic 451 or 554 depending on IsTemporaryOrUnspec.
func SMTPCode(err error) (int, string) {
	var se *SMTPError
	if errors.As(err, &se) {
		return se.Code, se.Reply()
	}
	if IsTemporaryOrUnspec(err) {
		return 451, "4.0.0 Internal server error"
	}
	return 554, "5.0.0 Internal server error"
}

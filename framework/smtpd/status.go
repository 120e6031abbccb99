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

package smtpd

import "strconv"

// Status is returned by a Handler to steer the processor.
type Status int

const (
	// StatusOK continues with the next binding of the current verb.
	StatusOK Status = iota
	// StatusBreak stops the walk. The session goes on.
	StatusBreak
	// StatusAbort stops the walk and ends the session after the reply is
	// sent.
	StatusAbort
	// StatusQuit marks the session for termination but lets the remaining
	// bindings run.
	StatusQuit
	// StatusChain re-enters the processor at the node set with
	// Context.Redirect without reading a new command line.
	StatusChain
	// StatusIgnore suppresses the fallback reply when no handler set a code.
	StatusIgnore
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBreak:
		return "break"
	case StatusAbort:
		return "abort"
	case StatusQuit:
		return "quit"
	case StatusChain:
		return "chain"
	case StatusIgnore:
		return "ignore"
	}
	return "Status(" + strconv.Itoa(int(s)) + ")"
}

// Handler is a function bound to a verb.
//
// verb and arg are the values the driver tokenized from the command line.
// They are empty for INIT and TERM. When the processor re-enters a node
// via StatusChain, the original verb and arg are passed again.
type Handler func(c *Context, verb, arg string, conn *Conn) Status

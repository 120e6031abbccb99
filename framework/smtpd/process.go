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

import (
	"runtime/debug"
)

const (
	internalErrorCode = 451
	internalErrorMsg  = "Internal server error"
)

// defaultMessage is used for replies set without text.
func defaultMessage(code int) string {
	switch code {
	case 334:
		return ""
	case 250:
		return "OK"
	case 221:
		return "Bye"
	}
	switch code / 100 {
	case 2, 3:
		return "OK"
	case 4:
		return "Temporary failure"
	}
	return "Command failed"
}

// callHandler runs h and converts a panic into StatusAbort so a buggy
// module cannot take down the process.
func (c *Context) callHandler(h Handler, verb, arg string, conn *Conn) (status Status) {
	defer func() {
		if err := recover(); err != nil {
			c.Log.Printf("panic during %s handler: %v\n%s", verb, err, debug.Stack())
			c.reply = reply{kind: replySet, code: 421, msg: "4.0.0 Internal server error"}
			status = StatusAbort
		}
	}()
	return h(c, verb, arg, conn)
}

// process runs the handler chain of the cursor node.
//
// If quiet is set, nothing is written to the client. It is used for TERM,
// where the connection may be gone already.
func (c *Context) process(verb, arg string, conn *Conn, quiet bool) error {
	for {
		node := c.node
		c.stage = node.verb
		c.reply = reply{}
		status := StatusOK

		for _, b := range node.bindings {
			prev := c.reply
			c.prev = prev
			c.reply = reply{}

			status = c.callHandler(b.Handler, verb, arg, conn)

			if c.reply.kind == replyInherit {
				c.reply = prev
			}
			if status == StatusAbort || status == StatusQuit {
				c.terminate = true
			}
			if status == StatusBreak || status == StatusAbort {
				break
			}
		}

		chain := status == StatusChain
		if chain && !c.node.hasBindings() {
			c.Log.Msg("chain to a verb without handlers", "verb", verb)
			chain = false
			status = StatusBreak
			c.reply = reply{}
		}

		switch {
		case c.reply.kind == replySet:
			if err := c.sendReply(verb, c.reply.code, c.reply.msg, conn, quiet); err != nil {
				return err
			}
		case status != StatusChain && status != StatusIgnore:
			c.SetTransactionState(CoreModule, internalErrorCode, internalErrorMsg)
			if err := c.sendReply(verb, internalErrorCode, internalErrorMsg, conn, quiet); err != nil {
				return err
			}
		}

		c.prev = reply{}
		if !chain {
			return nil
		}
	}
}

func (c *Context) sendReply(verb string, code int, msg string, conn *Conn, quiet bool) error {
	if quiet {
		return nil
	}
	if msg == "" {
		msg = defaultMessage(code)
	}
	if err := conn.WriteResponse(code, msg); err != nil {
		return err
	}
	for _, hook := range c.reg.replyHooks {
		hook(c, verb, code)
	}
	return nil
}

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
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/foxcpp/mailfilter/framework/buffer"
)

// lifecyclePriority puts the INIT and TERM guards ahead of every filter.
const lifecyclePriority = math.MinInt32

// RegisterCore binds the built-in SMTP verbs with priority 0. Filter
// modules register afterwards and run before (negative priority) or after
// (positive priority) the core handlers.
//
// INIT and TERM are bound at lifecyclePriority instead, so a client typing
// them is refused before any filter sees the command.
func RegisterCore(reg *Registry) error {
	for _, b := range []struct {
		verb      string
		h         Handler
		prio      int
		invokable bool
	}{
		{"INIT", hdlrInit, lifecyclePriority, false},
		{"TERM", hdlrTerm, lifecyclePriority, false},
		{"AUTH", hdlrAuth, 0, true},
		{"ALOU", hdlrAuthLoginUser, 0, false},
		{"ALOP", hdlrAuthLoginPass, 0, false},
		{"APLP", hdlrAuthPlain, 0, false},
		{"EHLO", hdlrEhlo, 0, true},
		{"HELO", hdlrHelo, 0, true},
		{"MAIL", hdlrMail, 0, true},
		{"RCPT", hdlrRcpt, 0, true},
		{"DATA", hdlrData, 0, true},
		{"BODY", hdlrBody, 0, false},
		{"QUIT", hdlrQuit, 0, true},
		{"RSET", hdlrRset, 0, true},
		{"NOOP", hdlrNoop, 0, true},
		{"HELP", hdlrHelp, 0, true},
		{"VRFY", hdlrVrfy, 0, true},
	} {
		if err := reg.Register(b.verb, b.h, b.prio, b.invokable); err != nil {
			return err
		}
	}
	return nil
}

// badSequence refuses a pseudo-verb sent by the client.
func badSequence(c *Context) Status {
	c.Reply(503, "Bad sequence of commands")
	return StatusBreak
}

// Lifecycle verbs are processed with an empty verb name. A non-empty
// one means the client typed the verb.

func hdlrInit(c *Context, verb, _ string, _ *Conn) Status {
	if verb != "" {
		return badSequence(c)
	}
	c.Replyf(220, "%s %s", c.opts.Hostname, c.opts.Greeting)
	return StatusOK
}

func hdlrTerm(c *Context, verb, _ string, _ *Conn) Status {
	if verb != "" {
		return badSequence(c)
	}
	return StatusIgnore
}

func hdlrEhlo(c *Context, _, arg string, _ *Conn) Status {
	domain := strings.TrimSpace(arg)
	if domain == "" {
		c.Reply(501, "Domain name required")
		return StatusBreak
	}
	c.Identity = domain
	c.ESMTP = true

	lines := []string{c.opts.Hostname, "AUTH LOGIN PLAIN"}
	if c.opts.MaxMessageSize > 0 {
		lines = append(lines, "SIZE "+strconv.FormatInt(c.opts.MaxMessageSize, 10))
	}
	lines = append(lines, "HELP")
	c.Reply(250, strings.Join(lines, "\n"))
	return StatusOK
}

func hdlrHelo(c *Context, _, arg string, _ *Conn) Status {
	domain := strings.TrimSpace(arg)
	if domain == "" {
		c.Reply(501, "Domain name required")
		return StatusBreak
	}
	c.Identity = domain
	c.ESMTP = false
	c.Reply(250, c.opts.Hostname)
	return StatusOK
}

func hdlrMail(c *Context, _, arg string, _ *Conn) Status {
	if c.Completed {
		c.Reset()
	}
	if c.ReversePath.IsSet() {
		c.Reply(503, "Sender already specified")
		return StatusBreak
	}

	path, params, err := ParseCommandPath(arg, "FROM")
	if err != nil {
		c.Log.DebugMsg("malformed MAIL argument", "reason", err, "arg", arg)
		c.Reply(501, "Syntax error")
		return StatusBreak
	}
	if params != "" {
		c.Log.DebugMsg("ignoring MAIL parameters", "params", params)
	}

	c.ReversePath = path
	c.Reply(250, "Envelope sender ok")
	return StatusOK
}

func hdlrRcpt(c *Context, _, arg string, _ *Conn) Status {
	if !c.ReversePath.IsSet() || c.Completed {
		c.Reply(503, "Must specify envelope sender first")
		return StatusBreak
	}

	path, params, err := ParseCommandPath(arg, "TO")
	if err == nil && path.IsNull() {
		err = errors.New("null forward path")
	}
	if err != nil {
		c.Log.DebugMsg("malformed RCPT argument", "reason", err, "arg", arg)
		c.Reply(501, "Syntax error")
		return StatusBreak
	}
	if params != "" {
		c.Log.DebugMsg("ignoring RCPT parameters", "params", params)
	}

	c.ForwardPaths = append(c.ForwardPaths, path)
	c.Reply(250, "Recipient ok")
	return StatusOK
}

func hdlrData(c *Context, _, _ string, _ *Conn) Status {
	if len(c.ForwardPaths) == 0 || c.Completed {
		c.Reply(503, "Must specify recipient(s) first")
		return StatusBreak
	}

	if c.Body != nil {
		if err := c.Body.Remove(); err != nil {
			c.Log.Error("failed to remove stale scratch file", err)
		}
		c.Body = nil
	}

	scratch, err := buffer.NewScratch(c.opts.ScratchDir)
	if err != nil {
		c.Log.Error("failed to create scratch file", err)
		c.Reply(451, "Cannot create temporary file")
		return StatusBreak
	}
	c.Body = scratch

	c.Reply(354, "Go ahead")
	c.Redirect("BODY")
	return StatusChain
}

func hdlrBody(c *Context, verb, _ string, conn *Conn) Status {
	if verb != "DATA" || c.Body == nil {
		return badSequence(c)
	}
	hc := NewHeaderCollector(c.opts.MaxHeaderSize)
	res, err := ReadBody(conn, hc, c.Body, c.opts.MaxMessageSize)
	if err != nil {
		c.Log.Error("DATA read failed", err)
		return StatusAbort
	}
	c.Completed = true
	c.BodySize = res.Size

	status := StatusBreak
	switch {
	case res.TooLarge:
		c.Reply(552, "Message size exceeds limit")
	case res.Header == HeaderSizeExceeded:
		c.Reply(552, "Message header size exceeds safety limits")
	case res.Header == HeaderParseError:
		c.Log.Error("malformed message header", hc.Err())
		c.Reply(500, "Could not parse message headers")
	case res.WriteErr != nil:
		c.Log.Error("failed to write scratch file", res.WriteErr)
		c.Reply(452, "Insufficient system storage")
	default:
		if err := c.Body.Flush(); err != nil {
			c.Log.Error("failed to write scratch file", err)
			c.Reply(452, "Insufficient system storage")
			break
		}
		c.Header = hc.Header()
		c.HeaderParsed = true
		c.Reply(250, "Mail successfully received")
		status = StatusOK
	}

	c.SetTransactionState(CoreModule, 0, "")
	return status
}

func hdlrQuit(c *Context, _, _ string, _ *Conn) Status {
	c.Replyf(221, "%s closing connection", c.opts.Hostname)
	return StatusQuit
}

func hdlrRset(c *Context, _, _ string, _ *Conn) Status {
	c.Reset()
	c.Reply(250, "State reset complete")
	return StatusOK
}

func hdlrNoop(c *Context, _, _ string, _ *Conn) Status {
	c.Reply(250, "OK")
	return StatusOK
}

func hdlrHelp(c *Context, _, _ string, _ *Conn) Status {
	var verbs []string
	c.reg.Walk(func(verb string, n *Node) {
		if n.invokable() {
			verbs = append(verbs, verb)
		}
	})
	c.Reply(214, "Commands: "+strings.Join(verbs, " "))
	return StatusOK
}

func hdlrVrfy(c *Context, _, _ string, _ *Conn) Status {
	c.Reply(252, "Cannot VRFY user, but will accept message and attempt delivery")
	return StatusOK
}

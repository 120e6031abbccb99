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
	"fmt"
	"net"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mailfilter/framework/buffer"
	"github.com/foxcpp/mailfilter/framework/exterrors"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/google/uuid"
)

// CoreModule is the module name recorded in the transaction summary by
// the built-in handlers.
const CoreModule = "smtpd"

type replyKind int

const (
	replyUnset replyKind = iota
	replyInherit
	replySet
)

type reply struct {
	kind replyKind
	code int
	msg  string
}

// Transaction is the outcome of the last mail transaction as seen by
// audit modules.
type Transaction struct {
	// Module is the name of the module that decided the outcome.
	Module  string
	Code    int
	Message string
}

// Context holds the state of a single SMTP session.
//
// Context is owned by the goroutine serving the connection and must not be
// accessed concurrently.
type Context struct {
	ID         string
	RemoteAddr net.Addr
	Log        log.Logger

	// Identity is the argument of the last EHLO or HELO.
	Identity string
	ESMTP    bool

	AuthType     string
	AuthUser     string
	AuthPassword string

	ReversePath  EnvelopePath
	ForwardPaths []EnvelopePath

	// Header is the parsed message header. Filters running after the core
	// BODY handler may modify it, the message on disk contains only the
	// body.
	Header       textproto.Header
	HeaderParsed bool

	// Body holds the message body after the header, nil before DATA.
	Body     *buffer.Scratch
	BodySize int64

	// Completed is set once a DATA cycle finished, successfully or not.
	Completed bool

	Transaction Transaction

	Quarantine       bool
	QuarantineReason string

	reg       *Registry
	opts      *Options
	node      *Node
	stage     string
	reply     reply
	prev      reply
	terminate bool
	priv      privStore
}

func newContext(reg *Registry, remote net.Addr, opts *Options) *Context {
	id := uuid.New().String()
	return &Context{
		ID:         id,
		RemoteAddr: remote,
		Log:        opts.Log.With("session", id),
		reg:        reg,
		opts:       opts,
		node:       &reg.root,
	}
}

// Options returns the driver options of the session.
func (c *Context) Options() Options {
	return *c.opts
}

// Reply sets the pending reply. A later handler may replace it.
func (c *Context) Reply(code int, msg string) {
	c.reply = reply{kind: replySet, code: code, msg: msg}
}

func (c *Context) Replyf(code int, format string, args ...interface{}) {
	c.Reply(code, fmt.Sprintf(format, args...))
}

// Inherit keeps the reply set by the previous handler of the walk.
func (c *Context) Inherit() {
	c.reply = reply{kind: replyInherit}
}

// ReplyError sets the pending reply from err. *exterrors.SMTPError values
// are used as is, anything else becomes a generic internal error.
func (c *Context) ReplyError(err error) {
	code, msg := exterrors.SMTPCode(err)
	c.Reply(code, msg)
}

// ReplyCode returns the pending reply. ok is false if no handler set one.
func (c *Context) ReplyCode() (code int, msg string, ok bool) {
	if c.reply.kind != replySet {
		return 0, "", false
	}
	return c.reply.code, c.reply.msg, true
}

// PrevReply returns the reply set by the handlers that ran before the
// current one for this command. ok is false if there is none, which is
// also the case for the first handler.
func (c *Context) PrevReply() (code int, msg string, ok bool) {
	if c.prev.kind != replySet {
		return 0, "", false
	}
	return c.prev.code, c.prev.msg, true
}

// PrevSucceeded reports whether the previous handlers set a 2xx reply.
// Filters use it to skip commands already refused by the core.
func (c *Context) PrevSucceeded() bool {
	code, _, ok := c.PrevReply()
	return ok && code/100 == 2
}

// Redirect moves the dispatch cursor to verb. It is meaningful only
// together with StatusChain. It returns false if verb has no bindings.
func (c *Context) Redirect(verb string) bool {
	n := c.reg.Lookup(verb)
	if !n.hasBindings() {
		return false
	}
	c.node = n
	return true
}

// Stage returns the verb whose bindings are running. Handlers reached
// through Redirect get the verb of the command that started the exchange,
// lifecycle handlers get an empty one. Stage names BODY, ALOP, INIT or
// TERM in those cases.
func (c *Context) Stage() string {
	return c.stage
}

func (c *Context) Authenticated() bool {
	return c.AuthUser != ""
}

func (c *Context) ClearAuth() {
	c.AuthType = ""
	c.AuthUser = ""
	c.AuthPassword = ""
}

// UndoEnvelope reverts the envelope change made by the core handler for
// a MAIL or RCPT command that a filter refused. Other verbs are ignored.
func (c *Context) UndoEnvelope(verb string) {
	switch verb {
	case "MAIL":
		c.ReversePath = EnvelopePath{}
	case "RCPT":
		if n := len(c.ForwardPaths); n != 0 {
			c.ForwardPaths = c.ForwardPaths[:n-1]
		}
	}
}

// SetTransactionState records the outcome of the mail transaction.
//
// An empty module keeps the module recorded before (or CoreModule if there
// is none). code 0 and an empty message are replaced by the pending reply.
func (c *Context) SetTransactionState(module string, code int, message string) {
	pendingCode, pendingMsg, _ := c.ReplyCode()
	if code == 0 {
		code = pendingCode
	}
	if message == "" {
		message = pendingMsg
	}
	if module != "" {
		c.Transaction.Module = module
	} else if c.Transaction.Module == "" {
		c.Transaction.Module = CoreModule
	}
	c.Transaction.Code = code
	c.Transaction.Message = message
}

// Reset releases the envelope and the message of the current transaction.
// Connection-scoped state (identity, authentication, private data)
// survives.
func (c *Context) Reset() {
	for _, hook := range c.reg.resetHooks {
		hook(c)
	}

	c.ReversePath = EnvelopePath{}
	c.ForwardPaths = nil

	if c.Body != nil {
		if err := c.Body.Remove(); err != nil {
			c.Log.Error("failed to remove scratch file", err, "path", c.Body.Path)
		}
		c.Body = nil
	}
	c.BodySize = 0
	c.Header = textproto.Header{}
	c.HeaderParsed = false
	c.Completed = false

	c.Transaction = Transaction{}
	c.Quarantine = false
	c.QuarantineReason = ""
}

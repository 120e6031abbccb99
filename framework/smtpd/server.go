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
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/foxcpp/mailfilter/framework/log"
)

const (
	DefaultGreeting      = "Mindbit Mail Filter"
	DefaultMaxLineLength = 1024
	DefaultMaxHeaderSize = 64 * 1024
)

// Options control a single session.
type Options struct {
	// Hostname is announced in the EHLO reply.
	Hostname string
	Greeting string

	// MaxLineLength bounds command and AUTH continuation lines, including
	// CR LF.
	MaxLineLength  int
	MaxHeaderSize  int64
	MaxMessageSize int64

	// ScratchDir is where message bodies are staged.
	ScratchDir string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// IODebug enables tracing of the protocol exchange into the debug log.
	IODebug bool

	Log log.Logger
}

func (o *Options) setDefaults() {
	if o.Greeting == "" {
		o.Greeting = DefaultGreeting
	}
	if o.Hostname == "" {
		o.Hostname, _ = os.Hostname()
	}
	if o.MaxLineLength <= 0 {
		o.MaxLineLength = DefaultMaxLineLength
	}
	if o.MaxHeaderSize <= 0 {
		o.MaxHeaderSize = DefaultMaxHeaderSize
	}
	if o.ScratchDir == "" {
		o.ScratchDir = os.TempDir()
	}
}

// Serve runs an SMTP session on nc using the handlers of reg. It returns
// when the session ends and always closes nc.
//
// Cancelling ctx closes the connection, the session then goes through the
// TERM phase as if the client disconnected.
func Serve(ctx context.Context, reg *Registry, nc net.Conn, opts Options) error {
	opts.setDefaults()

	c := newContext(reg, nc.RemoteAddr(), &opts)
	conn := newConn(nc, &opts)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			nc.Close()
		case <-done:
		}
	}()
	defer nc.Close()

	c.Log.DebugMsg("session started", "remote_addr", nc.RemoteAddr())

	err := c.run(conn)

	if term := reg.Lookup("TERM"); term.hasBindings() {
		c.node = term
		// Nothing is sent to the client at this point.
		_ = c.process("", "", conn, true)
	}
	c.Reset()
	c.releasePriv()

	c.Log.DebugMsg("session ended")

	if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Context) run(conn *Conn) error {
	if greet := c.reg.Lookup("INIT"); greet.hasBindings() {
		c.node = greet
		if err := c.process("", "", conn, false); err != nil {
			return err
		}
		if _, _, ok := c.ReplyCode(); !ok {
			return nil
		}
	}

	for !c.terminate {
		line, err := conn.ReadLine(c.opts.MaxLineLength)
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				return c.sendReply("", 421, "Command too long", conn, false)
			}
			return err
		}

		verb, arg, node := c.tokenize(line)
		if !node.hasBindings() {
			if err := c.sendReply(verb, 500, "Command not implemented", conn, false); err != nil {
				return err
			}
			continue
		}

		c.node = node
		if err := c.process(verb, arg, conn, false); err != nil {
			return err
		}
	}
	return nil
}

// tokenize splits a command line into the verb and its argument.
//
// The verb is the first whitespace-delimited token, folded to upper case.
// The argument is everything after it with one separator byte removed.
// node is nil if the token is not a known verb.
func (c *Context) tokenize(line string) (verb, arg string, node *Node) {
	line = skipWhite(line)

	end := 0
	for end < len(line) && line[end] != ' ' && line[end] != '\t' {
		end++
	}
	if end == 0 {
		return "", "", nil
	}

	upper := make([]byte, end)
	n := &c.reg.root
	for i := 0; i < end; i++ {
		b := line[i]
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		if b < 'A' || b > 'Z' {
			return "", "", nil
		}
		upper[i] = b
		if n = n.children[b-'A']; n == nil {
			return "", "", nil
		}
	}

	arg = line[end:]
	if arg != "" {
		arg = arg[1:]
	}
	return string(upper), arg, n
}

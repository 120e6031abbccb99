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
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

var ErrLineTooLong = errors.New("smtpd: line too long")

// timeoutConn extends the socket deadline before every I/O call so the
// timeouts apply to idle periods rather than to the whole session.
type timeoutConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (tc timeoutConn) Read(b []byte) (int, error) {
	if tc.readTimeout != 0 {
		if err := tc.Conn.SetReadDeadline(time.Now().Add(tc.readTimeout)); err != nil {
			return 0, err
		}
	}
	return tc.Conn.Read(b)
}

func (tc timeoutConn) Write(b []byte) (int, error) {
	if tc.writeTimeout != 0 {
		if err := tc.Conn.SetWriteDeadline(time.Now().Add(tc.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return tc.Conn.Write(b)
}

// Conn is the buffered client stream. Handlers use it to read
// continuation lines (AUTH) and the message body.
type Conn struct {
	nc    net.Conn
	r     *bufio.Reader
	w     *bufio.Writer
	debug io.Writer
}

func newConn(nc net.Conn, opts *Options) *Conn {
	tc := timeoutConn{
		Conn:         nc,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
	}
	c := &Conn{
		nc: nc,
		r:  bufio.NewReader(tc),
		w:  bufio.NewWriter(tc),
	}
	if opts.IODebug {
		c.debug = opts.Log.Sublogger("io").DebugWriter()
	}
	return c
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// ReadLine reads a line terminated by LF and returns it without CR LF.
//
// max bounds the line length including the terminator. If max bytes are
// read without seeing LF, ErrLineTooLong is returned and the rest of the
// line is left in the stream. A partial line at the end of stream results
// in io.ErrUnexpectedEOF.
func (c *Conn) ReadLine(max int) (string, error) {
	var sb strings.Builder
	for {
		if max > 0 && sb.Len() >= max {
			return "", ErrLineTooLong
		}
		b, err := c.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && sb.Len() != 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		if b == '\n' {
			break
		}
		sb.WriteByte(b)
	}

	line := strings.TrimSuffix(sb.String(), "\r")
	if c.debug != nil {
		fmt.Fprintf(c.debug, "C: %s", line)
	}
	return line, nil
}

// ReadByte reads a single byte of the client stream.
func (c *Conn) ReadByte() (byte, error) {
	return c.r.ReadByte()
}

// WriteResponse writes a reply and flushes it. Each line of msg becomes a
// separate reply line, all but the last use the "code-text" form.
func (c *Conn) WriteResponse(code int, msg string) error {
	codeStr := strconv.Itoa(code)
	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		line = strings.TrimSuffix(line, "\r")
		if c.debug != nil {
			fmt.Fprintf(c.debug, "S: %s%s%s", codeStr, sep, line)
		}
		if _, err := c.w.WriteString(codeStr + sep + line + "\r\n"); err != nil {
			return err
		}
	}
	return c.Flush()
}

func (c *Conn) Flush() error {
	return c.w.Flush()
}

// Write writes raw data to the client without flushing.
func (c *Conn) Write(b []byte) (int, error) {
	return c.w.Write(b)
}

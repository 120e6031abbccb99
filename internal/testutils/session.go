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

package testutils

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/mailfilter/framework/smtpd"
)

const sessionTimeout = 5 * time.Second

// Session is a scripted SMTP client talking to an in-process session over
// net.Pipe.
type Session struct {
	T    *testing.T
	Conn net.Conn

	r    *bufio.Reader
	done chan error
}

// StartSession serves a session using reg and returns the client side.
// The registry should be frozen by the caller if the test relies on it.
func StartSession(t *testing.T, reg *smtpd.Registry, opts smtpd.Options) *Session {
	t.Helper()

	srv, cl := net.Pipe()
	return serve(t, reg, srv, cl, opts)
}

// StartTCPSession is like StartSession but runs the session over a
// loopback TCP connection, so the server sees 127.0.0.1 as the client
// address.
func StartTCPSession(t *testing.T, reg *smtpd.Registry, opts smtpd.Options) *Session {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	cl, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	srv, err := l.Accept()
	if err != nil {
		cl.Close()
		t.Fatal(err)
	}
	return serve(t, reg, srv, cl, opts)
}

func serve(t *testing.T, reg *smtpd.Registry, srv, cl net.Conn, opts smtpd.Options) *Session {
	if opts.Hostname == "" {
		opts.Hostname = "mx.example.invalid"
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = t.TempDir()
	}
	if opts.Log.Out == nil {
		opts.Log = Logger(t, "smtpd")
	}

	s := &Session{
		T:    t,
		Conn: cl,
		r:    bufio.NewReader(cl),
		done: make(chan error, 1),
	}
	go func() {
		s.done <- smtpd.Serve(context.Background(), reg, srv, opts)
	}()
	return s
}

// Send writes line followed by CR LF.
func (s *Session) Send(line string) {
	s.T.Helper()
	s.SendRaw(line + "\r\n")
}

// SendRaw writes data as is.
func (s *Session) SendRaw(data string) {
	s.T.Helper()
	if err := s.Conn.SetWriteDeadline(time.Now().Add(sessionTimeout)); err != nil {
		s.T.Fatal(err)
	}
	if _, err := io.WriteString(s.Conn, data); err != nil {
		s.T.Fatal("Write failed:", err)
	}
}

// ReadReply reads a possibly multi-line reply. The text of each line is
// joined using "\n".
func (s *Session) ReadReply() (int, string, error) {
	if err := s.Conn.SetReadDeadline(time.Now().Add(sessionTimeout)); err != nil {
		return 0, "", err
	}

	var lines []string
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return 0, "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			return 0, "", io.ErrUnexpectedEOF
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return 0, "", err
		}
		lines = append(lines, line[4:])
		if line[3] == ' ' {
			return code, strings.Join(lines, "\n"), nil
		}
	}
}

// Expect reads a reply and fails the test if the code does not match.
func (s *Session) Expect(code int) string {
	s.T.Helper()
	got, text, err := s.ReadReply()
	if err != nil {
		s.T.Fatalf("Expected %d reply, got error: %v", code, err)
	}
	if got != code {
		s.T.Fatalf("Expected %d reply, got %d %s", code, got, text)
	}
	return text
}

// Cmd sends line and expects a reply with the specified code.
func (s *Session) Cmd(line string, code int) string {
	s.T.Helper()
	s.Send(line)
	return s.Expect(code)
}

// ExpectClosed fails the test unless the server closes the connection
// without sending anything else.
func (s *Session) ExpectClosed() {
	s.T.Helper()
	if err := s.Conn.SetReadDeadline(time.Now().Add(sessionTimeout)); err != nil {
		s.T.Fatal(err)
	}
	if line, err := s.r.ReadString('\n'); err == nil {
		s.T.Fatalf("Expected connection to be closed, got %q", line)
	}
}

// Close closes the client side and waits for the session to end.
func (s *Session) Close() error {
	s.T.Helper()
	s.Conn.Close()
	select {
	case err := <-s.done:
		return err
	case <-time.After(sessionTimeout):
		s.T.Fatal("Session did not end in time")
		return nil
	}
}

// Greet reads the greeting and sends EHLO.
func (s *Session) Greet() {
	s.T.Helper()
	s.Expect(220)
	s.Cmd("EHLO client.example.invalid", 250)
}

// SendMessage runs MAIL, RCPT and DATA for msg and returns the reply to
// the end of data. msg lines may be separated by LF or CRLF; they are
// dot-stuffed before sending.
func (s *Session) SendMessage(from string, to []string, msg string) (int, string) {
	s.T.Helper()
	s.Cmd("MAIL FROM:<"+from+">", 250)
	for _, rcpt := range to {
		s.Cmd("RCPT TO:<"+rcpt+">", 250)
	}
	s.Cmd("DATA", 354)

	var sb strings.Builder
	msg = strings.ReplaceAll(msg, "\r\n", "\n")
	for _, line := range strings.Split(strings.TrimSuffix(msg, "\n"), "\n") {
		if strings.HasPrefix(line, ".") {
			sb.WriteByte('.')
		}
		sb.WriteString(line)
		sb.WriteString("\r\n")
	}
	sb.WriteString(".\r\n")
	s.SendRaw(sb.String())

	code, text, err := s.ReadReply()
	if err != nil {
		s.T.Fatal("End of data reply:", err)
	}
	return code, text
}

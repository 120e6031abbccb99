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

package smtpd_test

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxcpp/mailfilter/framework/smtpd"
	"github.com/foxcpp/mailfilter/internal/testutils"
)

func coreRegistry(t *testing.T) *smtpd.Registry {
	t.Helper()
	reg := smtpd.NewRegistry()
	if err := smtpd.RegisterCore(reg); err != nil {
		t.Fatal(err)
	}
	return reg
}

func register(t *testing.T, reg *smtpd.Registry, verb string, prio int, h smtpd.Handler) {
	t.Helper()
	if err := reg.Register(verb, h, prio, true); err != nil {
		t.Fatal(err)
	}
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

type capturedMsg struct {
	from    string
	to      []string
	subject string
	body    string
}

func captureBody(t *testing.T, reg *smtpd.Registry, out *capturedMsg) {
	register(t, reg, "BODY", 10, func(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
		r, err := c.Body.Open()
		if err != nil {
			t.Error(err)
			return smtpd.StatusBreak
		}
		defer r.Close()
		body, err := io.ReadAll(r)
		if err != nil {
			t.Error(err)
		}
		out.from = c.ReversePath.Address()
		out.to = nil
		for _, p := range c.ForwardPaths {
			out.to = append(out.to, p.Address())
		}
		out.subject = c.Header.Get("Subject")
		out.body = string(body)
		c.Inherit()
		return smtpd.StatusOK
	})
}

func TestSession_Transaction(t *testing.T) {
	reg := coreRegistry(t)
	var msg capturedMsg
	captureBody(t, reg, &msg)
	reg.Freeze()

	s := testutils.StartSession(t, reg, smtpd.Options{MaxMessageSize: 1 << 20})
	defer s.Close()

	if greeting := s.Expect(220); !strings.Contains(greeting, smtpd.DefaultGreeting) {
		t.Errorf("Wrong greeting: %q", greeting)
	}
	ehlo := s.Cmd("EHLO client.example.org", 250)
	if !strings.Contains(ehlo, "AUTH LOGIN PLAIN") || !strings.Contains(ehlo, "SIZE 1048576") {
		t.Errorf("Wrong EHLO reply: %q", ehlo)
	}

	s.Cmd("RCPT TO:<bob@example.org>", 503)
	s.Cmd("DATA", 503)
	s.Cmd("MAIL FROM:<alice@example.org> BODY=8BITMIME", 250)
	s.Cmd("MAIL FROM:<alice@example.org>", 503)
	s.Cmd("DATA", 503)
	s.Cmd("RCPT TO:bob", 501)
	s.Cmd("RCPT TO:<>", 501)
	s.Cmd("RCPT TO:<bob@example.org>", 250)
	s.Cmd("rcpt to:<carol@example.org>", 250)
	s.Cmd("DATA", 354)
	s.SendRaw("Subject: hello\r\n\r\nfirst line\r\n..dotted\r\n.\r\n")
	s.Expect(250)

	if msg.from != "alice@example.org" {
		t.Errorf("Wrong sender: %q", msg.from)
	}
	if len(msg.to) != 2 || msg.to[0] != "bob@example.org" || msg.to[1] != "carol@example.org" {
		t.Errorf("Wrong recipients: %v", msg.to)
	}
	if msg.subject != "hello" {
		t.Errorf("Wrong subject: %q", msg.subject)
	}
	if msg.body != "first line\r\n.dotted\r\n" {
		t.Errorf("Wrong body: %q", msg.body)
	}

	// A new transaction can start right after DATA.
	s.Cmd("DATA", 503)
	s.Cmd("MAIL FROM:<>", 250)
	s.Cmd("RCPT TO:<postmaster>", 250)
	s.Cmd("DATA", 354)
	s.SendRaw(".\r\n")
	s.Expect(250)
	if msg.from != "" || msg.body != "" {
		t.Errorf("Wrong second message: %+v", msg)
	}

	s.Cmd("QUIT", 221)
	s.ExpectClosed()
}

func TestSession_UnknownCommand(t *testing.T) {
	reg := coreRegistry(t)
	reg.Freeze()
	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Expect(220)

	for _, line := range []string{"XYZZY", "", "   ", "MAI", "MAIL1 FROM:<a@b>", "NO0P"} {
		s.Cmd(line, 500)
	}
	for _, line := range []string{"INIT", "TERM", "BODY", "ALOU", "ALOP", "aplp dGVzdA=="} {
		s.Cmd(line, 503)
	}
	s.Cmd("noop", 250)
}

func TestSession_PseudoVerb(t *testing.T) {
	reg := coreRegistry(t)
	var called int32
	err := reg.Register("XSTEP", func(c *smtpd.Context, verb, arg string, _ *smtpd.Conn) smtpd.Status {
		atomic.AddInt32(&called, 1)
		if verb != "XSTEP" || arg != "one" {
			t.Errorf("Handler got %q %q", verb, arg)
		}
		c.Reply(250, "Stepped")
		return smtpd.StatusOK
	}, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	reg.Freeze()

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Expect(220)

	s.Cmd("XSTEP one", 250)
	if atomic.LoadInt32(&called) != 1 {
		t.Error("Pseudo-verb handler was not called")
	}
	if help := s.Cmd("HELP", 214); strings.Contains(help, "XSTEP") {
		t.Errorf("Pseudo-verb is listed in HELP: %q", help)
	}
}

func TestSession_LifecycleNotReentered(t *testing.T) {
	reg := coreRegistry(t)
	var inits int32
	register(t, reg, "INIT", -10, func(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
		atomic.AddInt32(&inits, 1)
		c.Inherit()
		return smtpd.StatusOK
	})
	reg.Freeze()

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Expect(220)

	s.Cmd("INIT", 503)
	s.Cmd("NOOP", 250)
	if n := atomic.LoadInt32(&inits); n != 1 {
		t.Errorf("INIT handler called %d times", n)
	}
}

func TestSession_CommandTooLong(t *testing.T) {
	reg := coreRegistry(t)
	reg.Freeze()
	s := testutils.StartSession(t, reg, smtpd.Options{MaxLineLength: 64})
	defer s.Close()
	s.Expect(220)

	s.Cmd("NOOP "+strings.Repeat("x", 57), 250)
	s.Send("NOOP " + strings.Repeat("x", 58))
	s.Expect(421)
	s.ExpectClosed()
}

func TestSession_Inherit(t *testing.T) {
	reg := coreRegistry(t)
	register(t, reg, "MAIL", 10, func(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
		c.Inherit()
		return smtpd.StatusOK
	})
	register(t, reg, "RCPT", 10, func(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
		c.Reply(550, "5.1.1 No such user")
		return smtpd.StatusOK
	})
	reg.Freeze()

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Expect(220)

	if text := s.Cmd("MAIL FROM:<alice@example.org>", 250); text != "Envelope sender ok" {
		t.Errorf("Inherited reply text = %q", text)
	}
	if text := s.Cmd("RCPT TO:<bob@example.org>", 550); text != "5.1.1 No such user" {
		t.Errorf("Overridden reply text = %q", text)
	}
}

func TestSession_PrevReply(t *testing.T) {
	reg := coreRegistry(t)
	var seen []int
	register(t, reg, "RCPT", 10, func(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
		code, _, _ := c.PrevReply()
		seen = append(seen, code)
		if !c.PrevSucceeded() {
			c.Inherit()
			return smtpd.StatusOK
		}
		c.UndoEnvelope("RCPT")
		c.Reply(550, "5.7.1 Recipient refused")
		return smtpd.StatusOK
	})
	reg.Freeze()

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Expect(220)

	// The core handler breaks the walk on syntax errors.
	s.Cmd("RCPT TO:bob", 503)
	s.Cmd("MAIL FROM:<alice@example.org>", 250)
	s.Cmd("RCPT TO:<bob@example.org>", 550)
	// No recipient was left in the envelope.
	s.Cmd("DATA", 503)
	if len(seen) != 1 || seen[0] != 250 {
		t.Errorf("Previous replies seen by the filter: %v", seen)
	}
}

func TestSession_Break(t *testing.T) {
	reg := coreRegistry(t)
	var after int32
	register(t, reg, "MAIL", -5, func(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
		c.Reply(550, "5.7.1 Sender rejected")
		return smtpd.StatusBreak
	})
	register(t, reg, "MAIL", 5, func(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
		atomic.AddInt32(&after, 1)
		return smtpd.StatusOK
	})
	reg.Freeze()

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Expect(220)

	s.Cmd("MAIL FROM:<alice@example.org>", 550)
	// The core handler did not run, so there is no sender.
	s.Cmd("RCPT TO:<bob@example.org>", 503)
	if atomic.LoadInt32(&after) != 0 {
		t.Error("Handler after BREAK was called")
	}
}

func TestSession_Fallback(t *testing.T) {
	reg := coreRegistry(t)
	register(t, reg, "XNOR", 0, func(*smtpd.Context, string, string, *smtpd.Conn) smtpd.Status {
		return smtpd.StatusOK
	})
	register(t, reg, "XIGN", 0, func(*smtpd.Context, string, string, *smtpd.Conn) smtpd.Status {
		return smtpd.StatusIgnore
	})
	reg.Freeze()

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Expect(220)

	s.Cmd("XNOR", 451)
	s.Send("XIGN")
	s.Cmd("NOOP", 250)
}

func TestSession_Chain(t *testing.T) {
	reg := coreRegistry(t)
	var gotArg string
	register(t, reg, "XONE", 0, func(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
		c.Reply(250, "first")
		if !c.Redirect("XTWO") {
			t.Error("Redirect failed")
		}
		return smtpd.StatusChain
	})
	register(t, reg, "XTWO", 0, func(c *smtpd.Context, _, arg string, _ *smtpd.Conn) smtpd.Status {
		gotArg = arg
		c.Reply(251, "second")
		return smtpd.StatusOK
	})
	register(t, reg, "XSIL", 0, func(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
		c.Redirect("XTWO")
		return smtpd.StatusChain
	})
	reg.Freeze()

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Expect(220)

	s.Send("XONE some arg")
	if text := s.Expect(250); text != "first" {
		t.Errorf("First reply = %q", text)
	}
	if text := s.Expect(251); text != "second" {
		t.Errorf("Second reply = %q", text)
	}
	if gotArg != "some arg" {
		t.Errorf("Chained handler got arg %q", gotArg)
	}

	s.Cmd("XSIL", 251)
	s.Cmd("NOOP", 250)
}

func TestSession_Abort(t *testing.T) {
	reg := coreRegistry(t)
	register(t, reg, "MAIL", -1, func(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
		c.Reply(421, "4.7.0 Go away")
		return smtpd.StatusAbort
	})
	reg.Freeze()

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Expect(220)

	s.Cmd("MAIL FROM:<alice@example.org>", 421)
	s.ExpectClosed()
}

func TestSession_QuitRunsAllHandlers(t *testing.T) {
	reg := coreRegistry(t)
	var called int32
	register(t, reg, "QUIT", 10, func(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
		atomic.AddInt32(&called, 1)
		c.Inherit()
		return smtpd.StatusOK
	})
	reg.Freeze()

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Expect(220)
	s.Cmd("QUIT", 221)
	s.ExpectClosed()
	if atomic.LoadInt32(&called) != 1 {
		t.Error("Handler after QUIT was not called")
	}
}

func TestSession_NoGreeting(t *testing.T) {
	reg := smtpd.NewRegistry()
	var terms int32
	register(t, reg, "INIT", 0, func(*smtpd.Context, string, string, *smtpd.Conn) smtpd.Status {
		return smtpd.StatusIgnore
	})
	register(t, reg, "TERM", 0, func(*smtpd.Context, string, string, *smtpd.Conn) smtpd.Status {
		atomic.AddInt32(&terms, 1)
		return smtpd.StatusIgnore
	})
	reg.Freeze()

	s := testutils.StartSession(t, reg, smtpd.Options{})
	s.ExpectClosed()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&terms) != 1 {
		t.Errorf("TERM called %d times", terms)
	}
}

func TestSession_TermAndReset(t *testing.T) {
	reg := coreRegistry(t)
	var (
		terms  int32
		resets int32
	)
	register(t, reg, "TERM", 0, func(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
		atomic.AddInt32(&terms, 1)
		c.Reply(250, "must not be sent")
		return smtpd.StatusOK
	})
	reg.OnReset(func(c *smtpd.Context) {
		atomic.AddInt32(&resets, 1)
	})
	reg.Freeze()

	s := testutils.StartSession(t, reg, smtpd.Options{})
	s.Expect(220)
	s.Cmd("MAIL FROM:<alice@example.org>", 250)
	s.Cmd("RSET", 250)
	s.Cmd("MAIL FROM:<alice@example.org>", 250)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	if atomic.LoadInt32(&terms) != 1 {
		t.Errorf("TERM called %d times", terms)
	}
	// RSET and the teardown.
	if atomic.LoadInt32(&resets) != 2 {
		t.Errorf("Reset hooks called %d times", resets)
	}
}

func TestSession_AuthLogin(t *testing.T) {
	reg := coreRegistry(t)
	var user, pass, mech string
	register(t, reg, "ALOP", 10, func(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
		user, pass, mech = c.AuthUser, c.AuthPassword, c.AuthType
		c.Inherit()
		return smtpd.StatusOK
	})
	reg.Freeze()

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Expect(220)

	if prompt := s.Cmd("AUTH LOGIN", 334); prompt != "VXNlcm5hbWU6" {
		t.Errorf("Wrong username prompt: %q", prompt)
	}
	if prompt := s.Cmd(b64("alice"), 334); prompt != "UGFzc3dvcmQ6" {
		t.Errorf("Wrong password prompt: %q", prompt)
	}
	s.Cmd(b64("secret"), 250)

	if user != "alice" || pass != "secret" || mech != "LOGIN" {
		t.Errorf("Wrong credentials: %q %q %q", user, pass, mech)
	}
	s.Cmd("AUTH PLAIN "+b64("\x00alice\x00secret"), 503)
}

func TestSession_AuthLoginInitialResponse(t *testing.T) {
	reg := coreRegistry(t)
	reg.Freeze()
	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Expect(220)

	s.Cmd("AUTH login "+b64("alice"), 334)
	s.Cmd(b64("secret"), 250)
}

func TestSession_AuthAbort(t *testing.T) {
	reg := coreRegistry(t)
	reg.Freeze()
	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Expect(220)

	s.Cmd("AUTH LOGIN", 334)
	s.Cmd("*", 501)

	s.Cmd("AUTH LOGIN", 334)
	s.Cmd(b64("alice"), 334)
	s.Cmd("*", 501)

	// Nothing is left over from the aborted exchanges.
	s.Cmd("AUTH LOGIN", 334)
	s.Cmd("!!!not base64", 501)
	s.Cmd("AUTH PLAIN", 334)
	s.Cmd("*", 501)
	s.Cmd("AUTH PLAIN "+b64("\x00alice\x00secret"), 250)
}

func TestSession_AuthPlain(t *testing.T) {
	reg := coreRegistry(t)
	var user, pass string
	register(t, reg, "APLP", 10, func(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
		user, pass = c.AuthUser, c.AuthPassword
		if c.AuthPassword != "secret" {
			c.ClearAuth()
			c.Reply(535, "5.7.8 Authentication credentials invalid")
			return smtpd.StatusBreak
		}
		c.Inherit()
		return smtpd.StatusOK
	})
	reg.Freeze()

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Expect(220)

	s.Cmd("AUTH PLAIN "+b64("\x00alice\x00wrong"), 535)
	if prompt := s.Cmd("AUTH PLAIN", 334); prompt != "" {
		t.Errorf("Non-empty PLAIN prompt: %q", prompt)
	}
	s.Cmd(b64("admin\x00alice\x00secret"), 250)
	if user != "alice" || pass != "secret" {
		t.Errorf("Wrong credentials: %q %q", user, pass)
	}
}

func TestSession_AuthErrors(t *testing.T) {
	reg := coreRegistry(t)
	reg.Freeze()
	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Expect(220)

	s.Cmd("AUTH", 501)
	s.Cmd("AUTH CRAM-MD5", 504)
	s.Cmd("AUTH PLAIN !!!", 501)
	s.Cmd("AUTH PLAIN "+b64("alice:secret"), 501)
	s.Cmd("NOOP", 250)
}

func TestSession_SizeLimits(t *testing.T) {
	reg := coreRegistry(t)
	reg.Freeze()
	s := testutils.StartSession(t, reg, smtpd.Options{MaxMessageSize: 64, MaxHeaderSize: 32})
	defer s.Close()
	s.Expect(220)

	s.Cmd("MAIL FROM:<alice@example.org>", 250)
	s.Cmd("RCPT TO:<bob@example.org>", 250)
	s.Cmd("DATA", 354)
	s.SendRaw("Subject: x\r\n\r\n" + strings.Repeat("y", 100) + "\r\n.\r\n")
	s.Expect(552)
	s.Cmd("NOOP", 250)

	s.Cmd("MAIL FROM:<alice@example.org>", 250)
	s.Cmd("RCPT TO:<bob@example.org>", 250)
	s.Cmd("DATA", 354)
	s.SendRaw("Subject: " + strings.Repeat("x", 40) + "\r\n\r\nbody\r\n.\r\n")
	s.Expect(552)

	s.Cmd("MAIL FROM:<alice@example.org>", 250)
	s.Cmd("RCPT TO:<bob@example.org>", 250)
	s.Cmd("DATA", 354)
	s.SendRaw("not a header\r\n\r\nbody\r\n.\r\n")
	s.Expect(500)
	s.Cmd("NOOP", 250)
}

func TestSession_ReplyHook(t *testing.T) {
	reg := coreRegistry(t)
	var codes []int
	reg.OnReply(func(_ *smtpd.Context, verb string, code int) {
		codes = append(codes, code)
	})
	reg.Freeze()

	s := testutils.StartSession(t, reg, smtpd.Options{})
	s.Expect(220)
	s.Cmd("NOOP", 250)
	s.Cmd("QUIT", 221)
	s.ExpectClosed()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if len(codes) != 3 || codes[0] != 220 || codes[1] != 250 || codes[2] != 221 {
		t.Errorf("Reply hook got %v", codes)
	}
}

func TestServe_ContextCancel(t *testing.T) {
	reg := coreRegistry(t)
	reg.Freeze()

	srv, cl := net.Pipe()
	defer cl.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- smtpd.Serve(ctx, reg, srv, smtpd.Options{
			Hostname:   "mx.example.invalid",
			ScratchDir: t.TempDir(),
			Log:        testutils.Logger(t, "smtpd"),
		})
	}()

	buf := make([]byte, 512)
	if _, err := cl.Read(buf); err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal("Unexpected error:", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestSession_ReplyHookProtocolErrors(t *testing.T) {
	reg := coreRegistry(t)
	var codes []int
	reg.OnReply(func(_ *smtpd.Context, _ string, code int) {
		codes = append(codes, code)
	})
	reg.Freeze()

	s := testutils.StartSession(t, reg, smtpd.Options{MaxLineLength: 64})
	s.Expect(220)
	s.Cmd("XYZZY", 500)
	s.Send("NOOP " + strings.Repeat("x", 58))
	s.Expect(421)
	s.ExpectClosed()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if len(codes) != 3 || codes[0] != 220 || codes[1] != 500 || codes[2] != 421 {
		t.Errorf("Reply hook got %v", codes)
	}
}

func TestSession_Stage(t *testing.T) {
	reg := coreRegistry(t)
	var (
		mu     sync.Mutex
		stages []string
	)
	record := func(c *smtpd.Context, verb, _ string, _ *smtpd.Conn) smtpd.Status {
		mu.Lock()
		stages = append(stages, verb+"/"+c.Stage())
		mu.Unlock()
		c.Inherit()
		return smtpd.StatusOK
	}
	// DATA runs before the core handler so its CHAIN to BODY stays last.
	for verb, prio := range map[string]int{"INIT": 10, "DATA": -10, "BODY": 10, "TERM": 10} {
		if err := reg.Register(verb, record, prio, false); err != nil {
			t.Fatal(err)
		}
	}
	reg.Freeze()

	s := testutils.StartSession(t, reg, smtpd.Options{})
	s.Greet()
	if code, text := s.SendMessage("alice@example.org", []string{"bob@example.org"}, "Subject: test\r\n\r\nHello\r\n"); code != 250 {
		t.Fatalf("Message not accepted: %d %s", code, text)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"/INIT", "DATA/DATA", "DATA/BODY", "/TERM"}
	if strings.Join(stages, " ") != strings.Join(want, " ") {
		t.Errorf("Handlers saw %v, want %v", stages, want)
	}
}

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

package proxy

import (
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/exterrors"
	"github.com/foxcpp/mailfilter/framework/smtpd"
	"github.com/foxcpp/mailfilter/internal/testutils"
)

func testProxy(t *testing.T, target string, configure ...func(*Proxy)) *smtpd.Registry {
	t.Helper()

	p := &Proxy{
		instName:          "test",
		log:               testutils.Logger(t, modName),
		hostname:          "proxy.example.invalid",
		forwardAuth:       true,
		priority:          90,
		commandTimeout:    5 * time.Second,
		submissionTimeout: 5 * time.Second,
		connKey:           smtpd.NewPrivKey(),
	}
	endp, err := config.ParseEndpoint(target)
	if err != nil {
		t.Fatal(err)
	}
	p.endp = endp
	for _, f := range configure {
		f(p)
	}

	reg := smtpd.NewRegistry()
	if err := smtpd.RegisterCore(reg); err != nil {
		t.Fatal(err)
	}
	if err := p.RegisterHandlers(reg); err != nil {
		t.Fatal(err)
	}
	reg.Freeze()
	return reg
}

const testMsg = "Subject: test\n\nHello\n"

func TestProxy_Relay(t *testing.T) {
	up := testutils.StartUpstream(t)
	reg := testProxy(t, "tcp://"+up.Addr)

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Greet()

	if code, text := s.SendMessage("foo@example.org", []string{"a@example.org", "b@example.org"}, testMsg); code != 250 {
		t.Fatalf("Message not accepted: %d %s", code, text)
	}
	if code, text := s.SendMessage("bar@example.org", []string{"c@example.org"}, testMsg); code != 250 {
		t.Fatalf("Second message not accepted: %d %s", code, text)
	}
	s.Cmd("QUIT", 221)

	msg := testutils.CheckUpstreamMsg(t, up, 0, "foo@example.org", []string{"a@example.org", "b@example.org"})
	if got := msg.Header.Get("Subject"); got != "test" {
		t.Errorf("Wrong Subject: %q", got)
	}
	if string(msg.Body) != "Hello\r\n" {
		t.Errorf("Wrong body: %q", msg.Body)
	}
	testutils.CheckUpstreamMsg(t, up, 1, "bar@example.org", []string{"c@example.org"})

	if up.Sessions() != 1 {
		t.Errorf("Wrong count of upstream sessions: %d", up.Sessions())
	}
}

func TestProxy_UpstreamReject(t *testing.T) {
	up := testutils.StartUpstream(t, func(u *testutils.Upstream) {
		u.BodyErr = &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "Not today",
		}
	})
	reg := testProxy(t, "tcp://"+up.Addr)

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Greet()

	code, text := s.SendMessage("foo@example.org", []string{"a@example.org"}, testMsg)
	if code != 554 {
		t.Fatalf("Expected upstream reply, got %d %s", code, text)
	}

	// The upstream session is still usable.
	s.Cmd("MAIL FROM:<foo@example.org>", 250)
	s.Cmd("RSET", 250)
	s.Cmd("MAIL FROM:<foo@example.org>", 250)
}

func TestProxy_Auth(t *testing.T) {
	up := testutils.StartUpstream(t, func(u *testutils.Upstream) {
		u.Users = map[string]string{"user": "pass"}
	})
	reg := testProxy(t, "tcp://"+up.Addr)

	plain := func(user, pass string) string {
		return base64.StdEncoding.EncodeToString([]byte("\x00" + user + "\x00" + pass))
	}

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Greet()

	s.Cmd("AUTH PLAIN "+plain("user", "wrong"), 535)
	s.Cmd("AUTH PLAIN "+plain("user", "pass"), 250)

	if code, text := s.SendMessage("foo@example.org", []string{"a@example.org"}, testMsg); code != 250 {
		t.Fatalf("Message not accepted: %d %s", code, text)
	}
	msg := testutils.CheckUpstreamMsg(t, up, 0, "foo@example.org", []string{"a@example.org"})
	if msg.AuthUser != "user" {
		t.Errorf("Wrong upstream user: %q", msg.AuthUser)
	}
}

func TestProxy_Unavailable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	reg := testProxy(t, "tcp://"+addr)

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Expect(421)
	s.ExpectClosed()
}

func TestProxy_UpstreamGone(t *testing.T) {
	up := testutils.StartUpstream(t)
	reg := testProxy(t, "tcp://"+up.Addr)

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Greet()

	up.Close()
	s.Send("MAIL FROM:<foo@example.org>")
	s.Expect(421)
	s.ExpectClosed()
}

func TestInit(t *testing.T) {
	for _, tc := range []struct {
		args  []string
		valid bool
	}{
		{[]string{"tcp://127.0.0.1:25"}, true},
		{[]string{"tls://smtp.example.org:465"}, true},
		{[]string{"unix:///run/smtp.sock"}, false},
		{nil, false},
	} {
		mod, err := New(modName, "test", nil, tc.args)
		if err != nil {
			t.Fatal(err)
		}
		err = mod.Init(config.NewMap(nil, config.Node{}))
		if tc.valid && err != nil {
			t.Errorf("%v: unexpected error: %v", tc.args, err)
		}
		if !tc.valid && err == nil {
			t.Errorf("%v: expected an error", tc.args)
		}
	}
}

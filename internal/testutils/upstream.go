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
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/mailfilter/framework/smtpd"
)

// UpstreamMsg is a message accepted by Upstream.
type UpstreamMsg struct {
	From     string
	To       []string
	Header   textproto.Header
	Body     []byte
	AuthUser string
}

// Upstream is an SMTP server on a loopback port that records received
// messages. It is used as the next hop in proxy tests.
type Upstream struct {
	Addr string

	// Users enables AUTH. A nil map accepts no credentials.
	Users map[string]string
	// BodyErr is sent in reply to the end of data if set.
	BodyErr error

	mu       sync.Mutex
	messages []UpstreamMsg
	sessions int

	l      net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartUpstream starts the server. It is stopped by t.Cleanup.
func StartUpstream(t *testing.T, configure ...func(*Upstream)) *Upstream {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	u := &Upstream{Addr: l.Addr().String(), l: l}
	for _, f := range configure {
		f(u)
	}

	reg := smtpd.NewRegistry()
	if err := smtpd.RegisterCore(reg); err != nil {
		t.Fatal(err)
	}
	for _, verb := range []string{"ALOP", "APLP"} {
		if err := reg.Register(verb, u.checkAuth, 10, false); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.Register("BODY", u.record, 100, false); err != nil {
		t.Fatal(err)
	}
	reg.Freeze()

	opts := smtpd.Options{
		Hostname:   "upstream.example.invalid",
		ScratchDir: t.TempDir(),
		Log:        Logger(t, "upstream"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			u.mu.Lock()
			u.sessions++
			u.mu.Unlock()
			u.wg.Add(1)
			go func() {
				defer u.wg.Done()
				smtpd.Serve(ctx, reg, conn, opts)
			}()
		}
	}()

	t.Cleanup(u.Close)
	return u
}

func (u *Upstream) checkAuth(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
	if !c.PrevSucceeded() {
		c.Inherit()
		return smtpd.StatusOK
	}
	if pass, ok := u.Users[c.AuthUser]; !ok || pass != c.AuthPassword {
		c.ClearAuth()
		c.Reply(535, "5.7.8 Authentication credentials invalid")
		return smtpd.StatusBreak
	}
	// SMTP clients expect 235 rather than the 250 sent by the core.
	c.Reply(235, "2.7.0 Authentication successful")
	return smtpd.StatusOK
}

func (u *Upstream) record(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
	if !c.PrevSucceeded() {
		c.Inherit()
		return smtpd.StatusOK
	}
	if u.BodyErr != nil {
		c.ReplyError(u.BodyErr)
		return smtpd.StatusBreak
	}

	r, err := c.Body.Open()
	if err != nil {
		c.ReplyError(err)
		return smtpd.StatusBreak
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		c.ReplyError(err)
		return smtpd.StatusBreak
	}

	msg := UpstreamMsg{
		From:     c.ReversePath.Address(),
		Header:   c.Header.Copy(),
		Body:     body,
		AuthUser: c.AuthUser,
	}
	for _, p := range c.ForwardPaths {
		msg.To = append(msg.To, p.Address())
	}

	u.mu.Lock()
	u.messages = append(u.messages, msg)
	u.mu.Unlock()

	c.Inherit()
	return smtpd.StatusOK
}

// Messages returns a copy of the recorded messages.
func (u *Upstream) Messages() []UpstreamMsg {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]UpstreamMsg(nil), u.messages...)
}

// Sessions returns the number of accepted connections.
func (u *Upstream) Sessions() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessions
}

func (u *Upstream) Close() {
	u.l.Close()
	u.cancel()
	u.wg.Wait()
}

// CheckUpstreamMsg fails the test if the message at index i does not have
// the expected envelope.
func CheckUpstreamMsg(t *testing.T, u *Upstream, i int, from string, to []string) UpstreamMsg {
	t.Helper()

	msgs := u.Messages()
	if len(msgs) <= i {
		t.Fatalf("Wrong amount of messages received, want at least %d, got %d", i+1, len(msgs))
	}
	msg := msgs[i]
	if msg.From != from {
		t.Errorf("Wrong sender, want %s, got %s", from, msg.From)
	}

	got := append([]string(nil), msg.To...)
	want := append([]string(nil), to...)
	sort.Strings(got)
	sort.Strings(want)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Wrong recipients, want %v, got %v", want, got)
	}
	return msg
}

// CheckSMTPErr fails the test unless err is an SMTP reply with the
// specified code. The enhanced code is compared only if it is set.
func CheckSMTPErr(t *testing.T, err error, code int, enchCode smtp.EnhancedCode) {
	t.Helper()

	if err == nil {
		t.Error("Expected an error, got none")
		return
	}
	var se *smtp.SMTPError
	if !errors.As(err, &se) {
		t.Errorf("Not an SMTP error: %v", err)
		return
	}
	if se.Code != code {
		t.Errorf("Wrong code: %d %s", se.Code, se.Message)
	}
	if enchCode != (smtp.EnhancedCode{}) && se.EnhancedCode != enchCode {
		t.Errorf("Wrong enhanced code: %v", se.EnhancedCode)
	}
}

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

package rspamd

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxcpp/mailfilter/framework/config"
	modconfig "github.com/foxcpp/mailfilter/framework/config/module"
	"github.com/foxcpp/mailfilter/framework/smtpd"
	"github.com/foxcpp/mailfilter/internal/testutils"
)

type fakeRspamd struct {
	*httptest.Server

	mu       sync.Mutex
	resp     response
	status   int
	requests []*http.Request
	bodies   []string
}

func startRspamd(t *testing.T) *fakeRspamd {
	f := &fakeRspamd{status: http.StatusOK}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		defer f.mu.Unlock()
		f.requests = append(f.requests, r)
		f.bodies = append(f.bodies, string(body))

		if r.URL.Path != "/checkv2" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if f.status != http.StatusOK {
			w.WriteHeader(f.status)
			return
		}
		_ = json.NewEncoder(w).Encode(f.resp)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeRspamd) set(action string, score float64, subject string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resp = response{Action: action, Score: score, Subject: subject}
}

func testRegistry(t *testing.T, srv *fakeRspamd, capture func(*smtpd.Context)) *smtpd.Registry {
	t.Helper()

	c := &Check{
		instName:          "test",
		log:               testutils.Logger(t, modName),
		apiPath:           srv.URL,
		tag:               "mailfilter",
		timeout:           5 * time.Second,
		addHdrAction:      modconfig.FailAction{Quarantine: true},
		rewriteSubjAction: modconfig.FailAction{Quarantine: true},
		client:            srv.Client(),
	}
	reg := smtpd.NewRegistry()
	if err := smtpd.RegisterCore(reg); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterHandlers(reg); err != nil {
		t.Fatal(err)
	}
	if capture != nil {
		err := reg.Register("BODY", func(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
			if c.PrevSucceeded() {
				capture(c)
			}
			c.Inherit()
			return smtpd.StatusOK
		}, 1000, false)
		if err != nil {
			t.Fatal(err)
		}
	}
	reg.Freeze()
	return reg
}

const testMsg = "Subject: test\n\nHello\n"

func TestRspamd_Request(t *testing.T) {
	srv := startRspamd(t)
	srv.set("no action", 0.5, "")
	reg := testRegistry(t, srv, nil)

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Greet()

	if code, text := s.SendMessage("foo@example.org", []string{"a@example.org", "b@example.org"}, testMsg); code != 250 {
		t.Fatalf("Message not accepted: %d %s", code, text)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.requests) != 1 {
		t.Fatalf("Wrong count of requests: %d", len(srv.requests))
	}
	r := srv.requests[0]
	if r.Method != http.MethodPost {
		t.Errorf("Wrong method: %s", r.Method)
	}
	if got := r.Header.Get("From"); got != "foo@example.org" {
		t.Errorf("Wrong From: %s", got)
	}
	if got := r.Header.Values("Rcpt"); strings.Join(got, ",") != "a@example.org,b@example.org" {
		t.Errorf("Wrong Rcpt: %v", got)
	}
	if got := r.Header.Get("Helo"); got != "client.example.invalid" {
		t.Errorf("Wrong Helo: %s", got)
	}
	if got := r.Header.Get("MTA-Tag"); got != "mailfilter" {
		t.Errorf("Wrong MTA-Tag: %s", got)
	}
	if want := "Subject: test\r\n\r\nHello\r\n"; srv.bodies[0] != want {
		t.Errorf("Wrong message:\n%q\nwant:\n%q", srv.bodies[0], want)
	}
}

func TestRspamd_Actions(t *testing.T) {
	srv := startRspamd(t)

	type result struct {
		quarantine bool
		flag       string
		score      string
		subject    string
	}
	var last result
	reg := testRegistry(t, srv, func(c *smtpd.Context) {
		last = result{
			quarantine: c.Quarantine,
			flag:       c.Header.Get("X-Spam-Flag"),
			score:      c.Header.Get("X-Spam-Score"),
			subject:    c.Header.Get("Subject"),
		}
	})

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Greet()

	test := func(action string, subject string, code int, want result) {
		t.Helper()
		last = result{}
		srv.set(action, 7.5, subject)
		got, text := s.SendMessage("foo@example.org", []string{"bar@example.org"}, testMsg)
		if got != code {
			t.Errorf("%s: want %d, got %d %s", action, code, got, text)
			return
		}
		if last != want {
			t.Errorf("%s: want %+v, got %+v", action, want, last)
		}
	}

	test("no action", "", 250, result{subject: "test"})
	test("greylist", "", 250, result{score: "7.50", subject: "test"})
	test("add header", "", 250, result{quarantine: true, flag: "Yes", score: "7.50", subject: "test"})
	test("rewrite subject", "***SPAM*** test", 250,
		result{quarantine: true, flag: "Yes", score: "7.50", subject: "***SPAM*** test"})
	test("soft reject", "", 450, result{})
	test("reject", "", 550, result{})
}

func TestRspamd_ErrorResponse(t *testing.T) {
	srv := startRspamd(t)
	srv.status = http.StatusInternalServerError
	reg := testRegistry(t, srv, nil)

	s := testutils.StartSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Greet()

	// The default error_resp_action is ignore.
	if code, text := s.SendMessage("foo@example.org", []string{"bar@example.org"}, testMsg); code != 250 {
		t.Errorf("Message not accepted: %d %s", code, text)
	}
}

func TestInit(t *testing.T) {
	mod, err := New(modName, "test", nil, []string{"http://rspamd.example.invalid:11333/"})
	if err != nil {
		t.Fatal(err)
	}
	c := mod.(*Check)
	err = c.Init(config.NewMap(nil, config.Node{
		Children: []config.Node{
			{Name: "flags", Args: []string{"pass_all", "groups"}},
			{Name: "io_error_action", Args: []string{"reject"}},
		},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if c.apiPath != "http://rspamd.example.invalid:11333" {
		t.Errorf("Wrong API path: %s", c.apiPath)
	}
	if c.flags != "pass_all,groups" {
		t.Errorf("Wrong flags: %s", c.flags)
	}
	if !c.ioErrAction.Reject || !c.addHdrAction.Quarantine {
		t.Errorf("Wrong actions: %+v %+v", c.ioErrAction, c.addHdrAction)
	}

	if _, err := New(modName, "test", nil, []string{"a", "b"}); err == nil {
		t.Error("Extra inline arguments accepted")
	}
}

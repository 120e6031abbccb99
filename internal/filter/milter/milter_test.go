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

package milter

import (
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/smtpd"
	"github.com/foxcpp/mailfilter/internal/testutils"
)

func TestAcceptValidEndpoints(t *testing.T) {
	for _, endpoint := range []string{
		"tcp://0.0.0.0:10025",
		"tcp://[::]:10025",
		"tcp:127.0.0.1:10025",
		"unix://path",
		"unix:path",
		"unix:/path",
		"unix:///path",
		"unix://also/path",
		"unix:///also/path",
	} {
		c := &Check{milterUrl: endpoint}

		err := c.Init(config.NewMap(nil, config.Node{}))
		if err != nil {
			t.Errorf("Unexpected failure for %s: %v", endpoint, err)
			return
		}
	}
}

func TestRejectInvalidEndpoints(t *testing.T) {
	for _, endpoint := range []string{
		"",
		"tls://0.0.0.0:10025",
		"tls:0.0.0.0:10025",
	} {
		c := &Check{milterUrl: endpoint}
		err := c.Init(config.NewMap(nil, config.Node{}))
		if err == nil {
			t.Errorf("Accepted invalid endpoint: %q", endpoint)
			return
		}
	}
}

// fakeMilter is a minimal milter speaking protocol version 6. Every
// command except option negotiation, macros, abort and quit gets a reply.
type fakeMilter struct {
	l net.Listener

	mu sync.Mutex
	// Replies by command code, Continue if missing. The first byte is the
	// response code.
	replies map[byte]string
	// Modification packets sent before the reply to the end of body.
	mods     []string
	sessions int
	conns    []string
	helos    []string
	senders  []string
	rcpts    []string
	headers  []string
	bodies   []string
}

func startMilter(t *testing.T) *fakeMilter {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	m := &fakeMilter{l: l, replies: map[byte]string{}}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			m.mu.Lock()
			m.sessions++
			m.mu.Unlock()
			go m.serve(conn)
		}
	}()
	t.Cleanup(func() { l.Close() })
	return m
}

func (m *fakeMilter) set(code byte, reply string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[code] = reply
}

func readPacket(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func writePacket(w io.Writer, data string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := io.WriteString(w, data)
	return err
}

func cStrings(data []byte) []string {
	return strings.Split(strings.TrimSuffix(string(data), "\x00"), "\x00")
}

func (m *fakeMilter) serve(conn net.Conn) {
	defer conn.Close()
	for {
		pkt, err := readPacket(conn)
		if err != nil || len(pkt) == 0 {
			return
		}
		cmd, data := pkt[0], pkt[1:]

		m.mu.Lock()
		switch cmd {
		case 'O':
			// Echo the offered version and actions, skip no protocol steps.
			if len(data) >= 12 {
				binary.BigEndian.PutUint32(data[8:12], 0)
			}
			m.mu.Unlock()
			if writePacket(conn, "O"+string(data)) != nil {
				return
			}
			continue
		case 'D', 'A':
			m.mu.Unlock()
			continue
		case 'Q':
			m.mu.Unlock()
			return
		case 'C':
			m.conns = append(m.conns, cStrings(data)[0])
		case 'H':
			m.helos = append(m.helos, cStrings(data)[0])
		case 'M':
			m.senders = append(m.senders, cStrings(data)[0])
		case 'R':
			m.rcpts = append(m.rcpts, cStrings(data)[0])
		case 'L':
			kv := cStrings(data)
			m.headers = append(m.headers, kv[0]+": "+strings.TrimSpace(kv[1]))
		case 'B':
			m.bodies = append(m.bodies, string(data))
		}

		var out []string
		if cmd == 'E' {
			out = append(out, m.mods...)
		}
		reply, ok := m.replies[cmd]
		if !ok {
			reply = "c"
		}
		out = append(out, reply)
		m.mu.Unlock()

		for _, p := range out {
			if writePacket(conn, p) != nil {
				return
			}
		}
	}
}

func testRegistry(t *testing.T, endpoint string, failOpen bool, capture func(*smtpd.Context)) *smtpd.Registry {
	t.Helper()

	c := &Check{
		instName:  "test",
		milterUrl: endpoint,
		log:       testutils.Logger(t, modName),
		stateKey:  smtpd.NewPrivKey(),
	}
	err := c.Init(config.NewMap(nil, config.Node{
		Children: []config.Node{
			{Name: "timeout", Args: []string{"5s"}},
		},
	}))
	if err != nil {
		t.Fatal(err)
	}
	c.failOpen = failOpen

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

func TestMilter_Conversation(t *testing.T) {
	m := startMilter(t)
	m.mods = []string{"hX-Milter\x00yes\x00"}
	m.set('E', "a")

	var added string
	reg := testRegistry(t, "tcp://"+m.l.Addr().String(), false, func(c *smtpd.Context) {
		added = c.Header.Get("X-Milter")
	})

	s := testutils.StartTCPSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Greet()

	if code, text := s.SendMessage("foo@example.org", []string{"bar@example.org"}, testMsg); code != 250 {
		t.Fatalf("Message not accepted: %d %s", code, text)
	}
	if added != "yes" {
		t.Errorf("Added header field missing, got %q", added)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) != 1 || m.conns[0] != "[127.0.0.1]" {
		t.Errorf("Wrong connect info: %v", m.conns)
	}
	if len(m.helos) != 1 || m.helos[0] != "client.example.invalid" {
		t.Errorf("Wrong HELO: %v", m.helos)
	}
	if len(m.senders) != 1 || !strings.Contains(m.senders[0], "foo@example.org") {
		t.Errorf("Wrong sender: %v", m.senders)
	}
	if len(m.rcpts) != 1 || !strings.Contains(m.rcpts[0], "bar@example.org") {
		t.Errorf("Wrong recipients: %v", m.rcpts)
	}
	if len(m.headers) != 1 || m.headers[0] != "Subject: test" {
		t.Errorf("Wrong header: %v", m.headers)
	}
	if body := strings.Join(m.bodies, ""); body != "Hello\r\n" {
		t.Errorf("Wrong body: %q", body)
	}
}

func TestMilter_Rejects(t *testing.T) {
	m := startMilter(t)
	reg := testRegistry(t, "tcp://"+m.l.Addr().String(), false, nil)

	s := testutils.StartTCPSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Greet()

	m.set('M', "t")
	s.Cmd("MAIL FROM:<foo@example.org>", 450)

	m.set('M', "c")
	m.set('R', "r")
	s.Cmd("MAIL FROM:<foo@example.org>", 250)
	s.Cmd("RCPT TO:<bar@example.org>", 550)

	m.set('R', "y554 5.7.1 Go away\x00")
	s.Cmd("RCPT TO:<bar@example.org>", 554)

	m.set('R', "c")
	m.set('E', "r")
	s.Cmd("RCPT TO:<bar@example.org>", 250)
	s.Cmd("DATA", 354)
	s.SendRaw("Subject: test\r\n\r\nHello\r\n.\r\n")
	s.Expect(550)
}

func TestMilter_Quarantine(t *testing.T) {
	m := startMilter(t)
	m.mods = []string{"qsuspicious\x00"}

	var quarantined []bool
	reg := testRegistry(t, "tcp://"+m.l.Addr().String(), false, func(c *smtpd.Context) {
		quarantined = append(quarantined, c.Quarantine)
	})

	s := testutils.StartTCPSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Greet()

	if code, text := s.SendMessage("foo@example.org", []string{"bar@example.org"}, testMsg); code != 250 {
		t.Fatalf("Message not accepted: %d %s", code, text)
	}
	m.mu.Lock()
	m.mods = nil
	m.mu.Unlock()
	if code, text := s.SendMessage("foo@example.org", []string{"bar@example.org"}, testMsg); code != 250 {
		t.Fatalf("Message not accepted: %d %s", code, text)
	}

	if len(quarantined) != 2 || !quarantined[0] || quarantined[1] {
		t.Errorf("Wrong quarantine flags: %v", quarantined)
	}

	// Each transaction gets its own milter session.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions != 2 {
		t.Errorf("Wrong count of milter sessions: %d", m.sessions)
	}
	if len(m.helos) != 2 {
		t.Errorf("HELO not replayed: %v", m.helos)
	}
}

func TestMilter_AcceptConnection(t *testing.T) {
	m := startMilter(t)
	m.set('C', "a")
	reg := testRegistry(t, "tcp://"+m.l.Addr().String(), false, nil)

	s := testutils.StartTCPSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Greet()

	if code, text := s.SendMessage("foo@example.org", []string{"bar@example.org"}, testMsg); code != 250 {
		t.Fatalf("Message not accepted: %d %s", code, text)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.helos) != 0 || len(m.senders) != 0 {
		t.Errorf("Commands sent after connection accept: %v %v", m.helos, m.senders)
	}
}

func deadEndpoint(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return "tcp://" + addr
}

func TestMilter_Unavailable(t *testing.T) {
	reg := testRegistry(t, deadEndpoint(t), false, nil)

	s := testutils.StartTCPSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Expect(451)
	s.ExpectClosed()
}

func TestMilter_FailOpen(t *testing.T) {
	reg := testRegistry(t, deadEndpoint(t), true, nil)

	s := testutils.StartTCPSession(t, reg, smtpd.Options{})
	defer s.Close()
	s.Greet()

	if code, text := s.SendMessage("foo@example.org", []string{"bar@example.org"}, testMsg); code != 250 {
		t.Errorf("Message not accepted: %d %s", code, text)
	}
}

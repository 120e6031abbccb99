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
	"bytes"
	"errors"
	"io"
	"net/textproto"
	"strings"
	"testing"

	"github.com/foxcpp/mailfilter/framework/buffer"
)

func headerField(hc *HeaderCollector, key string) string {
	h := hc.Header()
	return h.Get(key)
}

func unstuff(in string) (string, bool, int) {
	var out bytes.Buffer
	u := NewUnstuffer(func(b byte) { out.WriteByte(b) })
	consumed := 0
	for i := 0; i < len(in) && !u.Done(); i++ {
		if err := u.WriteByte(in[i]); err != nil {
			break
		}
		consumed++
	}
	return out.String(), u.Done(), consumed
}

func TestUnstuffer(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
		out  string
		done bool
	}{
		{"simple", "Hello\r\n.\r\n", "Hello\r\n", true},
		{"empty body", ".\r\n", "", true},
		{"escaped dot line", "..\r\n.\r\n", ".\r\n", true},
		{"escaped leading dot", "..foo\r\n.\r\n", ".foo\r\n", true},
		{"single dot stripped", ".foo\r\n.\r\n", "foo\r\n", true},
		{"dot inside line", "a.b\r\n.\r\n", "a.b\r\n", true},
		{"bare LF is data", "a\n.\r\nb\r\n.\r\n", "a\n.\r\nb\r\n", true},
		{"dot CR without LF", ".\rx\r\n.\r\n", "\rx\r\n", true},
		{"dot CR CR LF", ".\r\r\n.\r\n", "\r\r\n", true},
		{"empty lines", "\r\n\r\n.\r\n", "\r\n\r\n", true},
		{"no terminator", "Hello\r\n..\r\n", "Hello\r\n.\r\n", false},
		{"terminator needs line start", "x.\r\n", "x.\r\n", false},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			out, done, _ := unstuff(tc.in)
			if out != tc.out {
				t.Errorf("Output = %q, want %q", out, tc.out)
			}
			if done != tc.done {
				t.Errorf("Done = %v, want %v", done, tc.done)
			}
		})
	}
}

func TestUnstuffer_StopsAtTerminator(t *testing.T) {
	_, done, consumed := unstuff("a\r\n.\r\nNEXT")
	if !done {
		t.Fatal("Terminator not found")
	}
	if consumed != len("a\r\n.\r\n") {
		t.Errorf("Consumed %d bytes", consumed)
	}

	u := NewUnstuffer(func(byte) {})
	for _, b := range []byte(".\r\n") {
		_ = u.WriteByte(b)
	}
	if err := u.WriteByte('x'); err == nil {
		t.Error("Expected an error for data after the terminator")
	}
}

func stuff(t *testing.T, msg string) string {
	t.Helper()
	var buf bytes.Buffer
	w := textproto.NewWriter(bufio.NewWriter(&buf))
	dw := w.DotWriter()
	if _, err := io.WriteString(dw, msg); err != nil {
		t.Fatal(err)
	}
	if err := dw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func TestReadBody_RoundTrip(t *testing.T) {
	for _, body := range []string{
		"Hello\r\n",
		".\r\n",
		"..\r\n",
		".leading dot\r\n",
		"line\r\n.\r\nafter fake terminator\r\n",
		"\r\n\r\nempty lines\r\n",
		strings.Repeat("long line ", 1000) + "\r\n",
	} {
		msg := "Subject: test\r\nFrom: <alice@example.org>\r\n\r\n" + body
		stuffed := stuff(t, msg)

		var out bytes.Buffer
		hc := NewHeaderCollector(DefaultMaxHeaderSize)
		res, err := ReadBody(bufio.NewReader(strings.NewReader(stuffed+"NEXT")), hc, &out, 0)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", body, err)
		}
		if !res.OK() {
			t.Fatalf("%q: unexpected result: %+v", body, res)
		}
		if out.String() != body {
			t.Errorf("Body = %q, want %q", out.String(), body)
		}
		if res.Size != int64(len(msg)) {
			t.Errorf("Size = %d, want %d", res.Size, len(msg))
		}
		if headerField(hc, "Subject") != "test" {
			t.Errorf("Wrong Subject: %q", headerField(hc, "Subject"))
		}
	}
}

func TestReadBody_NoHeaderSeparator(t *testing.T) {
	var out bytes.Buffer
	hc := NewHeaderCollector(DefaultMaxHeaderSize)
	res, err := ReadBody(bufio.NewReader(strings.NewReader("Subject: x\r\n.\r\n")), hc, &out, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Header != HeaderComplete {
		t.Fatalf("Header status = %v", res.Header)
	}
	if headerField(hc, "Subject") != "x" || out.Len() != 0 {
		t.Errorf("Wrong result: %q %q", headerField(hc, "Subject"), out.String())
	}
}

func TestReadBody_TooLarge(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("Subject: x\r\n\r\n" + strings.Repeat("a", 100) + "\r\n.\r\nNEXT"))
	res, err := ReadBody(r, NewHeaderCollector(0), io.Discard, 50)
	if err != nil {
		t.Fatal(err)
	}
	if !res.TooLarge || res.OK() {
		t.Errorf("Expected TooLarge, got %+v", res)
	}
	rest, _ := io.ReadAll(r)
	if string(rest) != "NEXT" {
		t.Errorf("Stream is out of sync, rest = %q", rest)
	}
}

func TestReadBody_HeaderErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		msg  string
		max  int64
		want HeaderStatus
	}{
		{"malformed", "no colon here\r\n\r\nbody\r\n.\r\nNEXT", 0, HeaderParseError},
		{"too large", "Subject: " + strings.Repeat("x", 100) + "\r\n\r\nbody\r\n.\r\nNEXT", 32, HeaderSizeExceeded},
	} {
		r := bufio.NewReader(strings.NewReader(tc.msg))
		var out bytes.Buffer
		res, err := ReadBody(r, NewHeaderCollector(tc.max), &out, 0)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if res.Header != tc.want {
			t.Errorf("%s: header status = %v, want %v", tc.name, res.Header, tc.want)
		}
		if out.Len() != 0 {
			t.Errorf("%s: body written after header failure: %q", tc.name, out.String())
		}
		if rest, _ := io.ReadAll(r); string(rest) != "NEXT" {
			t.Errorf("%s: stream is out of sync, rest = %q", tc.name, rest)
		}
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestReadBody_WriteError(t *testing.T) {
	body := strings.Repeat("x", 8192) + "\r\n"
	r := bufio.NewReader(strings.NewReader("\r\n" + body + ".\r\nNEXT"))
	res, err := ReadBody(r, NewHeaderCollector(0), failingWriter{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.WriteErr == nil {
		t.Fatal("Expected write error")
	}
	if rest, _ := io.ReadAll(r); string(rest) != "NEXT" {
		t.Errorf("Stream is out of sync, rest = %q", rest)
	}
}

func TestReadBody_UnexpectedEOF(t *testing.T) {
	_, err := ReadBody(bufio.NewReader(strings.NewReader("Subject: x\r\n\r\nbody")), NewHeaderCollector(0), io.Discard, 0)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v", err)
	}
}

func TestHeaderCollector(t *testing.T) {
	hc := NewHeaderCollector(0)
	msg := "Subject: hi\r\nFrom: alice@example.org\r\n\r\n"
	for i := 0; i < len(msg); i++ {
		st := hc.Feed(msg[i])
		if i < len(msg)-1 && st != HeaderMore {
			t.Fatalf("Status %v at byte %d", st, i)
		}
		if i == len(msg)-1 && st != HeaderComplete {
			t.Fatalf("Header not complete after the empty line: %v", st)
		}
	}
	if headerField(hc, "From") != "alice@example.org" {
		t.Errorf("Wrong From: %q", headerField(hc, "From"))
	}

	var out bytes.Buffer
	if err := hc.WriteHeader(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out.String(), "\r\n\r\n") || !strings.Contains(out.String(), "Subject: hi\r\n") {
		t.Errorf("Wrong serialization: %q", out.String())
	}
}

func TestHeaderCollector_EmptyHeader(t *testing.T) {
	for _, sep := range []string{"\r\n", "\n"} {
		hc := NewHeaderCollector(0)
		var st HeaderStatus
		for i := 0; i < len(sep); i++ {
			st = hc.Feed(sep[i])
		}
		if st != HeaderComplete {
			t.Errorf("%q: status %v", sep, st)
		}
		if h := hc.Header(); h.Len() != 0 {
			t.Errorf("%q: header is not empty", sep)
		}
	}
}

func TestHeaderCollector_BareLF(t *testing.T) {
	hc := NewHeaderCollector(0)
	var st HeaderStatus
	for _, b := range []byte("Subject: hi\n\n") {
		st = hc.Feed(b)
	}
	if st != HeaderComplete || headerField(hc, "Subject") != "hi" {
		t.Errorf("status %v, subject %q", st, headerField(hc, "Subject"))
	}
}

func TestOpenMessage(t *testing.T) {
	c := &Context{}
	if _, err := c.OpenMessage(); err == nil {
		t.Fatal("OpenMessage without a message should fail")
	}

	scratch, err := buffer.NewScratch(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer scratch.Remove()
	if _, err := scratch.Write([]byte("Hello\r\n")); err != nil {
		t.Fatal(err)
	}

	c.Body = scratch
	c.Header.Add("Subject", "test")
	c.Header.Add("X-Added", "yes")
	c.HeaderParsed = true

	r, err := c.OpenMessage()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	msg, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	want := "X-Added: yes\r\nSubject: test\r\n\r\nHello\r\n"
	if string(msg) != want {
		t.Errorf("Wrong message:\n%q\nwant:\n%q", msg, want)
	}
}

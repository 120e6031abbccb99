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

package config

import (
	"reflect"
	"testing"
)

func TestParseEndpoint(t *testing.T) {
	for _, expected := range []Endpoint{
		{Original: "tcp://0.0.0.0:8025", Scheme: "tcp", Host: "0.0.0.0", Port: "8025"},
		{Original: "tcp://[::]:8025", Scheme: "tcp", Host: "::", Port: "8025"},
		{Original: "tcp:127.0.0.1:8025", Scheme: "tcp", Host: "127.0.0.1", Port: "8025"},
		{Original: "unix://smtp.sock", Scheme: "unix", Path: "smtp.sock"},
		{Original: "unix:smtp.sock", Scheme: "unix", Path: "smtp.sock"},
		{Original: "unix:/run/smtp.sock", Scheme: "unix", Path: "/run/smtp.sock"},
		{Original: "unix:///run/smtp.sock", Scheme: "unix", Path: "/run/smtp.sock"},
		{Original: "unix://run/smtp.sock", Scheme: "unix", Path: "run/smtp.sock"},
		{Original: "tls://0.0.0.0:465", Scheme: "tls", Host: "0.0.0.0", Port: "465"},
		{Original: "tls:0.0.0.0:465", Scheme: "tls", Host: "0.0.0.0", Port: "465"},
		{Original: "fd://3", Scheme: "fd", Host: "3"},
		{Original: "fdname://smtp", Scheme: "fdname", Host: "smtp"},
	} {
		actual, err := ParseEndpoint(expected.Original)
		if err != nil {
			t.Errorf("Unexpected failure for %s: %v", expected.Original, err)
			continue
		}
		if !reflect.DeepEqual(expected, actual) {
			t.Errorf("Didn't parse %q correctly\ngot %#v\nwant %#v", expected.Original, actual, expected)
			continue
		}
		if actual.String() != expected.Original {
			t.Errorf("String() = %s, want %s", actual.String(), expected.Original)
		}
	}
}

func TestParseEndpoint_Invalid(t *testing.T) {
	for _, s := range []string{
		"http://example.org:80",
		"tcp://0.0.0.0",
		"0.0.0.0:25",
		"fd://",
	} {
		if _, err := ParseEndpoint(s); err == nil {
			t.Errorf("Expected failure for %s", s)
		}
	}
}

func TestEndpoint_ListenArgs(t *testing.T) {
	e, err := ParseEndpoint("tls://[::1]:465")
	if err != nil {
		t.Fatal(err)
	}
	if e.Network() != "tcp" || e.Address() != "[::1]:465" || !e.IsTLS() {
		t.Errorf("Wrong listen args: %s %s %v", e.Network(), e.Address(), e.IsTLS())
	}

	e, err = ParseEndpoint("unix:///run/smtp.sock")
	if err != nil {
		t.Fatal(err)
	}
	if e.Network() != "unix" || e.Address() != "/run/smtp.sock" || e.IsTLS() {
		t.Errorf("Wrong listen args: %s %s %v", e.Network(), e.Address(), e.IsTLS())
	}
}

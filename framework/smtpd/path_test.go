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
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestParseCommandPath(t *testing.T) {
	for _, tc := range []struct {
		arg     string
		keyword string

		local  string
		domain string
		route  []string
		null   bool
		rest   string
		str    string
	}{
		{arg: "FROM:<alice@example.org>", keyword: "FROM", local: "alice", domain: "example.org", str: "<alice@example.org>"},
		{arg: "from: <alice@example.org> SIZE=100 BODY=8BITMIME", keyword: "FROM", local: "alice", domain: "example.org", rest: "SIZE=100 BODY=8BITMIME"},
		{arg: " FROM : <alice@example.org>", keyword: "FROM", local: "alice", domain: "example.org"},
		{arg: "FROM:<>", keyword: "FROM", null: true, str: "<>"},
		{arg: "FROM:<> SIZE=10", keyword: "FROM", null: true, rest: "SIZE=10"},
		{
			arg: "TO:<@a.example,@b.example:bob@c.example>", keyword: "TO",
			local: "bob", domain: "c.example", route: []string{"a.example", "b.example"},
			str: "<@a.example,@b.example:bob@c.example>",
		},
		{arg: "TO:bob@example.org", keyword: "TO", local: "bob", domain: "example.org"},
		{arg: `FROM:<"john doe"@example.org>`, keyword: "FROM", local: "john doe", domain: "example.org", str: `<"john doe"@example.org>`},
		{arg: `FROM:<"a\"b"@example.org>`, keyword: "FROM", local: `a"b`, domain: "example.org", str: `<"a\"b"@example.org>`},
		{arg: "TO:<postmaster>", keyword: "TO", local: "postmaster", str: "<postmaster>"},
		{arg: "TO:<first.last+tag@example.org>", keyword: "TO", local: "first.last+tag", domain: "example.org"},
		{arg: "TO:<alice@[192.0.2.1]>", keyword: "TO", local: "alice", domain: "[192.0.2.1]"},
		{arg: "TO:<пример@пример.рф>", keyword: "TO", local: "пример", domain: "пример.рф"},
	} {
		tc := tc
		t.Run(tc.arg, func(t *testing.T) {
			path, rest, err := ParseCommandPath(tc.arg, tc.keyword)
			if err != nil {
				t.Fatal("Unexpected error:", err)
			}
			if !path.IsSet() {
				t.Error("Path is not marked as set")
			}
			if path.IsNull() != tc.null {
				t.Errorf("IsNull = %v", path.IsNull())
			}
			if path.Local != tc.local || path.Domain != tc.domain {
				t.Errorf("Wrong mailbox: %q @ %q", path.Local, path.Domain)
			}
			if !reflect.DeepEqual(path.SourceRoute, tc.route) {
				t.Errorf("Wrong source route: %v", path.SourceRoute)
			}
			if rest != tc.rest {
				t.Errorf("Wrong rest: %q", rest)
			}
			if tc.str != "" && path.String() != tc.str {
				t.Errorf("String() = %q, want %q", path.String(), tc.str)
			}
		})
	}
}

func TestParseCommandPath_Invalid(t *testing.T) {
	for _, tc := range []struct {
		arg     string
		keyword string
		want    error
	}{
		{"TO:<alice@example.org>", "FROM", ErrKeyword},
		{"FROM <alice@example.org>", "FROM", ErrKeyword},
		{"", "FROM", ErrKeyword},
		{"FRO", "FROM", ErrKeyword},
		{"FROM:", "FROM", ErrMalformedPath},
		{"FROM:<alice@example.org", "FROM", ErrMalformedPath},
		{"FROM:<alice>", "FROM", ErrMalformedPath},
		{"FROM:<alice@>", "FROM", ErrMalformedPath},
		{"FROM:<@example.org>", "FROM", ErrMalformedPath},
		{"FROM:<.alice@example.org>", "FROM", ErrMalformedPath},
		{"FROM:<alice..b@example.org>", "FROM", ErrMalformedPath},
		{"FROM:<alice@-example.org>", "FROM", ErrMalformedPath},
		{"FROM:<alice@example..org>", "FROM", ErrMalformedPath},
		{`FROM:<"alice@example.org>`, "FROM", ErrMalformedPath},
		{"FROM:<@a.example:>", "FROM", ErrMalformedPath},
		{"FROM:<@a.example alice@example.org>", "FROM", ErrMalformedPath},
		{"FROM:<alice@[]>", "FROM", ErrMalformedPath},
		{"FROM:alice@example.org>", "FROM", ErrMalformedPath},
		{"FROM:<al,ice@example.org>", "FROM", ErrMalformedPath},
		{"FROM:<alice.@example.org>", "FROM", ErrMalformedPath},
		{"FROM:<alice@example-.org>", "FROM", ErrMalformedPath},
		{"FROM:<alice@example.org.>", "FROM", ErrMalformedPath},
		{"FROM:<alice@" + strings.Repeat("a", 64) + ".org>", "FROM", ErrMalformedPath},
	} {
		_, _, err := ParseCommandPath(tc.arg, tc.keyword)
		if !errors.Is(err, tc.want) {
			t.Errorf("ParseCommandPath(%q) = %v, want %v", tc.arg, err, tc.want)
		}
	}
}

func TestMailbox_ASCII(t *testing.T) {
	addr, err := Mailbox{Local: "info", Domain: "пример.рф"}.ASCII()
	if err != nil {
		t.Fatal(err)
	}
	if addr != "info@xn--e1afmkfd.xn--p1ai" {
		t.Errorf("Wrong A-label form: %s", addr)
	}
}

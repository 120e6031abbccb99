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

package ldap

import (
	"errors"
	"testing"

	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/foxcpp/mailfilter/internal/testutils"
	"github.com/go-ldap/ldap/v3"
)

type fakeDir struct {
	entries   map[string][]string // filter -> DNs
	password  map[string]string   // DN -> password
	searchErr error

	filters []string
	binds   []string
}

func (d *fakeDir) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	d.filters = append(d.filters, req.Filter)
	if d.searchErr != nil {
		return nil, d.searchErr
	}
	res := &ldap.SearchResult{}
	for _, dn := range d.entries[req.Filter] {
		res.Entries = append(res.Entries, &ldap.Entry{DN: dn})
	}
	return res, nil
}

func (d *fakeDir) Bind(dn, password string) error {
	d.binds = append(d.binds, dn)
	if pass, ok := d.password[dn]; ok && pass == password {
		return nil
	}
	return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
}

func TestAuthenticate_DNTemplate(t *testing.T) {
	a := &Auth{dnTemplate: "uid={username},ou=people,dc=example,dc=org", log: testutils.Logger(t, modName)}
	dir := &fakeDir{password: map[string]string{
		"uid=alice,ou=people,dc=example,dc=org": "secret",
	}}

	if err := a.authenticate(dir, "alice", "secret"); err != nil {
		t.Fatal(err)
	}
	if err := a.authenticate(dir, "alice", "wrong"); !errors.Is(err, module.ErrUnknownCredentials) {
		t.Errorf("Wrong password: %v", err)
	}
	if err := a.authenticate(dir, "alice", ""); !errors.Is(err, module.ErrUnknownCredentials) {
		t.Errorf("Empty password: %v", err)
	}

	a.authenticate(dir, "evil,ou=admins", "x")
	if last := dir.binds[len(dir.binds)-1]; last != `uid=evil\,ou\=admins,ou=people,dc=example,dc=org` {
		t.Errorf("Username not escaped: %s", last)
	}
}

func TestAuthenticate_Search(t *testing.T) {
	a := &Auth{
		baseDN:         "dc=example,dc=org",
		filterTemplate: "(&(objectClass=person)(mail={username}))",
		log:            testutils.Logger(t, modName),
	}
	dir := &fakeDir{
		entries: map[string][]string{
			"(&(objectClass=person)(mail=alice@example.org))": {"cn=Alice,dc=example,dc=org"},
			"(&(objectClass=person)(mail=dup@example.org))":   {"cn=A,dc=example,dc=org", "cn=B,dc=example,dc=org"},
		},
		password: map[string]string{"cn=Alice,dc=example,dc=org": "secret"},
	}

	if err := a.authenticate(dir, "alice@example.org", "secret"); err != nil {
		t.Fatal(err)
	}
	if err := a.authenticate(dir, "bob@example.org", "secret"); !errors.Is(err, module.ErrUnknownCredentials) {
		t.Errorf("Unknown user: %v", err)
	}
	if err := a.authenticate(dir, "dup@example.org", "secret"); err == nil || errors.Is(err, module.ErrUnknownCredentials) {
		t.Errorf("Ambiguous user: %v", err)
	}

	a.authenticate(dir, "*)(uid=*", "x")
	if last := dir.filters[len(dir.filters)-1]; last != `(&(objectClass=person)(mail=\2a\29\28uid=\2a))` {
		t.Errorf("Username not escaped: %s", last)
	}

	dir.searchErr = errors.New("server down")
	if err := a.authenticate(dir, "alice@example.org", "secret"); err == nil || errors.Is(err, module.ErrUnknownCredentials) {
		t.Errorf("Search failure: %v", err)
	}
}

func TestInit(t *testing.T) {
	for _, tc := range []struct {
		name  string
		args  []string
		block []config.Node
		fail  bool
	}{
		{
			name:  "dn template",
			args:  []string{"ldap://127.0.0.1"},
			block: []config.Node{{Name: "dn_template", Args: []string{"uid={username},dc=example,dc=org"}}},
		},
		{
			name: "search",
			block: []config.Node{
				{Name: "urls", Args: []string{"ldap://127.0.0.1", "ldaps://ldap.example.org"}},
				{Name: "base_dn", Args: []string{"dc=example,dc=org"}},
				{Name: "filter", Args: []string{"(uid={username})"}},
				{Name: "bind", Args: []string{"plain", "cn=reader", "pass"}},
			},
		},
		{name: "no urls", block: []config.Node{{Name: "dn_template", Args: []string{"x"}}}, fail: true},
		{name: "no lookup", args: []string{"ldap://127.0.0.1"}, fail: true},
		{
			name: "both",
			args: []string{"ldap://127.0.0.1"},
			block: []config.Node{
				{Name: "dn_template", Args: []string{"x"}},
				{Name: "base_dn", Args: []string{"dc=example,dc=org"}},
			},
			fail: true,
		},
		{
			name: "bad bind",
			args: []string{"ldap://127.0.0.1"},
			block: []config.Node{
				{Name: "dn_template", Args: []string{"x"}},
				{Name: "bind", Args: []string{"plain", "only-user"}},
			},
			fail: true,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			mod, err := New(modName, "test", nil, tc.args)
			if err != nil {
				t.Fatal(err)
			}
			err = mod.Init(config.NewMap(nil, config.Node{Children: tc.block}))
			if (err != nil) != tc.fail {
				t.Fatalf("err = %v, want failure = %v", err, tc.fail)
			}
		})
	}
}

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

package pass_table

import (
	"errors"
	"testing"

	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/foxcpp/mailfilter/internal/testutils"
)

func TestAuthPlain(t *testing.T) {
	a := &Auth{
		modName: "auth.pass_table",
		table: testutils.Table{
			M: map[string]string{
				"foxcpp":       "sha256:U0FMVA==:8PDRAgaUqaLSk34WpYniXjaBgGM93Lc6iF4pw2slthw=",
				"not-foxcpp":   "bcrypt:$2y$10$4tEJtJ6dApmhETg8tJ4WHOeMtmYXQwmHDKIyfg09Bw1F/smhLjlaa",
				"not-foxcpp-2": "argon2:1:8:1:U0FBQUFBTFQ=:KHUshl3DcpHR3AoVd28ZeBGmZ1Fj1gwJgNn98Ia8DAvGHqI0BvFOMJPxtaAfO8F+qomm2O3h0P0yV50QGwXI/Q==",
				"broken":       "md5:whatever",
			},
		},
	}

	check := func(user, pass string, wantErr error) {
		t.Helper()

		err := a.AuthPlain(user, pass)
		if !errors.Is(err, wantErr) {
			t.Errorf("%s/%s: want %v, got %v", user, pass, wantErr, err)
		}
	}

	check("foxcpp", "password", nil)
	check("FoxCPP", "password", nil)
	check("foxcpp", "different-password", module.ErrUnknownCredentials)
	check("not-foxcpp", "password", nil)
	check("not-foxcpp", "different-password", module.ErrUnknownCredentials)
	check("not-foxcpp-2", "password", nil)
	check("not-foxcpp-2", "different-password", module.ErrUnknownCredentials)
	check("nobody", "password", module.ErrUnknownCredentials)

	if err := a.AuthPlain("broken", "password"); err == nil || errors.Is(err, module.ErrUnknownCredentials) {
		t.Errorf("Unknown hash should be a provider failure, got %v", err)
	}
}

func TestAuthPlain_TableError(t *testing.T) {
	lookupErr := errors.New("table is down")
	a := &Auth{modName: "auth.pass_table", table: testutils.Table{Err: lookupErr}}
	if err := a.AuthPlain("foxcpp", "password"); !errors.Is(err, lookupErr) {
		t.Errorf("Lookup error not propagated: %v", err)
	}
}

func TestHash_RoundTrip(t *testing.T) {
	opts := HashOpts{BcryptCost: 4, Argon2Time: 1, Argon2Memory: 8, Argon2Threads: 1}
	for _, name := range HashNames() {
		name := name
		t.Run(name, func(t *testing.T) {
			entry, err := Hash(name, opts, "secret")
			if err != nil {
				t.Fatal(err)
			}
			if err := Verify("secret", entry); err != nil {
				t.Errorf("Verify failed for %q: %v", entry, err)
			}
			if err := Verify("not-secret", entry); !errors.Is(err, ErrHashMismatch) {
				t.Errorf("Expected mismatch, got %v", err)
			}
		})
	}

	if _, err := Hash("md5", opts, "secret"); err == nil {
		t.Error("Unknown hash accepted")
	}
}

func TestVerify_Malformed(t *testing.T) {
	for _, entry := range []string{
		"nohashtag",
		"sha256:onlysalt",
		"sha256:!!!:AAAA",
		"argon2:1:8:1:U0FMVA==",
		"argon2:x:8:1:U0FMVA==:AAAA",
		"argon2:1:8:300:U0FMVA==:AAAA",
	} {
		err := Verify("password", entry)
		if err == nil || errors.Is(err, ErrHashMismatch) {
			t.Errorf("%q: expected malformed entry error, got %v", entry, err)
		}
	}
}

func TestInit_TableRequired(t *testing.T) {
	mod, err := New("auth.pass_table", "test", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := mod.Init(config.NewMap(nil, config.Node{})); err == nil {
		t.Error("Init without a table should fail")
	}
}

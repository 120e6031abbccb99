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

// Package pass_table implements the "auth.pass_table" credential provider
// that keeps password hashes in a table module:
//
//	auth.pass_table local_users {
//	    table file /etc/mailfilter/users
//	}
//
// Keys are usernames normalized using the PRECIS UsernameCaseMapped
// profile, values are "hash:params" strings produced by Hash (and by the
// "mailfilter hash" command).
package pass_table

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxcpp/mailfilter/framework/config"
	modconfig "github.com/foxcpp/mailfilter/framework/config/module"
	"github.com/foxcpp/mailfilter/framework/module"
	"golang.org/x/text/secure/precis"
)

type Auth struct {
	modName    string
	instName   string
	inlineArgs []string

	table module.Table
}

func New(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	return &Auth{
		modName:    modName,
		instName:   instName,
		inlineArgs: inlineArgs,
	}, nil
}

func (a *Auth) Init(cfg *config.Map) error {
	if len(a.inlineArgs) != 0 {
		return modconfig.ModuleFromNode("table", a.inlineArgs, cfg.Block, cfg.Globals, &a.table)
	}

	cfg.Custom("table", false, true, nil, modconfig.TableDirective, &a.table)
	_, err := cfg.Process()
	return err
}

func (a *Auth) Name() string {
	return a.modName
}

func (a *Auth) InstanceName() string {
	return a.instName
}

func (a *Auth) AuthPlain(username, password string) error {
	key, err := precis.UsernameCaseMapped.CompareKey(username)
	if err != nil {
		// Not a valid username at all, so it cannot be in the table.
		return module.ErrUnknownCredentials
	}

	entry, ok, err := a.table.Lookup(context.TODO(), key)
	if err != nil {
		return fmt.Errorf("%s: %w", a.modName, err)
	}
	if !ok {
		return module.ErrUnknownCredentials
	}

	if err := Verify(password, entry); err != nil {
		if errors.Is(err, ErrHashMismatch) {
			return module.ErrUnknownCredentials
		}
		return fmt.Errorf("%s: entry for %s: %w", a.modName, key, err)
	}
	return nil
}

func init() {
	module.Register("auth.pass_table", New)
}

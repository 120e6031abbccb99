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

package shadow

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
)

type Auth struct {
	instName string
	path     string
	now      func() time.Time

	Log log.Logger
}

func New(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New("shadow: inline arguments are not used")
	}
	return &Auth{
		instName: instName,
		now:      time.Now,
		Log:      log.Logger{Name: modName},
	}, nil
}

func (a *Auth) Name() string {
	return "auth.shadow"
}

func (a *Auth) InstanceName() string {
	return a.instName
}

func (a *Auth) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &a.Log.Debug)
	cfg.String("file", false, false, "/etc/shadow", &a.path)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	f, err := os.Open(a.path)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("shadow: can't read %s due to permission error, run as a privileged user", a.path)
		}
		return fmt.Errorf("shadow: can't read %s: %v", a.path, err)
	}
	f.Close()
	return nil
}

func (a *Auth) AuthPlain(username, password string) error {
	ent, err := Lookup(a.path, username)
	if err != nil {
		if errors.Is(err, ErrNoSuchUser) {
			return module.ErrUnknownCredentials
		}
		return err
	}

	now := a.now()
	if !ent.AccountValid(now) {
		a.Log.DebugMsg("account is expired", "username", username)
		return module.ErrUnknownCredentials
	}
	if !ent.PasswordValid(now) {
		a.Log.DebugMsg("password is expired", "username", username)
		return module.ErrUnknownCredentials
	}

	if err := ent.VerifyPassword(password); err != nil {
		if errors.Is(err, ErrWrongPassword) {
			return module.ErrUnknownCredentials
		}
		return err
	}
	return nil
}

func init() {
	module.Register("auth.shadow", New)
}

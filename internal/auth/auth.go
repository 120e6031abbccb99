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

// Package auth implements the "filter.auth" module that checks the
// credentials collected by the AUTH continuation verbs against one or more
// credential providers (auth.pass_table, auth.shadow, auth.ldap).
package auth

import (
	"errors"
	"strings"

	"github.com/foxcpp/mailfilter/framework/address"
	"github.com/foxcpp/mailfilter/framework/config"
	modconfig "github.com/foxcpp/mailfilter/framework/config/module"
	"github.com/foxcpp/mailfilter/framework/exterrors"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/foxcpp/mailfilter/framework/smtpd"
)

// Handlers run after the core ALOP/APLP that collect the credentials.
const authPriority = 10

// CheckDomainAuth applies the domain policy to the login name supplied by
// the client and returns the name to pass to providers.
//
// With perDomain set the full address is passed on and a domain part is
// required. Otherwise only the local part is used. If allowedDomains is not
// nil, the domain part (if present) must match one of them.
func CheckDomainAuth(username string, perDomain bool, allowedDomains []string) (string, bool) {
	mbox, domain := username, ""
	if strings.Contains(username, "@") {
		var err error
		mbox, domain, err = address.Split(username)
		if err != nil {
			return "", false
		}
	}
	if perDomain && domain == "" {
		return "", false
	}

	if domain != "" && allowedDomains != nil {
		found := false
		for _, d := range allowedDomains {
			if strings.EqualFold(d, domain) {
				found = true
				break
			}
		}
		if !found {
			return "", false
		}
	}

	if perDomain {
		return username, true
	}
	return mbox, true
}

type Filter struct {
	instName string
	log      log.Logger

	providers      []module.PlainAuth
	perDomain      bool
	allowedDomains []string
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, errors.New("filter.auth: inline arguments are not used")
	}
	return &Filter{
		instName: instName,
		log:      log.Logger{Name: "filter.auth"},
	}, nil
}

func (f *Filter) Name() string {
	return "filter.auth"
}

func (f *Filter) InstanceName() string {
	return f.instName
}

func (f *Filter) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &f.log.Debug)
	cfg.Bool("auth_perdomain", true, false, &f.perDomain)
	cfg.StringList("auth_domains", true, false, nil, &f.allowedDomains)
	cfg.Callback("provider", func(m *config.Map, node config.Node) error {
		p, err := modconfig.PlainAuthDirective(m, node)
		if err != nil {
			return err
		}
		f.providers = append(f.providers, p.(module.PlainAuth))
		return nil
	})
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if len(f.providers) == 0 {
		return errors.New("filter.auth: at least one provider is required")
	}
	if f.perDomain && f.allowedDomains == nil {
		return errors.New("filter.auth: auth_domains must be set if auth_perdomain is used")
	}
	return nil
}

func (f *Filter) RegisterHandlers(reg *smtpd.Registry) error {
	for _, verb := range []string{"ALOP", "APLP"} {
		if err := reg.Register(verb, f.hdlrCheck, authPriority, false); err != nil {
			return err
		}
	}
	return nil
}

// AuthPlain tries all providers in order and returns nil on the first
// success. The returned error is temporary if any provider failed for a
// reason other than wrong credentials.
func (f *Filter) AuthPlain(username, password string) error {
	name, ok := CheckDomainAuth(username, f.perDomain, f.allowedDomains)
	if !ok {
		return module.ErrUnknownCredentials
	}

	var lastErr error = module.ErrUnknownCredentials
	for _, p := range f.providers {
		err := p.AuthPlain(name, password)
		if err == nil {
			return nil
		}
		if !errors.Is(err, module.ErrUnknownCredentials) {
			f.log.Error("provider failed", err, "username", name)
			lastErr = exterrors.WithTemporary(err, true)
			continue
		}
		if !exterrors.IsTemporary(lastErr) {
			lastErr = err
		}
	}
	return lastErr
}

func (f *Filter) hdlrCheck(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
	if !c.PrevSucceeded() {
		c.Inherit()
		return smtpd.StatusOK
	}

	err := f.AuthPlain(c.AuthUser, c.AuthPassword)
	if err == nil {
		f.log.DebugMsg("authenticated", "username", c.AuthUser, "session", c.ID)
		c.Inherit()
		return smtpd.StatusOK
	}

	f.log.Msg("authentication failed", "username", c.AuthUser, "reason", err, "session", c.ID)
	c.ClearAuth()
	if exterrors.IsTemporary(err) {
		c.ReplyError(&exterrors.SMTPError{
			Code:         454,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 0},
			Message:      "Temporary authentication failure",
			CheckName:    "filter.auth",
			Err:          err,
		})
		return smtpd.StatusBreak
	}
	c.ReplyError(&exterrors.SMTPError{
		Code:         535,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
		CheckName:    "filter.auth",
		Err:          err,
	})
	return smtpd.StatusBreak
}

func init() {
	module.Register("filter.auth", New)
}

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

// Package filter contains helpers shared by filter modules. Modules
// themselves live in subpackages.
package filter

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mailfilter/framework/buffer"
	"github.com/foxcpp/mailfilter/framework/config"
	modconfig "github.com/foxcpp/mailfilter/framework/config/module"
	"github.com/foxcpp/mailfilter/framework/dns"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/foxcpp/mailfilter/framework/smtpd"
)

type (
	// CheckContext is passed to the check functions of stateless filters.
	CheckContext struct {
		context.Context

		Session  *smtpd.Context
		Resolver dns.Resolver

		// Logger is already bound to the session ID.
		Logger log.Logger
	}

	FuncConnCheck   func(ctx CheckContext) module.CheckResult
	FuncSenderCheck func(ctx CheckContext, mailFrom string) module.CheckResult
	FuncRcptCheck   func(ctx CheckContext, rcptTo string) module.CheckResult
	FuncBodyCheck   func(ctx CheckContext, header textproto.Header, body *buffer.Scratch) module.CheckResult
)

// Checks are the check functions of a stateless filter. Nil functions are
// not bound.
type Checks struct {
	Conn   FuncConnCheck
	Sender FuncSenderCheck
	Rcpt   FuncRcptCheck
	Body   FuncBodyCheck
}

type statelessCheck struct {
	modName  string
	instName string
	resolver dns.Resolver
	logger   log.Logger

	priority          int
	timeout           time.Duration
	defaultFailAction modconfig.FailAction
	failAction        modconfig.FailAction

	checks Checks

	// Connection-stage quarantine verdict, re-applied to each transaction.
	connQuarantine smtpd.PrivKey
}

func (c *statelessCheck) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &c.logger.Debug)
	cfg.Int("priority", false, false, c.priority, &c.priority)
	cfg.Duration("timeout", false, false, 10*time.Second, &c.timeout)
	cfg.Custom("fail_action", false, false,
		modconfig.DefaultFailAction(c.defaultFailAction),
		modconfig.FailActionDirective, &c.failAction)
	_, err := cfg.Process()
	return err
}

func (c *statelessCheck) Name() string {
	return c.modName
}

func (c *statelessCheck) InstanceName() string {
	return c.instName
}

func (c *statelessCheck) RegisterHandlers(reg *smtpd.Registry) error {
	for verb, bound := range map[string]bool{
		"INIT": c.checks.Conn != nil,
		"MAIL": c.checks.Sender != nil || c.checks.Conn != nil,
		"RCPT": c.checks.Rcpt != nil,
		"BODY": c.checks.Body != nil,
	} {
		if !bound {
			continue
		}
		if err := reg.Register(verb, c.handle, c.priority, false); err != nil {
			return err
		}
	}
	return nil
}

func (c *statelessCheck) handle(sc *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
	verb := sc.Stage()
	if !sc.PrevSucceeded() {
		sc.Inherit()
		return smtpd.StatusOK
	}

	if verb == "MAIL" {
		if reason, ok := sc.Priv(c.connQuarantine); ok {
			sc.Quarantine = true
			sc.QuarantineReason = reason.(string)
		}
		if c.checks.Sender == nil {
			sc.Inherit()
			return smtpd.StatusOK
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	cc := CheckContext{
		Context:  ctx,
		Session:  sc,
		Resolver: c.resolver,
		Logger:   c.logger.With("session", sc.ID),
	}

	var res module.CheckResult
	switch verb {
	case "INIT":
		res = c.checks.Conn(cc)
	case "MAIL":
		res = c.checks.Sender(cc, sc.ReversePath.Address())
	case "RCPT":
		rcpt := sc.ForwardPaths[len(sc.ForwardPaths)-1]
		res = c.checks.Rcpt(cc, rcpt.Address())
	case "BODY":
		res = c.checks.Body(cc, sc.Header, sc.Body)
	}

	res = c.failAction.Apply(res)
	status := res.Apply(sc, verb, c.modName)
	if verb == "INIT" {
		if status == smtpd.StatusBreak {
			return smtpd.StatusAbort
		}
		if res.Quarantine {
			sc.SetPriv(c.connQuarantine, sc.QuarantineReason, nil)
		}
	}
	return status
}

// RegisterStateless registers a filter module that runs simple checks on
// one or more stages.
//
// Check functions should always describe the failure in Reason and leave
// Reject/Quarantine unset: the configured fail_action decides what happens
// (defaultFailAction if the directive is absent).
func RegisterStateless(name string, priority int, defaultFailAction modconfig.FailAction, checks Checks) {
	module.Register(name, func(modName, instName string, _, inlineArgs []string) (module.Module, error) {
		if len(inlineArgs) != 0 {
			return nil, fmt.Errorf("%s: inline arguments are not used", modName)
		}
		return &statelessCheck{
			modName:           modName,
			instName:          instName,
			resolver:          dns.DefaultResolver(),
			logger:            log.Logger{Name: modName},
			priority:          priority,
			defaultFailAction: defaultFailAction,
			checks:            checks,
			connQuarantine:    smtpd.NewPrivKey(),
		}, nil
	})
}

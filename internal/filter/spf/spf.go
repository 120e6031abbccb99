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

// Package spf implements the "filter.spf" module that checks the sender
// domain policy (RFC 7208) at MAIL and records the result in an
// Authentication-Results header field.
package spf

import (
	"context"
	"fmt"
	"net"
	"time"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/authres"
	"github.com/foxcpp/mailfilter/framework/address"
	"github.com/foxcpp/mailfilter/framework/config"
	modconfig "github.com/foxcpp/mailfilter/framework/config/module"
	"github.com/foxcpp/mailfilter/framework/dns"
	"github.com/foxcpp/mailfilter/framework/exterrors"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/foxcpp/mailfilter/framework/smtpd"
	"golang.org/x/net/idna"
)

const (
	modName = "filter.spf"

	mailPriority = 20
	// After the core BODY handler that parses the header.
	bodyPriority = 30
)

type Filter struct {
	instName string

	noneAction     modconfig.FailAction
	neutralAction  modconfig.FailAction
	failAction     modconfig.FailAction
	softfailAction modconfig.FailAction
	permerrAction  modconfig.FailAction
	temperrAction  modconfig.FailAction
	timeout        time.Duration

	log      log.Logger
	resolver dns.Resolver

	resultKey smtpd.PrivKey
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: inline arguments are not used", modName)
	}
	return &Filter{
		instName:  instName,
		log:       log.Logger{Name: modName},
		resolver:  dns.DefaultResolver(),
		resultKey: smtpd.NewPrivKey(),
	}, nil
}

func (f *Filter) Name() string {
	return modName
}

func (f *Filter) InstanceName() string {
	return f.instName
}

func (f *Filter) Init(cfg *config.Map) error {
	action := func(name string, def modconfig.FailAction, store *modconfig.FailAction) {
		cfg.Custom(name, false, false, modconfig.DefaultFailAction(def),
			modconfig.FailActionDirective, store)
	}

	cfg.Bool("debug", true, false, &f.log.Debug)
	cfg.Duration("timeout", false, false, 10*time.Second, &f.timeout)
	action("none_action", modconfig.FailAction{}, &f.noneAction)
	action("neutral_action", modconfig.FailAction{}, &f.neutralAction)
	action("fail_action", modconfig.FailAction{Quarantine: true}, &f.failAction)
	action("softfail_action", modconfig.FailAction{}, &f.softfailAction)
	action("permerr_action", modconfig.FailAction{}, &f.permerrAction)
	action("temperr_action", modconfig.FailAction{}, &f.temperrAction)
	_, err := cfg.Process()
	return err
}

func (f *Filter) RegisterHandlers(reg *smtpd.Registry) error {
	if err := reg.Register("MAIL", f.hdlrMail, mailPriority, false); err != nil {
		return err
	}
	return reg.Register("BODY", f.hdlrBody, bodyPriority, false)
}

func spfError(code int, ench exterrors.EnhancedCode, msg string, err error) *exterrors.SMTPError {
	return &exterrors.SMTPError{
		Code:         code,
		EnhancedCode: ench,
		Message:      msg,
		CheckName:    modName,
		Err:          err,
	}
}

// result maps the policy evaluation result to a CheckResult using the
// configured actions.
func (f *Filter) result(identity, fromDomain string, res spf.Result, err error) module.CheckResult {
	spfAuth := &authres.SPFResult{
		Value: authres.ResultNone,
		Helo:  identity,
		From:  fromDomain,
	}
	if err != nil {
		spfAuth.Reason = err.Error()
	} else if res == spf.None {
		spfAuth.Reason = "no policy"
	}
	authRes := []authres.Result{spfAuth}

	var (
		action modconfig.FailAction
		reason *exterrors.SMTPError
	)
	switch res {
	case spf.Pass:
		spfAuth.Value = authres.ResultPass
		return module.CheckResult{AuthResult: authRes}
	case spf.None:
		spfAuth.Value = authres.ResultNone
		action = f.noneAction
		reason = spfError(550, exterrors.EnhancedCode{5, 7, 23}, "No SPF policy", err)
	case spf.Neutral:
		spfAuth.Value = authres.ResultNeutral
		action = f.neutralAction
		reason = spfError(550, exterrors.EnhancedCode{5, 7, 23}, "Neutral SPF result is not permitted", err)
	case spf.Fail:
		spfAuth.Value = authres.ResultFail
		action = f.failAction
		reason = spfError(550, exterrors.EnhancedCode{5, 7, 23}, "SPF authentication failed", err)
	case spf.SoftFail:
		spfAuth.Value = authres.ResultSoftFail
		action = f.softfailAction
		reason = spfError(550, exterrors.EnhancedCode{5, 7, 23}, "SPF authentication soft-failed", err)
	case spf.TempError:
		spfAuth.Value = authres.ResultTempError
		action = f.temperrAction
		reason = spfError(451, exterrors.EnhancedCode{4, 7, 23}, "SPF authentication failed with a temporary error", err)
	case spf.PermError:
		spfAuth.Value = authres.ResultPermError
		action = f.permerrAction
		reason = spfError(550, exterrors.EnhancedCode{5, 7, 23}, "SPF authentication failed with a permanent error", err)
	default:
		return module.CheckResult{
			Reject:     true,
			Reason:     spfError(451, exterrors.EnhancedCode{4, 7, 23}, fmt.Sprintf("Unknown SPF status: %s", res), err),
			AuthResult: authRes,
		}
	}

	return action.Apply(module.CheckResult{Reason: reason, AuthResult: authRes})
}

// prepareMailFrom converts the sender domain to A-labels (RFC 8616 Section
// 4) and drops non-ASCII local parts that macros can't match anyway.
func prepareMailFrom(from string) (string, string, error) {
	malformed := spfError(550, exterrors.EnhancedCode{5, 1, 7}, "Malformed address", nil)

	fromMbox, fromDomain, err := address.Split(from)
	if err != nil || fromDomain == "" {
		return "", "", malformed
	}
	fromDomain, err = idna.ToASCII(fromDomain)
	if err != nil {
		return "", "", malformed
	}
	if !address.IsASCII(fromMbox) {
		fromMbox = ""
	}
	return fromMbox + "@" + dns.FQDN(fromDomain), fromDomain, nil
}

func (f *Filter) hdlrMail(c *smtpd.Context, verb, _ string, _ *smtpd.Conn) smtpd.Status {
	// A previous transaction may have left its result.
	_ = c.UnsetPriv(f.resultKey)

	if !c.PrevSucceeded() {
		c.Inherit()
		return smtpd.StatusOK
	}

	tcpAddr, ok := c.RemoteAddr.(*net.TCPAddr)
	if !ok {
		f.log.DebugMsg("non-TCP/IP source, skipping", "session", c.ID)
		c.Inherit()
		return smtpd.StatusOK
	}
	if c.ReversePath.IsNull() {
		f.log.DebugMsg("null sender, skipping", "session", c.ID)
		c.Inherit()
		return smtpd.StatusOK
	}

	mailFrom, fromDomain, err := prepareMailFrom(c.ReversePath.Address())
	if err != nil {
		return module.CheckResult{Reject: true, Reason: err}.Apply(c, verb, modName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	res, err := spf.CheckHostWithSender(tcpAddr.IP, dns.FQDN(c.Identity), mailFrom,
		spf.WithContext(ctx), spf.WithResolver(f.resolver))
	f.log.DebugMsg("policy evaluated", "result", res, "reason", err, "session", c.ID)

	checkRes := f.result(c.Identity, fromDomain, res, err)

	// The header is not available until BODY.
	authRes := checkRes.AuthResult
	checkRes.AuthResult = nil
	status := checkRes.Apply(c, verb, modName)
	if status == smtpd.StatusOK {
		c.SetPriv(f.resultKey, authRes, nil)
	}
	return status
}

func (f *Filter) hdlrBody(c *smtpd.Context, verb, _ string, _ *smtpd.Conn) smtpd.Status {
	v, ok := c.Priv(f.resultKey)
	if !ok || !c.PrevSucceeded() {
		c.Inherit()
		return smtpd.StatusOK
	}
	return module.CheckResult{AuthResult: v.([]authres.Result)}.Apply(c, verb, modName)
}

func init() {
	module.Register(modName, New)
}

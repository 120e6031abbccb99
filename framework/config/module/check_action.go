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

package modconfig

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/exterrors"
	"github.com/foxcpp/mailfilter/framework/module"
)

// FailAction is the configured reaction of a filter to a failed check:
//
//	spf_fail reject 550 5.7.23 "SPF validation failed"
//	dnsbl_hit quarantine
//	score_high ignore
//
// Filters declare it with
//
//	cfg.Custom("fail_action", false, false, modconfig.DefaultFailAction(modconfig.FailAction{Reject: true}),
//	    modconfig.FailActionDirective, &f.failAction)
//
// and pass their verdict through Apply.
type FailAction struct {
	Quarantine bool
	Reject     bool

	// ReasonOverride replaces the code and text sent to the client.
	ReasonOverride *exterrors.SMTPError
}

func (fa FailAction) String() string {
	switch {
	case fa.Reject:
		return "reject"
	case fa.Quarantine:
		return "quarantine"
	}
	return "ignore"
}

// DefaultFailAction returns a config.Map default value function for fa.
func DefaultFailAction(fa FailAction) func() (interface{}, error) {
	return func() (interface{}, error) {
		return fa, nil
	}
}

func FailActionDirective(_ *config.Map, node config.Node) (interface{}, error) {
	if node.Children != nil {
		return nil, config.NodeErr(node, "can't declare block here")
	}
	fa, err := ParseActionDirective(node.Args)
	if err != nil {
		return nil, config.NodeErr(node, "%v", err)
	}
	return fa, nil
}

// ParseActionDirective parses "reject|quarantine [code [enhanced-code [message]]]"
// or "ignore".
func ParseActionDirective(args []string) (FailAction, error) {
	if len(args) == 0 {
		return FailAction{}, errors.New("expected at least 1 argument")
	}

	var fa FailAction
	switch args[0] {
	case "reject":
		fa.Reject = true
	case "quarantine":
		fa.Quarantine = true
	case "ignore":
		if len(args) != 1 {
			return FailAction{}, errors.New("ignore takes no arguments")
		}
		return fa, nil
	default:
		return FailAction{}, fmt.Errorf("invalid action: %s", args[0])
	}

	if len(args) > 1 {
		override, err := ParseRejectDirective(args[1:])
		if err != nil {
			return FailAction{}, err
		}
		fa.ReasonOverride = override
	}
	return fa, nil
}

// Apply combines the verdict of a check with the configured action. A
// result without Reason means the check passed and is returned as is.
func (fa FailAction) Apply(res module.CheckResult) module.CheckResult {
	if res.Reason == nil {
		return res
	}

	if o := fa.ReasonOverride; o != nil {
		res.Reason = &exterrors.SMTPError{
			Code:         o.Code,
			EnhancedCode: o.EnhancedCode,
			Message:      o.Message,
			Err:          res.Reason,
		}
	}
	res.Reject = res.Reject || fa.Reject
	res.Quarantine = res.Quarantine || fa.Quarantine
	return res
}

// ParseRejectDirective parses "[code [enhanced-code [message]]]". The
// defaults are 554 5.7.0 "Message rejected due to a local policy".
func ParseRejectDirective(args []string) (*exterrors.SMTPError, error) {
	if len(args) > 3 {
		return nil, errors.New("invalid count of arguments")
	}

	se := &exterrors.SMTPError{
		Code:    554,
		Message: "Message rejected due to a local policy",
		Reason:  "reject directive used",
	}

	if len(args) > 0 {
		code, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("invalid error code integer: %v", err)
		}
		if code/100 != 4 && code/100 != 5 {
			return nil, errors.New("error code should start with either 4 or 5")
		}
		se.Code = code
	}

	se.EnhancedCode = exterrors.EnhancedCode{se.Code / 100, 7, 0}
	if len(args) > 1 {
		ec, err := parseEnhancedCode(args[1])
		if err != nil {
			return nil, err
		}
		if ec[0] != se.Code/100 {
			return nil, errors.New("enhanced code class does not match the reply code")
		}
		se.EnhancedCode = ec
	}

	if len(args) > 2 {
		if args[2] == "" {
			return nil, errors.New("message can't be empty")
		}
		se.Message = args[2]
	}
	return se, nil
}

func parseEnhancedCode(s string) (exterrors.EnhancedCode, error) {
	var ec exterrors.EnhancedCode
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return ec, fmt.Errorf("malformed enhanced code: %s", s)
	}
	for i, part := range parts {
		num, err := strconv.Atoi(part)
		if err != nil || num < 0 {
			return ec, fmt.Errorf("malformed enhanced code: %s", s)
		}
		ec[i] = num
	}
	return ec, nil
}

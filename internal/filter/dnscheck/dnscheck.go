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

// Package dnscheck implements simple DNS-based policy filters:
//
//	filter.require_matching_rdns - PTR record of the client must match EHLO
//	filter.require_mx_record     - sender domain must have MX records
//	filter.require_matching_ehlo - EHLO name must resolve to the client IP
//
// The EHLO identity is only known after the greeting, so all checks run at
// MAIL.
package dnscheck

import (
	"net"
	"strings"

	"github.com/foxcpp/mailfilter/framework/address"
	modconfig "github.com/foxcpp/mailfilter/framework/config/module"
	"github.com/foxcpp/mailfilter/framework/dns"
	"github.com/foxcpp/mailfilter/framework/exterrors"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/foxcpp/mailfilter/internal/filter"
)

const checkPriority = 20

func dnsFailure(err error, checkName string, code exterrors.EnhancedCode) module.CheckResult {
	reason, misc := exterrors.UnwrapDNSErr(err)
	return module.CheckResult{
		Reason: &exterrors.SMTPError{
			Code:         exterrors.CodeFor(err, 450, 550),
			EnhancedCode: exterrors.EnchCodeFor(err, code),
			Message:      "DNS error during policy check",
			CheckName:    checkName,
			Err:          err,
			Reason:       reason,
			Misc:         misc,
		},
	}
}

func clientIP(ctx filter.CheckContext) net.IP {
	tcpAddr, ok := ctx.Session.RemoteAddr.(*net.TCPAddr)
	if !ok {
		return nil
	}
	return tcpAddr.IP
}

func requireMatchingRDNS(ctx filter.CheckContext, _ string) module.CheckResult {
	ip := clientIP(ctx)
	if ip == nil {
		ctx.Logger.Msg("non-TCP/IP source, skipping")
		return module.CheckResult{}
	}

	rdnsName, err := dns.LookupAddr(ctx, ctx.Resolver, ip)
	if err != nil && !dns.IsNotFound(err) {
		return dnsFailure(err, "require_matching_rdns", exterrors.EnhancedCode{0, 7, 25})
	}
	if rdnsName == "" {
		return module.CheckResult{
			Reason: &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 25},
				Message:      "No PTR record found",
				CheckName:    "require_matching_rdns",
			},
		}
	}

	srcDomain := strings.TrimSuffix(ctx.Session.Identity, ".")
	if dns.Equal(rdnsName, srcDomain) {
		ctx.Logger.Debugf("PTR record %s matches source domain, OK", rdnsName)
		return module.CheckResult{}
	}

	return module.CheckResult{
		Reason: &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 25},
			Message:      "rDNS name does not match source hostname",
			CheckName:    "require_matching_rdns",
		},
	}
}

func requireMXRecord(ctx filter.CheckContext, mailFrom string) module.CheckResult {
	if mailFrom == "" {
		// Null reverse-path, used by bounces.
		return module.CheckResult{}
	}

	_, domain, err := address.Split(mailFrom)
	if err != nil || domain == "" {
		return module.CheckResult{
			Reason: &exterrors.SMTPError{
				Code:         501,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 8},
				Message:      "Malformed sender address",
				CheckName:    "require_mx_record",
			},
		}
	}

	srcMx, err := ctx.Resolver.LookupMX(ctx, dns.FQDN(domain))
	if err != nil && !dns.IsNotFound(err) {
		return dnsFailure(err, "require_mx_record", exterrors.EnhancedCode{0, 7, 0})
	}

	if len(srcMx) == 0 {
		return module.CheckResult{
			Reason: &exterrors.SMTPError{
				Code:         501,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 27},
				Message:      "Domain in MAIL FROM does not have any MX records",
				CheckName:    "require_mx_record",
			},
		}
	}

	for _, mx := range srcMx {
		if mx.Host == "." {
			return module.CheckResult{
				Reason: &exterrors.SMTPError{
					Code:         501,
					EnhancedCode: exterrors.EnhancedCode{5, 7, 27},
					Message:      "Domain in MAIL FROM has null MX record",
					CheckName:    "require_mx_record",
				},
			}
		}
	}

	return module.CheckResult{}
}

func requireMatchingEHLO(ctx filter.CheckContext, _ string) module.CheckResult {
	ip := clientIP(ctx)
	if ip == nil {
		ctx.Logger.Msg("non-TCP/IP source, skipping")
		return module.CheckResult{}
	}

	ehlo := ctx.Session.Identity
	if strings.HasPrefix(ehlo, "[") && strings.HasSuffix(ehlo, "]") {
		ehlo = strings.TrimPrefix(ehlo[1:len(ehlo)-1], "IPv6:")
		ehloIP := net.ParseIP(ehlo)
		if ehloIP == nil {
			return module.CheckResult{
				Reason: &exterrors.SMTPError{
					Code:         550,
					EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
					Message:      "Malformed IP in EHLO",
					CheckName:    "require_matching_ehlo",
				},
			}
		}
		if !ehloIP.Equal(ip) {
			return module.CheckResult{
				Reason: &exterrors.SMTPError{
					Code:         550,
					EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
					Message:      "IP in EHLO is not the same as the actual client IP",
					CheckName:    "require_matching_ehlo",
				},
			}
		}
		return module.CheckResult{}
	}

	aEHLO, err := dns.ToASCII(ehlo)
	if err != nil {
		return module.CheckResult{
			Reason: &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
				Message:      "Malformed EHLO hostname",
				CheckName:    "require_matching_ehlo",
				Err:          err,
			},
		}
	}

	srcIPs, err := ctx.Resolver.LookupIPAddr(ctx, dns.FQDN(aEHLO))
	if err != nil && !dns.IsNotFound(err) {
		return dnsFailure(err, "require_matching_ehlo", exterrors.EnhancedCode{0, 7, 0})
	}

	for _, addr := range srcIPs {
		if ip.Equal(addr.IP) {
			ctx.Logger.Debugf("A/AAAA record found for %s for %s domain", ip, ehlo)
			return module.CheckResult{}
		}
	}
	return module.CheckResult{
		Reason: &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
			Message:      "No matching A/AAAA records found for the EHLO hostname",
			CheckName:    "require_matching_ehlo",
		},
	}
}

func init() {
	quarantine := modconfig.FailAction{Quarantine: true}
	filter.RegisterStateless("filter.require_matching_rdns", checkPriority, quarantine,
		filter.Checks{Sender: requireMatchingRDNS})
	filter.RegisterStateless("filter.require_mx_record", checkPriority, quarantine,
		filter.Checks{Sender: requireMXRecord})
	filter.RegisterStateless("filter.require_matching_ehlo", checkPriority, quarantine,
		filter.Checks{Sender: requireMatchingEHLO})
}

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

// Package dnsbl implements the "filter.dnsbl" module that looks up the
// client IP, EHLO name and sender domain in DNS-based block lists:
//
//	filter.dnsbl {
//	    reject_threshold 2
//	    zen.spamhaus.org {
//	        client_ipv6 yes
//	        score 2
//	    }
//	    dbl.spamhaus.org {
//	        client_ipv4 no
//	        ehlo yes
//	        mailfrom yes
//	    }
//	}
//
// IP lists are queried when the connection is accepted. Domain lists are
// queried at MAIL and their score is added to the IP score.
package dnsbl

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/mailfilter/framework/address"
	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/dns"
	"github.com/foxcpp/mailfilter/framework/exterrors"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/foxcpp/mailfilter/framework/smtpd"
	"golang.org/x/sync/errgroup"
)

const (
	modName = "filter.dnsbl"

	connPriority = 5
	mailPriority = 20
)

var defaultList = List{
	ClientIPv4: true,
}

type DNSBL struct {
	instName  string
	inlineBls []string
	bls       []List

	quarantineThres int
	rejectThres     int
	timeout         time.Duration

	resolver dns.Resolver
	log      log.Logger

	verdictKey smtpd.PrivKey
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	return &DNSBL{
		instName:   instName,
		inlineBls:  inlineArgs,
		resolver:   dns.DefaultResolver(),
		log:        log.Logger{Name: modName},
		verdictKey: smtpd.NewPrivKey(),
	}, nil
}

func (bl *DNSBL) Name() string {
	return modName
}

func (bl *DNSBL) InstanceName() string {
	return bl.instName
}

func (bl *DNSBL) Init(cfg *config.Map) error {
	var servers []string
	cfg.Bool("debug", true, false, &bl.log.Debug)
	cfg.Int("quarantine_threshold", false, false, 1, &bl.quarantineThres)
	cfg.Int("reject_threshold", false, false, 9999, &bl.rejectThres)
	cfg.Duration("timeout", false, false, 10*time.Second, &bl.timeout)
	cfg.StringList("resolver", false, false, nil, &servers)
	cfg.AllowUnknown()
	unknown, err := cfg.Process()
	if err != nil {
		return err
	}

	if len(servers) != 0 {
		for i, srv := range servers {
			if _, _, err := net.SplitHostPort(srv); err != nil {
				servers[i] = net.JoinHostPort(srv, "53")
			}
		}
		bl.resolver = dns.NewClient(servers)
	}

	for _, zone := range bl.inlineBls {
		l := defaultList
		l.Zone = zone
		l.ScoreAdj = 1
		bl.bls = append(bl.bls, l)
	}
	for _, node := range unknown {
		if err := bl.readListCfg(node); err != nil {
			return err
		}
	}
	if len(bl.bls) == 0 {
		return errors.New("filter.dnsbl: no lists configured")
	}

	// RFC 5782 Section 7 asks to verify the test entries of each list.
	// Many lists lack them, so only warnings are logged.
	for _, l := range bl.bls {
		go bl.testList(l)
	}
	return nil
}

func (bl *DNSBL) readListCfg(node config.Node) error {
	var (
		l            List
		responseNets []string
	)

	cfg := config.NewMap(nil, node)
	cfg.Bool("client_ipv4", false, defaultList.ClientIPv4, &l.ClientIPv4)
	cfg.Bool("client_ipv6", false, defaultList.ClientIPv6, &l.ClientIPv6)
	cfg.Bool("ehlo", false, defaultList.EHLO, &l.EHLO)
	cfg.Bool("mailfrom", false, defaultList.MAILFROM, &l.MAILFROM)
	cfg.Int("score", false, false, 1, &l.ScoreAdj)
	cfg.StringList("responses", false, false, []string{"127.0.0.1/24"}, &responseNets)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	for _, resp := range responseNets {
		if !strings.Contains(resp, "/") {
			resp += "/32"
		}
		_, ipNet, err := net.ParseCIDR(resp)
		if err != nil {
			return config.NodeErr(node, "%v", err)
		}
		l.Responses = append(l.Responses, *ipNet)
	}

	if l.ScoreAdj < 0 && l.checksDomain() {
		return config.NodeErr(node, "ehlo and mailfrom should not be used with negative score")
	}

	for _, zone := range append([]string{node.Name}, node.Args...) {
		zoneCfg := l
		zoneCfg.Zone = zone
		bl.bls = append(bl.bls, zoneCfg)
	}
	return nil
}

// testList checks the RFC 5782 Section 5 test entries of l.
func (bl *DNSBL) testList(l List) {
	ctx, cancel := context.WithTimeout(context.Background(), bl.timeout)
	defer cancel()

	probe := func(name string, err error, mustList bool) bool {
		if err != nil && !isListed(err) {
			bl.log.Error("lookup error, bailing out", err, "list", l.Zone)
			return false
		}
		if isListed(err) != mustList {
			if mustList {
				bl.log.Msg("list does not contain a test record for "+name, "list", l.Zone)
			} else {
				bl.log.Msg("list contains a record for "+name, "list", l.Zone)
			}
		}
		return true
	}

	if l.ClientIPv4 {
		if !probe("127.0.0.2", checkIP(ctx, bl.resolver, l, net.IPv4(127, 0, 0, 2)), true) {
			return
		}
		if !probe("127.0.0.1", checkIP(ctx, bl.resolver, l, net.IPv4(127, 0, 0, 1)), false) {
			return
		}
	}
	if l.ClientIPv6 {
		if !probe("::FFFF:7F00:2", checkIP(ctx, bl.resolver, l, net.ParseIP("::FFFF:7F00:2")), true) {
			return
		}
		if !probe("::FFFF:7F00:1", checkIP(ctx, bl.resolver, l, net.ParseIP("::FFFF:7F00:1")), false) {
			return
		}
	}
	if l.checksDomain() {
		if !probe("'test' TLD", checkDomain(ctx, bl.resolver, l, "test"), true) {
			return
		}
		probe("'invalid' TLD", checkDomain(ctx, bl.resolver, l, "invalid"), false)
	}
}

// listed is the combined result of lookups in all lists. The result of
// the IP lookups is kept in the session for the MAIL stage.
type listed struct {
	score    int
	listedOn []string
	reasons  []string
}

// checkLists runs check against each list in parallel. The first lookup
// error is returned.
func (bl *DNSBL) checkLists(ctx context.Context, check func(List) error) (listed, error) {
	var (
		eg  errgroup.Group
		lck sync.Mutex
		res listed
	)

	for _, l := range bl.bls {
		l := l
		eg.Go(func() error {
			err := check(l)
			if err == nil {
				return nil
			}
			listErr, ok := err.(ListedErr)
			if !ok {
				return err
			}

			lck.Lock()
			defer lck.Unlock()
			res.listedOn = append(res.listedOn, listErr.List)
			res.reasons = append(res.reasons, listErr.Reason)
			res.score += l.ScoreAdj
			return nil
		})
	}

	return res, eg.Wait()
}

func (bl *DNSBL) checkIPLists(ctx context.Context, ip net.IP) (listed, error) {
	return bl.checkLists(ctx, func(l List) error {
		if !l.checksIP() {
			return nil
		}
		return checkIP(ctx, bl.resolver, l, ip)
	})
}

func (bl *DNSBL) checkDomainLists(ctx context.Context, ehlo, mailFrom string) (listed, error) {
	// Address literals are not looked up.
	if strings.HasPrefix(ehlo, "[") {
		ehlo = ""
	}
	_, mailDomain, err := address.Split(mailFrom)
	if err != nil {
		// <> or <postmaster>, nothing to check.
		mailDomain = ""
	}

	return bl.checkLists(ctx, func(l List) error {
		if l.EHLO && ehlo != "" {
			if err := checkDomain(ctx, bl.resolver, l, ehlo); err != nil {
				return err
			}
		}
		// Small servers often use their domain as EHLO name, skip the
		// second lookup for the same name.
		if l.MAILFROM && mailDomain != "" && !(l.EHLO && dns.Equal(mailDomain, ehlo)) {
			return checkDomain(ctx, bl.resolver, l, mailDomain)
		}
		return nil
	})
}

func lookupFailure(err error) *exterrors.SMTPError {
	reason, misc := exterrors.UnwrapDNSErr(err)
	return &exterrors.SMTPError{
		Code:         exterrors.CodeFor(err, 451, 554),
		EnhancedCode: exterrors.EnchCodeFor(err, exterrors.EnhancedCode{0, 7, 0}),
		Message:      "DNS error during policy check",
		CheckName:    modName,
		Err:          err,
		Reason:       reason,
		Misc:         misc,
	}
}

func (bl *DNSBL) verdict(res listed) module.CheckResult {
	if res.score < bl.quarantineThres && res.score < bl.rejectThres {
		return module.CheckResult{}
	}

	reason := &exterrors.SMTPError{
		Code:         554,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
		Message:      "Client identity is listed in the used DNSBL",
		CheckName:    modName,
		Reason:       strings.Join(res.reasons, "; "),
		Misc: map[string]interface{}{
			"list":  strings.Join(res.listedOn, ","),
			"score": res.score,
		},
	}
	if res.score >= bl.rejectThres {
		return module.CheckResult{Reject: true, Reason: reason}
	}
	return module.CheckResult{Quarantine: true, Reason: reason}
}

func (bl *DNSBL) RegisterHandlers(reg *smtpd.Registry) error {
	if err := reg.Register("INIT", bl.hdlrInit, connPriority, false); err != nil {
		return err
	}
	return reg.Register("MAIL", bl.hdlrMail, mailPriority, false)
}

func (bl *DNSBL) hdlrInit(c *smtpd.Context, verb, _ string, _ *smtpd.Conn) smtpd.Status {
	if !c.PrevSucceeded() {
		c.Inherit()
		return smtpd.StatusOK
	}

	tcpAddr, ok := c.RemoteAddr.(*net.TCPAddr)
	if !ok {
		bl.log.DebugMsg("non-TCP/IP source, skipping", "src_addr", c.RemoteAddr, "session", c.ID)
		c.Inherit()
		return smtpd.StatusOK
	}

	ctx, cancel := context.WithTimeout(context.Background(), bl.timeout)
	defer cancel()

	res, err := bl.checkIPLists(ctx, tcpAddr.IP)
	if err != nil {
		module.CheckResult{Reject: true, Reason: lookupFailure(err)}.Apply(c, verb, modName)
		return smtpd.StatusAbort
	}

	c.SetPriv(bl.verdictKey, res, nil)

	// Quarantine is applied per transaction at MAIL.
	if v := bl.verdict(res); v.Reject {
		v.Apply(c, verb, modName)
		return smtpd.StatusAbort
	}
	c.Inherit()
	return smtpd.StatusOK
}

func (bl *DNSBL) hdlrMail(c *smtpd.Context, verb, _ string, _ *smtpd.Conn) smtpd.Status {
	if !c.PrevSucceeded() {
		c.Inherit()
		return smtpd.StatusOK
	}

	var res listed
	if v, ok := c.Priv(bl.verdictKey); ok {
		res = v.(listed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), bl.timeout)
	defer cancel()

	domainRes, err := bl.checkDomainLists(ctx, c.Identity, c.ReversePath.Address())
	if err != nil {
		return module.CheckResult{Reject: true, Reason: lookupFailure(err)}.Apply(c, verb, modName)
	}
	res.score += domainRes.score
	res.listedOn = append(append([]string(nil), res.listedOn...), domainRes.listedOn...)
	res.reasons = append(append([]string(nil), res.reasons...), domainRes.reasons...)

	return bl.verdict(res).Apply(c, verb, modName)
}

func init() {
	module.Register(modName, New)
}

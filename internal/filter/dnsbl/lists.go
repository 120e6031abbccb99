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

package dnsbl

import (
	"context"
	"net"
	"strings"

	"github.com/foxcpp/mailfilter/framework/dns"
	"github.com/foxcpp/mailfilter/framework/exterrors"
	mdns "github.com/miekg/dns"
)

// List is the configuration of a single DNSxL zone.
type List struct {
	Zone string

	ClientIPv4 bool
	ClientIPv6 bool

	EHLO     bool
	MAILFROM bool

	ScoreAdj int

	// Responses limits the A records counted as a listing. Empty means any.
	Responses []net.IPNet
}

func (l List) checksIP() bool {
	return l.ClientIPv4 || l.ClientIPv6
}

func (l List) checksDomain() bool {
	return l.EHLO || l.MAILFROM
}

// ListedErr is returned by the lookup functions if the identity is listed.
type ListedErr struct {
	Identity string
	List     string
	Reason   string
}

func (le ListedErr) Fields() map[string]interface{} {
	return map[string]interface{}{
		"check":           "dnsbl",
		"list":            le.List,
		"listed_identity": le.Identity,
		"reason":          le.Reason,
	}
}

func (le ListedErr) Error() string {
	return le.Identity + " is listed in the used DNSBL"
}

func isListed(err error) bool {
	_, ok := err.(ListedErr)
	return ok
}

// reverseIP returns the DNSxL query label for ip (RFC 5782 Section 2.1 and
// 2.4): the reversed octets for IPv4, reversed nibbles for IPv6.
func reverseIP(ip net.IP) (string, error) {
	arpa, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return "", err
	}
	if ip.To4() != nil {
		return strings.TrimSuffix(arpa, ".in-addr.arpa."), nil
	}
	return strings.TrimSuffix(arpa, ".ip6.arpa."), nil
}

// explain returns the TXT records for query joined with "; " or fallback if
// there are none.
func explain(ctx context.Context, resolver dns.Resolver, query, fallback string) string {
	txts, err := resolver.LookupTXT(ctx, query)
	if err != nil || len(txts) == 0 {
		return fallback
	}
	return strings.Join(txts, "; ")
}

func checkDomain(ctx context.Context, resolver dns.Resolver, l List, domain string) error {
	query := mdns.Fqdn(domain + "." + l.Zone)

	addrs, err := resolver.LookupHost(ctx, query)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil
		}
		return exterrors.WithFields(err, map[string]interface{}{"list": l.Zone})
	}
	if len(addrs) == 0 {
		return nil
	}

	return ListedErr{
		Identity: domain,
		List:     l.Zone,
		Reason:   explain(ctx, resolver, query, strings.Join(addrs, "; ")),
	}
}

func checkIP(ctx context.Context, resolver dns.Resolver, l List, ip net.IP) error {
	if v4 := ip.To4(); v4 != nil {
		if !l.ClientIPv4 {
			return nil
		}
		ip = v4
	} else if !l.ClientIPv6 {
		return nil
	}

	rev, err := reverseIP(ip)
	if err != nil {
		return err
	}
	query := mdns.Fqdn(rev + "." + l.Zone)

	addrs, err := resolver.LookupIPAddr(ctx, query)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil
		}
		return exterrors.WithFields(err, map[string]interface{}{"list": l.Zone})
	}

	var matched []string
	for _, addr := range addrs {
		if responseAllowed(l.Responses, addr.IP) {
			matched = append(matched, addr.IP.String())
		}
	}
	if len(matched) == 0 {
		return nil
	}

	return ListedErr{
		Identity: ip.String(),
		List:     l.Zone,
		Reason:   explain(ctx, resolver, query, strings.Join(matched, "; ")),
	}
}

func responseAllowed(nets []net.IPNet, ip net.IP) bool {
	if len(nets) == 0 {
		return true
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

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

package dns

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Client is a stub resolver that sends queries to a fixed list of servers
// using miekg/dns. Servers are tried in order until one answers.
//
// Errors are *net.DNSError values so callers can treat Client and the
// system resolver the same way.
type Client struct {
	cl      *dns.Client
	servers []string
}

func NewClient(servers []string) *Client {
	return &Client{
		cl:      &dns.Client{Timeout: 5 * time.Second},
		servers: servers,
	}
}

// SetTimeout changes the timeout of a single query.
func (c *Client) SetTimeout(d time.Duration) {
	c.cl.Timeout = d
}

func rcodeErr(name string, code int, server string) error {
	return &net.DNSError{
		Err:         "rcode " + rcodeString(code),
		Name:        name,
		Server:      server,
		IsNotFound:  code == dns.RcodeNameError,
		IsTemporary: code == dns.RcodeServerFailure,
	}
}

func rcodeString(code int) string {
	if s, ok := dns.RcodeToString[code]; ok {
		return s
	}
	return strconv.Itoa(code)
}

func (c *Client) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.SetEdns0(4096, false)

	var lastErr error
	for _, srv := range c.servers {
		resp, _, err := c.cl.ExchangeContext(ctx, msg, srv)
		if err != nil {
			lastErr = &net.DNSError{
				Err:         err.Error(),
				Name:        name,
				Server:      srv,
				IsTimeout:   isTimeout(err),
				IsTemporary: true,
			}
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			return resp.Answer, nil
		case dns.RcodeNameError:
			// Authoritative answer, no point in asking other servers.
			return nil, rcodeErr(name, resp.Rcode, srv)
		default:
			lastErr = rcodeErr(name, resp.Rcode, srv)
		}
	}
	if lastErr == nil {
		lastErr = &net.DNSError{Err: "no servers configured", Name: name}
	}
	return nil, lastErr
}

func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

func (c *Client) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	rev, err := dns.ReverseAddr(addr)
	if err != nil {
		return nil, &net.DNSError{Err: err.Error(), Name: addr}
	}
	rrs, err := c.query(ctx, rev, dns.TypePTR)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(rrs))
	for _, rr := range rrs {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, ptr.Ptr)
		}
	}
	return names, nil
}

func (c *Client) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	var (
		addrs   []net.IPAddr
		lastErr error
		ok      bool
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		rrs, err := c.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		ok = true
		for _, rr := range rrs {
			switch rr := rr.(type) {
			case *dns.A:
				addrs = append(addrs, net.IPAddr{IP: rr.A})
			case *dns.AAAA:
				addrs = append(addrs, net.IPAddr{IP: rr.AAAA})
			}
		}
	}
	if !ok {
		return nil, lastErr
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

func (c *Client) LookupHost(ctx context.Context, host string) ([]string, error) {
	ipAddrs, err := c.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(ipAddrs))
	for _, a := range ipAddrs {
		addrs = append(addrs, a.IP.String())
	}
	return addrs, nil
}

func (c *Client) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	rrs, err := c.query(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}
	mxs := make([]*net.MX, 0, len(rrs))
	for _, rr := range rrs {
		if mx, ok := rr.(*dns.MX); ok {
			mxs = append(mxs, &net.MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}
	return mxs, nil
}

func (c *Client) LookupTXT(ctx context.Context, name string) ([]string, error) {
	rrs, err := c.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	recs := make([]string, 0, len(rrs))
	for _, rr := range rrs {
		if txt, ok := rr.(*dns.TXT); ok {
			recs = append(recs, strings.Join(txt.Txt, ""))
		}
	}
	return recs, nil
}

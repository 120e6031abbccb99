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

// Package dns defines the resolver interface used by filter modules and
// two implementations: the system resolver (DefaultResolver) and a stub
// resolver querying specific servers (Client).
package dns

import (
	"context"
	"net"
	"strings"
)

// Resolver describes the DNS lookups used by filters. It is implemented by
// *net.Resolver and *Client.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) (names []string, err error)
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// LookupAddr returns the first PTR name for ip with the trailing dot
// stripped, or "" if there is none.
func LookupAddr(ctx context.Context, r Resolver, ip net.IP) (string, error) {
	names, err := r.LookupAddr(ctx, ip.String())
	if err != nil || len(names) == 0 {
		return "", err
	}
	return strings.TrimRight(names[0], "."), nil
}

var defaultResolver Resolver = net.DefaultResolver

// DefaultResolver returns the resolver used by modules that do not have
// their own server configured. It is the system resolver unless
// SetDefaultServers was called.
func DefaultResolver() Resolver {
	return defaultResolver
}

// SetDefaultServers makes DefaultResolver return a Client for servers
// ("host:port" pairs). It is meant to be called during configuration
// loading, before modules are initialized.
func SetDefaultServers(servers []string) {
	if len(servers) == 0 {
		defaultResolver = net.DefaultResolver
		return
	}
	defaultResolver = NewClient(servers)
}

// IsNotFound reports whether err means the name does not exist.
func IsNotFound(err error) bool {
	dnsErr, ok := err.(*net.DNSError)
	return ok && dnsErr.IsNotFound
}

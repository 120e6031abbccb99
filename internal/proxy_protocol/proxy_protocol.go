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

// Package proxy_protocol wraps listeners to accept the HAProxy PROXY
// protocol header from trusted load balancers.
package proxy_protocol

import (
	"crypto/tls"
	"net"
	"strings"

	"github.com/c0va23/go-proxyprotocol"
	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/log"
)

type ProxyProtocol struct {
	trust     []net.IPNet
	tlsConfig *tls.Config
}

// Trusted reports whether a PROXY header from addr is accepted. Unix
// socket peers are always trusted, as is everybody if no trust list is
// configured.
func (p *ProxyProtocol) Trusted(addr net.Addr) bool {
	switch addr := addr.(type) {
	case *net.TCPAddr:
		if len(p.trust) == 0 {
			return true
		}
		for _, trusted := range p.trust {
			if trusted.Contains(addr.IP) {
				return true
			}
		}
	case *net.UnixAddr:
		return true
	}
	return false
}

// ProxyProtocolDirective parses
//
//	proxy_protocol [cidr...] {
//	    trust cidr...
//	    tls cert key
//	}
//
// A bare IP address is treated as a single-host network.
func ProxyProtocolDirective(_ *config.Map, node config.Node) (interface{}, error) {
	p := ProxyProtocol{}

	childM := config.NewMap(nil, node)
	var trustList []string

	childM.StringList("trust", false, false, nil, &trustList)
	childM.Custom("tls", true, false, nil, config.TLSDirective, &p.tlsConfig)

	if _, err := childM.Process(); err != nil {
		return nil, err
	}

	trustList = append(trustList, node.Args...)
	for _, trust := range trustList {
		if !strings.Contains(trust, "/") {
			if ip := net.ParseIP(trust); ip != nil && ip.To4() == nil {
				trust += "/128"
			} else {
				trust += "/32"
			}
		}
		_, ipNet, err := net.ParseCIDR(trust)
		if err != nil {
			return nil, config.NodeErr(node, "%v", err)
		}
		p.trust = append(p.trust, *ipNet)
	}

	return &p, nil
}

func NewListener(inner net.Listener, p *ProxyProtocol, logger log.Logger) net.Listener {
	var listener net.Listener

	sourceChecker := func(upstream net.Addr) (bool, error) {
		if p.Trusted(upstream) {
			return true, nil
		}
		logger.Msg("PROXY header from untrusted source ignored", "src_addr", upstream)
		return false, nil
	}

	listener = proxyprotocol.NewDefaultListener(inner).
		WithLogger(proxyprotocol.LoggerFunc(func(format string, v ...interface{}) {
			logger.Debugf("proxy_protocol: "+format, v...)
		})).
		WithSourceChecker(sourceChecker)

	if p.tlsConfig != nil {
		listener = tls.NewListener(listener, p.tlsConfig)
	}

	return listener
}

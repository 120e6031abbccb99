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

package config

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
)

// Endpoint is a parsed listener address such as tcp://0.0.0.0:25,
// tls://[::]:465 or unix:///run/mailfilter/smtp.sock.
//
// fd://3 and fdname://smtp refer to sockets passed by the service manager
// (systemd socket activation).
type Endpoint struct {
	Original, Scheme, Host, Port, Path string
}

func (e Endpoint) String() string {
	if e.Original != "" {
		return e.Original
	}

	switch e.Scheme {
	case "unix":
		return "unix://" + e.Path
	case "fd", "fdname":
		return e.Scheme + "://" + e.Host
	}
	if e.Host == "" && e.Port == "" {
		return ""
	}

	var sb strings.Builder
	if e.Scheme != "" {
		sb.WriteString(e.Scheme)
		sb.WriteString("://")
	}
	sb.WriteString(net.JoinHostPort(e.Host, e.Port))
	sb.WriteString(e.Path)
	return sb.String()
}

// Network returns the network name for net.Listen.
func (e Endpoint) Network() string {
	switch e.Scheme {
	case "unix", "fd", "fdname":
		return e.Scheme
	}
	return "tcp"
}

// Address returns the address for net.Listen.
func (e Endpoint) Address() string {
	switch e.Scheme {
	case "unix":
		return e.Path
	case "fd", "fdname":
		return e.Host
	}
	return net.JoinHostPort(e.Host, e.Port)
}

// IsTLS reports whether the listener should use implicit TLS.
func (e Endpoint) IsTLS() bool {
	return e.Scheme == "tls"
}

// ParseEndpoint parses str into an Endpoint. Relative Unix socket paths are
// resolved against RuntimeDirectory.
func ParseEndpoint(str string) (Endpoint, error) {
	u, err := url.Parse(str)
	if err != nil {
		return Endpoint{}, err
	}

	switch u.Scheme {
	case "tcp", "tls":
		if u.Host == "" && u.Opaque != "" {
			u.Host = u.Opaque
		}
	case "unix":
		if u.Path == "" && u.Opaque != "" {
			u.Path = u.Opaque
		}
		path := u.Host + u.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(RuntimeDirectory, path)
		}
		return Endpoint{Original: str, Scheme: u.Scheme, Path: path}, nil
	case "fd", "fdname":
		name := u.Host
		if name == "" {
			name = u.Opaque
		}
		if name == "" {
			return Endpoint{}, fmt.Errorf("%s: socket number or name is required", str)
		}
		return Endpoint{Original: str, Scheme: u.Scheme, Host: name}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported scheme: %s", str)
	}

	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%s: port is required", str)
	}
	if port == "" {
		return Endpoint{}, fmt.Errorf("%s: port is required", str)
	}

	return Endpoint{Original: str, Scheme: u.Scheme, Host: host, Port: port, Path: u.Path}, nil
}

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

// Package ldap implements the "auth.ldap" credential provider that
// verifies passwords by binding to a directory server as the user.
package ldap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/go-ldap/ldap/v3"
)

const modName = "auth.ldap"

// directory is the subset of *ldap.Conn used for authentication.
type directory interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Bind(username, password string) error
}

type Auth struct {
	instName string

	urls           []string
	readBind       func(*ldap.Conn) error
	startTLS       bool
	tlsCfg         *tls.Config
	dialer         *net.Dialer
	requestTimeout time.Duration

	// Either dnTemplate or baseDN with filterTemplate is set.
	dnTemplate     string
	baseDN         string
	filterTemplate string

	conn     *ldap.Conn
	connLock sync.Mutex

	log log.Logger
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	return &Auth{
		instName: instName,
		log:      log.Logger{Name: modName},
		urls:     inlineArgs,
	}, nil
}

func (a *Auth) Init(cfg *config.Map) error {
	var insecure bool
	a.dialer = &net.Dialer{}

	cfg.Bool("debug", true, false, &a.log.Debug)
	cfg.Callback("urls", func(_ *config.Map, node config.Node) error {
		a.urls = append(a.urls, node.Args...)
		return nil
	})
	cfg.Custom("bind", false, false, func() (interface{}, error) {
		return func(*ldap.Conn) error { return nil }, nil
	}, readBindDirective, &a.readBind)
	cfg.Bool("starttls", false, false, &a.startTLS)
	cfg.Bool("tls_insecure_skip_verify", false, false, &insecure)
	cfg.Duration("connect_timeout", false, false, time.Minute, &a.dialer.Timeout)
	cfg.Duration("request_timeout", false, false, time.Minute, &a.requestTimeout)
	cfg.String("dn_template", false, false, "", &a.dnTemplate)
	cfg.String("base_dn", false, false, "", &a.baseDN)
	cfg.String("filter", false, false, "", &a.filterTemplate)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if len(a.urls) == 0 {
		return errors.New("auth.ldap: at least one server URL is required")
	}
	for _, u := range a.urls {
		if _, err := url.Parse(u); err != nil {
			return fmt.Errorf("auth.ldap: invalid server URL: %w", err)
		}
	}
	if a.dnTemplate == "" {
		if a.baseDN == "" {
			return errors.New("auth.ldap: base_dn not set")
		}
		if a.filterTemplate == "" {
			return errors.New("auth.ldap: filter not set")
		}
	} else if a.baseDN != "" || a.filterTemplate != "" {
		return errors.New("auth.ldap: search directives set when dn_template is used")
	}

	a.tlsCfg = &tls.Config{InsecureSkipVerify: insecure}

	// The connection is established on first use so a directory outage
	// does not prevent the server from starting.
	return nil
}

func readBindDirective(_ *config.Map, n config.Node) (interface{}, error) {
	if len(n.Args) == 0 {
		return nil, config.NodeErr(n, "at least one argument is required")
	}
	switch n.Args[0] {
	case "off":
		return func(*ldap.Conn) error { return nil }, nil
	case "unauth":
		var user string
		if len(n.Args) == 2 {
			user = n.Args[1]
		}
		return func(c *ldap.Conn) error {
			return c.UnauthenticatedBind(user)
		}, nil
	case "plain":
		if len(n.Args) != 3 {
			return nil, config.NodeErr(n, "username and password expected for plaintext bind")
		}
		return func(c *ldap.Conn) error {
			return c.Bind(n.Args[1], n.Args[2])
		}, nil
	case "external":
		return (*ldap.Conn).ExternalBind, nil
	}
	return nil, config.NodeErr(n, "unknown bind authentication: %v", n.Args[0])
}

func (a *Auth) Name() string {
	return modName
}

func (a *Auth) InstanceName() string {
	return a.instName
}

func (a *Auth) newConn() (*ldap.Conn, error) {
	var lastErr error
	for _, u := range a.urls {
		parsed, err := url.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("auth.ldap: invalid server URL: %w", err)
		}
		tlsCfg := a.tlsCfg.Clone()
		tlsCfg.ServerName = parsed.Hostname()

		conn, err := ldap.DialURL(u, ldap.DialWithDialer(a.dialer), ldap.DialWithTLSConfig(tlsCfg))
		if err != nil {
			a.log.Error("cannot contact directory server", err, "url", u)
			lastErr = err
			continue
		}

		if a.requestTimeout != 0 {
			conn.SetTimeout(a.requestTimeout)
		}
		if a.startTLS {
			if err := conn.StartTLS(tlsCfg); err != nil {
				conn.Close()
				return nil, fmt.Errorf("auth.ldap: %w", err)
			}
		}
		if err := a.readBind(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("auth.ldap: %w", err)
		}
		return conn, nil
	}
	return nil, fmt.Errorf("auth.ldap: all directory servers are unreachable: %w", lastErr)
}

// getConn returns the shared connection with connLock held. returnConn
// must be called afterwards.
func (a *Auth) getConn() (*ldap.Conn, error) {
	a.connLock.Lock()
	if a.conn != nil && a.conn.IsClosing() {
		a.conn.Close()
		a.conn = nil
	}
	if a.conn == nil {
		conn, err := a.newConn()
		if err != nil {
			a.connLock.Unlock()
			return nil, err
		}
		a.conn = conn
	}
	return a.conn, nil
}

// returnConn restores the read binding after a user bind.
func (a *Auth) returnConn(conn *ldap.Conn) {
	defer a.connLock.Unlock()
	if err := a.readBind(conn); err != nil {
		a.log.Error("failed to rebind for reading", err)
		conn.Close()
		a.conn = nil
	}
}

// escapeDN escapes an attribute value for use in a DN (RFC 4514).
func escapeDN(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case strings.IndexByte(`"+,;<>\=`, c) != -1,
			c == '#' && i == 0,
			c == ' ' && (i == 0 || i == len(s)-1):
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case c == 0:
			sb.WriteString(`\00`)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func (a *Auth) userDN(dir directory, username string) (string, error) {
	if a.dnTemplate != "" {
		return strings.ReplaceAll(a.dnTemplate, "{username}", escapeDN(username)), nil
	}

	req := ldap.NewSearchRequest(
		a.baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		2, 0, false,
		strings.ReplaceAll(a.filterTemplate, "{username}", ldap.EscapeFilter(username)),
		[]string{"dn"}, nil)
	res, err := dir.Search(req)
	if err != nil {
		return "", fmt.Errorf("auth.ldap: search: %w", err)
	}
	switch len(res.Entries) {
	case 0:
		return "", module.ErrUnknownCredentials
	case 1:
		return res.Entries[0].DN, nil
	default:
		return "", fmt.Errorf("auth.ldap: too many entries returned (%d)", len(res.Entries))
	}
}

func (a *Auth) authenticate(dir directory, username, password string) error {
	// An empty password is an unauthenticated bind that most servers
	// accept.
	if password == "" {
		return module.ErrUnknownCredentials
	}

	dn, err := a.userDN(dir, username)
	if err != nil {
		return err
	}
	if err := dir.Bind(dn, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return module.ErrUnknownCredentials
		}
		return fmt.Errorf("auth.ldap: bind: %w", err)
	}
	return nil
}

func (a *Auth) AuthPlain(username, password string) error {
	conn, err := a.getConn()
	if err != nil {
		return err
	}
	defer a.returnConn(conn)

	return a.authenticate(conn, username, password)
}

func (a *Auth) Close() error {
	a.connLock.Lock()
	defer a.connLock.Unlock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	return nil
}

func init() {
	module.Register(modName, New)
}

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

// Package smtp implements the "smtp" endpoint that accepts connections and
// runs each of them through the handler registry built from the core
// verbs and the configured filters.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/mailfilter/framework/config"
	modconfig "github.com/foxcpp/mailfilter/framework/config/module"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/foxcpp/mailfilter/framework/smtpd"
	"github.com/foxcpp/mailfilter/internal/netresource"
	"github.com/foxcpp/mailfilter/internal/proxy_protocol"
	"golang.org/x/net/idna"
	"golang.org/x/sync/errgroup"
)

type Endpoint struct {
	name      string
	addrs     []string
	hostname  string
	tlsConfig *tls.Config
	proxyProt *proxy_protocol.ProxyProtocol
	filters   []module.Filter
	opts      smtpd.Options

	reg       *smtpd.Registry
	listeners []net.Listener

	ctx      context.Context
	cancel   context.CancelFunc
	serving  *errgroup.Group
	sessions sync.WaitGroup

	Log log.Logger
}

func New(modName string, addrs []string) (module.Module, error) {
	return &Endpoint{
		name:  modName,
		addrs: addrs,
		Log:   log.Logger{Name: modName},
	}, nil
}

func (endp *Endpoint) Name() string {
	return endp.name
}

func (endp *Endpoint) InstanceName() string {
	return endp.name
}

func (endp *Endpoint) Init(cfg *config.Map) error {
	if len(endp.addrs) == 0 {
		return fmt.Errorf("%s: at least one listening address is required", endp.name)
	}

	var maxLineLength int
	cfg.String("hostname", true, true, "", &endp.hostname)
	cfg.String("greeting", false, false, "", &endp.opts.Greeting)
	cfg.Custom("tls", true, false, nil, config.TLSDirective, &endp.tlsConfig)
	cfg.Int("max_line_length", false, false, smtpd.DefaultMaxLineLength, &maxLineLength)
	cfg.DataSize("max_header_size", false, false, smtpd.DefaultMaxHeaderSize, &endp.opts.MaxHeaderSize)
	cfg.DataSize("max_message_size", false, false, 32*1024*1024, &endp.opts.MaxMessageSize)
	cfg.String("scratch_dir", false, false, os.TempDir(), &endp.opts.ScratchDir)
	cfg.Duration("read_timeout", false, false, 10*time.Minute, &endp.opts.ReadTimeout)
	cfg.Duration("write_timeout", false, false, 1*time.Minute, &endp.opts.WriteTimeout)
	cfg.Bool("io_debug", false, false, &endp.opts.IODebug)
	cfg.Bool("debug", true, false, &endp.Log.Debug)
	cfg.Custom("proxy_protocol", false, false, nil, proxy_protocol.ProxyProtocolDirective, &endp.proxyProt)
	cfg.Callback("filters", func(_ *config.Map, node config.Node) error {
		filters, err := modconfig.FilterList(node)
		if err != nil {
			return err
		}
		endp.filters = append(endp.filters, filters...)
		return nil
	})
	cfg.Callback("filter", func(m *config.Map, node config.Node) error {
		f, err := modconfig.FilterDirective(m, node)
		if err != nil {
			return err
		}
		endp.filters = append(endp.filters, f.(module.Filter))
		return nil
	})
	if _, err := cfg.Process(); err != nil {
		return err
	}
	endp.opts.MaxLineLength = maxLineLength

	// INTERNATIONALIZATION: See RFC 6531 Section 3.3.
	var err error
	endp.opts.Hostname, err = idna.ToASCII(endp.hostname)
	if err != nil {
		return fmt.Errorf("%s: cannot represent the hostname as an A-label name: %w", endp.name, err)
	}
	if err := os.MkdirAll(endp.opts.ScratchDir, 0o700); err != nil {
		return fmt.Errorf("%s: %w", endp.name, err)
	}

	endp.opts.Log = endp.Log.Sublogger("session")
	if endp.opts.IODebug {
		endp.opts.Log.Debug = true
		endp.Log.Println("I/O debugging is on! It may leak passwords in logs, be careful!")
	}

	endp.reg, err = BuildRegistry(endp.name, endp.filters)
	if err != nil {
		return fmt.Errorf("%s: %w", endp.name, err)
	}
	return nil
}

// BuildRegistry creates a frozen registry with the core verbs, the
// handlers of filters in the listed order and the endpoint metrics.
func BuildRegistry(endpName string, filters []module.Filter) (*smtpd.Registry, error) {
	reg := smtpd.NewRegistry()
	if err := smtpd.RegisterCore(reg); err != nil {
		return nil, err
	}
	for _, f := range filters {
		if err := f.RegisterHandlers(reg); err != nil {
			return nil, fmt.Errorf("filter %s (%s): %w", f.Name(), f.InstanceName(), err)
		}
	}
	registerMetrics(reg, endpName)
	reg.Freeze()
	return reg, nil
}

// Registry returns the registry sessions are served with.
func (endp *Endpoint) Registry() *smtpd.Registry {
	return endp.reg
}

func (endp *Endpoint) Start() error {
	addresses := make([]config.Endpoint, 0, len(endp.addrs))
	for _, addr := range endp.addrs {
		saddr, err := config.ParseEndpoint(addr)
		if err != nil {
			return fmt.Errorf("%s: invalid address: %s", endp.name, addr)
		}
		addresses = append(addresses, saddr)
	}

	endp.ctx, endp.cancel = context.WithCancel(context.Background())
	endp.serving, _ = errgroup.WithContext(endp.ctx)

	if err := endp.setupListeners(addresses); err != nil {
		endp.cancel()
		for _, l := range endp.listeners {
			l.Close()
		}
		endp.listeners = nil
		return err
	}

	allLocal := true
	for _, addr := range addresses {
		if addr.Scheme != "unix" && !strings.HasPrefix(addr.Host, "127.0.0.") {
			allLocal = false
		}
	}
	if endp.tlsConfig == nil && !allLocal {
		endp.Log.Println("TLS is disabled, this is insecure configuration and should be used only for testing!")
	}
	return nil
}

func (endp *Endpoint) setupListeners(addresses []config.Endpoint) error {
	for _, addr := range addresses {
		l, err := netresource.Listen(addr.Network(), addr.Address())
		if err != nil {
			return fmt.Errorf("%s: %w", endp.name, err)
		}
		endp.Log.Printf("listening on %v", addr)

		if endp.proxyProt != nil {
			l = proxy_protocol.NewListener(l, endp.proxyProt, endp.Log)
		}
		if addr.IsTLS() {
			if endp.tlsConfig == nil {
				l.Close()
				return fmt.Errorf("%s: can't bind on SMTPS endpoint without TLS configuration", endp.name)
			}
			l = tls.NewListener(l, endp.tlsConfig)
		}

		endp.listeners = append(endp.listeners, l)

		addr := addr
		endp.serving.Go(func() error {
			if err := endp.serve(l); err != nil {
				endp.Log.Error("failed to serve", err, "endpoint", addr.String())
				return err
			}
			return nil
		})
	}
	return nil
}

// Addrs returns the addresses the endpoint actually listens on.
func (endp *Endpoint) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(endp.listeners))
	for _, l := range endp.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (endp *Endpoint) serve(l net.Listener) error {
	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if endp.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				endp.Log.Error("accept failed, retrying", err, "delay", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		endp.sessions.Add(1)
		go func() {
			defer endp.sessions.Done()
			sessionStarted(endp.name)
			defer sessionEnded(endp.name)

			if err := smtpd.Serve(endp.ctx, endp.reg, conn, endp.opts); err != nil {
				endp.Log.DebugMsg("session failed", "reason", err, "remote_addr", conn.RemoteAddr())
			}
		}()
	}
}

// Stop closes listeners, terminates active sessions and waits for them to
// finish.
func (endp *Endpoint) Stop() error {
	if endp.cancel == nil {
		return nil
	}
	endp.cancel()
	for _, l := range endp.listeners {
		l.Close()
	}
	err := endp.serving.Wait()
	endp.sessions.Wait()
	endp.listeners = nil
	return err
}

func init() {
	module.RegisterEndpoint("smtp", New)
}

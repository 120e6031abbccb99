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

// Package openmetrics implements the "openmetrics" endpoint that exposes
// Prometheus metrics on /metrics.
package openmetrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/foxcpp/mailfilter/internal/netresource"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const modName = "openmetrics"

type Endpoint struct {
	addrs     []string
	endpoints []config.Endpoint
	logger    log.Logger

	listenersWg sync.WaitGroup
	listeners   []net.Listener
	serv        http.Server
	mux         *http.ServeMux
}

func New(_ string, args []string) (module.Module, error) {
	return &Endpoint{
		addrs:  args,
		logger: log.Logger{Name: modName, Debug: log.DefaultLogger.Debug},
	}, nil
}

func (e *Endpoint) Init(cfg *config.Map) error {
	cfg.Bool("debug", false, false, &e.logger.Debug)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if len(e.addrs) == 0 {
		return fmt.Errorf("%s: at least one listening address is required", modName)
	}

	for _, a := range e.addrs {
		endp, err := config.ParseEndpoint(a)
		if err != nil {
			return fmt.Errorf("%s: malformed endpoint: %v", modName, err)
		}
		if endp.IsTLS() {
			return fmt.Errorf("%s: TLS is not supported", modName)
		}
		e.endpoints = append(e.endpoints, endp)
	}

	e.mux = http.NewServeMux()
	e.mux.Handle("/metrics", promhttp.Handler())
	e.serv.Handler = e.mux
	e.serv.ErrorLog = zap.NewStdLog(e.logger.Zap())
	return nil
}

func (e *Endpoint) Start() error {
	for _, endp := range e.endpoints {
		l, err := netresource.Listen(endp.Network(), endp.Address())
		if err != nil {
			e.Stop()
			return fmt.Errorf("%s: %v", modName, err)
		}
		e.listeners = append(e.listeners, l)

		endp := endp
		e.listenersWg.Add(1)
		go func() {
			defer e.listenersWg.Done()
			e.logger.Println("listening on", endp.String())
			err := e.serv.Serve(l)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("serve failed", err, "endpoint", endp.String())
			}
		}()
	}
	return nil
}

// Addrs returns the addresses the endpoint listens on.
func (e *Endpoint) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(e.listeners))
	for _, l := range e.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (e *Endpoint) Name() string {
	return modName
}

func (e *Endpoint) InstanceName() string {
	return modName
}

func (e *Endpoint) Stop() error {
	// Close also closes the listeners passed to Serve, the ones that did
	// not get there yet are closed here.
	err := e.serv.Close()
	for _, l := range e.listeners {
		l.Close()
	}
	e.listenersWg.Wait()
	e.listeners = nil
	return err
}

func init() {
	module.RegisterEndpoint(modName, New)
}

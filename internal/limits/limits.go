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

// Package limits implements the "limits" filter that restricts the number
// of concurrent sessions and the rate of sessions and messages globally,
// per client IP and per sender domain.
//
// Low-level components are in the limiters subpackage.
package limits

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/exterrors"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/foxcpp/mailfilter/framework/smtpd"
	"github.com/foxcpp/mailfilter/internal/limits/limiters"
)

const (
	// Handlers run before the core INIT so a refused client does not
	// see the greeting.
	connPriority = -10
	mailPriority = 10

	maxBuckets   = 20000
	reapInterval = 10 * time.Minute
)

type Group struct {
	instName string
	log      log.Logger
	wait     time.Duration

	global *limiters.MultiLimit
	ip     *limiters.BucketSet
	sender *limiters.BucketSet

	connKey smtpd.PrivKey
	mailKey smtpd.PrivKey
}

func New(_, instName string, _, _ []string) (module.Module, error) {
	return &Group{
		instName: instName,
		log:      log.Logger{Name: "limits"},
		connKey:  smtpd.NewPrivKey(),
		mailKey:  smtpd.NewPrivKey(),
	}, nil
}

func (g *Group) Name() string {
	return "limits"
}

func (g *Group) InstanceName() string {
	return g.instName
}

func (g *Group) Init(cfg *config.Map) error {
	var globalL []limiters.L
	var ipL, senderL []func() limiters.L

	cfg.Bool("debug", true, false, &g.log.Debug)
	cfg.Duration("wait", false, false, time.Second, &g.wait)
	for _, scope := range []string{"all", "ip", "sender"} {
		scope := scope
		cfg.Callback(scope, func(_ *config.Map, node config.Node) error {
			ctor, err := limiterCtor(node)
			if err != nil {
				return err
			}
			switch scope {
			case "all":
				globalL = append(globalL, ctor())
			case "ip":
				ipL = append(ipL, ctor)
			case "sender":
				senderL = append(senderL, ctor)
			}
			return nil
		})
	}
	if _, err := cfg.Process(); err != nil {
		return err
	}

	g.global = &limiters.MultiLimit{Wrapped: globalL}
	g.ip = bucketSet(ipL)
	g.sender = bucketSet(senderL)
	return nil
}

func bucketSet(ctors []func() limiters.L) *limiters.BucketSet {
	if len(ctors) == 0 {
		return nil
	}
	return limiters.NewBucketSet(func() limiters.L {
		ml := &limiters.MultiLimit{Wrapped: make([]limiters.L, 0, len(ctors))}
		for _, ctor := range ctors {
			ml.Wrapped = append(ml.Wrapped, ctor())
		}
		return ml
	}, reapInterval, maxBuckets)
}

// limiterCtor parses "concurrency N" or "rate BURST [INTERVAL]".
func limiterCtor(node config.Node) (func() limiters.L, error) {
	if len(node.Args) < 2 {
		return nil, config.NodeErr(node, "expected limit kind and value")
	}

	switch kind, args := node.Args[0], node.Args[1:]; kind {
	case "concurrency":
		if len(args) != 1 {
			return nil, config.NodeErr(node, "expected max concurrency value")
		}
		max, err := strconv.Atoi(args[0])
		if err != nil || max < 0 {
			return nil, config.NodeErr(node, "invalid concurrency value: %s", args[0])
		}
		return func() limiters.L { return limiters.NewSemaphore(max) }, nil
	case "rate":
		if len(args) > 2 {
			return nil, config.NodeErr(node, "too many arguments")
		}
		burst, err := strconv.Atoi(args[0])
		if err != nil || burst < 0 {
			return nil, config.NodeErr(node, "invalid burst size: %s", args[0])
		}
		interval := time.Second
		if len(args) == 2 {
			interval, err = time.ParseDuration(args[1])
			if err != nil || interval <= 0 {
				return nil, config.NodeErr(node, "invalid interval: %s", args[1])
			}
		}
		return func() limiters.L { return limiters.NewRate(burst, interval) }, nil
	default:
		return nil, config.NodeErr(node, "unknown limit kind: %s", kind)
	}
}

func (g *Group) RegisterHandlers(reg *smtpd.Registry) error {
	if err := reg.Register("INIT", g.hdlrInit, connPriority, false); err != nil {
		return err
	}
	if g.sender != nil {
		if err := reg.Register("MAIL", g.hdlrMail, mailPriority, false); err != nil {
			return err
		}
		reg.OnReset(func(c *smtpd.Context) {
			c.UnsetPriv(g.mailKey)
		})
	}
	return nil
}

func remoteIP(addr net.Addr) string {
	switch addr := addr.(type) {
	case *net.TCPAddr:
		return addr.IP.String()
	case nil:
		return ""
	}
	return addr.String()
}

// TakeConn acquires the global and per-IP limits for a new session.
func (g *Group) TakeConn(ctx context.Context, ip string) error {
	ctx, cancel := context.WithTimeout(ctx, g.wait)
	defer cancel()

	if err := g.global.TakeContext(ctx); err != nil {
		return err
	}
	if err := g.ip.TakeContext(ctx, ip); err != nil {
		g.global.Release()
		return err
	}
	return nil
}

func (g *Group) ReleaseConn(ip string) {
	g.global.Release()
	g.ip.Release(ip)
}

func (g *Group) hdlrInit(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
	ip := remoteIP(c.RemoteAddr)
	if err := g.TakeConn(context.Background(), ip); err != nil {
		g.log.Msg("session refused", "ip", ip, "reason", err, "session", c.ID)
		c.ReplyError(&exterrors.SMTPError{
			Code:         421,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 0},
			Message:      "Too many connections, try again later",
			CheckName:    "limits",
			Err:          err,
		})
		return smtpd.StatusAbort
	}

	c.SetPriv(g.connKey, ip, func(v interface{}) {
		g.ReleaseConn(v.(string))
	})
	c.Inherit()
	return smtpd.StatusOK
}

func (g *Group) hdlrMail(c *smtpd.Context, verb, _ string, _ *smtpd.Conn) smtpd.Status {
	if !c.PrevSucceeded() {
		c.Inherit()
		return smtpd.StatusOK
	}

	domain := strings.ToLower(c.ReversePath.Domain)
	ctx, cancel := context.WithTimeout(context.Background(), g.wait)
	defer cancel()
	if err := g.sender.TakeContext(ctx, domain); err != nil {
		g.log.Msg("sender limit exceeded", "domain", domain, "reason", err, "session", c.ID)
		c.UndoEnvelope(verb)
		c.ReplyError(&exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 0},
			Message:      "Too many messages from this sender domain, try again later",
			CheckName:    "limits",
			Err:          err,
		})
		return smtpd.StatusBreak
	}

	c.SetPriv(g.mailKey, domain, func(v interface{}) {
		g.sender.Release(v.(string))
	})
	c.Inherit()
	return smtpd.StatusOK
}

func (g *Group) Close() error {
	g.global.Close()
	if g.ip != nil {
		g.ip.Close()
	}
	if g.sender != nil {
		g.sender.Close()
	}
	return nil
}

func init() {
	module.Register("limits", New)
}

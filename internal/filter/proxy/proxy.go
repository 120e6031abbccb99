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

// Package proxy implements the "filter.proxy" module that relays each
// session to an upstream SMTP server:
//
//	filter.proxy tcp://127.0.0.1:10025 {
//	    hostname mx.example.org
//	    forward_auth yes
//	}
//
// Every command accepted locally is repeated upstream and upstream
// rejections replace the local reply.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/foxcpp/mailfilter/framework/address"
	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/exterrors"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/foxcpp/mailfilter/framework/smtpd"
	"github.com/foxcpp/mailfilter/internal/smtpconn"
)

const (
	modName = "filter.proxy"

	// The upstream is dialed before the greeting is sent.
	connPriority = 10
	// Message data goes upstream once all local filters accepted it.
	bodyPriority = 100
)

type Proxy struct {
	instName   string
	inlineArgs []string
	log        log.Logger

	endp        config.Endpoint
	hostname    string
	forwardEHLO bool
	forwardAuth bool
	starttls    bool
	tlsConfig   *tls.Config
	priority    int

	commandTimeout    time.Duration
	submissionTimeout time.Duration

	connKey smtpd.PrivKey
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) > 1 {
		return nil, fmt.Errorf("%s: at most one inline argument is expected", modName)
	}
	return &Proxy{
		instName:   instName,
		inlineArgs: inlineArgs,
		log:        log.Logger{Name: modName},
		connKey:    smtpd.NewPrivKey(),
	}, nil
}

func (p *Proxy) Name() string {
	return modName
}

func (p *Proxy) InstanceName() string {
	return p.instName
}

func (p *Proxy) Init(cfg *config.Map) error {
	var target string
	if len(p.inlineArgs) == 1 {
		target = p.inlineArgs[0]
	}

	cfg.Bool("debug", true, false, &p.log.Debug)
	cfg.String("target", false, target == "", target, &target)
	cfg.String("hostname", true, false, "localhost.localdomain", &p.hostname)
	cfg.Bool("forward_ehlo", false, false, &p.forwardEHLO)
	cfg.Bool("forward_auth", false, true, &p.forwardAuth)
	cfg.Bool("starttls", false, true, &p.starttls)
	cfg.Custom("tls_client", true, false, func() (interface{}, error) {
		return &tls.Config{}, nil
	}, config.TLSClientBlock, &p.tlsConfig)
	cfg.Int("priority", false, false, 90, &p.priority)
	cfg.Duration("command_timeout", false, false, 5*time.Minute, &p.commandTimeout)
	cfg.Duration("submission_timeout", false, false, 12*time.Minute, &p.submissionTimeout)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	endp, err := config.ParseEndpoint(target)
	if err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}
	switch endp.Scheme {
	case "tcp", "tls":
	default:
		return fmt.Errorf("%s: scheme unsupported: %v", modName, endp.Scheme)
	}
	p.endp = endp
	return nil
}

func (p *Proxy) RegisterHandlers(reg *smtpd.Registry) error {
	if err := reg.Register("INIT", p.hdlrInit, connPriority, false); err != nil {
		return err
	}
	for verb, h := range map[string]smtpd.Handler{
		"EHLO": p.hdlrHelo,
		"HELO": p.hdlrHelo,
		"ALOP": p.hdlrAuth,
		"APLP": p.hdlrAuth,
		"MAIL": p.hdlrMail,
		"RCPT": p.hdlrRcpt,
		"RSET": p.hdlrRset,
		"QUIT": p.hdlrQuit,
	} {
		if err := reg.Register(verb, h, p.priority, false); err != nil {
			return err
		}
	}
	return reg.Register("BODY", p.hdlrBody, bodyPriority, false)
}

// upstream is the per-session connection to the upstream server.
type upstream struct {
	*smtpconn.C

	// The connection is in an unknown state and must not be used.
	broken bool
	// MAIL was accepted and the transaction was not finished yet.
	inTx bool
}

func (p *Proxy) hdlrInit(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
	if !c.PrevSucceeded() {
		c.Inherit()
		return smtpd.StatusOK
	}

	conn := smtpconn.New()
	conn.Log = p.log.With("session", c.ID)
	conn.Hostname = p.hostname
	conn.CommandTimeout = p.commandTimeout
	conn.SubmissionTimeout = p.submissionTimeout
	if p.tlsConfig != nil {
		conn.TLSConfig = p.tlsConfig
	}

	if err := conn.Connect(context.Background(), p.endp); err != nil {
		c.ReplyError(&exterrors.SMTPError{
			Code:         421,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 1},
			Message:      "Upstream server unavailable",
			CheckName:    modName,
			Err:          err,
		})
		code, msg, _ := c.ReplyCode()
		c.SetTransactionState(modName, code, msg)
		c.Log.Error("cannot connect to upstream", err, "target", p.endp.String())
		return smtpd.StatusAbort
	}
	conn.Log.DebugMsg("connected", "target", p.endp.String())

	c.SetPriv(p.connKey, &upstream{C: conn}, func(v interface{}) {
		v.(*upstream).Close()
	})
	c.Inherit()
	return smtpd.StatusOK
}

// session returns the upstream connection if the command should be
// relayed. Otherwise the reply is already set and the returned status
// should be used.
func (p *Proxy) session(c *smtpd.Context) (*upstream, smtpd.Status, bool) {
	if !c.PrevSucceeded() {
		c.Inherit()
		return nil, smtpd.StatusOK, false
	}
	v, ok := c.Priv(p.connKey)
	if !ok {
		c.Inherit()
		return nil, smtpd.StatusOK, false
	}
	u := v.(*upstream)
	if u.broken {
		return nil, p.lost(c, nil), false
	}
	return u, smtpd.StatusOK, true
}

func (p *Proxy) lost(c *smtpd.Context, err error) smtpd.Status {
	c.ReplyError(&exterrors.SMTPError{
		Code:         421,
		EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
		Message:      "Upstream connection lost",
		CheckName:    modName,
		Err:          err,
	})
	code, msg, _ := c.ReplyCode()
	c.SetTransactionState(modName, code, msg)
	return smtpd.StatusAbort
}

// fail replaces the local reply with the upstream error.
func (p *Proxy) fail(c *smtpd.Context, u *upstream, verb string, err error) smtpd.Status {
	if !smtpconn.IsProtocolError(err) {
		u.broken = true
		c.Log.Error("upstream I/O error", err, "verb", verb)
		return p.lost(c, err)
	}
	return module.CheckResult{Reject: true, Reason: err}.Apply(c, verb, modName)
}

func (p *Proxy) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.submissionTimeout)
}

func (p *Proxy) hdlrHelo(c *smtpd.Context, verb, _ string, _ *smtpd.Conn) smtpd.Status {
	u, status, ok := p.session(c)
	if !ok {
		return status
	}
	ctx, cancel := p.ctx()
	defer cancel()

	name := ""
	if p.forwardEHLO {
		name = c.Identity
	}
	didTLS, err := u.Hello(ctx, name, p.starttls && !p.endp.IsTLS())
	if err != nil {
		if _, isTLS := err.(smtpconn.TLSError); isTLS {
			u.broken = true
			c.Log.Error("STARTTLS with upstream failed", err)
			return p.lost(c, err)
		}
		return p.fail(c, u, verb, err)
	}
	if didTLS {
		u.Log.DebugMsg("upgraded upstream connection using STARTTLS")
	}
	c.Inherit()
	return smtpd.StatusOK
}

func (p *Proxy) hdlrAuth(c *smtpd.Context, verb, _ string, _ *smtpd.Conn) smtpd.Status {
	if !p.forwardAuth {
		c.Inherit()
		return smtpd.StatusOK
	}
	u, status, ok := p.session(c)
	if !ok {
		return status
	}
	ctx, cancel := p.ctx()
	defer cancel()

	if !u.SupportsAuth(ctx) {
		u.Log.DebugMsg("upstream does not support AUTH PLAIN, not forwarding credentials")
		c.Inherit()
		return smtpd.StatusOK
	}
	if err := u.AuthPlain(ctx, c.AuthUser, c.AuthPassword); err != nil {
		if !smtpconn.IsProtocolError(err) {
			u.broken = true
			return p.lost(c, err)
		}
		c.Log.Msg("upstream authentication failed", "username", c.AuthUser, "reason", err)
		c.ClearAuth()
		c.ReplyError(err)
		return smtpd.StatusBreak
	}
	c.Inherit()
	return smtpd.StatusOK
}

func (p *Proxy) hdlrMail(c *smtpd.Context, verb, _ string, _ *smtpd.Conn) smtpd.Status {
	u, status, ok := p.session(c)
	if !ok {
		return status
	}
	ctx, cancel := p.ctx()
	defer cancel()

	if u.inTx {
		if err := u.Reset(); err != nil {
			return p.fail(c, u, verb, err)
		}
		u.inTx = false
	}

	from := c.ReversePath.Address()
	if err := u.Mail(ctx, from, !address.IsASCII(from)); err != nil {
		return p.fail(c, u, verb, err)
	}
	u.inTx = true
	c.Inherit()
	return smtpd.StatusOK
}

func (p *Proxy) hdlrRcpt(c *smtpd.Context, verb, _ string, _ *smtpd.Conn) smtpd.Status {
	u, status, ok := p.session(c)
	if !ok {
		return status
	}
	ctx, cancel := p.ctx()
	defer cancel()

	rcpt := c.ForwardPaths[len(c.ForwardPaths)-1]
	if err := u.Rcpt(ctx, rcpt.Address()); err != nil {
		return p.fail(c, u, verb, err)
	}
	c.Inherit()
	return smtpd.StatusOK
}

func (p *Proxy) hdlrBody(c *smtpd.Context, verb, _ string, _ *smtpd.Conn) smtpd.Status {
	u, status, ok := p.session(c)
	if !ok {
		return status
	}
	ctx, cancel := p.ctx()
	defer cancel()

	body, err := c.Body.Open()
	if err != nil {
		c.ReplyError(&exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
			Message:      "Internal server error",
			CheckName:    modName,
			Err:          err,
		})
		code, msg, _ := c.ReplyCode()
		c.SetTransactionState(modName, code, msg)
		return smtpd.StatusBreak
	}
	defer body.Close()

	err = u.Data(ctx, c.Header, body)
	u.inTx = false
	if err != nil {
		return p.fail(c, u, verb, err)
	}
	u.Log.DebugMsg("message relayed", "rcpts", u.Rcpts())
	c.Inherit()
	return smtpd.StatusOK
}

func (p *Proxy) hdlrRset(c *smtpd.Context, verb, _ string, _ *smtpd.Conn) smtpd.Status {
	u, status, ok := p.session(c)
	if !ok {
		return status
	}
	if u.inTx {
		if err := u.Reset(); err != nil {
			return p.fail(c, u, verb, err)
		}
		u.inTx = false
	}
	c.Inherit()
	return smtpd.StatusOK
}

func (p *Proxy) hdlrQuit(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
	// The release callback sends QUIT upstream.
	if err := c.UnsetPriv(p.connKey); err != nil && err != smtpd.ErrNoPriv {
		c.Log.Error("cannot release upstream connection", err)
	}
	c.Inherit()
	return smtpd.StatusOK
}

func init() {
	module.Register(modName, New)
}

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

// Package milter implements the "filter.milter" module that passes the
// session through an external filter speaking the sendmail milter
// protocol.
package milter

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-milter"
	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/exterrors"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/foxcpp/mailfilter/framework/smtpd"
)

const modName = "filter.milter"

type Check struct {
	cl        *milter.Client
	milterUrl string
	failOpen  bool
	priority  int
	timeout   time.Duration
	instName  string
	log       log.Logger

	stateKey smtpd.PrivKey
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	c := &Check{
		instName: instName,
		log:      log.Logger{Name: modName, Debug: log.DefaultLogger.Debug},
		stateKey: smtpd.NewPrivKey(),
	}
	switch len(inlineArgs) {
	case 1:
		c.milterUrl = inlineArgs[0]
	case 0:
	default:
		return nil, fmt.Errorf("%s: unexpected amount of arguments, want 1 or 0", modName)
	}
	return c, nil
}

func (c *Check) Name() string {
	return modName
}

func (c *Check) InstanceName() string {
	return c.instName
}

func (c *Check) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &c.log.Debug)
	cfg.String("endpoint", false, false, c.milterUrl, &c.milterUrl)
	cfg.Bool("fail_open", false, false, &c.failOpen)
	cfg.Int("priority", false, false, 40, &c.priority)
	cfg.Duration("timeout", false, false, 10*time.Second, &c.timeout)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if c.milterUrl == "" {
		return fmt.Errorf("%s: milter endpoint is not set", modName)
	}

	endp, err := config.ParseEndpoint(c.milterUrl)
	if err != nil {
		return fmt.Errorf("%s: %v", modName, err)
	}

	switch endp.Scheme {
	case "tcp", "unix":
	default:
		return fmt.Errorf("%s: scheme unsupported: %v", modName, endp.Scheme)
	}
	if endp.Path != "" {
		return fmt.Errorf("%s: stray path in endpoint: %v", modName, endp)
	}

	c.cl = milter.NewClientWithOptions(endp.Network(), endp.Address(), milter.ClientOptions{
		Dialer: &net.Dialer{
			Timeout: c.timeout,
		},
		ReadTimeout:  c.timeout,
		WriteTimeout: c.timeout,
		ActionMask:   milter.OptAddHeader | milter.OptQuarantine,
		ProtocolMask: 0,
	})

	return nil
}

func (c *Check) RegisterHandlers(reg *smtpd.Registry) error {
	for _, verb := range []string{"INIT", "EHLO", "HELO", "MAIL", "RCPT", "BODY"} {
		if err := reg.Register(verb, c.handle, c.priority, false); err != nil {
			return err
		}
	}
	return nil
}

// state is the milter conversation of one SMTP session.
type state struct {
	c       *Check
	session *milter.ClientSession
	log     log.Logger

	// The milter accepted the connection, nothing else is sent.
	connAccepted bool
	// The milter accepted the current transaction.
	skipChecks bool
	// MAIL was sent on the current milter session.
	used bool
	// The milter is unreachable and fail_open is set.
	failed bool
}

func (s *state) close() {
	if s.session == nil {
		return
	}
	if err := s.session.Close(); err != nil {
		s.log.DebugMsg("close failed", "err", err)
	}
	s.session = nil
}

func (c *Check) handle(sc *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
	verb := sc.Stage()
	if !sc.PrevSucceeded() {
		sc.Inherit()
		return smtpd.StatusOK
	}

	var s *state
	if v, ok := sc.Priv(c.stateKey); ok {
		s = v.(*state)
	} else {
		s = &state{c: c, log: c.log.With("session", sc.ID)}
		sc.SetPriv(c.stateKey, s, func(interface{}) { s.close() })
	}

	var res module.CheckResult
	switch verb {
	case "INIT":
		res = s.checkConnection(sc)
	case "EHLO", "HELO":
		res = s.checkHelo(sc)
	case "MAIL":
		res = s.checkSender(sc)
	case "RCPT":
		res = s.checkRcpt(sc)
	case "BODY":
		res = s.checkBody(sc)
	}

	status := res.Apply(sc, verb, modName)
	if verb == "INIT" && status == smtpd.StatusBreak {
		return smtpd.StatusAbort
	}
	return status
}

func (s *state) active() bool {
	return s.session != nil && !s.failed && !s.connAccepted
}

func (s *state) handleAction(act *milter.Action) module.CheckResult {
	switch act.Code {
	case milter.ActAccept:
		s.skipChecks = true
		return module.CheckResult{}
	case milter.ActContinue:
		return module.CheckResult{}
	case milter.ActReplyCode:
		return module.CheckResult{
			Reject: true,
			Reason: &exterrors.SMTPError{
				Code:         act.SMTPCode,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
				Message:      "Message rejected due to local policy",
				Reason:       "reply code action",
				CheckName:    modName,
				Misc: map[string]interface{}{
					"milter": s.c.milterUrl,
				},
			},
		}
	case milter.ActDiscard:
		s.log.Msg("silent discard is not supported, rejecting message")
		fallthrough
	case milter.ActTempFail:
		return module.CheckResult{
			Reject: true,
			Reason: &exterrors.SMTPError{
				Code:         450,
				EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
				Message:      "Message rejected due to local policy",
				Reason:       "reject action",
				CheckName:    modName,
				Misc: map[string]interface{}{
					"milter": s.c.milterUrl,
				},
			},
		}
	case milter.ActReject:
		return module.CheckResult{
			Reject: true,
			Reason: &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
				Message:      "Message rejected due to local policy",
				Reason:       "reject action",
				CheckName:    modName,
				Misc: map[string]interface{}{
					"milter": s.c.milterUrl,
				},
			},
		}
	default:
		s.log.Msg("unknown action code ignored", "code", act.Code, "milter", s.c.milterUrl)
		return module.CheckResult{}
	}
}

// apply merges the modification actions returned at the end of the message
// into res.
func (s *state) apply(modifyActs []milter.ModifyAction, res module.CheckResult) module.CheckResult {
	out := res
	for _, act := range modifyActs {
		switch act.Code {
		case milter.ActAddRcpt, milter.ActDelRcpt:
			s.log.Msg("envelope changes are not supported", "rcpt", act.Rcpt, "code", act.Code, "milter", s.c.milterUrl)
		case milter.ActChangeFrom:
			s.log.Msg("envelope changes are not supported", "from", act.From, "code", act.Code, "milter", s.c.milterUrl)
		case milter.ActChangeHeader:
			s.log.Msg("header field changes are not supported", "field", act.HeaderName, "milter", s.c.milterUrl)
		case milter.ActInsertHeader:
			if act.HeaderIndex != 1 {
				s.log.Msg("header inserting not on top is not supported, prepending instead", "field", act.HeaderName, "milter", s.c.milterUrl)
			}
			fallthrough
		case milter.ActAddHeader:
			// Keep the folding chosen by the milter, it matters for
			// signatures.
			field := make([]byte, 0, len(act.HeaderName)+2+len(act.HeaderValue)+2)
			field = append(field, act.HeaderName...)
			field = append(field, ':', ' ')
			field = append(field, act.HeaderValue...)
			field = append(field, '\r', '\n')
			out.Header.AddRaw(field)
		case milter.ActQuarantine:
			out.Quarantine = true
			out.Reason = exterrors.WithFields(errors.New("milter quarantine action"), map[string]interface{}{
				"check":  modName,
				"milter": s.c.milterUrl,
				"reason": act.Reason,
			})
		}
	}
	return out
}

func (s *state) ioError(err error) module.CheckResult {
	if s.c.failOpen {
		s.failed = true
		s.log.Error("I/O error", err)
		s.close()
		return module.CheckResult{}
	}

	return module.CheckResult{
		Reject: true,
		Reason: &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
			Message:      "I/O error during policy check",
			Err:          err,
			CheckName:    modName,
			Misc: map[string]interface{}{
				"milter": s.c.milterUrl,
			},
		},
	}
}

func remoteInfo(addr net.Addr) (protoFamily milter.ProtoFamily, port uint16, hostname, ip string) {
	switch rAddr := addr.(type) {
	case *net.TCPAddr:
		port = uint16(rAddr.Port)
		if v4 := rAddr.IP.To4(); v4 != nil {
			// Do not send IPv4-mapped IPv6 addresses.
			return milter.FamilyInet, port, "[" + v4.String() + "]", v4.String()
		}
		return milter.FamilyInet6, port, "[IPv6:" + rAddr.IP.String() + "]", rAddr.IP.String()
	case *net.UnixAddr:
		return milter.FamilyUnix, 0, "localhost", rAddr.Name
	default:
		return milter.FamilyUnknown, 0, "unknown", ""
	}
}

// connect opens a milter session and sends the connection information.
func (s *state) connect(sc *smtpd.Context) module.CheckResult {
	session, err := s.c.cl.Session()
	if err != nil {
		return s.ioError(err)
	}
	s.session = session
	s.used = false
	s.skipChecks = false

	if s.session.ProtocolOption(milter.OptNoConnect) {
		return module.CheckResult{}
	}

	if err := s.session.Macros(milter.CodeConn,
		"daemon_name", "mailfilter",
		"j", sc.Options().Hostname,
		"if_name", "unknown",
		"if_addr", "0.0.0.0",
	); err != nil {
		return s.ioError(err)
	}

	protoFamily, port, hostname, addr := remoteInfo(sc.RemoteAddr)
	act, err := s.session.Conn(hostname, protoFamily, port, addr)
	if err != nil {
		return s.ioError(err)
	}
	return s.handleAction(act)
}

func (s *state) checkConnection(sc *smtpd.Context) module.CheckResult {
	res := s.connect(sc)
	if s.skipChecks {
		s.connAccepted = true
		s.close()
	}
	return res
}

func (s *state) sendHelo(sc *smtpd.Context) module.CheckResult {
	if sc.Identity == "" || s.session.ProtocolOption(milter.OptNoHelo) {
		return module.CheckResult{}
	}
	act, err := s.session.Helo(sc.Identity)
	if err != nil {
		return s.ioError(err)
	}
	return s.handleAction(act)
}

func (s *state) checkHelo(sc *smtpd.Context) module.CheckResult {
	if !s.active() {
		return module.CheckResult{}
	}
	res := s.sendHelo(sc)
	if s.skipChecks {
		s.connAccepted = true
		s.close()
	}
	return res
}

// reopen starts a new milter session for the next transaction on the same
// SMTP connection.
func (s *state) reopen(sc *smtpd.Context) module.CheckResult {
	s.close()
	res := s.connect(sc)
	if res.Reject || s.session == nil || s.skipChecks {
		return res
	}
	return s.sendHelo(sc)
}

func (s *state) checkSender(sc *smtpd.Context) module.CheckResult {
	if s.failed || s.connAccepted {
		return module.CheckResult{}
	}
	if s.session == nil || s.used {
		if res := s.reopen(sc); res.Reject || !s.active() || s.skipChecks {
			return res
		}
	}
	s.used = true
	s.skipChecks = false

	if s.session.ProtocolOption(milter.OptNoMailFrom) {
		return module.CheckResult{}
	}

	fields := make([]string, 0, 6)
	fields = append(fields, "i", sc.ID)
	if sc.AuthUser != "" {
		fields = append(fields, "auth_type", sc.AuthType, "auth_authen", sc.AuthUser)
	}
	if err := s.session.Macros(milter.CodeMail, fields...); err != nil {
		return s.ioError(err)
	}

	act, err := s.session.Mail(sc.ReversePath.Address(), nil)
	if err != nil {
		return s.ioError(err)
	}
	return s.handleAction(act)
}

func (s *state) checkRcpt(sc *smtpd.Context) module.CheckResult {
	if !s.active() || s.skipChecks || s.session.ProtocolOption(milter.OptNoRcptTo) {
		return module.CheckResult{}
	}

	rcpt := sc.ForwardPaths[len(sc.ForwardPaths)-1]
	act, err := s.session.Rcpt(rcpt.Address(), nil)
	if err != nil {
		return s.ioError(err)
	}
	return s.handleAction(act)
}

func (s *state) checkBody(sc *smtpd.Context) module.CheckResult {
	if !s.active() || s.skipChecks {
		return module.CheckResult{}
	}

	act, err := s.session.Header(sc.Header)
	if err != nil {
		return s.ioError(err)
	}
	if act.Code != milter.ActContinue {
		return s.handleAction(act)
	}

	var modifyAct []milter.ModifyAction

	if !s.session.ProtocolOption(milter.OptNoBody) {
		r, err := sc.Body.Open()
		if err != nil {
			// Not ioError, fail_open is only about the milter connection.
			return module.CheckResult{
				Reject: true,
				Reason: &exterrors.SMTPError{
					Code:         451,
					EnhancedCode: exterrors.EnhancedCode{4, 7, 1},
					Message:      "Internal error during policy check",
					Err:          err,
					CheckName:    modName,
					Misc: map[string]interface{}{
						"milter": s.c.milterUrl,
					},
				},
			}
		}
		defer r.Close()

		modifyAct, act, err = s.session.BodyReadFrom(r)
		if err != nil {
			return s.ioError(err)
		}
	} else {
		modifyAct, act, err = s.session.End()
		if err != nil {
			return s.ioError(err)
		}
	}

	result := s.handleAction(act)
	return s.apply(modifyAct, result)
}

func init() {
	module.Register(modName, New)
}

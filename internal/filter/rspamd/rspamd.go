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

// Package rspamd implements the "filter.rspamd" module that submits
// received messages to the rspamd HTTP API (/checkv2) and acts on the
// returned action.
package rspamd

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mailfilter/framework/config"
	modconfig "github.com/foxcpp/mailfilter/framework/config/module"
	"github.com/foxcpp/mailfilter/framework/exterrors"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/foxcpp/mailfilter/framework/smtpd"
)

const (
	modName = "filter.rspamd"

	// After the virus scanner.
	bodyPriority = 50
)

type Check struct {
	instName string
	log      log.Logger

	apiPath    string
	flags      string
	settingsID string
	tag        string
	mtaName    string
	timeout    time.Duration

	ioErrAction       modconfig.FailAction
	errorRespAction   modconfig.FailAction
	addHdrAction      modconfig.FailAction
	rewriteSubjAction modconfig.FailAction

	client *http.Client
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	c := &Check{
		instName: instName,
		client:   http.DefaultClient,
		log:      log.Logger{Name: modName},
	}

	switch len(inlineArgs) {
	case 1:
		c.apiPath = inlineArgs[0]
	case 0:
		c.apiPath = "http://127.0.0.1:11333"
	default:
		return nil, fmt.Errorf("%s: unexpected amount of inline arguments", modName)
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
	var (
		tlsConfig *tls.Config
		flags     []string
	)

	cfg.Bool("debug", true, false, &c.log.Debug)
	cfg.Custom("tls_client", true, false, func() (interface{}, error) {
		return &tls.Config{}, nil
	}, config.TLSClientBlock, &tlsConfig)
	cfg.String("api_path", false, false, c.apiPath, &c.apiPath)
	cfg.String("settings_id", false, false, "", &c.settingsID)
	cfg.String("tag", false, false, "mailfilter", &c.tag)
	cfg.String("hostname", true, false, "", &c.mtaName)
	cfg.Duration("timeout", false, false, 30*time.Second, &c.timeout)
	cfg.Custom("io_error_action", false, false,
		modconfig.DefaultFailAction(modconfig.FailAction{}),
		modconfig.FailActionDirective, &c.ioErrAction)
	cfg.Custom("error_resp_action", false, false,
		modconfig.DefaultFailAction(modconfig.FailAction{}),
		modconfig.FailActionDirective, &c.errorRespAction)
	cfg.Custom("add_header_action", false, false,
		modconfig.DefaultFailAction(modconfig.FailAction{Quarantine: true}),
		modconfig.FailActionDirective, &c.addHdrAction)
	cfg.Custom("rewrite_subj_action", false, false,
		modconfig.DefaultFailAction(modconfig.FailAction{Quarantine: true}),
		modconfig.FailActionDirective, &c.rewriteSubjAction)
	cfg.StringList("flags", false, false, []string{"pass_all"}, &flags)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	c.apiPath = strings.TrimSuffix(c.apiPath, "/")
	c.client = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}
	c.flags = strings.Join(flags, ",")
	return nil
}

func (c *Check) RegisterHandlers(reg *smtpd.Registry) error {
	return reg.Register("BODY", c.handle, bodyPriority, false)
}

func addSessionHeaders(r *http.Request, sc *smtpd.Context) {
	r.Header.Add("From", sc.ReversePath.Address())
	for _, rcpt := range sc.ForwardPaths {
		r.Header.Add("Rcpt", rcpt.Address())
	}
	r.Header.Add("Queue-ID", sc.ID)
	if sc.AuthUser != "" {
		r.Header.Add("User", sc.AuthUser)
	}
	if tcpAddr, ok := sc.RemoteAddr.(*net.TCPAddr); ok {
		r.Header.Add("IP", tcpAddr.IP.String())
	}
	if sc.Identity != "" {
		r.Header.Add("Helo", sc.Identity)
	}
}

type response struct {
	Score   float64 `json:"score"`
	Action  string  `json:"action"`
	Subject string  `json:"subject"`
	Symbols map[string]struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	} `json:"symbols"`
}

func internalError(code exterrors.EnhancedCode, err error) *exterrors.SMTPError {
	return &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: code,
		Message:      "Internal error during policy check",
		CheckName:    modName,
		Err:          err,
	}
}

func policyReject(code int, action string) *exterrors.SMTPError {
	return &exterrors.SMTPError{
		Code:         code,
		EnhancedCode: exterrors.EnhancedCode{code / 100, 7, 0},
		Message:      "Message rejected due to local policy",
		CheckName:    modName,
		Misc:         map[string]interface{}{"action": action},
	}
}

func spamHeader(score float64, flag bool) textproto.Header {
	hdr := textproto.Header{}
	if flag {
		hdr.Add("X-Spam-Flag", "Yes")
	}
	hdr.Add("X-Spam-Score", strconv.FormatFloat(score, 'f', 2, 64))
	return hdr
}

// check submits the message and maps the response to a CheckResult. The
// returned string is the new subject for the "rewrite subject" action.
func (c *Check) check(ctx context.Context, sc *smtpd.Context) (module.CheckResult, string) {
	msg, err := sc.OpenMessage()
	if err != nil {
		return module.CheckResult{Reject: true, Reason: internalError(exterrors.EnhancedCode{4, 3, 0}, err)}, ""
	}
	defer msg.Close()

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiPath+"/checkv2", msg)
	if err != nil {
		return module.CheckResult{Reject: true, Reason: internalError(exterrors.EnhancedCode{4, 3, 0}, err)}, ""
	}
	r.Header.Add("Pass", "all")
	r.Header.Add("User-Agent", "mailfilter")
	if c.flags != "" {
		r.Header.Add("Flags", c.flags)
	}
	if c.tag != "" {
		r.Header.Add("MTA-Tag", c.tag)
	}
	if c.settingsID != "" {
		r.Header.Add("Settings-ID", c.settingsID)
	}
	if c.mtaName != "" {
		r.Header.Add("MTA-Name", c.mtaName)
	}
	addSessionHeaders(r, sc)

	resp, err := c.client.Do(r)
	if err != nil {
		return c.ioErrAction.Apply(module.CheckResult{
			Reason: internalError(exterrors.EnhancedCode{4, 7, 0}, err),
		}), ""
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return c.errorRespAction.Apply(module.CheckResult{
			Reason: internalError(exterrors.EnhancedCode{4, 7, 0}, fmt.Errorf("HTTP %d", resp.StatusCode)),
		}), ""
	}

	var respData response
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return c.ioErrAction.Apply(module.CheckResult{
			Reason: internalError(exterrors.EnhancedCode{4, 9, 0}, err),
		}), ""
	}
	c.log.DebugMsg("scanned", "action", respData.Action, "score", respData.Score, "session", sc.ID)

	switch respData.Action {
	case "no action":
		return module.CheckResult{}, ""
	case "greylist":
		// Greylisting is not implemented, the score is recorded instead.
		return module.CheckResult{Header: spamHeader(respData.Score, false)}, ""
	case "add header":
		return c.addHdrAction.Apply(module.CheckResult{
			Reason: policyReject(450, respData.Action),
			Header: spamHeader(respData.Score, true),
		}), ""
	case "rewrite subject":
		return c.rewriteSubjAction.Apply(module.CheckResult{
			Reason: policyReject(450, respData.Action),
			Header: spamHeader(respData.Score, true),
		}), respData.Subject
	case "soft reject":
		return module.CheckResult{Reject: true, Reason: policyReject(450, respData.Action)}, ""
	case "reject":
		return module.CheckResult{Reject: true, Reason: policyReject(550, respData.Action)}, ""
	}

	c.log.Msg("unhandled action", "action", respData.Action, "session", sc.ID)
	return module.CheckResult{}, ""
}

func (c *Check) handle(sc *smtpd.Context, verb, _ string, _ *smtpd.Conn) smtpd.Status {
	if !sc.PrevSucceeded() {
		sc.Inherit()
		return smtpd.StatusOK
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	res, subject := c.check(ctx, sc)
	status := res.Apply(sc, verb, modName)
	if status == smtpd.StatusOK && subject != "" {
		sc.Header.Set("Subject", subject)
	}
	return status
}

func init() {
	module.Register(modName, New)
}

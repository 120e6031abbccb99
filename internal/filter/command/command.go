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

// Package command implements the "filter.command" module that runs an
// external program and acts on its exit code, and its "filter.clamav"
// flavor that scans messages using clamdscan:
//
//	filter.command /usr/local/bin/check-sender {sender} {source_ip} {
//	    run_on sender
//	    code 3 reject 550 5.7.1 "Sender is not welcome here"
//	}
//
//	filter.clamav
//
// In the "headers" output mode (default for filter.command) the program
// output is parsed as a header block and prepended to the message. In the
// "clamav" mode exit code 1 means the message is infected and the first
// output line names the virus.
package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"regexp"
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
	StageConnection = "conn"
	StageSender     = "sender"
	StageRcpt       = "rcpt"
	StageBody       = "body"

	OutputHeaders = "headers"
	OutputClamAV  = "clamav"

	defaultPriority = 60
)

var stageVerbs = map[string]string{
	StageConnection: "INIT",
	StageSender:     "MAIL",
	StageRcpt:       "RCPT",
	StageBody:       "BODY",
}

var placeholderRe = regexp.MustCompile(`{[a-zA-Z0-9_]+?}`)

type Check struct {
	modName  string
	instName string
	log      log.Logger

	stage    string
	output   string
	priority int
	timeout  time.Duration
	actions  map[int]modconfig.FailAction
	cmd      string
	cmdArgs  []string
}

func New(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	c := &Check{
		modName:  modName,
		instName: instName,
		log:      log.Logger{Name: modName},
		actions: map[int]modconfig.FailAction{
			1: {Reject: true},
			2: {Quarantine: true},
		},
	}

	if len(inlineArgs) == 0 {
		return nil, fmt.Errorf("%s: at least one argument is required (command name)", modName)
	}
	c.cmd = inlineArgs[0]
	c.cmdArgs = inlineArgs[1:]
	return c, nil
}

// NewClamAV creates a body check running "clamdscan -" (or the program
// given as inline arguments) in the clamav output mode.
func NewClamAV(modName, instName string, aliases, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) == 0 {
		inlineArgs = []string{"/usr/bin/clamdscan", "-"}
	}
	mod, err := New(modName, instName, aliases, inlineArgs)
	if err != nil {
		return nil, err
	}
	c := mod.(*Check)
	c.output = OutputClamAV
	c.actions = map[int]modconfig.FailAction{1: {Reject: true}}
	return c, nil
}

func (c *Check) Name() string {
	return c.modName
}

func (c *Check) InstanceName() string {
	return c.instName
}

func (c *Check) Init(cfg *config.Map) error {
	if _, err := exec.LookPath(c.cmd); err != nil {
		return fmt.Errorf("%s: %w", c.modName, err)
	}

	defaultOutput := OutputHeaders
	if c.output != "" {
		defaultOutput = c.output
	}

	cfg.Bool("debug", true, false, &c.log.Debug)
	cfg.Enum("run_on", false, false,
		[]string{StageConnection, StageSender, StageRcpt, StageBody}, StageBody, &c.stage)
	cfg.Enum("output", false, false,
		[]string{OutputHeaders, OutputClamAV}, defaultOutput, &c.output)
	cfg.Int("priority", false, false, defaultPriority, &c.priority)
	cfg.Duration("timeout", false, false, time.Minute, &c.timeout)
	cfg.Callback("code", func(_ *config.Map, node config.Node) error {
		if len(node.Args) < 2 {
			return config.NodeErr(node, "at least two arguments are required: <code> <action>")
		}
		exitCode, err := strconv.Atoi(node.Args[0])
		if err != nil {
			return config.NodeErr(node, "%v", err)
		}
		action, err := modconfig.ParseActionDirective(node.Args[1:])
		if err != nil {
			return config.NodeErr(node, "%v", err)
		}
		c.actions[exitCode] = action
		return nil
	})
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if c.output == OutputClamAV && c.stage != StageBody {
		return fmt.Errorf("%s: clamav output can only be used with run_on body", c.modName)
	}
	return nil
}

func (c *Check) RegisterHandlers(reg *smtpd.Registry) error {
	return reg.Register(stageVerbs[c.stage], c.handle, c.priority, false)
}

func (c *Check) expandCommand(sc *smtpd.Context, address string) (string, []string) {
	expArgs := make([]string, len(c.cmdArgs))

	for i, arg := range c.cmdArgs {
		expArgs[i] = placeholderRe.ReplaceAllStringFunc(arg, func(placeholder string) string {
			switch placeholder {
			case "{auth_user}":
				return sc.AuthUser
			case "{source_ip}":
				tcpAddr, _ := sc.RemoteAddr.(*net.TCPAddr)
				if tcpAddr == nil {
					return ""
				}
				return tcpAddr.IP.String()
			case "{source_host}":
				return sc.Identity
			case "{msg_id}":
				return sc.ID
			case "{sender}":
				return sc.ReversePath.Address()
			case "{rcpts}":
				rcpts := make([]string, 0, len(sc.ForwardPaths))
				for _, p := range sc.ForwardPaths {
					rcpts = append(rcpts, p.Address())
				}
				return strings.Join(rcpts, "\n")
			case "{address}":
				return address
			}
			return placeholder
		})
	}

	return c.cmd, expArgs
}

func internalError(err error, cmdLine string) module.CheckResult {
	return module.CheckResult{
		Reason: &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
			Message:      "Internal server error",
			CheckName:    "command",
			Err:          err,
			Misc: map[string]interface{}{
				"cmd": cmdLine,
			},
		},
		Reject: true,
	}
}

func (c *Check) run(ctx context.Context, cmdName string, args []string, stdin io.Reader) module.CheckResult {
	cmd := exec.CommandContext(ctx, cmdName, args...)
	cmd.Stdin = stdin
	cmd.Stderr = c.log.DebugWriter()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return internalError(err, cmd.String())
	}
	if err := cmd.Start(); err != nil {
		return internalError(err, cmd.String())
	}

	var (
		res     module.CheckResult
		outLine string
	)
	bufOut := bufio.NewReader(stdout)
	switch c.output {
	case OutputHeaders:
		hdr, err := textproto.ReadHeader(bufOut)
		if err != nil && !errors.Is(err, io.EOF) {
			if err := cmd.Process.Signal(os.Interrupt); err != nil {
				c.log.Error("failed to kill process", err)
			}
			_ = cmd.Wait()
			return internalError(err, cmd.String())
		}
		res.Header = hdr
	case OutputClamAV:
		outLine, _ = bufOut.ReadString('\n')
	}
	// Drain the rest so the program does not block on a full pipe.
	_, _ = io.Copy(io.Discard, bufOut)

	if err := cmd.Wait(); err != nil {
		return c.errorRes(err, res, cmd.String(), outLine)
	}
	return res
}

// virusName extracts NAME from the "stream: NAME FOUND" line printed by
// clamdscan.
func virusName(line string) string {
	line = strings.TrimSpace(line)
	_, rest, ok := strings.Cut(line, ": ")
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(rest, " ")
	return name
}

func (c *Check) errorRes(err error, res module.CheckResult, cmdLine, outLine string) module.CheckResult {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return internalError(err, cmdLine)
	}

	action, ok := c.actions[exitErr.ExitCode()]
	if !ok {
		errRes := internalError(err, cmdLine)
		reason := errRes.Reason.(*exterrors.SMTPError)
		reason.Reason = "unexpected exit code"
		reason.Misc["exit_code"] = exitErr.ExitCode()
		return errRes
	}

	reason := &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
		Message:      "Message rejected due to a local policy",
		CheckName:    "command",
		Misc: map[string]interface{}{
			"cmd":       cmdLine,
			"exit_code": exitErr.ExitCode(),
		},
	}
	if c.output == OutputClamAV {
		reason.Message = "This message appears to contain viruses"
		if name := virusName(outLine); name != "" {
			reason.Message = fmt.Sprintf("This message appears to be infected with the %s virus", name)
			reason.Misc["virus"] = name
		}
	}
	res.Reason = reason

	return action.Apply(res)
}

func (c *Check) handle(sc *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
	verb := sc.Stage()
	if !sc.PrevSucceeded() {
		sc.Inherit()
		return smtpd.StatusOK
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var (
		address string
		stdin   io.Reader
	)
	switch verb {
	case "MAIL":
		address = sc.ReversePath.Address()
	case "RCPT":
		address = sc.ForwardPaths[len(sc.ForwardPaths)-1].Address()
	case "BODY":
		msg, err := sc.OpenMessage()
		if err != nil {
			return internalError(err, c.cmd).Apply(sc, verb, c.modName)
		}
		defer msg.Close()
		stdin = msg
	}

	cmdName, cmdArgs := c.expandCommand(sc, address)
	res := c.run(ctx, cmdName, cmdArgs, stdin)
	status := res.Apply(sc, verb, c.modName)
	if verb == "INIT" && status == smtpd.StatusBreak {
		return smtpd.StatusAbort
	}
	return status
}

func init() {
	module.Register("filter.command", New)
	module.Register("filter.clamav", NewClamAV)
}

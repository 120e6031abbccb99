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

// Package maildir implements the "storage.maildir" module that stores
// accepted messages in local maildirs.
//
// Each recipient gets its own maildir under the configured path, named
// using mailbox_template ({localpart}, {domain} and {email} are
// replaced). With single_folder all messages go to the path itself.
// Quarantined messages are stored in the junk subfolder using the
// Maildir++ naming (".Junk").
package maildir

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/emersion/go-maildir"
	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mailfilter/framework/address"
	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/exterrors"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/foxcpp/mailfilter/framework/smtpd"
)

const modName = "storage.maildir"

type Storage struct {
	instName   string
	inlineArgs []string
	log        log.Logger

	path         string
	template     string
	singleFolder bool
	junkFolder   string
	priority     int
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) > 1 {
		return nil, fmt.Errorf("%s: at most one inline argument is expected", modName)
	}
	return &Storage{
		instName:   instName,
		inlineArgs: inlineArgs,
		log:        log.Logger{Name: modName},
	}, nil
}

func (s *Storage) Name() string {
	return modName
}

func (s *Storage) InstanceName() string {
	return s.instName
}

func (s *Storage) Init(cfg *config.Map) error {
	var path string
	if len(s.inlineArgs) == 1 {
		path = s.inlineArgs[0]
	}

	cfg.Bool("debug", true, false, &s.log.Debug)
	cfg.String("path", false, path == "", path, &path)
	cfg.String("mailbox_template", false, false, "{localpart}", &s.template)
	cfg.Bool("single_folder", false, false, &s.singleFolder)
	cfg.String("junk_folder", false, false, "Junk", &s.junkFolder)
	cfg.Int("priority", false, false, 200, &s.priority)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if strings.ContainsAny(s.junkFolder, "/\\") {
		return fmt.Errorf("%s: junk_folder should not contain path separators", modName)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}
	s.path = abs
	return nil
}

func (s *Storage) RegisterHandlers(reg *smtpd.Registry) error {
	return reg.Register("BODY", s.hdlrBody, s.priority, false)
}

func (s *Storage) expand(rcpt string) (string, error) {
	norm, err := address.ForLookup(rcpt)
	if err != nil {
		return "", err
	}
	localpart, domain, err := address.Split(norm)
	if err != nil {
		return "", err
	}
	return strings.NewReplacer(
		"{localpart}", localpart,
		"{domain}", domain,
		"{email}", norm,
	).Replace(s.template), nil
}

// mailboxPath returns the maildir for rcpt. The result is never outside
// of the configured path.
func (s *Storage) mailboxPath(rcpt string, junk bool) (string, error) {
	candidate := s.path
	if !s.singleFolder {
		name, err := s.expand(rcpt)
		if err != nil {
			return "", err
		}
		candidate = filepath.Join(s.path, name)
	}
	if junk {
		candidate = filepath.Join(candidate, "."+s.junkFolder)
	}

	candidate = filepath.Clean(candidate)
	if !strings.HasPrefix(candidate+string(filepath.Separator), s.path+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: mailbox path escapes storage root: %s", modName, rcpt)
	}
	return candidate, nil
}

func ensureMaildir(path string) (maildir.Dir, error) {
	dir := maildir.Dir(path)
	if _, err := os.Stat(filepath.Join(path, "cur")); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return "", err
		}
		if err := dir.Init(); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func deliver(dir maildir.Dir, hdr textproto.Header, body io.Reader) error {
	delivery, err := maildir.NewDelivery(string(dir))
	if err != nil {
		return err
	}
	if err := textproto.WriteHeader(delivery, hdr); err != nil {
		delivery.Abort()
		return err
	}
	if _, err := io.Copy(delivery, body); err != nil {
		delivery.Abort()
		return err
	}
	return delivery.Close()
}

func (s *Storage) store(c *smtpd.Context, path string) error {
	dir, err := ensureMaildir(path)
	if err != nil {
		return err
	}
	body, err := c.Body.Open()
	if err != nil {
		return err
	}
	defer body.Close()
	return deliver(dir, c.Header, body)
}

func (s *Storage) hdlrBody(c *smtpd.Context, verb, _ string, _ *smtpd.Conn) smtpd.Status {
	if !c.PrevSucceeded() {
		c.Inherit()
		return smtpd.StatusOK
	}

	var (
		delivered = map[string]struct{}{}
		lastErr   error
	)
	for _, rcpt := range c.ForwardPaths {
		path, err := s.mailboxPath(rcpt.Address(), c.Quarantine)
		if err != nil {
			c.Log.Error("cannot map recipient to maildir", err, "rcpt", rcpt.Address())
			lastErr = err
			continue
		}
		if _, ok := delivered[path]; ok {
			continue
		}
		if err := s.store(c, path); err != nil {
			c.Log.Error("maildir delivery failed", err, "rcpt", rcpt.Address(), "path", path)
			lastErr = err
			continue
		}
		delivered[path] = struct{}{}
		s.log.DebugMsg("stored", "session", c.ID, "rcpt", rcpt.Address(), "path", path,
			"quarantine", c.Quarantine)
	}

	// Partial failures are only logged, the message is already stored for
	// some recipients.
	if len(delivered) == 0 && lastErr != nil {
		return module.CheckResult{
			Reject: true,
			Reason: &exterrors.SMTPError{
				Code:         451,
				EnhancedCode: exterrors.EnhancedCode{4, 3, 0},
				Message:      "Failed to store message",
				CheckName:    modName,
				Err:          lastErr,
			},
		}.Apply(c, verb, modName)
	}

	c.Inherit()
	return smtpd.StatusOK
}

func init() {
	module.Register(modName, New)
}

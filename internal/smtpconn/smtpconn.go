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

// The package smtpconn contains the upstream SMTP connection used by
// filter.proxy.
//
// It implements the wrapper over the SMTP connection (go-smtp.Client) object
// with the following features added:
// - Logging of certain errors (e.g. QUIT command errors)
// - Wrapping of returned errors using the exterrors package.
// - SMTPUTF8/IDNA support.
// - Opportunistic STARTTLS.
// - AUTH PLAIN using go-sasl.
package smtpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"runtime/trace"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/foxcpp/mailfilter/framework/address"
	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/exterrors"
	"github.com/foxcpp/mailfilter/framework/log"
)

// ErrNotConnected is returned by methods called before Connect or after
// Close.
var ErrNotConnected = errors.New("smtpconn: not connected")

// The C object represents the SMTP connection and is a wrapper around
// go-smtp.Client.
//
// The C object represents one session and cannot be reused.
type C struct {
	// Timeout for most session commands (EHLO, MAIL, RCPT, DATA, STARTTLS).
	// Set to 5 mins by New.
	CommandTimeout time.Duration

	// Timeout for the final dot. Set to 12 mins by New.
	SubmissionTimeout time.Duration

	// Hostname to sent in the EHLO/HELO command if Hello is called with an
	// empty name. Set to 'localhost.localdomain' by New. Expected to be
	// encoded in ACE form.
	Hostname string

	// tls.Config to use. Can be nil if no special changes are required.
	TLSConfig *tls.Config

	// Logger to use for debug log and certain errors.
	Log log.Logger

	// Include the remote server address in SMTP status messages in the form
	// "ADDRESS said: ..."
	AddrInSMTPMsg bool

	serverName string
	cl         *smtp.Client
	rcpts      []string
	helloSent  bool
}

// New creates the new instance of the C object, populating the required fields
// with resonable default values.
func New() *C {
	return &C{
		CommandTimeout:    5 * time.Minute,
		SubmissionTimeout: 12 * time.Minute,
		TLSConfig:         &tls.Config{},
		Hostname:          "localhost.localdomain",
	}
}

func (c *C) wrapClientErr(err error, serverName string) error {
	if err == nil {
		return nil
	}

	switch err := err.(type) {
	case TLSError:
		return err
	case *exterrors.SMTPError:
		return err
	case *smtp.SMTPError:
		msg := err.Message
		if c.AddrInSMTPMsg {
			msg = serverName + " said: " + err.Message
		}

		if err.Code == 552 {
			err.Code = 452
			err.EnhancedCode[0] = 4
			c.Log.Msg("SMTP code 552 rewritten to 452 per RFC 5321 Section 4.5.3.1.10")
		}

		return &exterrors.SMTPError{
			Code:         err.Code,
			EnhancedCode: exterrors.EnhancedCode(err.EnhancedCode),
			Message:      msg,
			Misc: map[string]interface{}{
				"remote_server": serverName,
			},
			Err: err,
		}
	case *net.OpError:
		if _, ok := err.Err.(*net.DNSError); ok {
			reason, misc := exterrors.UnwrapDNSErr(err)
			misc["remote_server"] = err.Addr
			misc["io_op"] = err.Op
			return &exterrors.SMTPError{
				Code:         exterrors.CodeFor(err, 450, 550),
				EnhancedCode: exterrors.EnchCodeFor(err, exterrors.EnhancedCode{0, 4, 4}),
				Message:      "DNS error",
				Err:          err,
				Reason:       reason,
				Misc:         misc,
			}
		}
		return &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Network I/O error",
			Err:          err,
			Misc: map[string]interface{}{
				"remote_addr": err.Addr,
				"io_op":       err.Op,
			},
		}
	default:
		return exterrors.WithFields(err, map[string]interface{}{
			"remote_server": serverName,
		})
	}
}

// IsProtocolError reports whether err is a reply of the remote server. Any
// other error means the connection may be in an unclean state.
func IsProtocolError(err error) bool {
	var smtpErr *smtp.SMTPError
	return errors.As(err, &smtpErr)
}

// Connect estabilishes the network connection with the remote host and
// reads the greeting. EHLO is not sent until Hello is called.
//
// Implicit TLS is used for tls:// endpoints.
func (c *C) Connect(ctx context.Context, endp config.Endpoint) error {
	defer trace.StartRegion(ctx, "smtpconn/connect").End()

	var (
		cl  *smtp.Client
		err error
	)
	if endp.IsTLS() {
		cfg := c.TLSConfig.Clone()
		cfg.ServerName = endp.Host
		cl, err = smtp.DialTLS(endp.Address(), cfg)
	} else {
		cl, err = smtp.Dial(endp.Address())
	}
	if err != nil {
		return c.wrapClientErr(err, endp.Host)
	}

	cl.CommandTimeout = c.CommandTimeout
	cl.SubmissionTimeout = c.SubmissionTimeout

	c.serverName = endp.Host
	c.cl = cl
	c.helloSent = false
	return nil
}

// TLSError is returned by Hello to indicate the error during STARTTLS
// command execution.
//
// If the endpoint uses Implicit TLS, TLS errors are threated as connection
// errors and thus are not returned as TLSError.
type TLSError struct {
	Err error
}

func (err TLSError) Error() string {
	return "smtpconn: " + err.Err.Error()
}

func (err TLSError) Unwrap() error {
	return err.Err
}

// Hello sends EHLO (falling back to HELO) with the specified name, or
// Hostname if it is empty. If starttls is set and the server supports it,
// the connection is upgraded afterwards.
//
// Hello does nothing if it was already called for this connection.
func (c *C) Hello(ctx context.Context, name string, starttls bool) (didTLS bool, err error) {
	defer trace.StartRegion(ctx, "smtpconn/EHLO").End()

	if c.cl == nil {
		return false, ErrNotConnected
	}
	if c.helloSent {
		return false, nil
	}
	if name == "" {
		name = c.Hostname
	}

	// i18n: hostname is already expected to be in A-labels form.
	if err := c.cl.Hello(name); err != nil {
		return false, c.wrapClientErr(err, c.serverName)
	}
	c.helloSent = true

	if !starttls {
		return false, nil
	}
	if ok, _ := c.cl.Extension("STARTTLS"); !ok {
		return false, nil
	}

	cfg := c.TLSConfig.Clone()
	cfg.ServerName = c.serverName
	if err := c.cl.StartTLS(cfg); err != nil {
		// The connection may be in a bad state after a failed handshake.
		if err := c.cl.Quit(); err != nil {
			c.cl.Close()
		}
		c.cl = nil
		return false, TLSError{err}
	}
	return true, nil
}

func (c *C) ensureHello(ctx context.Context) error {
	if c.cl == nil {
		return ErrNotConnected
	}
	if c.helloSent {
		return nil
	}
	_, err := c.Hello(ctx, "", false)
	return err
}

// SupportsAuth reports whether the remote server advertises the PLAIN
// SASL mechanism.
func (c *C) SupportsAuth(ctx context.Context) bool {
	if err := c.ensureHello(ctx); err != nil {
		return false
	}
	ok, mechs := c.cl.Extension("AUTH")
	if !ok {
		return false
	}
	for _, mech := range strings.Fields(mechs) {
		if mech == sasl.Plain {
			return true
		}
	}
	return false
}

// AuthPlain authenticates to the remote server using the PLAIN mechanism.
func (c *C) AuthPlain(ctx context.Context, username, password string) error {
	defer trace.StartRegion(ctx, "smtpconn/AUTH").End()

	if err := c.ensureHello(ctx); err != nil {
		return err
	}
	if err := c.cl.Auth(sasl.NewPlainClient("", username, password)); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	return nil
}

// Mail sends the MAIL FROM command to the remote server.
//
// If utf8 is set, SMTPUTF8 is requested if supported by the remote server.
// If it is not supported, the address is converted to the ASCII form, if
// this is not possible, the corresponding method (Mail or Rcpt) will fail.
func (c *C) Mail(ctx context.Context, from string, utf8 bool) error {
	defer trace.StartRegion(ctx, "smtpconn/MAIL FROM").End()

	if err := c.ensureHello(ctx); err != nil {
		return err
	}

	outOpts := smtp.MailOptions{}
	if utf8 {
		if ok, _ := c.cl.Extension("SMTPUTF8"); ok {
			outOpts.UTF8 = true
		} else {
			var err error
			from, err = address.ToASCII(from)
			if err != nil {
				return &exterrors.SMTPError{
					Code:         550,
					EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
					Message:      "SMTPUTF8 is unsupported, cannot convert sender address",
					Misc: map[string]interface{}{
						"remote_server": c.serverName,
					},
					Err: err,
				}
			}
		}
	}

	if err := c.cl.Mail(from, &outOpts); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	c.rcpts = nil
	c.Log.DebugMsg("transaction started", "remote_server", c.serverName)
	return nil
}

// Rcpts returns the list of recipients that were accepted by the remote server.
func (c *C) Rcpts() []string {
	return c.rcpts
}

func (c *C) ServerName() string {
	return c.serverName
}

func (c *C) Client() *smtp.Client {
	return c.cl
}

// Rcpt sends the RCPT TO command to the remote server.
//
// If the address is non-ASCII and cannot be converted to ASCII and the remote
// server does not support SMTPUTF8, error will be returned.
func (c *C) Rcpt(ctx context.Context, to string) error {
	defer trace.StartRegion(ctx, "smtpconn/RCPT TO").End()

	if c.cl == nil {
		return ErrNotConnected
	}

	if ok, _ := c.cl.Extension("SMTPUTF8"); !address.IsASCII(to) && !ok {
		var err error
		to, err = address.ToASCII(to)
		if err != nil {
			return &exterrors.SMTPError{
				Code:         553,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
				Message:      "SMTPUTF8 is unsupported, cannot convert recipient address",
				Misc: map[string]interface{}{
					"remote_server": c.serverName,
				},
				Err: err,
			}
		}
	}

	if err := c.cl.Rcpt(to, nil); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	c.rcpts = append(c.rcpts, to)

	return nil
}

// Data sends the DATA command to the remote server and then sends the message header
// and body.
//
// If the Data command fails, the connection may be in a unclean state (e.g. in
// the middle of message data stream). It is not safe to continue using it
// unless IsProtocolError reports true for the error.
func (c *C) Data(ctx context.Context, hdr textproto.Header, body io.Reader) error {
	defer trace.StartRegion(ctx, "smtpconn/DATA").End()

	if c.cl == nil {
		return ErrNotConnected
	}

	wc, err := c.cl.Data()
	if err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	if err := textproto.WriteHeader(wc, hdr); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	if _, err := io.Copy(wc, body); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	if err := wc.Close(); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}

	c.rcpts = nil
	return nil
}

// Reset aborts the current transaction.
func (c *C) Reset() error {
	if c.cl == nil {
		return ErrNotConnected
	}
	c.rcpts = nil
	if !c.helloSent {
		return nil
	}
	return c.wrapClientErr(c.cl.Reset(), c.serverName)
}

func (c *C) Noop() error {
	if c.cl == nil {
		return ErrNotConnected
	}

	return c.cl.Noop()
}

// Close sends the QUIT command, if it fail - it directly closes the
// connection.
func (c *C) Close() error {
	if c.cl == nil {
		return nil
	}
	cl, serverName := c.cl, c.serverName
	c.cl = nil
	c.serverName = ""

	if err := cl.Quit(); err != nil {
		c.Log.Error("QUIT error", c.wrapClientErr(err, serverName))
		return cl.Close()
	}
	return nil
}

// DirectClose closes the underlying connection without sending the QUIT
// command.
func (c *C) DirectClose() error {
	if c.cl == nil {
		return nil
	}
	c.cl.Close()
	c.cl = nil
	c.serverName = ""
	return nil
}

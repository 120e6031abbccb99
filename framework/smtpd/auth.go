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

package smtpd

import (
	"encoding/base64"
	"strings"
)

const (
	msgCannotDecode = "Cannot decode AUTH parameter"
	msgAuthAborted  = "AUTH aborted"
	msgAuthOK       = "Authentication successful"
)

var (
	promptUsername = base64.StdEncoding.EncodeToString([]byte("Username:"))
	promptPassword = base64.StdEncoding.EncodeToString([]byte("Password:"))
)

func decodeAuthParam(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "=" {
		return "", true
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func authDecodeFailed(c *Context) Status {
	c.ClearAuth()
	c.Reply(501, msgCannotDecode)
	return StatusBreak
}

func authAborted(c *Context) Status {
	c.ClearAuth()
	c.Reply(501, msgAuthAborted)
	return StatusBreak
}

// readAuthLine reads a continuation line. ok is false if the session
// should end (status is then StatusAbort) or the client cancelled the
// exchange with "*".
func readAuthLine(c *Context, conn *Conn) (line string, status Status, ok bool) {
	line, err := conn.ReadLine(c.opts.MaxLineLength)
	if err != nil {
		c.Log.Error("AUTH continuation read failed", err)
		c.ClearAuth()
		return "", StatusAbort, false
	}
	if line == "*" {
		return "", authAborted(c), false
	}
	return line, StatusOK, true
}

func hdlrAuth(c *Context, _, arg string, _ *Conn) Status {
	if c.Authenticated() {
		c.Reply(503, "Already Authenticated")
		return StatusOK
	}

	fields := strings.Fields(arg)
	if len(fields) == 0 {
		c.Reply(501, "Syntax: AUTH mechanism [initial-response]")
		return StatusBreak
	}
	c.AuthType = strings.ToUpper(fields[0])

	ir, hasIR := "", len(fields) > 1
	if hasIR {
		ir = fields[1]
	}

	switch c.AuthType {
	case "LOGIN":
		return authLoginUser(c, ir, hasIR)
	case "PLAIN":
		return authPlain(c, ir, hasIR)
	}
	c.AuthType = ""
	c.Reply(504, "AUTH mechanism not available")
	return StatusBreak
}

func authLoginUser(c *Context, data string, present bool) Status {
	if !present {
		c.Reply(334, promptUsername)
		c.Redirect("ALOU")
		return StatusChain
	}

	user, ok := decodeAuthParam(data)
	if !ok || user == "" {
		return authDecodeFailed(c)
	}
	c.AuthUser = user
	c.Reply(334, promptPassword)
	c.Redirect("ALOP")
	return StatusChain
}

func hdlrAuthLoginUser(c *Context, verb, _ string, conn *Conn) Status {
	if verb != "AUTH" {
		return badSequence(c)
	}
	line, status, ok := readAuthLine(c, conn)
	if !ok {
		return status
	}
	return authLoginUser(c, line, true)
}

func hdlrAuthLoginPass(c *Context, verb, _ string, conn *Conn) Status {
	if verb != "AUTH" {
		return badSequence(c)
	}
	line, status, ok := readAuthLine(c, conn)
	if !ok {
		return status
	}
	pass, ok := decodeAuthParam(line)
	if !ok {
		return authDecodeFailed(c)
	}
	c.AuthType = "LOGIN"
	c.AuthPassword = pass
	c.Reply(250, msgAuthOK)
	return StatusOK
}

// parsePlain splits the PLAIN message "authzid NUL authcid NUL passwd".
func parsePlain(data string) (user, pass string, ok bool) {
	decoded, ok := decodeAuthParam(data)
	if !ok {
		return "", "", false
	}
	parts := strings.Split(decoded, "\x00")
	if len(parts) != 3 || parts[1] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func authPlain(c *Context, data string, present bool) Status {
	c.Redirect("APLP")
	if !present {
		c.Reply(334, "")
		return StatusChain
	}

	user, pass, ok := parsePlain(data)
	if !ok {
		return authDecodeFailed(c)
	}
	c.AuthUser = user
	c.AuthPassword = pass
	return StatusChain
}

// hdlrAuthPlain completes AUTH PLAIN. The credentials are already known if
// the client sent an initial response, otherwise they are read here.
func hdlrAuthPlain(c *Context, verb, _ string, conn *Conn) Status {
	if verb != "AUTH" {
		return badSequence(c)
	}
	if c.AuthUser == "" {
		line, status, ok := readAuthLine(c, conn)
		if !ok {
			return status
		}
		user, pass, ok := parsePlain(line)
		if !ok {
			return authDecodeFailed(c)
		}
		c.AuthUser = user
		c.AuthPassword = pass
	}
	c.AuthType = "PLAIN"
	c.Reply(250, msgAuthOK)
	return StatusOK
}

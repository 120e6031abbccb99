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
	"errors"
	"fmt"
	"strings"

	"github.com/foxcpp/mailfilter/framework/address"
	"golang.org/x/net/idna"
)

var (
	ErrKeyword       = errors.New("smtpd: missing path keyword")
	ErrMalformedPath = errors.New("smtpd: malformed path")
)

// Mailbox is an address split at the last '@'. Local is stored unquoted.
type Mailbox struct {
	Local  string
	Domain string
}

func (m Mailbox) String() string {
	local := m.Local
	if !isDotAtom(local) {
		local = quoteLocal(local)
	}
	if m.Domain == "" {
		return local
	}
	return local + "@" + m.Domain
}

// ASCII returns the address with the domain converted to its A-label form.
func (m Mailbox) ASCII() (string, error) {
	if m.Domain == "" || m.Domain[0] == '[' {
		return m.String(), nil
	}
	domain, err := idna.Lookup.ToASCII(m.Domain)
	if err != nil {
		return "", err
	}
	return Mailbox{Local: m.Local, Domain: domain}.String(), nil
}

// EnvelopePath is a reverse or forward path of the SMTP envelope.
type EnvelopePath struct {
	Mailbox

	// SourceRoute lists the domains of the obsolete "@a,@b:" prefix. It is
	// parsed but not used for delivery.
	SourceRoute []string

	set bool
}

// IsSet reports whether the path was parsed from a command.
func (p EnvelopePath) IsSet() bool {
	return p.set
}

// IsNull reports whether the path is the null path "<>".
func (p EnvelopePath) IsNull() bool {
	return p.set && p.Local == "" && p.Domain == ""
}

// Address returns the mailbox without angle brackets or source route, ""
// for the null path.
func (p EnvelopePath) Address() string {
	if p.IsNull() || !p.set {
		return ""
	}
	return p.Mailbox.String()
}

func (p EnvelopePath) String() string {
	if p.IsNull() || !p.set {
		return "<>"
	}
	var sb strings.Builder
	sb.WriteByte('<')
	for i, dom := range p.SourceRoute {
		if i != 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('@')
		sb.WriteString(dom)
	}
	if len(p.SourceRoute) != 0 {
		sb.WriteByte(':')
	}
	sb.WriteString(p.Mailbox.String())
	sb.WriteByte('>')
	return sb.String()
}

func skipWhite(s string) string {
	return strings.TrimLeft(s, " \t")
}

// ParseCommandPath parses the argument of MAIL or RCPT: the keyword
// ("FROM", "TO"), a colon and a path. Whitespace is allowed around the
// colon. rest is the text after the path, ESMTP parameters are returned as
// is.
func ParseCommandPath(arg, keyword string) (path EnvelopePath, rest string, err error) {
	s := skipWhite(arg)
	if len(s) < len(keyword) || !strings.EqualFold(s[:len(keyword)], keyword) {
		return EnvelopePath{}, "", fmt.Errorf("%w: expected %s", ErrKeyword, keyword)
	}
	s = skipWhite(s[len(keyword):])
	if !strings.HasPrefix(s, ":") {
		return EnvelopePath{}, "", fmt.Errorf("%w: expected colon after %s", ErrKeyword, keyword)
	}
	s = skipWhite(s[1:])

	path, s, err = parsePath(s)
	if err != nil {
		return EnvelopePath{}, "", err
	}
	return path, strings.TrimSpace(s), nil
}

func parsePath(s string) (EnvelopePath, string, error) {
	if s == "" {
		return EnvelopePath{}, "", fmt.Errorf("%w: empty path", ErrMalformedPath)
	}

	if s[0] != '<' {
		mbox, rest, err := parseMailbox(s)
		if err != nil {
			return EnvelopePath{}, "", err
		}
		if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
			return EnvelopePath{}, "", fmt.Errorf("%w: unexpected %q after mailbox", ErrMalformedPath, rest[0])
		}
		return EnvelopePath{Mailbox: mbox, set: true}, rest, nil
	}

	s = s[1:]
	if strings.HasPrefix(s, ">") {
		return EnvelopePath{set: true}, s[1:], nil
	}

	var route []string
	if strings.HasPrefix(s, "@") {
		for {
			var dom string
			var err error
			dom, s, err = parseDomain(s[1:])
			if err != nil {
				return EnvelopePath{}, "", err
			}
			route = append(route, dom)
			if strings.HasPrefix(s, ",@") {
				s = s[1:]
				continue
			}
			if !strings.HasPrefix(s, ":") {
				return EnvelopePath{}, "", fmt.Errorf("%w: source route is not terminated", ErrMalformedPath)
			}
			s = s[1:]
			break
		}
	}

	mbox, s, err := parseMailbox(s)
	if err != nil {
		return EnvelopePath{}, "", err
	}
	if !strings.HasPrefix(s, ">") {
		return EnvelopePath{}, "", fmt.Errorf("%w: missing closing bracket", ErrMalformedPath)
	}
	return EnvelopePath{Mailbox: mbox, SourceRoute: route, set: true}, s[1:], nil
}

func parseMailbox(s string) (Mailbox, string, error) {
	var (
		local string
		err   error
	)
	if strings.HasPrefix(s, `"`) {
		local, s, err = parseQuoted(s)
	} else {
		local, s, err = parseDotAtom(s)
	}
	if err != nil {
		return Mailbox{}, "", err
	}

	if !strings.HasPrefix(s, "@") {
		// RFC 5321 allows the domain to be omitted for "postmaster".
		if strings.EqualFold(local, "postmaster") {
			return Mailbox{Local: local}, s, nil
		}
		return Mailbox{}, "", fmt.Errorf("%w: missing domain", ErrMalformedPath)
	}

	domain, s, err := parseDomain(s[1:])
	if err != nil {
		return Mailbox{}, "", err
	}
	return Mailbox{Local: local, Domain: domain}, s, nil
}

// parseDotAtom takes an unquoted local part from the beginning of s.
func parseDotAtom(s string) (string, string, error) {
	end := strings.IndexAny(s, "@> \t")
	if end == -1 {
		end = len(s)
	}
	if !isDotAtom(s[:end]) {
		return "", "", fmt.Errorf("%w: invalid local part %q", ErrMalformedPath, s[:end])
	}
	return s[:end], s[end:], nil
}

func isDotAtom(s string) bool {
	return !strings.HasPrefix(s, `"`) && address.ValidMailboxName(s)
}

func parseQuoted(s string) (string, string, error) {
	var sb strings.Builder
	for i := 1; i < len(s); i++ {
		switch b := s[i]; {
		case b == '"':
			return sb.String(), s[i+1:], nil
		case b == '\\':
			i++
			if i == len(s) || s[i] < 0x20 && s[i] != '\t' {
				return "", "", fmt.Errorf("%w: bad quoted pair", ErrMalformedPath)
			}
			sb.WriteByte(s[i])
		case b < 0x20 && b != '\t':
			return "", "", fmt.Errorf("%w: control character in quoted string", ErrMalformedPath)
		default:
			sb.WriteByte(b)
		}
	}
	return "", "", fmt.Errorf("%w: unterminated quoted string", ErrMalformedPath)
}

func quoteLocal(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	sb.WriteByte('"')
	return sb.String()
}

func isLabelChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '-' || b >= 0x80
}

func parseDomain(s string) (string, string, error) {
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end == -1 {
			return "", "", fmt.Errorf("%w: unterminated address literal", ErrMalformedPath)
		}
		lit := s[1:end]
		if lit == "" || strings.ContainsAny(lit, "[\\ \t") {
			return "", "", fmt.Errorf("%w: invalid address literal", ErrMalformedPath)
		}
		return s[:end+1], s[end+1:], nil
	}

	i := 0
	for i < len(s) && (isLabelChar(s[i]) || s[i] == '.') {
		i++
	}
	if !address.ValidDomain(s[:i]) || strings.HasSuffix(s[:i], ".") {
		return "", "", fmt.Errorf("%w: invalid domain %q", ErrMalformedPath, s[:i])
	}
	return s[:i], s[i:], nil
}

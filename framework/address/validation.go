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

package address

import (
	"strings"
	"unicode"

	"golang.org/x/net/idna"
)

// atextSpecials are the non-alphanumeric characters allowed in an
// unquoted local part (RFC 5322 atext).
const atextSpecials = "!#$%&'*+-/=?^_`{|}~"

func isAtext(ch rune) bool {
	switch {
	case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		return true
	case ch > unicode.MaxASCII:
		// RFC 6531.
		return true
	}
	return strings.ContainsRune(atextSpecials, ch)
}

// ValidMailboxName reports whether mbox can be used as the local part of
// an address.
//
// A quoted local part may contain anything except ASCII control
// characters. An unquoted one is a dot-separated list of non-empty atoms.
func ValidMailboxName(mbox string) bool {
	if strings.HasPrefix(mbox, `"`) {
		raw, err := UnquoteMbox(mbox)
		if err != nil {
			return false
		}
		for _, ch := range raw {
			if ch < ' ' || ch == 0x7F {
				return false
			}
		}
		return true
	}

	for _, atom := range strings.Split(mbox, ".") {
		if atom == "" {
			return false
		}
		for _, ch := range atom {
			if !isAtext(ch) {
				return false
			}
		}
	}
	return true
}

// ValidDomain reports whether domain is a usable host name. A single
// trailing dot is allowed. Length limits are checked on the A-label form,
// labels must be non-empty and must not start or end with a hyphen.
func ValidDomain(domain string) bool {
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" || len(domain) > 255 {
		return false
	}

	aDomain, err := idna.ToASCII(domain)
	if err != nil || len(aDomain) > 253 {
		return false
	}
	for _, label := range strings.Split(aDomain, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
	}
	return true
}

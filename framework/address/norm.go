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

// Package address implements normalization and validation of envelope
// addresses (RFC 5321 mailboxes with RFC 6531 internationalization).
package address

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/foxcpp/mailfilter/framework/dns"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

var ErrUnicodeMailbox = errors.New("address: cannot convert the Unicode local-part to the ACE form")

// ForLookup returns the canonical form of addr usable as a map key: the
// local-part is NFC-normalized and case-folded, the domain is converted by
// dns.ForLookup.
//
// On error, case-folded addr is also returned.
func ForLookup(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return strings.ToLower(addr), err
	}

	mbox = strings.ToLower(norm.NFC.String(mbox))
	if domain == "" {
		return mbox, nil
	}

	domain, err = dns.ForLookup(domain)
	if err != nil {
		return strings.ToLower(addr), err
	}
	return mbox + "@" + domain, nil
}

// ToASCII converts the domain of addr to A-labels. Addresses with a
// non-ASCII local-part cannot be converted.
func ToASCII(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return addr, err
	}
	if !IsASCII(mbox) {
		return addr, ErrUnicodeMailbox
	}
	if domain == "" {
		return mbox, nil
	}

	aDomain, err := idna.ToASCII(domain)
	if err != nil {
		return addr, err
	}
	return mbox + "@" + aDomain, nil
}

func IsASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

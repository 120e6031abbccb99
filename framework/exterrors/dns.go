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

package exterrors

import (
	"errors"
	"net"
)

// UnwrapDNSErr extracts the log reason from a *net.DNSError. The server
// and queried names are left out, they are rarely useful.
func UnwrapDNSErr(err error) (reason string, misc map[string]interface{}) {
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		// Non-nil so callers can add their own values.
		return "", map[string]interface{}{}
	}
	return dnsErr.Err, map[string]interface{}{}
}

// CodeFor returns temp if err is temporary (or unspecified) and perm
// otherwise.
func CodeFor(err error, temp, perm int) int {
	if IsTemporaryOrUnspec(err) {
		return temp
	}
	return perm
}

// EnchCodeFor fills the class digit of code (which should be 0) according
// to the temporary flag of err.
func EnchCodeFor(err error, code EnhancedCode) EnhancedCode {
	if IsTemporaryOrUnspec(err) {
		code[0] = 4
	} else {
		code[0] = 5
	}
	return code
}

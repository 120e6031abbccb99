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

package module

import (
	"github.com/foxcpp/mailfilter/framework/smtpd"
)

// Filter is a module that takes part in SMTP sessions by binding handlers
// to command verbs.
//
// RegisterHandlers is called once per endpoint, in the order filters are
// listed in the endpoint configuration, after the core handlers were
// registered and before the registry is frozen. Handlers run concurrently
// for different sessions.
type Filter interface {
	Module
	RegisterHandlers(reg *smtpd.Registry) error
}

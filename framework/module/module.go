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

// Package module holds the interfaces implemented by mailfilter modules
// and the registries used to look them up by name.
//
// A module is anything that can be configured by a top-level block or an
// inline directive: filters, authentication providers, tables and
// endpoints. Interfaces live here so that implementations in internal/
// do not import each other.
package module

import (
	"github.com/foxcpp/mailfilter/framework/config"
)

// Module is implemented by every module instance.
//
// A module that holds resources may also implement io.Closer. Close is
// called on shutdown, after the endpoints stopped accepting sessions.
type Module interface {
	// Init reads the configuration block. It is called lazily, the first
	// time the instance is referenced, so instances may refer to each
	// other regardless of their order in the configuration file.
	Init(*config.Map) error

	// Name reports the module name, e.g. "filter.rspamd".
	Name() string

	// InstanceName reports the configured instance name. It is empty for
	// inline definitions.
	InstanceName() string
}

// FuncNewModule creates a module instance.
//
// instName is empty for inline definitions, in which case all arguments
// following the module name are passed in inlineArgs.
type FuncNewModule func(modName, instName string, aliases, inlineArgs []string) (Module, error)

// FuncNewEndpoint creates an endpoint instance listening on addrs.
//
// Endpoints are not placed into the instance registry and cannot be
// referenced from other blocks.
type FuncNewEndpoint func(modName string, addrs []string) (Module, error)

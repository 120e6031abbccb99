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

// Package hooks lets modules react to process-wide events.
package hooks

import "sync"

type Event int

const (
	// EventShutdown fires once before the process exits. Endpoints close
	// listeners, filters close upstream connections and databases.
	EventShutdown Event = iota

	// EventReload fires on SIGUSR2 and SIGHUP. Only secondary files (TLS
	// certificates, password tables) are reloaded, module configuration is
	// not.
	EventReload

	// EventLogRotate fires on SIGUSR1. Log files should be reopened.
	EventLogRotate
)

func (e Event) String() string {
	switch e {
	case EventShutdown:
		return "shutdown"
	case EventReload:
		return "reload"
	case EventLogRotate:
		return "logrotate"
	}
	return "unknown"
}

var (
	registered = make(map[Event][]func())
	lock       sync.Mutex
)

func snapshot(ev Event) []func() {
	lock.Lock()
	defer lock.Unlock()
	return append([]func(){}, registered[ev]...)
}

// RunHooks runs hooks installed for ev, most recently added first.
// The hooks run without the registration lock held.
func RunHooks(ev Event) {
	fns := snapshot(ev)
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// AddHook installs f to be run when ev happens.
func AddHook(ev Event, f func()) {
	lock.Lock()
	defer lock.Unlock()
	registered[ev] = append(registered[ev], f)
}

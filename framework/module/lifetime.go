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
	"fmt"

	"github.com/foxcpp/mailfilter/framework/log"
)

// LifetimeModule is a module that has to be started after the whole
// configuration is loaded and stopped on shutdown. Endpoints are
// LifetimeModules.
type LifetimeModule interface {
	Module
	Start() error
	Stop() error
}

// ReloadModule is notified on hooks.EventReload.
type ReloadModule interface {
	Module
	Reload() error
}

type tracked struct {
	mod     LifetimeModule
	started bool
}

// LifetimeTracker starts modules in registration order and stops them in
// reverse order.
type LifetimeTracker struct {
	logger  *log.Logger
	tracked []*tracked
}

func NewLifetime(log *log.Logger) *LifetimeTracker {
	return &LifetimeTracker{logger: log}
}

func (lt *LifetimeTracker) Add(mod LifetimeModule) {
	lt.tracked = append(lt.tracked, &tracked{mod: mod})
}

// StartAll starts all modules that are not running yet. If one of them
// fails, the already started ones are stopped.
func (lt *LifetimeTracker) StartAll() error {
	for _, t := range lt.tracked {
		if t.started {
			continue
		}
		if err := t.mod.Start(); err != nil {
			lt.StopAll()
			return fmt.Errorf("failed to start module %v: %w", t.mod.InstanceName(), err)
		}
		t.started = true
		lt.logger.DebugMsg("module started", "mod_name", t.mod.Name(), "inst_name", t.mod.InstanceName())
	}
	return nil
}

// ReloadAll calls Reload on running modules that support it. Failures are
// logged and do not stop the remaining reloads.
func (lt *LifetimeTracker) ReloadAll() {
	for _, t := range lt.tracked {
		rm, ok := t.mod.(ReloadModule)
		if !t.started || !ok {
			continue
		}
		if err := rm.Reload(); err != nil {
			lt.logger.Error("module reload failed", err, "mod_name", t.mod.Name(), "inst_name", t.mod.InstanceName())
			continue
		}
		lt.logger.DebugMsg("module reloaded", "mod_name", t.mod.Name(), "inst_name", t.mod.InstanceName())
	}
}

// StopAll stops running modules in reverse start order and returns the
// first error encountered.
func (lt *LifetimeTracker) StopAll() error {
	var firstErr error
	for i := len(lt.tracked) - 1; i >= 0; i-- {
		t := lt.tracked[i]
		if !t.started {
			continue
		}
		if err := t.mod.Stop(); err != nil {
			lt.logger.Error("module stop failed", err, "mod_name", t.mod.Name(), "inst_name", t.mod.InstanceName())
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		t.started = false
		lt.logger.DebugMsg("module stopped", "mod_name", t.mod.Name(), "inst_name", t.mod.InstanceName())
	}
	return firstErr
}

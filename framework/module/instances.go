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
	"io"
	"sync"

	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/hooks"
	"github.com/foxcpp/mailfilter/framework/log"
)

type instance struct {
	mod         Module
	cfg         *config.Map
	initialized bool
}

var (
	instancesLock sync.Mutex
	instances     = make(map[string]*instance)
	aliases       = make(map[string]string)
)

// RegisterInstance makes inst available to GetInstance under its instance
// name. cfg is passed to Init on first use. A later registration with the
// same name replaces the earlier one.
func RegisterInstance(inst Module, cfg *config.Map) {
	instancesLock.Lock()
	defer instancesLock.Unlock()
	instances[inst.InstanceName()] = &instance{mod: inst, cfg: cfg}
}

// RegisterAlias makes GetInstance(aliasName) equivalent to
// GetInstance(instName).
func RegisterAlias(aliasName, instName string) {
	instancesLock.Lock()
	defer instancesLock.Unlock()
	aliases[aliasName] = instName
}

func resolveAlias(name string) string {
	if real := aliases[name]; real != "" {
		return real
	}
	return name
}

func HasInstance(name string) bool {
	instancesLock.Lock()
	defer instancesLock.Unlock()
	_, ok := instances[resolveAlias(name)]
	return ok
}

// GetInstance returns the named instance, calling Init if this is the first
// reference to it.
//
// The instance is marked initialized before Init runs so that two
// instances referring to each other do not recurse. Modules implementing
// io.Closer are closed on hooks.EventShutdown.
func GetInstance(name string) (Module, error) {
	instancesLock.Lock()
	inst, ok := instances[resolveAlias(name)]
	if !ok {
		instancesLock.Unlock()
		return nil, fmt.Errorf("unknown config block: %s", name)
	}
	if inst.initialized {
		instancesLock.Unlock()
		return inst.mod, nil
	}
	inst.initialized = true
	instancesLock.Unlock()

	// Init may call GetInstance for its dependencies, so the lock is not
	// held here.
	if err := inst.mod.Init(inst.cfg); err != nil {
		return inst.mod, err
	}

	if closer, ok := inst.mod.(io.Closer); ok {
		mod := inst.mod
		hooks.AddHook(hooks.EventShutdown, func() {
			log.Debugf("close %s (%s)", mod.Name(), mod.InstanceName())
			if err := closer.Close(); err != nil {
				log.DefaultLogger.Error("module close failed", err,
					"mod_name", mod.Name(), "inst_name", mod.InstanceName())
			}
		})
	}
	return inst.mod, nil
}

// IsInitialized reports whether Init was already called for the named
// instance through GetInstance.
func IsInitialized(name string) bool {
	instancesLock.Lock()
	defer instancesLock.Unlock()
	inst, ok := instances[resolveAlias(name)]
	return ok && inst.initialized
}

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
	"sort"
	"sync"
)

var (
	factoriesLock sync.RWMutex
	factories     = make(map[string]FuncNewModule)
	endpoints     = make(map[string]FuncNewEndpoint)
)

// Register adds a module factory. It panics if name is already taken.
//
// Modules call it from init().
func Register(name string, factory FuncNewModule) {
	factoriesLock.Lock()
	defer factoriesLock.Unlock()

	if _, ok := factories[name]; ok {
		panic("module.Register: duplicate module name: " + name)
	}
	factories[name] = factory
}

// RegisterEndpoint adds an endpoint factory. It panics if name is already
// taken.
func RegisterEndpoint(name string, factory FuncNewEndpoint) {
	factoriesLock.Lock()
	defer factoriesLock.Unlock()

	if _, ok := endpoints[name]; ok {
		panic("module.RegisterEndpoint: duplicate endpoint name: " + name)
	}
	endpoints[name] = factory
}

// Get returns the factory for a non-endpoint module or nil.
func Get(name string) FuncNewModule {
	factoriesLock.RLock()
	defer factoriesLock.RUnlock()
	return factories[name]
}

// GetEndpoint returns the factory for an endpoint module or nil.
func GetEndpoint(name string) FuncNewEndpoint {
	factoriesLock.RLock()
	defer factoriesLock.RUnlock()
	return endpoints[name]
}

// Names returns the sorted names of all registered modules, endpoints
// included.
func Names() []string {
	factoriesLock.RLock()
	defer factoriesLock.RUnlock()

	names := make([]string, 0, len(factories)+len(endpoints))
	for name := range factories {
		names = append(names, name)
	}
	for name := range endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

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
	"sync/atomic"
)

var ErrNoPriv = errors.New("smtpd: no private data for key")

// PrivKey identifies per-session data owned by a module.
type PrivKey uint64

var lastPrivKey uint64

// NewPrivKey returns a process-unique key. Modules allocate keys once at
// initialization.
func NewPrivKey() PrivKey {
	return PrivKey(atomic.AddUint64(&lastPrivKey, 1))
}

type privEntry struct {
	val     interface{}
	release func(interface{})
}

type privStore map[PrivKey]privEntry

// SetPriv attaches v to the session under key. release, if not nil, is
// called with v when the entry is replaced, removed or the session ends.
func (c *Context) SetPriv(key PrivKey, v interface{}, release func(interface{})) {
	if c.priv == nil {
		c.priv = make(privStore)
	}
	if old, ok := c.priv[key]; ok && old.release != nil {
		old.release(old.val)
	}
	c.priv[key] = privEntry{val: v, release: release}
}

func (c *Context) Priv(key PrivKey) (interface{}, bool) {
	e, ok := c.priv[key]
	return e.val, ok
}

// UnsetPriv removes the entry for key and calls its release function.
func (c *Context) UnsetPriv(key PrivKey) error {
	e, ok := c.priv[key]
	if !ok {
		return ErrNoPriv
	}
	delete(c.priv, key)
	if e.release != nil {
		e.release(e.val)
	}
	return nil
}

func (c *Context) releasePriv() {
	for key, e := range c.priv {
		delete(c.priv, key)
		if e.release != nil {
			e.release(e.val)
		}
	}
}

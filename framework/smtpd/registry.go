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
	"sort"
	"strings"
	"sync/atomic"
)

var (
	ErrInvalidVerb = errors.New("smtpd: verb must consist of letters only")
	ErrFrozen      = errors.New("smtpd: registry is frozen")
)

// Binding is a handler attached to a verb.
type Binding struct {
	Handler  Handler
	Priority int

	// Invokable marks verbs listed in HELP. A verb without any invokable
	// binding is a pseudo-verb. The session loop dispatches it like any
	// other verb, so its handlers must refuse a typed invocation.
	Invokable bool
}

// Node is a vertex of the verb trie. Each vertex owns the bindings of the
// verb spelled by the path from the root.
type Node struct {
	children [26]*Node
	bindings []Binding
	verb     string
}

// Bindings returns a copy of the ordered binding list.
func (n *Node) Bindings() []Binding {
	if n == nil {
		return nil
	}
	b := make([]Binding, len(n.bindings))
	copy(b, n.bindings)
	return b
}

func (n *Node) hasBindings() bool {
	return n != nil && len(n.bindings) != 0
}

func (n *Node) invokable() bool {
	if n == nil {
		return false
	}
	for _, b := range n.bindings {
		if b.Invokable {
			return true
		}
	}
	return false
}

func (n *Node) child(b byte) *Node {
	idx, ok := letterIndex(b)
	if !ok {
		return nil
	}
	return n.children[idx]
}

func letterIndex(b byte) (int, bool) {
	switch {
	case b >= 'A' && b <= 'Z':
		return int(b - 'A'), true
	case b >= 'a' && b <= 'z':
		return int(b - 'a'), true
	}
	return 0, false
}

type (
	// ResetHook is called by Context.Reset before envelope state is
	// cleared.
	ResetHook func(c *Context)

	// ReplyHook is called after a reply is written to the client.
	ReplyHook func(c *Context, verb string, code int)
)

// Registry maps verbs to ordered handler lists.
//
// Registration happens at startup. After Freeze the registry is
// read-only and can be shared by any number of sessions.
type Registry struct {
	root   Node
	frozen atomic.Bool

	resetHooks []ResetHook
	replyHooks []ReplyHook
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register binds h to verb. Verbs are case-insensitive.
//
// Bindings are kept sorted by ascending priority. A new binding goes after
// all existing bindings with the same priority.
func (r *Registry) Register(verb string, h Handler, prio int, invokable bool) error {
	if r.frozen.Load() {
		return ErrFrozen
	}
	if verb == "" || h == nil {
		return ErrInvalidVerb
	}
	for i := 0; i < len(verb); i++ {
		if _, ok := letterIndex(verb[i]); !ok {
			return ErrInvalidVerb
		}
	}

	n := &r.root
	for i := 0; i < len(verb); i++ {
		idx, _ := letterIndex(verb[i])
		if n.children[idx] == nil {
			n.children[idx] = &Node{}
		}
		n = n.children[idx]
	}

	pos := sort.Search(len(n.bindings), func(i int) bool {
		return n.bindings[i].Priority > prio
	})
	n.verb = strings.ToUpper(verb)
	n.bindings = append(n.bindings, Binding{})
	copy(n.bindings[pos+1:], n.bindings[pos:])
	n.bindings[pos] = Binding{Handler: h, Priority: prio, Invokable: invokable}
	return nil
}

// Lookup returns the node for verb or nil if the path does not exist.
// The returned node may have no bindings.
func (r *Registry) Lookup(verb string) *Node {
	if verb == "" {
		return nil
	}
	n := &r.root
	for i := 0; i < len(verb); i++ {
		if n = n.child(verb[i]); n == nil {
			return nil
		}
	}
	return n
}

// Freeze makes the registry read-only. Register and hook setters fail or
// panic afterwards.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Walk calls fn for every verb that has bindings, in lexical order.
func (r *Registry) Walk(fn func(verb string, n *Node)) {
	var walk func(prefix []byte, n *Node)
	walk = func(prefix []byte, n *Node) {
		if n.hasBindings() {
			fn(string(prefix), n)
		}
		for i, child := range n.children {
			if child != nil {
				walk(append(prefix, byte('A'+i)), child)
			}
		}
	}
	walk(nil, &r.root)
}

func (r *Registry) OnReset(fn ResetHook) {
	if r.frozen.Load() {
		panic("smtpd: OnReset called on a frozen registry")
	}
	r.resetHooks = append(r.resetHooks, fn)
}

func (r *Registry) OnReply(fn ReplyHook) {
	if r.frozen.Load() {
		panic("smtpd: OnReply called on a frozen registry")
	}
	r.replyHooks = append(r.replyHooks, fn)
}

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

package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

type matcher struct {
	name          string
	required      bool
	inheritGlobal bool
	defaultVal    func() (interface{}, error)
	mapper        func(*Map, Node) (interface{}, error)
	store         *reflect.Value

	callback func(*Map, Node) error
}

func (m *matcher) assign(val interface{}) {
	v := reflect.ValueOf(val)
	if !v.IsValid() {
		v = reflect.Zero(m.store.Type())
	}
	m.store.Set(v)
}

// Map converts directives of a configuration block into Go values.
//
// Matchers are declared first (String, Int, Custom, ...) and then Process
// walks the block, assigning values and applying defaults.
type Map struct {
	allowUnknown bool

	// Values contains all values assigned during the last Process call.
	Values map[string]interface{}

	entries map[string]matcher

	// Globals are used for matchers declared with inheritGlobal = true when
	// the block does not contain the directive.
	Globals map[string]interface{}

	// Block is the configuration block processed by Process.
	Block Node
}

func NewMap(globals map[string]interface{}, block Node) *Map {
	return &Map{Globals: globals, Block: block}
}

// AllowUnknown makes Process return unknown directives instead of failing.
func (m *Map) AllowUnknown() {
	m.allowUnknown = true
}

func noBlock(node Node) error {
	if len(node.Children) != 0 {
		return NodeErr(node, "can't declare a block here")
	}
	return nil
}

func singleArg(node Node) (string, error) {
	if err := noBlock(node); err != nil {
		return "", err
	}
	if len(node.Args) != 1 {
		return "", NodeErr(node, "expected exactly one argument")
	}
	return node.Args[0], nil
}

func someArgs(node Node) error {
	if err := noBlock(node); err != nil {
		return err
	}
	if len(node.Args) == 0 {
		return NodeErr(node, "expected at least one argument")
	}
	return nil
}

func constDefault(v interface{}) func() (interface{}, error) {
	return func() (interface{}, error) { return v, nil }
}

// Enum maps 'name value' to a string that must be one of allowed.
func (m *Map) Enum(name string, inheritGlobal, required bool, allowed []string, defaultVal string, store *string) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		arg, err := singleArg(node)
		if err != nil {
			return nil, err
		}
		for _, str := range allowed {
			if str == arg {
				return arg, nil
			}
		}
		return nil, NodeErr(node, "invalid argument, valid values are: %v", allowed)
	}, store)
}

// EnumList is like Enum but accepts one or more values.
func (m *Map) EnumList(name string, inheritGlobal, required bool, allowed, defaultVal []string, store *[]string) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		if err := someArgs(node); err != nil {
			return nil, err
		}
	args:
		for _, arg := range node.Args {
			for _, str := range allowed {
				if str == arg {
					continue args
				}
			}
			return nil, NodeErr(node, "invalid argument, valid values are: %v", allowed)
		}
		return node.Args, nil
	}, store)
}

// EnumMapped is like Enum but stores the value mapped to the argument.
func EnumMapped[V any](m *Map, name string, inheritGlobal, required bool, mapped map[string]V, defaultVal V, store *V) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		arg, err := singleArg(node)
		if err != nil {
			return nil, err
		}
		val, ok := mapped[arg]
		if !ok {
			valid := make([]string, 0, len(mapped))
			for k := range mapped {
				valid = append(valid, k)
			}
			sort.Strings(valid)
			return nil, NodeErr(node, "invalid argument, valid values are: %v", valid)
		}
		return val, nil
	}, store)
}

// Duration maps 'name duration' to a time.Duration. Multiple arguments are
// concatenated, so 'name 1h 30m' is accepted. Negative values are rejected.
func (m *Map) Duration(name string, inheritGlobal, required bool, defaultVal time.Duration, store *time.Duration) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		if err := someArgs(node); err != nil {
			return nil, err
		}
		dur, err := time.ParseDuration(strings.Join(node.Args, ""))
		if err != nil {
			return nil, NodeErr(node, "%v", err)
		}
		if dur < 0 {
			return nil, NodeErr(node, "duration must not be negative")
		}
		return dur, nil
	}, store)
}

// ParseDataSize parses a space-separated list of numbers with unit
// suffixes (B, K, M, G) and returns their sum in bytes.
func ParseDataSize(s string) (int, error) {
	if len(s) == 0 {
		return 0, errors.New("missing a number")
	}

	total := 0
	for _, part := range strings.Fields(s) {
		end := strings.IndexFunc(part, func(r rune) bool { return !unicode.IsDigit(r) })
		if end == -1 {
			end = len(part)
		}
		digits, suffix := part[:end], part[end:]
		if strings.IndexFunc(suffix, unicode.IsDigit) != -1 {
			return 0, errors.New("unexpected digit after a suffix")
		}
		num, err := strconv.Atoi(digits)
		if err != nil {
			return 0, err
		}

		switch suffix {
		case "G":
			total += num << 30
		case "M":
			total += num << 20
		case "K":
			total += num << 10
		case "B", "b":
			total += num
		default:
			if num != 0 {
				return 0, errors.New("unknown unit suffix: " + suffix)
			}
		}
	}
	return total, nil
}

// DataSize maps 'name 10M' (or 'name 1M 512K') to a byte count.
func (m *Map) DataSize(name string, inheritGlobal, required bool, defaultVal int64, store *int64) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		if err := someArgs(node); err != nil {
			return nil, err
		}
		size, err := ParseDataSize(strings.Join(node.Args, " "))
		if err != nil {
			return nil, NodeErr(node, "%v", err)
		}
		return int64(size), nil
	}, store)
}

func ParseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	}
	return false, fmt.Errorf("bool argument should be 'yes' or 'no'")
}

// Bool maps 'name', 'name yes' and 'name no' to a bool.
func (m *Map) Bool(name string, inheritGlobal, defaultVal bool, store *bool) {
	m.Custom(name, inheritGlobal, false, constDefault(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		if err := noBlock(node); err != nil {
			return nil, err
		}
		switch len(node.Args) {
		case 0:
			return true, nil
		case 1:
			b, err := ParseBool(node.Args[0])
			if err != nil {
				return nil, NodeErr(node, "%v", err)
			}
			return b, nil
		}
		return nil, NodeErr(node, "expected at most one argument")
	}, store)
}

// StringList maps 'name a b c' to a []string.
func (m *Map) StringList(name string, inheritGlobal, required bool, defaultVal []string, store *[]string) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		if err := someArgs(node); err != nil {
			return nil, err
		}
		return node.Args, nil
	}, store)
}

// String maps 'name value' to a string.
func (m *Map) String(name string, inheritGlobal, required bool, defaultVal string, store *string) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		return singleArg(node)
	}, store)
}

func (m *Map) Int(name string, inheritGlobal, required bool, defaultVal int, store *int) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		arg, err := singleArg(node)
		if err != nil {
			return nil, err
		}
		i, err := strconv.Atoi(arg)
		if err != nil {
			return nil, NodeErr(node, "invalid integer: %s", arg)
		}
		return i, nil
	}, store)
}

func (m *Map) UInt(name string, inheritGlobal, required bool, defaultVal uint, store *uint) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		arg, err := singleArg(node)
		if err != nil {
			return nil, err
		}
		i, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return nil, NodeErr(node, "invalid integer: %s", arg)
		}
		return uint(i), nil
	}, store)
}

func (m *Map) Int64(name string, inheritGlobal, required bool, defaultVal int64, store *int64) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		arg, err := singleArg(node)
		if err != nil {
			return nil, err
		}
		i, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, NodeErr(node, "invalid integer: %s", arg)
		}
		return i, nil
	}, store)
}

func (m *Map) Float(name string, inheritGlobal, required bool, defaultVal float64, store *float64) {
	m.Custom(name, inheritGlobal, required, constDefault(defaultVal), func(_ *Map, node Node) (interface{}, error) {
		arg, err := singleArg(node)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, NodeErr(node, "invalid float: %s", arg)
		}
		return f, nil
	}, store)
}

// Custom declares a matcher for the directive name.
//
// If inheritGlobal is true and the block lacks the directive, the value from
// Globals is used. If required is true and no value is found, Process fails.
// Otherwise defaultVal is called to obtain the value; it may be nil for
// required directives.
//
// mapper converts the directive node into a value that is stored into the
// variable pointed to by store (which may be nil) and into Values.
func (m *Map) Custom(name string, inheritGlobal, required bool, defaultVal func() (interface{}, error), mapper func(*Map, Node) (interface{}, error), store interface{}) {
	if m.entries == nil {
		m.entries = make(map[string]matcher)
	}
	if _, ok := m.entries[name]; ok {
		panic("config.Map: duplicate matcher for " + name)
	}

	var target *reflect.Value
	ptr := reflect.ValueOf(store)
	if ptr.IsValid() && !ptr.IsNil() {
		val := ptr.Elem()
		if !val.CanSet() {
			panic("config.Map: store argument must be a pointer")
		}
		target = &val
	}

	m.entries[name] = matcher{
		name:          name,
		inheritGlobal: inheritGlobal,
		required:      required,
		defaultVal:    defaultVal,
		mapper:        mapper,
		store:         target,
	}
}

// Callback calls mapper for each occurrence of the directive. Repeated
// directives are allowed.
func (m *Map) Callback(name string, mapper func(*Map, Node) error) {
	if m.entries == nil {
		m.entries = make(map[string]matcher)
	}
	if _, ok := m.entries[name]; ok {
		panic("config.Map: duplicate matcher for " + name)
	}
	m.entries[name] = matcher{name: name, callback: mapper}
}

// Process applies matchers to m.Block using m.Globals.
func (m *Map) Process() (unknown []Node, err error) {
	return m.ProcessWith(m.Globals, m.Block)
}

// ProcessWith applies matchers to block using globals.
func (m *Map) ProcessWith(globals map[string]interface{}, block Node) (unknown []Node, err error) {
	unknown = make([]Node, 0, len(block.Children))
	seen := make(map[string]bool)
	m.Values = make(map[string]interface{})

	for _, child := range block.Children {
		mt, ok := m.entries[child.Name]
		if !ok {
			if !m.allowUnknown {
				return nil, NodeErr(child, "unexpected directive: %s", child.Name)
			}
			unknown = append(unknown, child)
			continue
		}

		if mt.callback != nil {
			if err := mt.callback(m, child); err != nil {
				return nil, err
			}
			seen[child.Name] = true
			continue
		}

		if seen[child.Name] {
			return nil, NodeErr(child, "duplicate directive: %s", child.Name)
		}
		seen[child.Name] = true

		val, err := mt.mapper(m, child)
		if err != nil {
			return nil, err
		}
		m.Values[mt.name] = val
		if mt.store != nil {
			mt.assign(val)
		}
	}

	for _, mt := range m.entries {
		if seen[mt.name] || mt.mapper == nil {
			continue
		}

		var val interface{}
		if gval, ok := globals[mt.name]; mt.inheritGlobal && ok {
			val = gval
		} else if mt.required {
			return nil, NodeErr(block, "missing required directive: %s", mt.name)
		} else {
			if mt.defaultVal == nil {
				continue
			}
			val, err = mt.defaultVal()
			if err != nil {
				return nil, err
			}
		}

		// Zero values are not recorded so that blocks inheriting from
		// globals still fail for required directives nobody set.
		if t := reflect.TypeOf(val); t != nil && !reflect.DeepEqual(val, reflect.Zero(t).Interface()) {
			m.Values[mt.name] = val
		}
		if mt.store != nil {
			mt.assign(val)
		}
	}

	return unknown, nil
}

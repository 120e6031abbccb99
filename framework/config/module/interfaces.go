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

package modconfig

import (
	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/module"
)

// FilterDirective is a config.Map.Custom/Callback mapper for
//
//	filter &name
//	filter modname [args] { ... }
func FilterDirective(m *config.Map, node config.Node) (interface{}, error) {
	var f module.Filter
	if err := ModuleFromNode("filter", node.Args, node, m.Globals, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// FilterList resolves top-level instance names listed in a single
// directive, e.g. "filters limits rspamd maildir".
func FilterList(node config.Node) ([]module.Filter, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "at least one filter name is required")
	}
	filters := make([]module.Filter, 0, len(node.Args))
	for _, name := range node.Args {
		mod, err := module.GetInstance(name)
		if err != nil {
			return nil, config.NodeErr(node, "%v", err)
		}
		f, ok := mod.(module.Filter)
		if !ok {
			return nil, config.NodeErr(node, "module %s (%s) is not a filter", mod.Name(), name)
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func TableDirective(m *config.Map, node config.Node) (interface{}, error) {
	var tbl module.Table
	if err := ModuleFromNode("table", node.Args, node, m.Globals, &tbl); err != nil {
		return nil, err
	}
	return tbl, nil
}

func PlainAuthDirective(m *config.Map, node config.Node) (interface{}, error) {
	var auth module.PlainAuth
	if err := ModuleFromNode("auth", node.Args, node, m.Globals, &auth); err != nil {
		return nil, err
	}
	return auth, nil
}

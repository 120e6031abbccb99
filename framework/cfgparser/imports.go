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

package cfgparser

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/foxcpp/mailfilter/framework/config"
)

const maxImportDepth = 255

// expandImports replaces "import name" directives at any level with the
// snippet or file contents.
func (p *parser) expandImports(nodes []config.Node, depth int) ([]config.Node, error) {
	if nodes == nil {
		return nil, nil
	}

	out := make([]config.Node, 0, len(nodes))
	for _, node := range nodes {
		if node.Name != "import" {
			children, err := p.expandImports(node.Children, depth)
			if err != nil {
				return nil, err
			}
			node.Children = children
			out = append(out, node)
			continue
		}

		if depth >= maxImportDepth {
			return nil, config.NodeErr(node, "hit import expansion limit")
		}
		if len(node.Args) != 1 || node.Children != nil {
			return nil, config.NodeErr(node, "import directive requires exactly 1 argument")
		}

		imported, err := p.resolveImport(node, node.Args[0], depth)
		if err != nil {
			return nil, err
		}
		// Snippets may contain imports themselves.
		imported, err = p.expandImports(imported, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, imported...)
	}
	return out, nil
}

func (p *parser) resolveImport(node config.Node, name string, depth int) ([]config.Node, error) {
	if snippet, ok := p.snippets[name]; ok {
		return snippet, nil
	}

	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(p.file), name)
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		path += ".conf"
		f, err = os.Open(path)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, config.NodeErr(node, "unknown import: %s", name)
		}
		return nil, config.NodeErr(node, "%v", err)
	}
	defer f.Close()

	// Snippets declared in the imported file become visible to the
	// importing one.
	return parseTree(f, path, p.snippets, depth+1)
}

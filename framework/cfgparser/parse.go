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

// Package cfgparser reads mailfilter configuration files into a tree of
// config.Node values.
//
// The syntax is line based:
//
//	# comment
//	hostname mx.example.org
//	smtp tcp://0.0.0.0:25 {
//	    filters limits rspamd
//	    max_message_size 32M
//	}
//
// Snippets are declared at top level as "(name) { ... }" and inserted
// with "import name". Import also accepts a file path, relative to the
// importing file, with an optional ".conf" suffix. Arguments may contain
// {env:VAR} references; an argument that is exactly {env_split:VAR} is
// replaced with the comma-separated parts of the variable.
package cfgparser

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/foxcpp/mailfilter/framework/config"
)

const maxNesting = 255

type parser struct {
	file string
	toks []token
	pos  int

	nesting  int
	snippets map[string][]config.Node
}

func (p *parser) errAt(line int, format string, args ...interface{}) error {
	return fmt.Errorf("%s:%d: %s", p.file, line, fmt.Sprintf(format, args...))
}

func (p *parser) eof() bool {
	return p.pos >= len(p.toks)
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	p.pos++
	return t
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func validateName(s string) error {
	if s == "" {
		return errors.New("empty directive name")
	}
	if unicode.IsDigit([]rune(s)[0]) {
		return errors.New("directive name cannot start with a digit")
	}
	for _, ch := range s {
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '.' || ch == '-' || ch == '_' {
			continue
		}
		return fmt.Errorf("character not allowed in directive name: %q", ch)
	}
	return nil
}

func snippetName(t token) (string, bool) {
	if t.quoted || len(t.text) < 3 || t.text[0] != '(' || t.text[len(t.text)-1] != ')' {
		return "", false
	}
	return t.text[1 : len(t.text)-1], true
}

// readBlock reads directives until the closing brace (consumed) or, at
// top level, until EOF.
func (p *parser) readBlock(openLine int) ([]config.Node, error) {
	nested := p.nesting > 0
	if p.nesting > maxNesting {
		return nil, p.errAt(openLine, "nesting limit reached")
	}

	nodes := []config.Node{}
	for {
		if p.eof() {
			if nested {
				return nil, p.errAt(openLine, "unexpected EOF when looking for }")
			}
			return nodes, nil
		}

		t := p.next()
		if t.is("}") {
			if !nested {
				return nil, p.errAt(t.line, "unexpected }")
			}
			return nodes, nil
		}

		node, snippet, err := p.readNode(t)
		if err != nil {
			return nil, err
		}
		if snippet {
			if nested {
				return nil, p.errAt(node.Line, "snippet declarations are only allowed at top-level")
			}
			p.snippets[node.Name] = node.Children
			continue
		}
		nodes = append(nodes, node)
	}
}

// readNode reads a directive starting at name. A block is read
// recursively; the closing brace has to end the line.
func (p *parser) readNode(name token) (config.Node, bool, error) {
	node := config.Node{Name: name.text, File: p.file, Line: name.line}
	if name.is("{") {
		return node, false, p.errAt(name.line, "block without a directive name")
	}

	snipName, snippet := snippetName(name)
	if snippet {
		node.Name = snipName
	} else if err := validateName(name.text); err != nil {
		return node, false, p.errAt(name.line, "%v", err)
	}

	last := name
	for !last.eol && !p.eof() && !p.peek().is("}") {
		last = p.next()
		if !last.is("{") {
			node.Args = append(node.Args, last.text)
			continue
		}

		p.nesting++
		children, err := p.readBlock(last.line)
		p.nesting--
		if err != nil {
			return node, false, err
		}
		node.Children = children

		closing := p.toks[p.pos-1]
		if !closing.eol && !p.eof() && !p.peek().is("}") {
			return node, false, p.errAt(closing.line, "newline is required after closing brace")
		}
		break
	}

	if snippet && (len(node.Args) != 0 || node.Children == nil) {
		return node, false, p.errAt(node.Line, "snippet declaration requires a block and no arguments")
	}
	return node, snippet, nil
}

func parseTree(r io.Reader, file string, snippets map[string][]config.Node, depth int) ([]config.Node, error) {
	toks, err := tokenize(r, file)
	if err != nil {
		return nil, err
	}

	p := &parser{file: file, toks: toks, snippets: snippets}
	nodes, err := p.readBlock(1)
	if err != nil {
		return nil, err
	}
	return p.expandImports(nodes, depth)
}

// Read parses the configuration from r. location is used in error
// messages and to resolve relative imports.
func Read(r io.Reader, location string) ([]config.Node, error) {
	nodes, err := parseTree(r, location, make(map[string][]config.Node), 0)
	if err != nil {
		return nil, err
	}
	return expandEnvironment(nodes, envMap()), nil
}

// String renders nodes back into the configuration syntax. It is used by
// the CLI to print the effective configuration.
func String(nodes []config.Node) string {
	var sb strings.Builder
	writeNodes(&sb, nodes, 0)
	return sb.String()
}

func writeNodes(sb *strings.Builder, nodes []config.Node, indent int) {
	for _, n := range nodes {
		sb.WriteString(strings.Repeat("    ", indent))
		sb.WriteString(n.Name)
		for _, arg := range n.Args {
			sb.WriteByte(' ')
			sb.WriteString(quoteArg(arg))
		}
		if n.Children != nil {
			sb.WriteString(" {\n")
			writeNodes(sb, n.Children, indent+1)
			sb.WriteString(strings.Repeat("    ", indent))
			sb.WriteString("}")
		}
		sb.WriteByte('\n')
	}
}

func quoteArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\"\\#{}") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

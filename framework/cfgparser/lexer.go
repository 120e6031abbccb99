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
	"bufio"
	"fmt"
	"io"
	"strings"
)

type token struct {
	text   string
	line   int
	quoted bool
	// eol is set for the last token of a logical line.
	eol bool
}

func (t token) is(s string) bool {
	return !t.quoted && t.text == s
}

type lexer struct {
	r    *bufio.Reader
	file string
	line int

	toks []token
	cur  strings.Builder
	// inWord is set while a token is being accumulated, so "" can be
	// told apart from no token at all.
	inWord bool
	quoted bool
	start  int
}

// tokenize splits the configuration into tokens. '#' starts a comment
// running to the end of the line if it begins a token. A lone '\' at the
// end of a line joins it with the next one.
func tokenize(r io.Reader, file string) ([]token, error) {
	lx := &lexer{r: bufio.NewReader(r), file: file, line: 1}
	if err := lx.run(); err != nil {
		return nil, err
	}
	return lx.toks, nil
}

func (lx *lexer) flush() {
	if !lx.inWord {
		return
	}
	lx.toks = append(lx.toks, token{text: lx.cur.String(), line: lx.start, quoted: lx.quoted})
	lx.cur.Reset()
	lx.inWord = false
	lx.quoted = false
}

func (lx *lexer) endLine() {
	lx.flush()
	n := len(lx.toks)
	if n == 0 {
		return
	}
	last := &lx.toks[n-1]
	if last.is(`\`) {
		lx.toks = lx.toks[:n-1]
		return
	}
	last.eol = true
}

func (lx *lexer) begin() {
	if !lx.inWord {
		lx.inWord = true
		lx.start = lx.line
	}
}

func (lx *lexer) run() error {
	for {
		ch, _, err := lx.r.ReadRune()
		if err == io.EOF {
			lx.endLine()
			return nil
		}
		if err != nil {
			return err
		}

		switch {
		case ch == '\n':
			lx.endLine()
			lx.line++
		case ch == ' ' || ch == '\t' || ch == '\r':
			lx.flush()
		case ch == '#' && !lx.inWord:
			if err := lx.skipComment(); err != nil {
				return err
			}
		case ch == '"':
			lx.begin()
			lx.quoted = true
			if err := lx.readQuoted(); err != nil {
				return err
			}
		default:
			lx.begin()
			lx.cur.WriteRune(ch)
		}
	}
}

func (lx *lexer) skipComment() error {
	for {
		ch, _, err := lx.r.ReadRune()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if ch == '\n' {
			return lx.r.UnreadRune()
		}
	}
}

// readQuoted reads up to the closing quote. Backslash escapes the next
// character, quoted strings may span lines.
func (lx *lexer) readQuoted() error {
	startLine := lx.line
	escaped := false
	for {
		ch, _, err := lx.r.ReadRune()
		if err == io.EOF {
			return fmt.Errorf("%s:%d: unterminated quoted string", lx.file, startLine)
		}
		if err != nil {
			return err
		}
		if ch == '\n' {
			lx.line++
		}
		switch {
		case escaped:
			lx.cur.WriteRune(ch)
			escaped = false
		case ch == '\\':
			escaped = true
		case ch == '"':
			return nil
		default:
			lx.cur.WriteRune(ch)
		}
	}
}

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

// Package shadow implements the "auth.shadow" credential provider that
// checks passwords against a shadow(5) password database.
package shadow

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var (
	ErrNoSuchUser    = errors.New("shadow: user entry is not present in database")
	ErrWrongPassword = errors.New("shadow: wrong password")
)

// Entry is a single line of the shadow database. Numeric fields are -1
// when empty.
type Entry struct {
	Name string
	Pass string

	// Days since the epoch the password was last changed.
	LastChange int
	MinPassAge int
	MaxPassAge int
	WarnPeriod int

	// Days after the password expired during which it is still accepted.
	InactivityPeriod int

	// Days since the epoch the account expires on.
	AcctExpiry int
	Flags      int
}

func parseEntry(line string) (Entry, error) {
	parts := strings.Split(line, ":")
	if len(parts) != 9 {
		return Entry{}, errors.New("malformed entry")
	}

	ent := Entry{Name: parts[0], Pass: parts[1]}
	for i, field := range []*int{
		&ent.LastChange, &ent.MinPassAge, &ent.MaxPassAge, &ent.WarnPeriod,
		&ent.InactivityPeriod, &ent.AcctExpiry, &ent.Flags,
	} {
		raw := parts[2+i]
		if raw == "" {
			*field = -1
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Entry{}, fmt.Errorf("invalid value for field %d", 2+i)
		}
		*field = v
	}
	return ent, nil
}

// Lookup scans the database at path for the entry of name.
func Lookup(path, name string) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scnr := bufio.NewScanner(f)
	lineNo := 0
	for scnr.Scan() {
		lineNo++
		line := scnr.Text()
		if line == "" || !strings.HasPrefix(line, name+":") {
			continue
		}
		ent, err := parseEntry(line)
		if err != nil {
			return nil, fmt.Errorf("shadow: %s:%d: %w", path, lineNo, err)
		}
		return &ent, nil
	}
	if err := scnr.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNoSuchUser
}

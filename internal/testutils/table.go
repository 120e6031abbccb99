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

package testutils

import (
	"context"

	"github.com/foxcpp/mailfilter/framework/config"
)

// Table is an in-memory module.Table.
type Table struct {
	M   map[string]string
	Err error
}

func (m Table) Init(*config.Map) error {
	return nil
}

func (m Table) Name() string {
	return "test_table"
}

func (m Table) InstanceName() string {
	return "test_table"
}

func (m Table) Lookup(_ context.Context, key string) (string, bool, error) {
	val, ok := m.M[key]
	return val, ok, m.Err
}

// MultiTable is an in-memory module.MultiTable.
type MultiTable struct {
	M   map[string][]string
	Err error
}

func (m MultiTable) Init(*config.Map) error {
	return nil
}

func (m MultiTable) Name() string {
	return "test_table"
}

func (m MultiTable) InstanceName() string {
	return "test_table"
}

func (m MultiTable) Lookup(_ context.Context, key string) (string, bool, error) {
	vals := m.M[key]
	if len(vals) == 0 {
		return "", false, m.Err
	}
	return vals[0], true, m.Err
}

func (m MultiTable) LookupMulti(_ context.Context, key string) ([]string, error) {
	return m.M[key], m.Err
}

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
	"sync"

	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/foxcpp/mailfilter/framework/smtpd"
)

// Filter is a module.Filter that applies a fixed CheckResult to each verb
// listed in Results and counts the calls.
type Filter struct {
	InstName string
	Priority int
	Results  map[string]module.CheckResult
	InitErr  error

	mu    sync.Mutex
	calls map[string]int
}

func (f *Filter) Init(*config.Map) error {
	return f.InitErr
}

func (f *Filter) Name() string {
	return "test_filter"
}

func (f *Filter) InstanceName() string {
	if f.InstName != "" {
		return f.InstName
	}
	return "test_filter"
}

func (f *Filter) RegisterHandlers(reg *smtpd.Registry) error {
	for verb := range f.Results {
		if err := reg.Register(verb, f.handle, f.Priority, false); err != nil {
			return err
		}
	}
	return nil
}

func (f *Filter) handle(c *smtpd.Context, _, _ string, _ *smtpd.Conn) smtpd.Status {
	verb := c.Stage()
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[verb]++
	f.mu.Unlock()

	if !c.PrevSucceeded() {
		c.Inherit()
		return smtpd.StatusOK
	}
	return f.Results[verb].Apply(c, verb, f.InstanceName())
}

// Calls returns how many times the handler for verb was run.
func (f *Filter) Calls(verb string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[verb]
}

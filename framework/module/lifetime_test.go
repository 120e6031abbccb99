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

package module

import (
	"errors"
	"testing"

	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/log"
)

type lifetimeMod struct {
	name     string
	startErr error
	events   *[]string
}

func (m *lifetimeMod) Init(*config.Map) error { return nil }
func (m *lifetimeMod) Name() string           { return "test" }
func (m *lifetimeMod) InstanceName() string   { return m.name }

func (m *lifetimeMod) Start() error {
	if m.startErr != nil {
		return m.startErr
	}
	*m.events = append(*m.events, "start "+m.name)
	return nil
}

func (m *lifetimeMod) Stop() error {
	*m.events = append(*m.events, "stop "+m.name)
	return nil
}

func (m *lifetimeMod) Reload() error {
	*m.events = append(*m.events, "reload "+m.name)
	return nil
}

func TestLifetimeTracker(t *testing.T) {
	var events []string
	logger := log.Logger{Out: log.NopOutput{}}
	lt := NewLifetime(&logger)
	lt.Add(&lifetimeMod{name: "a", events: &events})
	lt.Add(&lifetimeMod{name: "b", events: &events})

	if err := lt.StartAll(); err != nil {
		t.Fatal(err)
	}
	lt.ReloadAll()
	if err := lt.StopAll(); err != nil {
		t.Fatal(err)
	}

	want := []string{"start a", "start b", "reload a", "reload b", "stop b", "stop a"}
	if len(events) != len(want) {
		t.Fatalf("Wrong events: %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("Wrong events: %v", events)
		}
	}
}

func TestLifetimeTracker_StartFailure(t *testing.T) {
	var events []string
	logger := log.Logger{Out: log.NopOutput{}}
	lt := NewLifetime(&logger)
	lt.Add(&lifetimeMod{name: "a", events: &events})
	lt.Add(&lifetimeMod{name: "b", events: &events, startErr: errors.New("no")})

	if err := lt.StartAll(); err == nil {
		t.Fatal("Expected an error")
	}
	if len(events) != 2 || events[1] != "stop a" {
		t.Errorf("Started modules were not stopped: %v", events)
	}
}

func TestGetInstance_InitOnce(t *testing.T) {
	var events []string
	mod := &initCounter{lifetimeMod: lifetimeMod{name: "counter_inst", events: &events}}
	RegisterInstance(mod, nil)
	RegisterAlias("counter_alias", "counter_inst")

	for _, name := range []string{"counter_inst", "counter_alias"} {
		got, err := GetInstance(name)
		if err != nil {
			t.Fatal(err)
		}
		if got != mod {
			t.Fatalf("GetInstance(%s) returned a different module", name)
		}
	}
	if mod.inits != 1 {
		t.Errorf("Init called %d times", mod.inits)
	}
	if !HasInstance("counter_alias") || HasInstance("missing") {
		t.Error("HasInstance is wrong")
	}
	if _, err := GetInstance("missing"); err == nil {
		t.Error("Expected an error for unknown instance")
	}
}

type initCounter struct {
	lifetimeMod
	inits int
}

func (m *initCounter) Init(*config.Map) error {
	m.inits++
	return nil
}

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

package mailfilter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxcpp/mailfilter/framework/cfgparser"
	"github.com/foxcpp/mailfilter/framework/hooks"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
	"github.com/foxcpp/mailfilter/framework/smtpd"
)

func TestReadGlobals(t *testing.T) {
	t.Setenv("MAILFILTER_STATE", "")
	t.Setenv("MAILFILTER_RUNTIME", "")

	nodes, err := cfgparser.Read(strings.NewReader(`
hostname mx.example.org
state_dir /tmp/state
debug yes

smtp tcp://127.0.0.1:0 {
	scratch_dir /tmp
}
`), "test.conf")
	if err != nil {
		t.Fatal(err)
	}

	g, blocks, err := ReadGlobals(nodes)
	if err != nil {
		t.Fatal(err)
	}
	if g.Hostname != "mx.example.org" {
		t.Errorf("Wrong hostname: %s", g.Hostname)
	}
	if g.Values["hostname"] != "mx.example.org" {
		t.Errorf("hostname is not inherited: %v", g.Values["hostname"])
	}
	if g.StateDir != "/tmp/state" {
		t.Errorf("Wrong state_dir: %s", g.StateDir)
	}
	if g.RuntimeDir != DefaultRuntimeDirectory {
		t.Errorf("Wrong runtime_dir default: %s", g.RuntimeDir)
	}
	if !g.Debug {
		t.Error("debug is not set")
	}
	if len(blocks) != 1 || blocks[0].Name != "smtp" {
		t.Fatalf("Wrong module blocks: %+v", blocks)
	}
}

func TestRegisterModules(t *testing.T) {
	scratch := t.TempDir()
	nodes, err := cfgparser.Read(strings.NewReader(`
hostname mx.example.org

limits test_register_limits {
	all concurrency 10
}

table.static test_register_unused {
	entry a b
}

smtp tcp://127.0.0.1:0 {
	scratch_dir `+scratch+`
	filters test_register_limits
}
`), "test.conf")
	if err != nil {
		t.Fatal(err)
	}

	g, blocks, err := ReadGlobals(nodes)
	if err != nil {
		t.Fatal(err)
	}
	endpoints, mods, err := RegisterModules(g.Values, blocks)
	if err != nil {
		t.Fatal(err)
	}
	if len(endpoints) != 1 || len(mods) != 2 {
		t.Fatalf("Wrong instances: %d endpoints, %d modules", len(endpoints), len(mods))
	}
	if module.IsInitialized("test_register_limits") {
		t.Error("Module initialized before it is referenced")
	}

	if err := InitModules(g.Values, endpoints, mods); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"test_register_limits", "test_register_unused"} {
		if !module.IsInitialized(name) {
			t.Errorf("%s is not initialized", name)
		}
	}

	re, ok := endpoints[0].Instance.(interface{ Registry() *smtpd.Registry })
	if !ok {
		t.Fatal("smtp endpoint does not expose its registry")
	}
	var initBindings int
	if n := re.Registry().Lookup("INIT"); n != nil {
		initBindings = len(n.Bindings())
	}
	if initBindings == 0 {
		t.Error("limits handlers are not registered")
	}

	if _, _, err := RegisterModules(g.Values, blocks[:1]); err == nil {
		t.Error("Expected an error for a duplicate instance name")
	}
}

func TestRegisterModules_Unknown(t *testing.T) {
	nodes, err := cfgparser.Read(strings.NewReader(`
nonexistent.module foo {
}
`), "test.conf")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := RegisterModules(nil, nodes); err == nil {
		t.Error("Expected an error")
	}
}

func TestLogOutputOption_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailfilter.log")

	out, err := LogOutputOption([]string{path})
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	l := log.Logger{Out: out, Name: "test"}
	l.Msg("first")

	if err := os.Rename(path, path+".1"); err != nil {
		t.Fatal(err)
	}
	hooks.RunHooks(hooks.EventLogRotate)
	l.Msg("second")

	rotated, err := os.ReadFile(path + ".1")
	if err != nil {
		t.Fatal(err)
	}
	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(rotated), "test: first") {
		t.Errorf("Wrong rotated log: %q", rotated)
	}
	if !strings.Contains(string(current), "test: second") || strings.Contains(string(current), "first") {
		t.Errorf("Wrong current log: %q", current)
	}
}

func TestLogOutputOption_OffCombined(t *testing.T) {
	if _, err := LogOutputOption([]string{"off", "stderr"}); err == nil {
		t.Error("Expected an error")
	}
	out, err := LogOutputOption([]string{"off"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out.(log.NopOutput); !ok {
		t.Errorf("Wrong output type: %T", out)
	}
}

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

package table

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/internal/testutils"
)

func TestReadFile(t *testing.T) {
	test := func(file string, expected map[string][]string) {
		t.Helper()

		path := filepath.Join(t.TempDir(), "table")
		if err := os.WriteFile(path, []byte(file), 0o600); err != nil {
			t.Fatal(err)
		}

		actual, err := readFile(path)
		if expected == nil {
			if err == nil {
				t.Errorf("expected failure, got %+v", actual)
			}
			return
		}
		if err != nil {
			t.Errorf("unexpected failure: %v", err)
			return
		}
		if !reflect.DeepEqual(actual, expected) {
			t.Errorf("wrong results\n want %+v\n got %+v", expected, actual)
		}
	}

	test("a: b", map[string][]string{"a": {"b"}})
	test("a@example.org: b@example.com", map[string][]string{"a@example.org": {"b@example.com"}})
	test(`"a @ a"@example.org: b@example.com`, map[string][]string{`"a @ a"@example.org`: {"b@example.com"}})
	test("a: b, c", map[string][]string{"a": {"b", "c"}})
	test("a: b\na: c", map[string][]string{"a": {"b", "c"}})
	test("alice: bcrypt:$2y$10$xyz", map[string][]string{"alice": {"bcrypt:$2y$10$xyz"}})
	test(": b", nil)
	test(":", nil)
	test("aaa", map[string][]string{"aaa": {""}})
	test("     testing@example.com   :  arbitrary-whitespace@example.org   ",
		map[string][]string{"testing@example.com": {"arbitrary-whitespace@example.org"}})
	test("# skip comments\na: b", map[string][]string{"a": {"b"}})
	test("# and empty lines\n\n   \na: b", map[string][]string{"a": {"b"}})
}

func testFile(t *testing.T, contents string) (*File, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "table")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	mod, err := NewFile(FileModName, "", nil, []string{path})
	if err != nil {
		t.Fatal(err)
	}
	f := mod.(*File)
	f.log = testutils.Logger(t, FileModName)
	err = f.Init(config.NewMap(nil, config.Node{Children: []config.Node{
		{Name: "reload_interval", Args: []string{"10ms"}},
	}}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f, path
}

func checkLookup(t *testing.T, f *File, key, want string) {
	t.Helper()
	val, ok, err := f.Lookup(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if want == "" {
		if ok {
			t.Errorf("%s: unexpected value %q", key, val)
		}
		return
	}
	if !ok || val != want {
		t.Errorf("%s: want %q, got %q (%v)", key, want, val, ok)
	}
}

// touch rewrites the file with a modification time that differs from the
// previous one even on filesystems with coarse timestamps.
func touch(t *testing.T, path, contents string, stamp time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatal(err)
	}
}

func TestFile_Reload(t *testing.T) {
	f, path := testFile(t, "cat: dog")
	checkLookup(t, f, "cat", "dog")

	touch(t, path, "dog: cat", time.Now().Add(time.Hour))
	f.reload()
	checkLookup(t, f, "dog", "cat")
	checkLookup(t, f, "cat", "")

	vals, err := f.LookupMulti(context.Background(), "dog")
	if err != nil || len(vals) != 1 {
		t.Errorf("LookupMulti: %v %v", vals, err)
	}
}

func TestFile_ReloadTicker(t *testing.T) {
	f, path := testFile(t, "cat: dog")
	touch(t, path, "cat: mouse", time.Now().Add(time.Hour))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if val, _, _ := f.Lookup(context.Background(), "cat"); val == "mouse" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("File was not reloaded")
}

func TestFile_ReloadBroken(t *testing.T) {
	f, path := testFile(t, "cat: dog")

	touch(t, path, ": broken", time.Now().Add(time.Hour))
	f.reload()
	checkLookup(t, f, "cat", "dog")
}

func TestFile_ReloadRemoved(t *testing.T) {
	f, path := testFile(t, "cat: dog")

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	f.reload()
	checkLookup(t, f, "cat", "")
}

func TestFile_Config(t *testing.T) {
	if _, err := NewFile(FileModName, "", nil, []string{"a", "b"}); err == nil {
		t.Error("Multiple files accepted")
	}

	mod, _ := NewFile(FileModName, "", nil, nil)
	if err := mod.Init(config.NewMap(nil, config.Node{})); err == nil {
		t.Error("Missing path accepted")
	}

	mod, _ = NewFile(FileModName, "", nil, []string{"a"})
	err := mod.Init(config.NewMap(nil, config.Node{Children: []config.Node{
		{Name: "file", Args: []string{"b"}},
	}}))
	if err == nil {
		t.Error("Path in both argument and directive accepted")
	}

	// A missing file is not an error, it may be created later.
	mod, _ = NewFile(FileModName, "", nil, []string{filepath.Join(t.TempDir(), "missing")})
	if err := mod.Init(config.NewMap(nil, config.Node{})); err != nil {
		t.Error(err)
	}
	mod.(*File).Close()
}

func TestStatic(t *testing.T) {
	mod, err := NewStatic("table.static", "users", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = mod.Init(config.NewMap(nil, config.Node{Children: []config.Node{
		{Name: "entry", Args: []string{"a", "b", "c"}},
		{Name: "entry", Args: []string{"a", "d"}},
	}}))
	if err != nil {
		t.Fatal(err)
	}
	s := mod.(*Static)
	if val, ok, _ := s.Lookup(context.Background(), "a"); !ok || val != "b" {
		t.Errorf("Lookup: %q %v", val, ok)
	}
	if vals, _ := s.LookupMulti(context.Background(), "a"); !reflect.DeepEqual(vals, []string{"b", "c", "d"}) {
		t.Errorf("LookupMulti: %v", vals)
	}
	if s.InstanceName() != "users" {
		t.Errorf("Wrong instance name: %s", s.InstanceName())
	}

	if err := mod.Init(config.NewMap(nil, config.Node{Children: []config.Node{
		{Name: "entry", Args: []string{"a"}},
	}})); err == nil {
		t.Error("Entry without values accepted")
	}
}

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

// Package table implements key-value table modules used by other modules
// for lookups (e.g. auth.pass_table).
package table

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/hooks"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
)

const FileModName = "table.file"

// File is a table loaded from a text file with "key: value1, value2"
// lines. The file is re-read when its modification time changes and on
// the reload event.
type File struct {
	instName string
	path     string
	interval time.Duration

	mu    sync.RWMutex
	m     map[string][]string
	stamp time.Time

	stop chan struct{}
	done chan struct{}

	log log.Logger
}

func NewFile(_, instName string, _, inlineArgs []string) (module.Module, error) {
	f := &File{
		instName: instName,
		m:        make(map[string][]string),
		log:      log.Logger{Name: FileModName},
	}

	switch len(inlineArgs) {
	case 0:
	case 1:
		f.path = inlineArgs[0]
	default:
		return nil, fmt.Errorf("%s: only one file can be used per table", FileModName)
	}
	return f, nil
}

func (f *File) Name() string {
	return FileModName
}

func (f *File) InstanceName() string {
	return f.instName
}

func (f *File) Init(cfg *config.Map) error {
	var path string
	cfg.Bool("debug", true, false, &f.log.Debug)
	cfg.String("file", false, false, "", &path)
	cfg.Duration("reload_interval", false, false, 15*time.Second, &f.interval)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if f.interval <= 0 {
		return fmt.Errorf("%s: reload_interval must be positive", FileModName)
	}

	switch {
	case path != "" && f.path != "":
		return fmt.Errorf("%s: file path specified both in directive and in argument", FileModName)
	case path != "":
		f.path = path
	case f.path == "":
		return fmt.Errorf("%s: file path is required", FileModName)
	}

	if err := f.load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		f.log.Printf("ignoring non-existent file: %s", f.path)
	}

	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	go f.reloader()
	hooks.AddHook(hooks.EventReload, f.reload)
	return nil
}

func (f *File) reloader() {
	defer close(f.done)

	t := time.NewTicker(f.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			f.reload()
		case <-f.stop:
			return
		}
	}
}

// load reads the file unconditionally.
func (f *File) load() error {
	info, err := os.Stat(f.path)
	if err != nil {
		return err
	}
	m, err := readFile(f.path)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.m = m
	f.stamp = info.ModTime()
	f.mu.Unlock()
	return nil
}

func (f *File) reload() {
	info, err := os.Stat(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.mu.Lock()
			f.m = map[string][]string{}
			f.stamp = time.Time{}
			f.mu.Unlock()
			return
		}
		f.log.Error("stat failed", err, "path", f.path)
		return
	}

	f.mu.RLock()
	stamp := f.stamp
	f.mu.RUnlock()
	if info.ModTime().Equal(stamp) {
		return
	}

	f.log.DebugMsg("reloading", "path", f.path)
	m, err := readFile(f.path)
	if err != nil {
		f.log.Error("reload failed, keeping old contents", err)
		return
	}

	// The file may have been changed while it was read.
	info2, err := os.Stat(f.path)
	if err != nil || !info2.ModTime().Equal(info.ModTime()) {
		return
	}

	f.mu.Lock()
	f.m = m
	f.stamp = info.ModTime()
	f.mu.Unlock()
}

func (f *File) Close() error {
	if f.stop == nil {
		return nil
	}
	close(f.stop)
	<-f.done
	f.stop = nil
	return nil
}

func readFile(path string) (map[string][]string, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	out := make(map[string][]string)
	scnr := bufio.NewScanner(fd)
	lineNo := 0
	for scnr.Scan() {
		lineNo++
		line := strings.TrimSpace(scnr.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, values, _ := strings.Cut(line, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("%s:%d: empty key before colon", path, lineNo)
		}
		for _, v := range strings.Split(values, ",") {
			out[key] = append(out[key], strings.TrimSpace(v))
		}
	}
	if err := scnr.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *File) Lookup(_ context.Context, key string) (string, bool, error) {
	// Maps are replaced on reload, never modified.
	f.mu.RLock()
	vals := f.m[key]
	f.mu.RUnlock()

	if len(vals) == 0 {
		return "", false, nil
	}
	return vals[0], true, nil
}

func (f *File) LookupMulti(_ context.Context, key string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.m[key], nil
}

func init() {
	module.Register(FileModName, NewFile)
}

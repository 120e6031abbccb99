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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/hooks"
	"github.com/foxcpp/mailfilter/framework/log"
)

// Globals are the top-level directives inherited by module blocks.
type Globals struct {
	StateDir   string
	RuntimeDir string
	Hostname   string
	Debug      bool
	LogOut     log.Output

	// Values is passed to config.NewMap for every module block.
	Values map[string]interface{}
}

// ReadGlobals processes top-level directives of nodes and returns the
// remaining nodes, each of them describing a module or an endpoint.
func ReadGlobals(nodes []config.Node) (*Globals, []config.Node, error) {
	g := &Globals{}

	cfg := config.NewMap(nil, config.Node{Children: nodes})
	cfg.String("state_dir", false, false, DefaultStateDirectory, &g.StateDir)
	cfg.String("runtime_dir", false, false, DefaultRuntimeDirectory, &g.RuntimeDir)
	cfg.String("hostname", false, false, "", &g.Hostname)
	cfg.Custom("tls", false, false, nil, config.TLSDirective, nil)
	cfg.Custom("tls_client", false, false, nil, config.TLSClientBlock, nil)
	cfg.Custom("log", false, false, defaultLogOutput, logOutput, &g.LogOut)
	cfg.Bool("debug", false, log.DefaultLogger.Debug, &g.Debug)
	cfg.AllowUnknown()
	modBlocks, err := cfg.Process()
	if err != nil {
		return nil, nil, err
	}

	if dir := stateDirFromEnv(); dir != "" {
		g.StateDir = dir
	}
	if dir := runtimeDirFromEnv(); dir != "" {
		g.RuntimeDir = dir
	}

	g.Values = cfg.Values
	return g, modBlocks, nil
}

func defaultLogOutput() (interface{}, error) {
	return log.DefaultLogger.Out, nil
}

func logOutput(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "expected at least 1 argument")
	}
	if len(node.Children) != 0 {
		return nil, config.NodeErr(node, "can't declare block here")
	}
	return LogOutputOption(node.Args)
}

// LogOutputOption builds an Output from a list of targets: "stderr",
// "stderr_ts", "syslog", "off" or a file path.
func LogOutputOption(args []string) (log.Output, error) {
	outs := make([]log.Output, 0, len(args))
	for i, arg := range args {
		switch arg {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "syslog":
			syslogOut, err := log.SyslogOutput()
			if err != nil {
				return nil, fmt.Errorf("failed to connect to syslog daemon: %v", err)
			}
			outs = append(outs, syslogOut)
		case "off":
			if len(args) != 1 {
				return nil, errors.New("'off' can't be combined with other log targets")
			}
			return log.NopOutput{}, nil
		default:
			// Path to file.
			absPath, err := filepath.Abs(arg)
			if err != nil {
				return nil, err
			}
			args[i] = absPath

			out, err := fileOutput(absPath)
			if err != nil {
				return nil, fmt.Errorf("failed to create log file: %v", err)
			}
			outs = append(outs, out)
		}
	}

	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}

// fileOutput writes to the file at path and reopens it on
// hooks.EventLogRotate.
func fileOutput(path string) (log.Output, error) {
	open := func() (log.Output, error) {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o666)
		if err != nil {
			return nil, err
		}
		return log.WriteCloserOutput(f, true), nil
	}

	cur, err := open()
	if err != nil {
		return nil, err
	}

	var mu sync.RWMutex
	hooks.AddHook(hooks.EventLogRotate, func() {
		out, err := open()
		if err != nil {
			log.DefaultLogger.Error("failed to reopen log file", err, "path", path)
			return
		}
		mu.Lock()
		old := cur
		cur = out
		mu.Unlock()
		old.Close()
	})

	return log.FuncOutput(
		func(stamp time.Time, debug bool, msg string) {
			mu.RLock()
			defer mu.RUnlock()
			cur.Write(stamp, debug, msg)
		},
		func() error {
			mu.Lock()
			defer mu.Unlock()
			return cur.Close()
		},
	), nil
}

// InitDirs creates the state and runtime directories and changes the
// working directory to the state directory so relative paths in the
// configuration are resolved against it.
func InitDirs(g *Globals) error {
	if err := ensureDirectoryWritable(g.StateDir); err != nil {
		return err
	}
	if err := ensureDirectoryWritable(g.RuntimeDir); err != nil {
		return err
	}

	// Make sure all paths we are going to use are absolute
	// before we change the working directory.
	if !filepath.IsAbs(g.StateDir) {
		return errors.New("state_dir should be absolute")
	}
	if !filepath.IsAbs(g.RuntimeDir) {
		return errors.New("runtime_dir should be absolute")
	}

	config.StateDirectory = g.StateDir
	config.RuntimeDirectory = g.RuntimeDir

	if err := os.Chdir(g.StateDir); err != nil {
		log.Println(err)
	}
	return nil
}

func ensureDirectoryWritable(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}

	testFile, err := os.Create(filepath.Join(path, "writeable-test"))
	if err != nil {
		return err
	}
	testFile.Close()
	return os.Remove(testFile.Name())
}

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

// Package mailfilter wires the module registry, the configuration file and
// the process lifetime together. The actual protocol engine lives in
// framework/smtpd, modules live under internal/.
package mailfilter

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/foxcpp/mailfilter/framework/cfgparser"
	"github.com/foxcpp/mailfilter/framework/hooks"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
	mailfiltercli "github.com/foxcpp/mailfilter/internal/cli"
	"github.com/urfave/cli/v2"

	// Import packages for side-effect of module registration.
	_ "github.com/foxcpp/mailfilter/internal/auth"
	_ "github.com/foxcpp/mailfilter/internal/auth/ldap"
	_ "github.com/foxcpp/mailfilter/internal/auth/pass_table"
	_ "github.com/foxcpp/mailfilter/internal/auth/shadow"
	_ "github.com/foxcpp/mailfilter/internal/endpoint/openmetrics"
	_ "github.com/foxcpp/mailfilter/internal/endpoint/smtp"
	_ "github.com/foxcpp/mailfilter/internal/filter/command"
	_ "github.com/foxcpp/mailfilter/internal/filter/dnsbl"
	_ "github.com/foxcpp/mailfilter/internal/filter/dnscheck"
	_ "github.com/foxcpp/mailfilter/internal/filter/milter"
	_ "github.com/foxcpp/mailfilter/internal/filter/proxy"
	_ "github.com/foxcpp/mailfilter/internal/filter/rspamd"
	_ "github.com/foxcpp/mailfilter/internal/filter/spf"
	_ "github.com/foxcpp/mailfilter/internal/filter/sqllog"
	_ "github.com/foxcpp/mailfilter/internal/limits"
	_ "github.com/foxcpp/mailfilter/internal/storage/maildir"
	_ "github.com/foxcpp/mailfilter/internal/table"
)

func init() {
	mailfiltercli.AddGlobalFlag(
		&cli.PathFlag{
			Name:    "config",
			Usage:   "Configuration file to use",
			EnvVars: []string{"MAILFILTER_CONFIG"},
			Value:   defaultConfigPath(),
		},
	)
	mailfiltercli.AddGlobalFlag(&cli.BoolFlag{
		Name:        "debug",
		Usage:       "enable debug logging early",
		Destination: &log.DefaultLogger.Debug,
	})
	mailfiltercli.AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "Start the server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log",
				Usage: "default logging target(s), overrides the log directive",
			},
		},
		Action: Run,
	})
	mailfiltercli.AddSubcommand(&cli.Command{
		Name:  "version",
		Usage: "Print version and build metadata, then exit",
		Action: func(c *cli.Context) error {
			fmt.Println(BuildInfo())
			return nil
		},
	})
}

// Loaded is the result of LoadConfig.
type Loaded struct {
	Globals   *Globals
	Endpoints []ModInfo
	Mods      []ModInfo
}

// LoadConfig reads the configuration file at path, applies global
// directives and initializes all configured modules. Endpoints are not
// started.
func LoadConfig(path string, logOverride log.Output) (*Loaded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	nodes, err := cfgparser.Read(f, path)
	if err != nil {
		return nil, err
	}

	globals, modBlocks, err := ReadGlobals(nodes)
	if err != nil {
		return nil, err
	}

	if logOverride != nil {
		log.DefaultLogger.Out = logOverride
	} else {
		log.DefaultLogger.Out = globals.LogOut
	}
	if globals.Debug {
		log.DefaultLogger.Debug = true
	}
	// Globals are inherited by the "debug" directive of modules.
	if log.DefaultLogger.Debug {
		globals.Values["debug"] = true
	}

	if err := InitDirs(globals); err != nil {
		return nil, err
	}

	endpoints, mods, err := RegisterModules(globals.Values, modBlocks)
	if err != nil {
		return nil, err
	}
	if err := InitModules(globals.Values, endpoints, mods); err != nil {
		return nil, err
	}

	return &Loaded{Globals: globals, Endpoints: endpoints, Mods: mods}, nil
}

// Run is the action of the "run" subcommand.
func Run(c *cli.Context) error {
	var logOverride log.Output
	if c.IsSet("log") {
		var err error
		logOverride, err = LogOutputOption(strings.Fields(c.String("log")))
		if err != nil {
			systemdStatusErr(err)
			return cli.Exit(err.Error(), 2)
		}
		log.DefaultLogger.Out = logOverride
	}

	log.Printf("mailfilter %s", Version)

	loaded, err := LoadConfig(c.Path("config"), logOverride)
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}
	defer log.DefaultLogger.Out.Close()

	if err := moduleMain(loaded); err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func lifetimeModules(loaded *Loaded) []module.LifetimeModule {
	var res []module.LifetimeModule
	for _, set := range [][]ModInfo{loaded.Mods, loaded.Endpoints} {
		for _, inst := range set {
			if lm, ok := inst.Instance.(module.LifetimeModule); ok {
				res = append(res, lm)
			}
		}
	}
	return res
}

func moduleMain(loaded *Loaded) error {
	lt := module.NewLifetime(&log.DefaultLogger)
	for _, lm := range lifetimeModules(loaded) {
		lt.Add(lm)
	}

	if err := lt.StartAll(); err != nil {
		hooks.RunHooks(hooks.EventShutdown)
		return err
	}

	systemdStatus(SDReady, "Listening for incoming connections...")

	handleSignals(func() {
		systemdStatus(SDReloading, "Reloading state...")
		hooks.RunHooks(hooks.EventReload)
		lt.ReloadAll()
		systemdStatus(SDReady, "Configuration running.")
	})

	systemdStatus(SDStopping, "Waiting for running transactions to complete...")

	err := lt.StopAll()
	hooks.RunHooks(hooks.EventShutdown)
	if err != nil {
		return errors.New("some modules failed to stop cleanly")
	}
	return nil
}

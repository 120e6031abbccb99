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

package ctl

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/foxcpp/mailfilter"
	"github.com/foxcpp/mailfilter/framework/hooks"
	"github.com/foxcpp/mailfilter/framework/smtpd"
	mailfiltercli "github.com/foxcpp/mailfilter/internal/cli"
	"github.com/urfave/cli/v2"
)

func init() {
	mailfiltercli.AddSubcommand(&cli.Command{
		Name:  "verbs",
		Usage: "List verbs handled by each configured endpoint",
		Description: `Load the configuration file, initialize all modules and print the
handler chain of each endpoint registry without starting the server.

Handlers are listed in invocation order. Verbs that are not invokable
can only be run by other handlers (e.g. INIT, TERM, BODY).
`,
		Action: verbsCommand,
	})
}

type registryEndpoint interface {
	Name() string
	Registry() *smtpd.Registry
}

func handlerName(h smtpd.Handler) string {
	fn := runtime.FuncForPC(reflect.ValueOf(h).Pointer())
	if fn == nil {
		return "?"
	}
	name := fn.Name()
	name = strings.TrimPrefix(name, "github.com/foxcpp/mailfilter/")
	return strings.TrimSuffix(name, "-fm")
}

func printRegistry(w io.Writer, reg *smtpd.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "VERB\tPRIORITY\tINVOKABLE\tHANDLER")
	reg.Walk(func(verb string, n *smtpd.Node) {
		for _, b := range n.Bindings() {
			fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", verb, strconv.Itoa(b.Priority), b.Invokable, handlerName(b.Handler))
		}
	})
	return tw.Flush()
}

func verbsCommand(ctx *cli.Context) error {
	loaded, err := mailfilter.LoadConfig(ctx.Path("config"), nil)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer hooks.RunHooks(hooks.EventShutdown)

	for i, endp := range loaded.Endpoints {
		re, ok := endp.Instance.(registryEndpoint)
		if !ok {
			continue
		}
		if i != 0 {
			fmt.Println()
		}
		fmt.Printf("%s %s:\n", re.Name(), strings.Join(endp.Cfg.Args, " "))
		if err := printRegistry(os.Stdout, re.Registry()); err != nil {
			return err
		}
	}
	return nil
}

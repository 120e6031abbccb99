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

package cfgparser

import (
	"os"
	"regexp"
	"strings"

	"github.com/foxcpp/mailfilter/framework/config"
)

var (
	envRe      = regexp.MustCompile(`{env:([^{}]+)}`)
	envSplitRe = regexp.MustCompile(`^{env_split:([^{}]+)}$`)
)

func envMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// expandEnvironment substitutes variable references in names and
// arguments. References to unset variables expand to an empty string;
// an unset {env_split:VAR} expands to no arguments.
func expandEnvironment(nodes []config.Node, env map[string]string) []config.Node {
	if nodes == nil {
		return nil
	}

	replace := func(s string) string {
		return envRe.ReplaceAllStringFunc(s, func(ref string) string {
			return env[envRe.FindStringSubmatch(ref)[1]]
		})
	}

	out := make([]config.Node, 0, len(nodes))
	for _, node := range nodes {
		node.Name = replace(node.Name)

		var args []string
		for _, arg := range node.Args {
			if m := envSplitRe.FindStringSubmatch(arg); m != nil {
				if val, ok := env[m[1]]; ok && val != "" {
					args = append(args, strings.Split(val, ",")...)
				}
				continue
			}
			args = append(args, replace(arg))
		}
		node.Args = args
		node.Children = expandEnvironment(node.Children, env)
		out = append(out, node)
	}
	return out
}

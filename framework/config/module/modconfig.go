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

// Package modconfig provides config.Map matchers that resolve references
// to module instances and create inline module definitions.
//
// A module reference in a configuration block takes one of two forms:
//
//	filter &local_rspamd
//	filter rspamd { api_path http://127.0.0.1:11333 }
//
// The first refers to a top-level block, the second defines an anonymous
// instance in place.
package modconfig

import (
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/foxcpp/mailfilter/framework/config"
	"github.com/foxcpp/mailfilter/framework/hooks"
	"github.com/foxcpp/mailfilter/framework/log"
	"github.com/foxcpp/mailfilter/framework/module"
)

// newInline creates an unnamed module. The name is looked up with the
// namespace prefix first ("rspamd" -> "filter.rspamd") and as is second.
func newInline(namespace, modName string, args []string) (module.Module, error) {
	if namespace != "" && !strings.HasPrefix(modName, namespace+".") {
		if factory := module.Get(namespace + "." + modName); factory != nil {
			return factory(namespace+"."+modName, "", nil, args)
		}
	}
	if factory := module.Get(modName); factory != nil {
		return factory(modName, "", nil, args)
	}
	return nil, fmt.Errorf("unknown module: %s (namespace: %s)", modName, namespace)
}

// initInline initializes an inline module as if its block was a top-level
// one and closes it on shutdown if it holds resources.
func initInline(mod module.Module, globals map[string]interface{}, block config.Node) error {
	if err := mod.Init(config.NewMap(globals, block)); err != nil {
		return err
	}

	if closer, ok := mod.(io.Closer); ok {
		hooks.AddHook(hooks.EventShutdown, func() {
			log.Debugf("close %s (inline)", mod.Name())
			if err := closer.Close(); err != nil {
				log.DefaultLogger.Error("module close failed", err, "mod_name", mod.Name())
			}
		})
	}
	return nil
}

// ModuleFromNode resolves args into a module instance and stores it into
// the variable pointed to by moduleIface, which must be a pointer to an
// interface or a concrete module type.
//
// args is either "&instance_name" or the module name followed by inline
// arguments. inlineCfg holds the directives of an inline definition.
func ModuleFromNode(namespace string, args []string, inlineCfg config.Node, globals map[string]interface{}, moduleIface interface{}) error {
	if len(args) == 0 {
		return config.NodeErr(inlineCfg, "at least one argument is required")
	}

	var (
		mod    module.Module
		err    error
		inline = !strings.HasPrefix(args[0], "&")
	)
	if inline {
		log.Debugf("%s:%d: new module %s %v", inlineCfg.File, inlineCfg.Line, args[0], args[1:])
		mod, err = newInline(namespace, args[0], args[1:])
	} else {
		if len(args) != 1 || len(inlineCfg.Children) != 0 {
			return config.NodeErr(inlineCfg, "exactly one argument is required to use existing config block")
		}
		log.Debugf("%s:%d: reference %s", inlineCfg.File, inlineCfg.Line, args[0])
		mod, err = module.GetInstance(args[0][1:])
	}
	if err != nil {
		return config.NodeErr(inlineCfg, "%v", err)
	}

	target := reflect.ValueOf(moduleIface).Elem()
	modType := reflect.TypeOf(mod)
	switch {
	case target.Kind() == reflect.Interface && !modType.Implements(target.Type()):
		return config.NodeErr(inlineCfg, "module %s (%s) doesn't implement %v interface",
			mod.Name(), mod.InstanceName(), target.Type())
	case target.Kind() != reflect.Interface && !modType.AssignableTo(target.Type()):
		return config.NodeErr(inlineCfg, "module %s (%s) is not %v",
			mod.Name(), mod.InstanceName(), target.Type())
	}
	target.Set(reflect.ValueOf(mod))

	if inline {
		return initInline(mod, globals, inlineCfg)
	}
	return nil
}

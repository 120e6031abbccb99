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

package log

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// named is implemented by module instances so they can be passed as field
// values directly.
type named interface {
	Name() string
	InstanceName() string
}

// marshalOrderedJSON writes m as a JSON object with keys in sorted order so
// messages line up when grepped.
func marshalOrderedJSON(out *strings.Builder, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out.WriteByte('{')
	for i, key := range keys {
		if i != 0 {
			out.WriteByte(',')
		}

		jsonKey, err := json.Marshal(key)
		if err != nil {
			return err
		}
		out.Write(jsonKey)
		out.WriteByte(':')

		jsonVal, err := json.Marshal(fieldValue(m[key]))
		if err != nil {
			return err
		}
		out.Write(jsonVal)
	}
	out.WriteByte('}')
	return nil
}

func fieldValue(val interface{}) interface{} {
	switch v := val.(type) {
	case time.Time:
		return v.Format("2006-01-02T15:04:05.000")
	case time.Duration:
		return v.String()
	case LogFormatter:
		return v.FormatLog()
	case fmt.Stringer:
		return v.String()
	case named:
		return v.Name() + "/" + v.InstanceName()
	case error:
		return v.Error()
	}
	return val
}

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

// Package log implements the structured logger used across mailfilter.
//
// Messages are written as a human-readable text followed by a tab and a
// JSON object with fields sorted by key:
//
//	smtpd: rejected command	{"code":503,"session":"..."}
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/foxcpp/mailfilter/framework/exterrors"
	"go.uber.org/zap"
)

// Logger writes formatted messages to the underlying Output.
//
// Logger is a value type and can be copied freely, copies share the Output.
// Goroutine-safety is provided by the Output, if at all.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Fields are added to every message written using Msg, Error and
	// DebugMsg.
	Fields map[string]interface{}
}

// Zap returns a zap.Logger that writes through l.
func (l Logger) Zap() *zap.Logger {
	return zap.New(zapCore{L: l})
}

// Sublogger returns a copy of l with the name suffixed by "/" + name.
func (l Logger) Sublogger(name string) Logger {
	if l.Name == "" {
		l.Name = name
	} else {
		l.Name += "/" + name
	}
	return l
}

// With returns a copy of l with additional persistent fields.
func (l Logger) With(fields ...interface{}) Logger {
	merged := make(map[string]interface{}, len(l.Fields)+len(fields)/2)
	for k, v := range l.Fields {
		merged[k] = v
	}
	fieldsToMap(fields, merged)
	l.Fields = merged
	return l
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Debugln(val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.log(false, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Println(val ...interface{}) {
	l.log(false, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

// Msg writes an event message. fields is a list of alternating keys and
// values.
//
// Values implementing LogFormatter, fmt.Stringer or error are written using
// the string they produce. time.Time is written in ISO 8601 format.
func (l Logger) Msg(msg string, fields ...interface{}) {
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(false, l.formatMsg(msg, m))
}

// Error writes an event message describing err. Fields attached to err using
// exterrors.WithFields are included. The "reason" field is set to the error
// text unless err already provides one.
//
// msg should describe the context in which the error is handled, e.g.
// "BODY error".
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	errFields := exterrors.Fields(err)
	all := make(map[string]interface{}, len(fields)/2+len(errFields)+1)
	for k, v := range errFields {
		all[k] = v
	}
	if all["reason"] == nil {
		all["reason"] = err.Error()
	}
	fieldsToMap(fields, all)

	l.log(false, l.formatMsg(msg, all))
}

func (l Logger) DebugMsg(kind string, fields ...interface{}) {
	if !l.Debug {
		return
	}
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(true, l.formatMsg(kind, m))
}

func fieldsToMap(fields []interface{}, out map[string]interface{}) {
	var key string
	for i, val := range fields {
		if i%2 == 1 {
			out[key] = val
			continue
		}
		k, ok := val.(string)
		if !ok {
			// Odd argument list, keep the value visible anyway.
			key = fmt.Sprint("field", i)
			out[key] = val
			continue
		}
		key = k
	}
}

func (l Logger) formatMsg(msg string, fields map[string]interface{}) string {
	var sb strings.Builder
	sb.WriteString(msg)
	sb.WriteByte('\t')

	if len(l.Fields)+len(fields) == 0 {
		return sb.String()
	}
	if fields == nil {
		fields = make(map[string]interface{}, len(l.Fields))
	}
	for k, v := range l.Fields {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	if err := marshalOrderedJSON(&sb, fields); err != nil {
		return fmt.Sprintf("[BROKEN FORMATTING: %v] %v %+v", err, msg, fields)
	}
	return sb.String()
}

// LogFormatter is implemented by values that want a custom representation
// in log fields.
type LogFormatter interface {
	FormatLog() string
}

// Write implements io.Writer. Each call produces a separate message.
func (l Logger) Write(s []byte) (int, error) {
	l.log(l.Debug, strings.TrimRight(string(s), "\n"))
	return len(s), nil
}

// DebugWriter returns an io.Writer that logs written data as debug messages.
// If debug logging is disabled, the data is discarded.
func (l Logger) DebugWriter() io.Writer {
	if !l.Debug {
		return io.Discard
	}
	return &l
}

func (l Logger) log(debug bool, s string) {
	if l.Name != "" {
		s = l.Name + ": " + s
	}

	out := l.Out
	if out == nil {
		out = DefaultLogger.Out
	}
	if out == nil {
		return
	}
	out.Write(time.Now(), debug, s)
}

// DefaultLogger is used by package-level functions and by Loggers that have
// no Output set.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}

func Debugf(format string, val ...interface{}) { DefaultLogger.Debugf(format, val...) }
func Debugln(val ...interface{})               { DefaultLogger.Debugln(val...) }
func Printf(format string, val ...interface{}) { DefaultLogger.Printf(format, val...) }
func Println(val ...interface{})               { DefaultLogger.Println(val...) }

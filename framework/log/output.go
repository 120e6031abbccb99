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
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Output is the destination of formatted log messages.
type Output interface {
	Write(stamp time.Time, debug bool, msg string)
	Close() error
}

type streamOut struct {
	timestamps bool
	mu         *sync.Mutex
	w          io.Writer
	c          io.Closer
}

func (s streamOut) Write(stamp time.Time, debug bool, msg string) {
	var sb strings.Builder
	if s.timestamps {
		sb.WriteString(stamp.UTC().Format("2006-01-02T15:04:05.000Z "))
	}
	if debug {
		sb.WriteString("[debug] ")
	}
	sb.WriteString(msg)
	sb.WriteByte('\n')

	s.mu.Lock()
	_, err := io.WriteString(s.w, sb.String())
	s.mu.Unlock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "!!! Failed to write message to log: %v\n", err)
	}
}

func (s streamOut) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}

// WriteCloserOutput returns an Output writing one line per message to wc.
// Closing the Output closes wc.
//
// Messages are prefixed with a millisecond-precision UTC timestamp if
// timestamps is true and with "[debug] " for debug messages.
func WriteCloserOutput(wc io.WriteCloser, timestamps bool) Output {
	return streamOut{timestamps: timestamps, mu: new(sync.Mutex), w: wc, c: wc}
}

// WriterOutput is like WriteCloserOutput but closing it has no effect on w.
func WriterOutput(w io.Writer, timestamps bool) Output {
	return streamOut{timestamps: timestamps, mu: new(sync.Mutex), w: w}
}

type multiOut []Output

func (m multiOut) Write(stamp time.Time, debug bool, msg string) {
	for _, out := range m {
		out.Write(stamp, debug, msg)
	}
}

func (m multiOut) Close() error {
	var firstErr error
	for _, out := range m {
		if err := out.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MultiOutput duplicates each message to all outputs.
func MultiOutput(outputs ...Output) Output {
	return multiOut(outputs)
}

type funcOut struct {
	out   func(time.Time, bool, string)
	close func() error
}

func (f funcOut) Write(stamp time.Time, debug bool, msg string) {
	f.out(stamp, debug, msg)
}

func (f funcOut) Close() error {
	if f.close == nil {
		return nil
	}
	return f.close()
}

// FuncOutput wraps a pair of functions into an Output. close may be nil.
func FuncOutput(f func(time.Time, bool, string), close func() error) Output {
	return funcOut{f, close}
}

type NopOutput struct{}

func (NopOutput) Write(time.Time, bool, string) {}

func (NopOutput) Close() error { return nil }

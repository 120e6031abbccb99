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

package smtpd

import (
	"bufio"
	"bytes"
	"io"

	"github.com/emersion/go-message/textproto"
)

// HeaderStatus is the state of a HeaderCollector.
type HeaderStatus int

const (
	HeaderMore HeaderStatus = iota
	HeaderComplete
	HeaderParseError
	HeaderSizeExceeded
)

func (s HeaderStatus) String() string {
	switch s {
	case HeaderMore:
		return "more"
	case HeaderComplete:
		return "complete"
	case HeaderParseError:
		return "parse error"
	case HeaderSizeExceeded:
		return "size exceeded"
	}
	return "unknown"
}

// HeaderCollector accumulates the message header byte by byte and parses
// it once the empty line separating it from the body is seen.
type HeaderCollector struct {
	max       int64
	buf       []byte
	lineStart int
	status    HeaderStatus
	hdr       textproto.Header
	err       error
}

// NewHeaderCollector returns a collector that fails with
// HeaderSizeExceeded once more than max bytes are fed. max <= 0 disables
// the limit.
func NewHeaderCollector(max int64) *HeaderCollector {
	return &HeaderCollector{max: max}
}

// Feed adds a byte. Once the collector left HeaderMore, further bytes are
// ignored and the final status is returned.
func (hc *HeaderCollector) Feed(b byte) HeaderStatus {
	if hc.status != HeaderMore {
		return hc.status
	}
	if hc.max > 0 && int64(len(hc.buf)) >= hc.max {
		hc.status = HeaderSizeExceeded
		return hc.status
	}
	hc.buf = append(hc.buf, b)
	if b != '\n' {
		return HeaderMore
	}

	line := hc.buf[hc.lineStart : len(hc.buf)-1]
	hc.lineStart = len(hc.buf)
	if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
		hc.parse()
	}
	return hc.status
}

// Finish parses whatever was collected when the message ends without the
// empty line after the header.
func (hc *HeaderCollector) Finish() HeaderStatus {
	if hc.status != HeaderMore {
		return hc.status
	}
	if len(hc.buf) != 0 && hc.buf[len(hc.buf)-1] != '\n' {
		hc.buf = append(hc.buf, '\r', '\n')
	}
	hc.buf = append(hc.buf, '\r', '\n')
	hc.parse()
	return hc.status
}

func (hc *HeaderCollector) parse() {
	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(hc.buf)))
	if err != nil {
		hc.status = HeaderParseError
		hc.err = err
		return
	}
	hc.hdr = hdr
	hc.status = HeaderComplete
}

func (hc *HeaderCollector) Status() HeaderStatus {
	return hc.status
}

// Err returns the parse error, if any.
func (hc *HeaderCollector) Err() error {
	return hc.err
}

// Header returns the parsed header. It is empty unless the status is
// HeaderComplete.
func (hc *HeaderCollector) Header() textproto.Header {
	return hc.hdr
}

// WriteHeader serializes the parsed header followed by the empty line.
func (hc *HeaderCollector) WriteHeader(w io.Writer) error {
	return textproto.WriteHeader(w, hc.hdr)
}

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
	"errors"
	"io"

	"github.com/emersion/go-message/textproto"
)

var errTerminated = errors.New("smtpd: data after terminator")

type unstuffState int

const (
	stLineStart unstuffState = iota
	stDot
	stDotCR
	stInLine
	stCR
)

// Unstuffer decodes the DATA stream: it removes one leading dot from
// every line and detects the CR LF "." CR LF terminator.
//
// The CR LF preceding the terminator belongs to the message and is
// emitted. A line consisting of two dots is an escaped single dot.
type Unstuffer struct {
	emit  func(byte)
	state unstuffState
	done  bool
}

func NewUnstuffer(emit func(byte)) *Unstuffer {
	return &Unstuffer{emit: emit}
}

// WriteByte feeds one byte of the DATA stream.
func (u *Unstuffer) WriteByte(b byte) error {
	if u.done {
		return errTerminated
	}

	for {
		switch u.state {
		case stLineStart:
			switch b {
			case '.':
				u.state = stDot
			case '\r':
				u.emit(b)
				u.state = stCR
			default:
				u.emit(b)
				u.state = stInLine
			}
		case stDot:
			if b == '\r' {
				u.state = stDotCR
				return nil
			}
			u.emit(b)
			u.state = stInLine
		case stDotCR:
			if b == '\n' {
				u.done = true
				return nil
			}
			u.emit('\r')
			u.state = stCR
			continue
		case stCR:
			u.emit(b)
			switch b {
			case '\n':
				u.state = stLineStart
			case '\r':
			default:
				u.state = stInLine
			}
		case stInLine:
			u.emit(b)
			if b == '\r' {
				u.state = stCR
			}
		}
		return nil
	}
}

// Done reports whether the terminator was seen.
func (u *Unstuffer) Done() bool {
	return u.done
}

// BodyResult describes the outcome of ReadBody.
type BodyResult struct {
	// Size is the number of message bytes after unstuffing, header
	// included.
	Size int64

	Header   HeaderStatus
	TooLarge bool

	// WriteErr is the first error returned by the body writer.
	WriteErr error
}

// OK reports whether the message was fully received and stored.
func (res BodyResult) OK() bool {
	return res.Header == HeaderComplete && !res.TooLarge && res.WriteErr == nil
}

// ReadBody reads the DATA stream from r up to and including the
// terminator. Header bytes are fed to hc, the rest of the message is
// written to w.
//
// Once the header cannot be parsed, the size limit is exceeded or w fails,
// the remaining bytes are consumed and discarded so the session stays in
// sync with the client. Only read errors are returned as err.
func ReadBody(r io.ByteReader, hc *HeaderCollector, w io.Writer, maxSize int64) (BodyResult, error) {
	var (
		res    BodyResult
		failed bool
		bw     = bufio.NewWriter(w)
	)

	u := NewUnstuffer(func(b byte) {
		res.Size++
		if failed {
			return
		}
		if maxSize > 0 && res.Size > maxSize {
			res.TooLarge = true
			failed = true
			return
		}

		if hc.Status() == HeaderMore {
			if st := hc.Feed(b); st == HeaderParseError || st == HeaderSizeExceeded {
				failed = true
			}
			return
		}

		if err := bw.WriteByte(b); err != nil {
			res.WriteErr = err
			failed = true
		}
	})

	for !u.Done() {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return res, err
		}
		_ = u.WriteByte(b)
	}

	res.Header = hc.Finish()
	if res.WriteErr == nil {
		res.WriteErr = bw.Flush()
	}
	return res, nil
}

type messageReader struct {
	io.Reader
	body io.Closer
}

func (mr messageReader) Close() error {
	return mr.body.Close()
}

// OpenMessage returns a reader over the complete message received by the
// BODY handler: the (possibly modified) header followed by the body.
func (c *Context) OpenMessage() (io.ReadCloser, error) {
	if c.Body == nil || !c.HeaderParsed {
		return nil, errors.New("smtpd: no message received")
	}
	body, err := c.Body.Open()
	if err != nil {
		return nil, err
	}
	var hdr bytes.Buffer
	if err := textproto.WriteHeader(&hdr, c.Header); err != nil {
		body.Close()
		return nil, err
	}
	return messageReader{
		Reader: io.MultiReader(&hdr, body),
		body:   body,
	}, nil
}

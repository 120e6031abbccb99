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

// Package buffer provides staging storage for message bodies.
package buffer

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Scratch is a uniquely named temporary file a message body is written to
// while it is received. After Flush it can be read back with Open.
type Scratch struct {
	Path string

	f    *os.File
	w    *bufio.Writer
	size int
}

// NewScratch creates a new scratch file with a random name in dir.
func NewScratch(dir string) (*Scratch, error) {
	nameBytes := make([]byte, 16)
	if _, err := rand.Read(nameBytes); err != nil {
		return nil, fmt.Errorf("buffer: failed to generate file name: %w", err)
	}
	path := filepath.Join(dir, "mailfilter-"+hex.EncodeToString(nameBytes))

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("buffer: failed to create file: %w", err)
	}
	return &Scratch{
		Path: path,
		f:    f,
		w:    bufio.NewWriter(f),
	}, nil
}

func (s *Scratch) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	s.size += n
	return n, err
}

func (s *Scratch) WriteByte(b byte) error {
	if err := s.w.WriteByte(b); err != nil {
		return err
	}
	s.size++
	return nil
}

// Flush writes buffered data to the file and syncs it.
func (s *Scratch) Flush() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Sync()
}

// Open flushes pending writes and returns a new Reader over the file.
func (s *Scratch) Open() (io.ReadCloser, error) {
	if err := s.w.Flush(); err != nil {
		return nil, err
	}
	return os.Open(s.Path)
}

func (s *Scratch) Len() int {
	return s.size
}

// Truncate discards everything written so far.
func (s *Scratch) Truncate() error {
	s.w.Reset(s.f)
	s.size = 0
	if err := s.f.Truncate(0); err != nil {
		return err
	}
	_, err := s.f.Seek(0, io.SeekStart)
	return err
}

// Remove closes and deletes the file.
func (s *Scratch) Remove() error {
	closeErr := s.f.Close()
	if err := os.Remove(s.Path); err != nil {
		return err
	}
	return closeErr
}

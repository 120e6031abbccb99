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

package limiters

import "context"

// Semaphore allows at most max holders at a time. A Semaphore created
// with max <= 0 does not limit anything.
type Semaphore struct {
	slots chan struct{}
}

func NewSemaphore(max int) Semaphore {
	if max < 0 {
		max = 0
	}
	return Semaphore{slots: make(chan struct{}, max)}
}

func (s Semaphore) unlimited() bool {
	return cap(s.slots) == 0
}

func (s Semaphore) Take() bool {
	return s.TakeContext(context.Background()) == nil
}

func (s Semaphore) TakeContext(ctx context.Context) error {
	if s.unlimited() {
		return nil
	}
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release panics if there is nothing to release.
func (s Semaphore) Release() {
	if s.unlimited() {
		return
	}
	select {
	case <-s.slots:
	default:
		panic("limiters: Release without Take")
	}
}

func (Semaphore) Close() {}

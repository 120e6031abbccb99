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

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("limiters: limiter is closed")

// Rate is a token bucket: it holds up to burst tokens and is refilled
// completely every interval. Take consumes one token, waiting for the
// next refill if the bucket is empty. A Rate with burst 0 does not limit
// anything.
type Rate struct {
	burst    int
	interval time.Duration

	mu     sync.Mutex
	tokens int
	filled time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func NewRate(burst int, interval time.Duration) *Rate {
	return &Rate{
		burst:    burst,
		interval: interval,
		tokens:   burst,
		filled:   time.Now(),
		closed:   make(chan struct{}),
	}
}

// reserve takes a token if there is one. Otherwise it returns the time
// until the next refill.
func (r *Rate) reserve(now time.Time) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if elapsed := now.Sub(r.filled); elapsed >= r.interval {
		r.tokens = r.burst
		r.filled = r.filled.Add(elapsed.Truncate(r.interval))
	}
	if r.tokens > 0 {
		r.tokens--
		return true, 0
	}
	return false, r.filled.Add(r.interval).Sub(now)
}

func (r *Rate) Take() bool {
	return r.TakeContext(context.Background()) == nil
}

func (r *Rate) TakeContext(ctx context.Context) error {
	if r.burst <= 0 {
		return nil
	}

	for {
		select {
		case <-r.closed:
			return ErrClosed
		default:
		}

		ok, wait := r.reserve(time.Now())
		if ok {
			return nil
		}

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-r.closed:
			t.Stop()
			return ErrClosed
		}
	}
}

// Release is a no-op, tokens come back with the refill.
func (r *Rate) Release() {}

// Close makes pending and future Take calls fail.
func (r *Rate) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
}

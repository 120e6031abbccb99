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
	"testing"
	"time"
)

func TestRate_TakeContext(t *testing.T) {
	for _, tc := range []struct {
		name     string
		burst    int
		interval time.Duration
		takes    int
		close    bool
		wantErr  error
		atLeast  time.Duration
		atMost   time.Duration
	}{
		{
			name:     "limited",
			burst:    1,
			interval: 10 * time.Millisecond,
			takes:    20,
			atLeast:  18 * 10 * time.Millisecond,
			atMost:   time.Second,
		},
		{
			name:     "burst",
			burst:    5,
			interval: time.Hour,
			takes:    5,
			atMost:   100 * time.Millisecond,
		},
		{
			name:     "unlimited",
			burst:    0,
			interval: time.Hour,
			takes:    20,
			atMost:   100 * time.Millisecond,
		},
		{
			name:     "closed",
			burst:    1,
			interval: time.Hour,
			takes:    1,
			close:    true,
			wantErr:  ErrClosed,
			atMost:   100 * time.Millisecond,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			r := NewRate(tc.burst, tc.interval)
			if tc.close {
				r.Close()
			}
			start := time.Now()
			for i := 0; i < tc.takes; i++ {
				if err := r.TakeContext(context.Background()); !errors.Is(err, tc.wantErr) {
					t.Fatalf("TakeContext #%d: %v, want %v", i, err, tc.wantErr)
				}
			}
			took := time.Since(start)
			if took < tc.atLeast {
				t.Errorf("Took %v, want at least %v", took, tc.atLeast)
			}
			if took > tc.atMost {
				t.Errorf("Took %v, want at most %v", took, tc.atMost)
			}
		})
	}
}

func TestRate_Timeout(t *testing.T) {
	r := NewRate(1, time.Hour)
	if !r.Take() {
		t.Fatal("First Take failed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.TakeContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}
}

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(2)
	s.Take()
	s.Take()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.TakeContext(ctx); err == nil {
		t.Fatal("Third take succeeded")
	}

	s.Release()
	if err := s.TakeContext(context.Background()); err != nil {
		t.Fatal("Take after Release failed:", err)
	}

	// Zero limit means no limit.
	u := NewSemaphore(0)
	for i := 0; i < 10; i++ {
		u.Take()
	}
	u.Release()
}

func TestBucketSet(t *testing.T) {
	bs := NewBucketSet(func() L { return NewSemaphore(1) }, time.Minute, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := bs.TakeContext(ctx, "192.0.2.1"); err != nil {
		t.Fatal(err)
	}
	if err := bs.TakeContext(ctx, "192.0.2.2"); err != nil {
		t.Fatal(err)
	}
	if err := bs.TakeContext(ctx, "192.0.2.3"); !errors.Is(err, ErrTooManyBuckets) {
		t.Fatalf("Expected ErrTooManyBuckets, got %v", err)
	}
	if err := bs.TakeContext(ctx, "192.0.2.1"); err == nil {
		t.Fatal("Second take for the same key succeeded")
	}

	bs.Release("192.0.2.1")
	bs.Release("192.0.2.1") // unbalanced, ignored
	if err := bs.TakeContext(context.Background(), "192.0.2.1"); err != nil {
		t.Fatal(err)
	}
	if bs.Len() != 2 {
		t.Errorf("Wrong bucket count: %d", bs.Len())
	}
}

func TestBucketSet_Reap(t *testing.T) {
	bs := NewBucketSet(func() L { return NewSemaphore(1) }, 0, 1)
	if !bs.Take("a") {
		t.Fatal("Take failed")
	}
	bs.Release("a")
	time.Sleep(time.Millisecond)

	// "a" is idle and stale, so it is dropped to make room.
	if !bs.Take("b") {
		t.Fatal("Take failed")
	}
	if bs.Len() != 1 {
		t.Errorf("Stale bucket not reaped: %d buckets", bs.Len())
	}
}

func TestMultiLimit(t *testing.T) {
	first := NewSemaphore(1)
	second := NewSemaphore(1)
	second.Take()

	ml := &MultiLimit{Wrapped: []L{first, second}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := ml.TakeContext(ctx); err == nil {
		t.Fatal("Take succeeded with a busy limiter")
	}

	// The first semaphore must have been released.
	if err := first.TakeContext(context.Background()); err != nil {
		t.Fatal(err)
	}
}

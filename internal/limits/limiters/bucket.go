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

// ErrTooManyBuckets is returned by BucketSet.TakeContext if the set is
// full of buckets that are still in use.
var ErrTooManyBuckets = errors.New("limiters: too many buckets")

type bucket struct {
	l       L
	holders int
	lastUse time.Time
}

// BucketSet keeps a separate limiter per key, e.g. per client IP.
//
// Buckets that have no holders and were not used for ReapInterval are
// dropped once the set grows past MaxBuckets. The ReapInterval should be
// at least twice the refill interval of Rate limiters, otherwise dropping
// a bucket resets the rate.
type BucketSet struct {
	New          func() L
	ReapInterval time.Duration
	MaxBuckets   int

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewBucketSet(newL func() L, reapInterval time.Duration, maxBuckets int) *BucketSet {
	return &BucketSet{
		New:          newL,
		ReapInterval: reapInterval,
		MaxBuckets:   maxBuckets,
		buckets:      make(map[string]*bucket),
	}
}

func (bs *BucketSet) reap(now time.Time) {
	for key, b := range bs.buckets {
		if b.holders == 0 && now.Sub(b.lastUse) > bs.ReapInterval {
			b.l.Close()
			delete(bs.buckets, key)
		}
	}
}

func (bs *BucketSet) get(key string) (*bucket, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	now := time.Now()
	b, ok := bs.buckets[key]
	if !ok {
		if len(bs.buckets) >= bs.MaxBuckets {
			bs.reap(now)
			if len(bs.buckets) >= bs.MaxBuckets {
				return nil, ErrTooManyBuckets
			}
		}
		b = &bucket{l: bs.New()}
		bs.buckets[key] = b
	}
	b.lastUse = now
	b.holders++
	return b, nil
}

func (bs *BucketSet) TakeContext(ctx context.Context, key string) error {
	if bs == nil || bs.New == nil {
		return nil
	}

	b, err := bs.get(key)
	if err != nil {
		return err
	}
	if err := b.l.TakeContext(ctx); err != nil {
		bs.mu.Lock()
		b.holders--
		bs.mu.Unlock()
		return err
	}
	return nil
}

func (bs *BucketSet) Take(key string) bool {
	return bs.TakeContext(context.Background(), key) == nil
}

func (bs *BucketSet) Release(key string) {
	if bs == nil || bs.New == nil {
		return
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.buckets[key]
	if !ok || b.holders == 0 {
		return
	}
	b.holders--
	b.l.Release()
}

// Len returns the number of buckets currently kept.
func (bs *BucketSet) Len() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return len(bs.buckets)
}

func (bs *BucketSet) Close() {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	for key, b := range bs.buckets {
		b.l.Close()
		delete(bs.buckets, key)
	}
}

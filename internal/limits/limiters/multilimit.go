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

// MultiLimit takes all wrapped limiters in order and releases them
// together. A failed take releases the limiters already taken.
type MultiLimit struct {
	Wrapped []L
}

func (ml *MultiLimit) Take() bool {
	return ml.TakeContext(context.Background()) == nil
}

func (ml *MultiLimit) TakeContext(ctx context.Context) error {
	for i, l := range ml.Wrapped {
		if err := l.TakeContext(ctx); err != nil {
			for _, taken := range ml.Wrapped[:i] {
				taken.Release()
			}
			return err
		}
	}
	return nil
}

func (ml *MultiLimit) Release() {
	for _, l := range ml.Wrapped {
		l.Release()
	}
}

func (ml *MultiLimit) Close() {
	for _, l := range ml.Wrapped {
		l.Close()
	}
}

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

package pass_table

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	HashSHA256 = "sha256"
	HashBcrypt = "bcrypt"
	HashArgon2 = "argon2"

	DefaultHash = HashBcrypt

	argon2SaltLen = 16
	argon2KeyLen  = 64
	sha256SaltLen = 32
)

// ErrHashMismatch is returned by Verify if the password does not match.
var ErrHashMismatch = errors.New("pass_table: hash mismatch")

// HashOpts holds the cost parameters used for new hashes. Parameters are
// stored in the hash string so changing them does not invalidate existing
// entries.
type HashOpts struct {
	BcryptCost int

	Argon2Time    uint32
	Argon2Memory  uint32
	Argon2Threads uint8
}

var DefaultHashOpts = HashOpts{
	BcryptCost:    bcrypt.DefaultCost,
	Argon2Time:    3,
	Argon2Memory:  1024,
	Argon2Threads: 1,
}

type hashFuncs struct {
	compute func(opts HashOpts, pass string) (string, error)
	verify  func(pass, params string) error
}

var hashes = map[string]hashFuncs{
	HashSHA256: {computeSHA256, verifySHA256},
	HashBcrypt: {computeBcrypt, verifyBcrypt},
	HashArgon2: {computeArgon2, verifyArgon2},
}

// HashNames returns the supported hash function names, sorted.
func HashNames() []string {
	names := make([]string, 0, len(hashes))
	for name := range hashes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hash computes the table entry for pass in the "name:params" form.
func Hash(name string, opts HashOpts, pass string) (string, error) {
	h, ok := hashes[name]
	if !ok {
		return "", fmt.Errorf("pass_table: unknown hash: %s", name)
	}
	params, err := h.compute(opts, pass)
	if err != nil {
		return "", err
	}
	return name + ":" + params, nil
}

// Verify checks pass against an entry produced by Hash.
func Verify(pass, entry string) error {
	name, params, ok := strings.Cut(entry, ":")
	if !ok {
		return errors.New("pass_table: no hash tag")
	}
	h, ok := hashes[name]
	if !ok {
		return fmt.Errorf("pass_table: unknown hash: %s", name)
	}
	return h.verify(pass, params)
}

func randomSalt(n int) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("pass_table: failed to generate salt: %w", err)
	}
	return salt, nil
}

func malformed(err error) error {
	return fmt.Errorf("pass_table: malformed hash string: %w", err)
}

// Argon2id, stored as "time:memory:threads:salt:key".
func computeArgon2(opts HashOpts, pass string) (string, error) {
	salt, err := randomSalt(argon2SaltLen)
	if err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(pass), salt, opts.Argon2Time, opts.Argon2Memory, opts.Argon2Threads, argon2KeyLen)
	return strings.Join([]string{
		strconv.FormatUint(uint64(opts.Argon2Time), 10),
		strconv.FormatUint(uint64(opts.Argon2Memory), 10),
		strconv.FormatUint(uint64(opts.Argon2Threads), 10),
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	}, ":"), nil
}

func verifyArgon2(pass, params string) error {
	parts := strings.Split(params, ":")
	if len(parts) != 5 {
		return malformed(errors.New("expected 5 fields"))
	}

	var nums [3]uint64
	for i, bits := range [3]int{32, 32, 8} {
		n, err := strconv.ParseUint(parts[i], 10, bits)
		if err != nil {
			return malformed(err)
		}
		nums[i] = n
	}
	salt, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return malformed(err)
	}
	key, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return malformed(err)
	}

	got := argon2.IDKey([]byte(pass), salt, uint32(nums[0]), uint32(nums[1]), uint8(nums[2]), uint32(len(key)))
	if subtle.ConstantTimeCompare(got, key) != 1 {
		return ErrHashMismatch
	}
	return nil
}

// Salted SHA-256, stored as "salt:sum". Kept for compatibility with
// existing password files.
func computeSHA256(_ HashOpts, pass string) (string, error) {
	salt, err := randomSalt(sha256SaltLen)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(salt, pass...))
	return base64.StdEncoding.EncodeToString(salt) + ":" + base64.StdEncoding.EncodeToString(sum[:]), nil
}

func verifySHA256(pass, params string) error {
	saltB64, sumB64, ok := strings.Cut(params, ":")
	if !ok {
		return malformed(errors.New("no salt"))
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return malformed(err)
	}
	want, err := base64.StdEncoding.DecodeString(sumB64)
	if err != nil {
		return malformed(err)
	}

	sum := sha256.Sum256(append(salt, pass...))
	if subtle.ConstantTimeCompare(sum[:], want) != 1 {
		return ErrHashMismatch
	}
	return nil
}

func computeBcrypt(opts HashOpts, pass string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), opts.BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyBcrypt(pass, params string) error {
	err := bcrypt.CompareHashAndPassword([]byte(params), []byte(pass))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrHashMismatch
	}
	return err
}

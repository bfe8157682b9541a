// Package passwords derives and verifies password hashes with
// PBKDF2-HMAC-SHA512.
//
// A stored hash is "<iterations>.<salt>.<key>" where salt and key are standard
// base64. The iteration count travels with the hash, so the target can be
// raised without invalidating existing accounts: Verify reports needsUpgrade
// and the caller re-hashes after a successful sign-in.
package passwords

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/shopkeeper/internal/common"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the iteration target when none is configured.
	DefaultIterations = 10000
	// SaltSize is the salt length in bytes (128 bits).
	SaltSize = 16
	// KeySize is the derived key length in bytes (256 bits).
	KeySize = 32

	separator = "."
)

// Hasher hashes new passwords at Iterations and verifies hashes made at any count.
type Hasher struct {
	iterations int
}

// NewHasher returns a Hasher targeting the given iteration count.
// Non-positive values fall back to DefaultIterations.
func NewHasher(iterations int) *Hasher {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Hasher{iterations: iterations}
}

// Iterations returns the current target.
func (h *Hasher) Iterations() int { return h.iterations }

// Hash derives a new hash with a fresh random salt.
// An empty password is rejected with common.ErrorValidation.
func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: empty password", common.ErrorValidation)
	}
	salt, err := common.GenerateRandByteArray(SaltSize)
	if err != nil {
		return "", fmt.Errorf("error generating salt: %w", err)
	}
	key := derive(password, salt, h.iterations)

	return strings.Join([]string{
		strconv.Itoa(h.iterations),
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	}, separator), nil
}

// Verify re-derives the key with the stored salt and iteration count and
// compares it in constant time. needsUpgrade is true when the hash verified but
// was made with a count different from the current target.
//
// A hash that is not three dot-separated segments, or whose segments do not
// decode, yields common.ErrorCryptoFormat.
func (h *Hasher) Verify(hash, password string) (verified bool, needsUpgrade bool, err error) {
	parts := strings.Split(hash, separator)
	if len(parts) != 3 {
		return false, false, common.ErrorCryptoFormat
	}

	iterations, err := strconv.Atoi(parts[0])
	if err != nil || iterations <= 0 {
		return false, false, common.ErrorCryptoFormat
	}
	salt, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, false, common.ErrorCryptoFormat
	}
	stored, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil || len(stored) == 0 {
		return false, false, common.ErrorCryptoFormat
	}

	candidate := derive(password, salt, iterations)
	defer common.WipeByteArray(candidate)

	if subtle.ConstantTimeCompare(stored, candidate) != 1 {
		return false, false, nil
	}
	return true, iterations != h.iterations, nil
}

func derive(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, KeySize, sha512.New)
}

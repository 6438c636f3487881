package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const (
	hashAlgorithm      = "pbkdf2-sha256"
	hashSaltLength     = 32
	hashKeyLength      = 32
	minIterations      = 100_000
	minStoredSaltBytes = 16
)

var (
	ErrUnsupportedHash = errors.New("unsupported password hash format")
)

// Hasher derives and verifies password hashes in a self-describing
// format: pbkdf2-sha256$<iterations>$<salt-hex>$<key-hex>. Verification
// reads the iteration count from the stored string, so hashes produced
// under an older, lower iteration setting stay verifiable after the
// configured count is raised.
type Hasher struct {
	iterations  int
	allowLegacy bool
	decoy       string
}

// NewHasher builds a Hasher with the given iteration count. When
// allowLegacyBcrypt is set (development environments only), bcrypt
// hashes from seeded data verify as well; otherwise they are rejected.
func NewHasher(iterations int, allowLegacyBcrypt bool) (*Hasher, error) {
	if iterations < minIterations {
		return nil, fmt.Errorf("password iterations must be >= %d", minIterations)
	}

	h := &Hasher{iterations: iterations, allowLegacy: allowLegacyBcrypt}

	// A throwaway hash verified for accounts that do not exist, so the
	// login path always pays the same derivation cost.
	filler := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, filler); err != nil {
		return nil, fmt.Errorf("generate decoy password: %w", err)
	}
	decoy, err := h.Hash(hex.EncodeToString(filler))
	if err != nil {
		return nil, fmt.Errorf("generate decoy hash: %w", err)
	}
	h.decoy = decoy

	return h, nil
}

func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, hashSaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(password), salt, h.iterations, hashKeyLength, sha256.New)

	return strings.Join([]string{
		hashAlgorithm,
		strconv.Itoa(h.iterations),
		hex.EncodeToString(salt),
		hex.EncodeToString(key),
	}, "$"), nil
}

// Verify checks password against a stored hash. The derived key is
// compared in constant time.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	if strings.HasPrefix(encoded, "$2") {
		if !h.allowLegacy {
			return false, ErrUnsupportedHash
		}
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		if err != nil {
			if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
				return false, nil
			}
			return false, fmt.Errorf("legacy hash comparison: %w", err)
		}
		return true, nil
	}

	iterations, salt, storedKey, err := parseHash(encoded)
	if err != nil {
		return false, err
	}

	computed := pbkdf2.Key([]byte(password), salt, iterations, len(storedKey), sha256.New)
	return subtle.ConstantTimeCompare(computed, storedKey) == 1, nil
}

// NeedsUpgrade reports whether a stored hash was produced with fewer
// iterations than currently configured and should be recomputed on the
// next successful login.
func (h *Hasher) NeedsUpgrade(encoded string) (bool, error) {
	if strings.HasPrefix(encoded, "$2") {
		return true, nil
	}
	iterations, _, _, err := parseHash(encoded)
	if err != nil {
		return false, err
	}
	return iterations < h.iterations, nil
}

// Decoy returns a hash with the current parameters that matches no real
// password, for timing equalization on unknown accounts.
func (h *Hasher) Decoy() string {
	return h.decoy
}

func parseHash(encoded string) (iterations int, salt, key []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 {
		return 0, nil, nil, ErrUnsupportedHash
	}
	if parts[0] != hashAlgorithm {
		return 0, nil, nil, ErrUnsupportedHash
	}

	iterations, err = strconv.Atoi(parts[1])
	if err != nil || iterations < 1 {
		return 0, nil, nil, ErrUnsupportedHash
	}

	salt, err = hex.DecodeString(parts[2])
	if err != nil || len(salt) < minStoredSaltBytes {
		return 0, nil, nil, ErrUnsupportedHash
	}

	key, err = hex.DecodeString(parts[3])
	if err != nil || len(key) == 0 {
		return 0, nil, nil, ErrUnsupportedHash
	}

	return iterations, salt, key, nil
}

package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHasherRejectsWeakIterationCount(t *testing.T) {
	_, err := NewHasher(10_000, false)
	require.Error(t, err)
}

func TestHashVerifyRoundtrip(t *testing.T) {
	hasher, err := NewHasher(100_000, false)
	require.NoError(t, err)

	encoded, err := hasher.Hash("correct horse battery staple")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(encoded, "pbkdf2-sha256$100000$"))

	ok, err := hasher.Verify("correct horse battery staple", encoded)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = hasher.Verify("wrong password entirely", encoded)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHashesAreSalted(t *testing.T) {
	hasher, err := NewHasher(100_000, false)
	require.NoError(t, err)

	first, err := hasher.Hash("same password here")
	require.NoError(t, err)
	second, err := hasher.Hash("same password here")
	require.NoError(t, err)

	require.NotEqual(t, first, second)
}

func TestVerifyUsesStoredIterations(t *testing.T) {
	older, err := NewHasher(100_000, false)
	require.NoError(t, err)
	encoded, err := older.Hash("correct horse battery staple")
	require.NoError(t, err)

	// A hasher configured with more iterations still verifies the old hash
	// because the iteration count travels inside it.
	newer, err := NewHasher(150_000, false)
	require.NoError(t, err)

	ok, err := newer.Verify("correct horse battery staple", encoded)
	require.NoError(t, err)
	require.True(t, ok)

	upgrade, err := newer.NeedsUpgrade(encoded)
	require.NoError(t, err)
	require.True(t, upgrade)

	upgrade, err = older.NeedsUpgrade(encoded)
	require.NoError(t, err)
	require.False(t, upgrade)
}

func TestVerifyRejectsMalformedHashes(t *testing.T) {
	hasher, err := NewHasher(100_000, false)
	require.NoError(t, err)

	for _, encoded := range []string{
		"",
		"plaintext",
		"md5$1000$aa$bb",
		"pbkdf2-sha256$0$aabbccddeeff00112233445566778899$aa",
		"pbkdf2-sha256$100000$nothex$aa",
		"pbkdf2-sha256$100000$aabb$aa", // salt too short
	} {
		_, err := hasher.Verify("anything", encoded)
		require.ErrorIs(t, err, ErrUnsupportedHash, "encoded=%q", encoded)
	}
}

func TestLegacyBcryptOnlyBehindFlag(t *testing.T) {
	legacy, err := bcrypt.GenerateFromPassword([]byte("correct horse battery staple"), bcrypt.MinCost)
	require.NoError(t, err)

	strict, err := NewHasher(100_000, false)
	require.NoError(t, err)
	_, err = strict.Verify("correct horse battery staple", string(legacy))
	require.ErrorIs(t, err, ErrUnsupportedHash)

	permissive, err := NewHasher(100_000, true)
	require.NoError(t, err)

	ok, err := permissive.Verify("correct horse battery staple", string(legacy))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = permissive.Verify("wrong password entirely", string(legacy))
	require.NoError(t, err)
	require.False(t, ok)

	// Bcrypt hashes always qualify for an upgrade.
	upgrade, err := permissive.NeedsUpgrade(string(legacy))
	require.NoError(t, err)
	require.True(t, upgrade)
}

func TestDecoyMatchesNoPassword(t *testing.T) {
	hasher, err := NewHasher(100_000, false)
	require.NoError(t, err)

	ok, err := hasher.Verify("any guess at all", hasher.Decoy())
	require.NoError(t, err)
	require.False(t, ok)
}

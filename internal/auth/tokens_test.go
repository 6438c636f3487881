package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSecretIsURLSafe(t *testing.T) {
	first, err := newSecret(tokenSecretBytes)
	require.NoError(t, err)
	second, err := newSecret(tokenSecretBytes)
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.NotContains(t, first, "+")
	require.NotContains(t, first, "/")
	require.NotContains(t, first, "=")
}

func TestHashSecretIsDeterministicOneWay(t *testing.T) {
	require.Equal(t, hashSecret("abc"), hashSecret("abc"))
	require.NotEqual(t, hashSecret("abc"), hashSecret("abd"))
	require.Len(t, hashSecret("abc"), 64)
}

func TestComposeSplitToken(t *testing.T) {
	composed := composeToken("user-1", "s3cret")
	ownerID, secret, ok := splitToken(composed)
	require.True(t, ok)
	require.Equal(t, "user-1", ownerID)
	require.Equal(t, "s3cret", secret)

	// A secret containing dots keeps everything after the first one.
	ownerID, secret, ok = splitToken("user-1.a.b.c")
	require.True(t, ok)
	require.Equal(t, "user-1", ownerID)
	require.Equal(t, "a.b.c", secret)

	for _, malformed := range []string{"", "no-separator", ".secret-only", "owner-only."} {
		_, _, ok := splitToken(malformed)
		require.False(t, ok, "token=%q", malformed)
	}
}

package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateRoundTrip(t *testing.T) {
	priv, pub, err := Generate()
	require.NoError(t, err)

	derived, err := Public(priv)
	require.NoError(t, err)
	require.Equal(t, pub, derived)

	text, err := pub.MarshalText()
	require.NoError(t, err)

	var parsed Key
	require.NoError(t, parsed.UnmarshalText(text))
	require.Equal(t, pub, parsed)
}

func TestSharedSecretAgrees(t *testing.T) {
	aPriv, aPub, err := Generate()
	require.NoError(t, err)
	bPriv, bPub, err := Generate()
	require.NoError(t, err)

	s1, err := SharedSecret(aPriv, bPub)
	require.NoError(t, err)
	s2, err := SharedSecret(bPriv, aPub)
	require.NoError(t, err)

	require.Equal(t, s1, s2)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("not-base64!!")
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = Parse("aGVsbG8=") // valid base64, wrong length
	require.ErrorIs(t, err, ErrInvalidKey)
}

package identity

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerify(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id.Did(), "did:key:z"))

	sig, err := id.Sign("hello")
	require.NoError(t, err)

	ok, err := Verify("hello", sig, id.Did())
	require.NoError(t, err)
	require.True(t, ok)

	// altered payload does not verify
	ok, err = Verify("hello!", sig, id.Did())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyAgainstWrongDid(t *testing.T) {
	alice, err := Generate()
	require.NoError(t, err)
	bob, err := Generate()
	require.NoError(t, err)

	sig, err := alice.Sign("payload")
	require.NoError(t, err)

	ok, err := Verify("payload", sig, bob.Did())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDidRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	pub, err := DecodeDid(id.Did())
	require.NoError(t, err)
	require.Equal(t, id.Did(), EncodeDid(pub))
}

func TestDecodeDidRejectsGarbage(t *testing.T) {
	_, err := DecodeDid("did:web:example.com")
	require.Error(t, err)

	_, err = DecodeDid("did:key:z0OIl") // invalid base58 characters
	require.Error(t, err)
}

func TestLoadPersistsSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	first, err := Load(path)
	require.NoError(t, err)

	// a second load from the same file yields the same identity
	second, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, first.Did(), second.Did())
}

package dto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalize_StableKeyOrdering(t *testing.T) {
	a, err := Canonicalize([]byte(`{"z":1,"a":{"y":2,"b":[1,2,3]}}`))
	require.NoError(t, err)
	b, err := Canonicalize([]byte(`{ "a": {"b":[1,2,3], "y":2}, "z": 1 }`))
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
}

func TestCanonicalize_PreservesNumberText(t *testing.T) {
	// large proof coordinates must not be rounded through float64
	in := []byte(`{"pi":"20491192805390485299153009773594534940189261866228447918068658471970481763042","n":20491192805390485299153009773594534940189261866228447918068658471970481763042}`)
	out, err := Canonicalize(in)
	require.NoError(t, err)
	require.Contains(t, string(out), "20491192805390485299153009773594534940189261866228447918068658471970481763042")
}

func TestHashCanonical_EquivalentDocumentsAgree(t *testing.T) {
	h1, err := HashCanonical([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	h2, err := HashCanonical([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)

	h3, err := HashCanonical([]byte(`{"a":1,"b":3}`))
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestHashCanonical_RejectsMalformedJSON(t *testing.T) {
	_, err := HashCanonical([]byte(`{"a":`))
	require.Error(t, err)
}

func TestPeek(t *testing.T) {
	msgType, protocolHash, err := Peek([]byte(`{"type":"VOTE","protocolHash":"abc","extra":1}`))
	require.NoError(t, err)
	require.Equal(t, MsgVote, msgType)
	require.Equal(t, "abc", protocolHash)

	_, _, err = Peek([]byte(`not json`))
	require.Error(t, err)
}

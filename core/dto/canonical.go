package dto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// Canonicalize re-encodes a JSON document with stable key ordering.
// Independently computed proof hashes must agree across nodes, so hashing
// always goes through this byte-for-byte deterministic form.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(err, "decode json for canonicalization")
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "re-encode canonical json")
	}

	return out, nil
}

// HashCanonical returns the hex SHA-256 of the canonical form of raw.
func HashCanonical(raw []byte) (string, error) {
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Peek extracts the type discriminant and protocol hash without decoding the
// full message, so foreign-protocol noise can be dropped cheaply.
type peekHeader struct {
	Type         MsgType `json:"type"`
	ProtocolHash string  `json:"protocolHash"`
}

func Peek(raw []byte) (MsgType, string, error) {
	var h peekHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return "", "", errors.Wrap(err, "decode message header")
	}
	return h.Type, h.ProtocolHash, nil
}

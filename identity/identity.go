// Package identity implements node identity: Ed25519 keypairs addressed as
// did:key identifiers, plus the sign/verify contracts the consensus layer
// consumes.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
)

const didKeyPrefix = "did:key:z"

// ed25519 public key multicodec prefix (0xed as varint).
var ed25519Codec = []byte{0xed, 0x01}

// Identity is an Ed25519 keypair with its did:key form.
type Identity struct {
	priv ed25519.PrivateKey
	did  string
}

// Generate creates a fresh keypair.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate ed25519 key")
	}

	return &Identity{priv: priv, did: EncodeDid(pub)}, nil
}

// Load reads a hex-encoded seed from path, generating and persisting a new
// one if the file does not exist.
func Load(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		id, genErr := Generate()
		if genErr != nil {
			return nil, genErr
		}
		seed := hex.EncodeToString(id.priv.Seed())
		if writeErr := os.WriteFile(path, []byte(seed), 0o600); writeErr != nil {
			return nil, errors.Wrap(writeErr, "persist key seed")
		}
		return id, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read key file")
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, errors.Wrap(err, "decode key seed")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("bad seed length %d", len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{priv: priv, did: EncodeDid(priv.Public().(ed25519.PublicKey))}, nil
}

// Did returns the did:key identifier for this node.
func (i *Identity) Did() string {
	return i.did
}

// Sign returns the hex Ed25519 signature over data.
func (i *Identity) Sign(data string) (string, error) {
	return hex.EncodeToString(ed25519.Sign(i.priv, []byte(data))), nil
}

// Verify checks a hex signature over data against the public key embedded in
// the given did:key identifier.
func (i *Identity) Verify(data, sig, did string) (bool, error) {
	return Verify(data, sig, did)
}

// Verify is the package-level verifier; any node can verify any did:key
// signature without holding key material.
func Verify(data, sig, did string) (bool, error) {
	pub, err := DecodeDid(did)
	if err != nil {
		return false, err
	}

	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return false, errors.Wrap(err, "decode signature")
	}

	return ed25519.Verify(pub, []byte(data), sigBytes), nil
}

// EncodeDid renders an Ed25519 public key as a did:key identifier
// (multicodec 0xed01 + base58btc).
func EncodeDid(pub ed25519.PublicKey) string {
	payload := append(append([]byte{}, ed25519Codec...), pub...)
	return didKeyPrefix + base58.Encode(payload)
}

// DecodeDid extracts the Ed25519 public key from a did:key identifier.
func DecodeDid(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, errors.Errorf("not a did:key identifier: %s", did)
	}

	payload, err := base58.Decode(strings.TrimPrefix(did, didKeyPrefix))
	if err != nil {
		return nil, errors.Wrap(err, "decode did:key payload")
	}
	if len(payload) != len(ed25519Codec)+ed25519.PublicKeySize ||
		payload[0] != ed25519Codec[0] || payload[1] != ed25519Codec[1] {
		return nil, errors.New("did:key payload is not an ed25519 key")
	}

	return ed25519.PublicKey(payload[2:]), nil
}

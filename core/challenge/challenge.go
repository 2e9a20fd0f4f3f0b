// Package challenge implements the peer integrity check: one genuine proof and
// one freshly mutated invalid proof are sent to a peer, and the signed verdict
// tells us whether the peer's verification logic has been bypassed (accepts
// everything), broken (rejects everything), or is impersonating another node.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/personhood-net/trustfabric/core/dto"
)

const (
	// maxChallengeAge bounds how stale an issued challenge may be.
	maxChallengeAge = 30 * time.Second
	// maxRoundTrip bounds the full challenge round-trip latency.
	maxRoundTrip = 10 * time.Second

	nonceLen = 16
)

// validProofVector is a known-good, protocol-versioned groth16 proof. The
// invalid counterpart is derived from it per challenge, so an adversary cannot
// precompute or cache verdicts.
var validProofVector = []byte(`{
	"protocol": "groth16",
	"curve": "bn128",
	"pi_a": ["20491192805390485299153009773594534940189261866228447918068658471970481763042", "9383485363053290200918347156157836566562967994039712273449902621266178545958", "1"],
	"pi_b": [["4252822878758300859123897981450591353533073413197771768651442665752259397132", "6375614351688725206403948262868962793625744043794305715222011528459656738731"], ["21847035105528745403288232691147584728191162732299865338377159692350059136679", "10505242626370262277552901082094356697409835680220590971873171140371331206856"], ["1", "0"]],
	"pi_c": ["5811549769299543270395861434215799489974731337904152856472109125414413862113", "14738305321141915117315930091632158315563181975525306874108525864528419479169", "1"]
}`)

// groth16Proof mirrors the fields we need to mutate; unknown fields survive a
// round-trip only through the canonical re-encode, which is fine because the
// vector is fixed.
type groth16Proof struct {
	Protocol string     `json:"protocol"`
	Curve    string     `json:"curve"`
	PiA      []string   `json:"pi_a"`
	PiB      [][]string `json:"pi_b"`
	PiC      []string   `json:"pi_c"`
}

// Signer signs challenge responses with the node's own key.
type Signer interface {
	Sign(data string) (string, error)
	Did() string
}

// VerifyFn is the peer's real proof-verification entry point.
type VerifyFn func(ctx context.Context, proof []byte) (bool, error)

// VerifierFn checks a signature against a DID.
type VerifierFn func(data, sig, did string) (bool, error)

// Result is the challenger-side verdict. Failure is data, not an error:
// peer-admission logic decides what to do with it.
type Result struct {
	Passed bool
	Reason string
}

// BuildChallenge produces a fresh challenge with a nonce-derived invalid proof.
func BuildChallenge() (dto.ChallengeRequest, error) {
	nonceBytes := make([]byte, nonceLen)
	if _, err := rand.Read(nonceBytes); err != nil {
		return dto.ChallengeRequest{}, errors.Wrap(err, "generate nonce")
	}
	nonce := hex.EncodeToString(nonceBytes)

	invalid, err := mutateProof(validProofVector, nonce)
	if err != nil {
		return dto.ChallengeRequest{}, err
	}

	return dto.ChallengeRequest{
		ChallengeID:  uuid.NewString(),
		Nonce:        nonce,
		IssuedAt:     time.Now().Unix(),
		ValidProof:   validProofVector,
		InvalidProof: invalid,
	}, nil
}

// mutateProof deterministically corrupts pi_a[0] by a nonce-derived offset.
// The result parses as a well-formed proof but can never verify.
func mutateProof(valid []byte, nonce string) ([]byte, error) {
	var proof groth16Proof
	if err := json.Unmarshal(valid, &proof); err != nil {
		return nil, errors.Wrap(err, "decode proof vector")
	}
	if len(proof.PiA) == 0 {
		return nil, errors.New("proof vector has empty pi_a")
	}

	offset, err := nonceOffset(nonce)
	if err != nil {
		return nil, err
	}

	coord, ok := new(big.Int).SetString(proof.PiA[0], 10)
	if !ok {
		return nil, errors.Errorf("pi_a[0] is not a decimal integer: %s", proof.PiA[0])
	}
	coord.Add(coord, new(big.Int).SetUint64(offset))
	proof.PiA[0] = coord.String()

	out, err := json.Marshal(proof)
	if err != nil {
		return nil, errors.Wrap(err, "encode mutated proof")
	}

	return out, nil
}

// nonceOffset derives a non-zero integer from the nonce prefix.
func nonceOffset(nonce string) (uint64, error) {
	raw, err := hex.DecodeString(nonce)
	if err != nil || len(raw) < 8 {
		return 0, errors.New("nonce is not valid hex of sufficient length")
	}

	offset := binary.BigEndian.Uint64(raw[:8])
	if offset == 0 {
		offset = 1
	}
	return offset, nil
}

// BuildChallengeResponse runs the node's real verification against both proofs
// concurrently and signs the verdict. A verification error counts as a
// rejection of that proof, never as acceptance.
func BuildChallengeResponse(ctx context.Context, req dto.ChallengeRequest, signer Signer, verify VerifyFn) (dto.ChallengeResponse, error) {
	var resultValid, resultInvalid bool

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ok, err := verify(gctx, req.ValidProof)
		resultValid = ok && err == nil
		return nil
	})
	g.Go(func() error {
		ok, err := verify(gctx, req.InvalidProof)
		resultInvalid = ok && err == nil
		return nil
	})
	_ = g.Wait()

	verifiedAt := time.Now().Unix()
	sig, err := signer.Sign(responsePayload(req.ChallengeID, resultValid, resultInvalid, verifiedAt))
	if err != nil {
		return dto.ChallengeResponse{}, errors.Wrap(err, "sign challenge response")
	}

	return dto.ChallengeResponse{
		ChallengeID:   req.ChallengeID,
		ResultValid:   resultValid,
		ResultInvalid: resultInvalid,
		VerifiedAt:    verifiedAt,
		NodeDid:       signer.Did(),
		Signature:     sig,
	}, nil
}

// VerifyChallengeResponse scores a response. All checks must hold; integrity
// checks run before the signature check, so a tampered verifier fails on
// integrity even when the identity is genuine.
func VerifyChallengeResponse(req dto.ChallengeRequest, resp dto.ChallengeResponse, startedAt time.Time, verify VerifierFn) Result {
	if age := time.Since(time.Unix(req.IssuedAt, 0)); age > maxChallengeAge {
		return Result{Reason: fmt.Sprintf("challenge expired: issued %s ago", age.Round(time.Second))}
	}
	if rtt := time.Since(startedAt); rtt > maxRoundTrip {
		return Result{Reason: fmt.Sprintf("round-trip too slow: %s", rtt.Round(time.Millisecond))}
	}
	if resp.ChallengeID != req.ChallengeID {
		return Result{Reason: "challenge id mismatch"}
	}
	if !resp.ResultValid {
		return Result{Reason: "peer rejected the genuine proof"}
	}
	if resp.ResultInvalid {
		return Result{Reason: "peer accepted the mutated proof"}
	}

	ok, err := verify(responsePayload(resp.ChallengeID, resp.ResultValid, resp.ResultInvalid, resp.VerifiedAt), resp.Signature, resp.NodeDid)
	if err != nil {
		return Result{Reason: fmt.Sprintf("signature check failed: %v", err)}
	}
	if !ok {
		return Result{Reason: "response signature does not verify against node did"}
	}

	return Result{Passed: true}
}

func responsePayload(id string, resultValid, resultInvalid bool, verifiedAt int64) string {
	return id + ":" + strconv.FormatBool(resultValid) + ":" + strconv.FormatBool(resultInvalid) + ":" + strconv.FormatInt(verifiedAt, 10)
}

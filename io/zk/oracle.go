// Package zk adapts an external zero-knowledge verifier service to the
// oracle contracts the consensus and challenge layers consume. Proof
// verification internals live outside this system; this is a thin HTTP
// client around them.
package zk

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Oracle calls a remote verifier endpoint.
type Oracle struct {
	endpoint string
	client   *http.Client
}

func NewOracle(endpoint string) *Oracle {
	return &Oracle{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 8 * time.Second},
	}
}

type verifyRequest struct {
	ProofHash string          `json:"proofHash,omitempty"`
	Nullifier string          `json:"nullifier,omitempty"`
	Proof     json.RawMessage `json:"proof,omitempty"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

// VerifyProof checks a registered proof by hash. An error here is reported to
// the caller, which treats it as a rejection, never an acceptance.
func (o *Oracle) VerifyProof(ctx context.Context, proofHash, nullifier string) (bool, error) {
	return o.post(ctx, verifyRequest{ProofHash: proofHash, Nullifier: nullifier})
}

// VerifyProofBytes checks a raw proof document; used by the challenge
// responder.
func (o *Oracle) VerifyProofBytes(ctx context.Context, proof []byte) (bool, error) {
	return o.post(ctx, verifyRequest{Proof: proof})
}

func (o *Oracle) post(ctx context.Context, req verifyRequest) (bool, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return false, errors.Wrap(err, "encode verify request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, errors.Wrap(err, "build verify request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return false, errors.Wrap(err, "call zk verifier")
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return false, errors.Errorf("zk verifier returned %s", httpResp.Status)
	}

	var resp verifyResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return false, errors.Wrap(err, "decode verify response")
	}

	return resp.Valid, nil
}

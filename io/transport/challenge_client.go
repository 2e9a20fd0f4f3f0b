package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/personhood-net/trustfabric/core/challenge"
	"github.com/personhood-net/trustfabric/core/dto"
	"github.com/personhood-net/trustfabric/peer"
)

var challengeHTTPClient = &http.Client{Timeout: 12 * time.Second}

// ChallengePeer runs one integrity challenge round-trip against a peer and
// scores the response. All failures come back as {passed:false, reason};
// peer-admission logic decides what to do with them.
func ChallengePeer(ctx context.Context, p peer.Peer, verify challenge.VerifierFn) challenge.Result {
	req, err := challenge.BuildChallenge()
	if err != nil {
		return challenge.Result{Reason: "build challenge: " + err.Error()}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return challenge.Result{Reason: "encode challenge: " + err.Error()}
	}

	startedAt := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+p.URL+challengePath, bytes.NewReader(body))
	if err != nil {
		return challenge.Result{Reason: "build challenge request: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := challengeHTTPClient.Do(httpReq)
	if err != nil {
		return challenge.Result{Reason: "challenge round-trip failed: " + err.Error()}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return challenge.Result{Reason: "challenge endpoint returned " + httpResp.Status}
	}

	var resp dto.ChallengeResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return challenge.Result{Reason: "malformed challenge response: " + err.Error()}
	}

	return challenge.VerifyChallengeResponse(req, resp, startedAt, verify)
}

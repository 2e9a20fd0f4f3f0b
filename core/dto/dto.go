// Package dto defines the wire messages exchanged between validator nodes.
//
// All messages are JSON on the wire and carry the process-wide protocol hash;
// a message with a foreign protocol hash is dropped before interpretation.
package dto

// ProtocolHash identifies the exact ruleset this build speaks. Nodes running
// a different ruleset are isolated, not banned.
const ProtocolHash = "2f709349a8df094c5cbb15dca604b7e282a0ca5122a8b6fc0cd6945cdfec8e79"

// MsgType discriminates consensus envelopes on the wire.
type MsgType string

const (
	MsgPropose     MsgType = "PROPOSE"
	MsgVote        MsgType = "VOTE"
	MsgCommit      MsgType = "COMMIT"
	MsgAttestation MsgType = "ATTESTATION"
)

// Vote verdicts.
const (
	VoteAccept = "accept"
	VoteReject = "reject"
)

// ProposeMsg claims that a ZK proof exists supporting a nullifier.
// Immutable once broadcast.
type ProposeMsg struct {
	Type         MsgType `json:"type"`
	Nullifier    string  `json:"nullifier"`
	Did          string  `json:"did"`
	ProofHash    string  `json:"proofHash"`
	ProposerDid  string  `json:"proposerDid"`
	Ts           int64   `json:"ts"`
	ProtocolHash string  `json:"protocolHash"`
	Sig          string  `json:"sig"`
}

// VoteMsg carries one peer's local verification outcome for a pending proposal.
type VoteMsg struct {
	Type         MsgType `json:"type"`
	Nullifier    string  `json:"nullifier"`
	Vote         string  `json:"vote"`
	Reason       string  `json:"reason,omitempty"`
	VoterDid     string  `json:"voterDid"`
	Ts           int64   `json:"ts"`
	ProtocolHash string  `json:"protocolHash"`
	Sig          string  `json:"sig"`
}

// CommitMsg proves quorum was reached; the vote set is carried as evidence.
type CommitMsg struct {
	Type         MsgType   `json:"type"`
	Nullifier    string    `json:"nullifier"`
	Did          string    `json:"did"`
	Votes        []VoteMsg `json:"votes"`
	CommitDid    string    `json:"commitDid"`
	Ts           int64     `json:"ts"`
	ProtocolHash string    `json:"protocolHash"`
	Sig          string    `json:"sig"`
}

// CommittedNullifier is the durable, append-only registration record.
// A nullifier maps to exactly one did for its lifetime.
type CommittedNullifier struct {
	Nullifier   string `json:"nullifier"`
	Did         string `json:"did"`
	CommittedAt int64  `json:"committedAt"`
	CommitDid   string `json:"commitDid"`
	VoteCount   int    `json:"voteCount"`
}

// AttestationMessage is a single signed reputation delta. No quorum is needed:
// the Ed25519 signature already gives non-repudiation.
type AttestationMessage struct {
	Type         MsgType `json:"type"`
	IssuerDid    string  `json:"issuerDid"`
	TargetDid    string  `json:"targetDid"`
	Value        int     `json:"value"` // +1 or -1
	Context      string  `json:"context"`
	Ts           int64   `json:"ts"`
	ProtocolHash string  `json:"protocolHash"`
	Sig          string  `json:"sig"`
}

// ReputationRecord is the persisted per-DID reputation score.
type ReputationRecord struct {
	Did       string `json:"did"`
	Score     int    `json:"score"`
	UpdatedAt int64  `json:"updatedAt"`
}

// ChallengeRequest asks a peer to verify one genuine and one mutated proof.
// Never persisted.
type ChallengeRequest struct {
	ChallengeID  string `json:"challenge_id"`
	Nonce        string `json:"nonce"`
	IssuedAt     int64  `json:"issued_at"`
	ValidProof   []byte `json:"valid_proof"`
	InvalidProof []byte `json:"invalid_proof"`
}

// ChallengeResponse is the peer's signed verdict on both proofs.
type ChallengeResponse struct {
	ChallengeID   string `json:"challenge_id"`
	ResultValid   bool   `json:"result_valid"`
	ResultInvalid bool   `json:"result_invalid"`
	VerifiedAt    int64  `json:"verified_at"`
	NodeDid       string `json:"node_did"`
	Signature     string `json:"signature"`
}

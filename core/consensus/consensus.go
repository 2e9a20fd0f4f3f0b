// Package consensus implements BFT-style per-nullifier agreement: a
// PROPOSE→VOTE→COMMIT round per registration, with a single-node fallback for
// small or isolated networks. There is no sequenced log; agreement is per key.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/personhood-net/trustfabric/core/dto"
)

const (
	defaultMinPeers     = 3
	defaultRoundTimeout = 10 * time.Second

	maxReasonLen = 120
)

var (
	// ErrRoundTimeout is returned when a proposal sees neither commit nor
	// rejection within the round timeout. Retrying is safe: Propose is
	// idempotent for committed nullifiers.
	ErrRoundTimeout = errors.New("consensus round timed out")

	// ErrProposalRejected is returned when a majority rejects the proposal.
	ErrProposalRejected = errors.New("proposal rejected by majority")

	// ErrProposalInFlight is returned when another Propose call for the same
	// nullifier is already waiting on its round.
	ErrProposalInFlight = errors.New("proposal already in flight")
)

// Signer signs outbound messages with this node's key.
type Signer interface {
	Sign(data string) (string, error)
	Did() string
}

// Verifier checks a signature against the issuer's DID.
type Verifier interface {
	Verify(data, sig, did string) (bool, error)
}

// ProofVerifier is the opaque ZK oracle. A verification error is a rejection,
// never an acceptance.
type ProofVerifier interface {
	VerifyProof(ctx context.Context, proofHash, nullifier string) (bool, error)
}

// Broadcaster delivers a message to a peer subset, best effort, at most once
// per call. The host wires it through the gossip router using targetKey.
type Broadcaster interface {
	Broadcast(ctx context.Context, targetKey string, msg []byte) error
}

//go:generate mockgen -destination=../../mocks/mock_store.go -package=mocks . Store

// Store is the minimal read/write-all persistence contract. LoadAll is called
// once at construction; SaveAll after every committed mutation.
type Store interface {
	LoadAll() ([]dto.CommittedNullifier, error)
	SaveAll([]dto.CommittedNullifier) error
}

// Config holds the tunables of a consensus instance.
type Config struct {
	MinPeers     int
	RoundTimeout time.Duration
	Clock        clock.Clock
}

// Consensus runs nullifier registration rounds. All mutable state is owned by
// the instance; multiple independent instances may coexist in one process.
type Consensus struct {
	signer    Signer
	verifier  Verifier
	zk        ProofVerifier
	broadcast Broadcaster
	store     Store

	minPeers     int
	roundTimeout time.Duration
	clock        clock.Clock

	// peerCount is an eventually-consistent gauge owned by the transport.
	peerCount atomic.Int64

	mu         sync.Mutex
	nullifiers map[string]dto.CommittedNullifier
	rounds     map[string]*round
}

// New constructs a consensus instance and loads the persisted nullifier set.
// A corrupted or missing store degrades to an empty one.
func New(cfg Config, signer Signer, verifier Verifier, zk ProofVerifier, broadcast Broadcaster, store Store) *Consensus {
	if cfg.MinPeers <= 0 {
		cfg.MinPeers = defaultMinPeers
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = defaultRoundTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	c := &Consensus{
		signer:       signer,
		verifier:     verifier,
		zk:           zk,
		broadcast:    broadcast,
		store:        store,
		minPeers:     cfg.MinPeers,
		roundTimeout: cfg.RoundTimeout,
		clock:        cfg.Clock,
		nullifiers:   make(map[string]dto.CommittedNullifier),
		rounds:       make(map[string]*round),
	}

	entries, err := store.LoadAll()
	if err != nil {
		log.Warnf("nullifier store unreadable, starting empty: %v", err)
		return c
	}
	for _, e := range entries {
		c.nullifiers[e.Nullifier] = e
	}

	return c
}

// SetPeerCount updates the connected-peer gauge. Written by the transport
// layer, read by consensus logic at decision time.
func (c *Consensus) SetPeerCount(n int) {
	c.peerCount.Store(int64(n))
}

// PeerCount returns the current gauge value.
func (c *Consensus) PeerCount() int {
	return int(c.peerCount.Load())
}

// quorum is floor(P/2)+1 over the live peer gauge.
func (c *Consensus) quorum() int {
	return c.PeerCount()/2 + 1
}

// IsRegistered reports whether the nullifier has been committed. Once true it
// stays true forever.
func (c *Consensus) IsRegistered(nullifier string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.nullifiers[nullifier]
	return ok
}

// Get returns the committed record for a nullifier, if any.
func (c *Consensus) Get(nullifier string) (dto.CommittedNullifier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.nullifiers[nullifier]
	return e, ok
}

// GetAllNullifiers returns a copy of the committed set.
func (c *Consensus) GetAllNullifiers() []dto.CommittedNullifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Consensus) snapshotLocked() []dto.CommittedNullifier {
	out := make([]dto.CommittedNullifier, 0, len(c.nullifiers))
	for _, e := range c.nullifiers {
		out = append(out, e)
	}
	return out
}

// Propose runs a registration round for a nullifier. Idempotent: an already
// committed nullifier returns the existing record without a new round. With
// fewer than minPeers connected the commit happens locally and immediately.
func (c *Consensus) Propose(ctx context.Context, nullifier, did string, zkProof []byte) (dto.CommittedNullifier, error) {
	c.mu.Lock()
	if existing, ok := c.nullifiers[nullifier]; ok {
		c.mu.Unlock()
		return existing, nil
	}

	// mode is chosen from the gauge at propose time and not re-evaluated
	// mid-round, even if the peer count changes before resolution.
	if c.PeerCount() < c.minPeers {
		entry, err := c.commitLocked(nullifier, did, c.signer.Did(), 1)
		c.mu.Unlock()
		return entry, err
	}

	proofHash, err := dto.HashCanonical(zkProof)
	if err != nil {
		c.mu.Unlock()
		return dto.CommittedNullifier{}, errors.Wrap(err, "hash zk proof")
	}

	ts := c.clock.Now().Unix()
	sig, err := c.signer.Sign(proposePayload(c.signer.Did(), nullifier, proofHash, ts))
	if err != nil {
		c.mu.Unlock()
		return dto.CommittedNullifier{}, errors.Wrap(err, "sign proposal")
	}

	proposal := dto.ProposeMsg{
		Type:         dto.MsgPropose,
		Nullifier:    nullifier,
		Did:          did,
		ProofHash:    proofHash,
		ProposerDid:  c.signer.Did(),
		Ts:           ts,
		ProtocolHash: dto.ProtocolHash,
		Sig:          sig,
	}

	r, ok := c.rounds[nullifier]
	if !ok {
		r = newRound(proposal)
		c.rounds[nullifier] = r
	}
	if r.done != nil {
		c.mu.Unlock()
		return dto.CommittedNullifier{}, errors.Wrapf(ErrProposalInFlight, "nullifier %s", nullifier)
	}
	r.done = make(chan outcome, 1)
	done := r.done
	c.mu.Unlock()

	c.send(ctx, nullifier, proposal)

	// the proposer votes too, based on its own verification of the proof.
	verdict, reason := c.verdict(ctx, proofHash, nullifier)
	c.castVote(ctx, nullifier, verdict, reason)

	timer := c.clock.Timer(c.roundTimeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.entry, o.err
	case <-timer.C:
		c.discardRound(nullifier)
		return dto.CommittedNullifier{}, errors.Wrapf(ErrRoundTimeout, "nullifier %s", nullifier)
	case <-ctx.Done():
		c.discardRound(nullifier)
		return dto.CommittedNullifier{}, ctx.Err()
	}
}

// HandleMessage processes one inbound consensus message. Messages from a
// foreign protocol are dropped with a warning; nothing here panics or
// propagates verification failures as errors.
func (c *Consensus) HandleMessage(ctx context.Context, raw []byte) error {
	msgType, protocolHash, err := dto.Peek(raw)
	if err != nil {
		return errors.Wrap(err, "malformed consensus message")
	}
	if protocolHash != dto.ProtocolHash {
		log.Warnf("dropping %s message with foreign protocol hash %.16s", msgType, protocolHash)
		return nil
	}

	switch msgType {
	case dto.MsgPropose:
		var msg dto.ProposeMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return errors.Wrap(err, "decode propose")
		}
		return c.onPropose(ctx, msg)
	case dto.MsgVote:
		var msg dto.VoteMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return errors.Wrap(err, "decode vote")
		}
		c.onVote(ctx, msg)
		return nil
	case dto.MsgCommit:
		var msg dto.CommitMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return errors.Wrap(err, "decode commit")
		}
		return c.onCommit(msg)
	default:
		log.Warnf("unknown consensus message type %q", msgType)
		return nil
	}
}

func (c *Consensus) onPropose(ctx context.Context, msg dto.ProposeMsg) error {
	if !c.checkSig(proposePayload(msg.ProposerDid, msg.Nullifier, msg.ProofHash, msg.Ts), msg.Sig, msg.ProposerDid, "propose") {
		return nil
	}

	// an already committed nullifier gets an immediate accept so the new
	// proposer cannot deadlock waiting for votes.
	if c.IsRegistered(msg.Nullifier) {
		c.castVote(ctx, msg.Nullifier, dto.VoteAccept, "already-committed")
		return nil
	}

	c.mu.Lock()
	if _, ok := c.rounds[msg.Nullifier]; !ok {
		c.rounds[msg.Nullifier] = newRound(msg)
	}
	c.mu.Unlock()

	verdict, reason := c.verdict(ctx, msg.ProofHash, msg.Nullifier)
	c.castVote(ctx, msg.Nullifier, verdict, reason)
	return nil
}

// verdict runs local ZK verification and maps the result to a vote. An
// oracle error is data here, not control flow: it becomes a reject reason.
func (c *Consensus) verdict(ctx context.Context, proofHash, nullifier string) (string, string) {
	ok, err := c.zk.VerifyProof(ctx, proofHash, nullifier)
	switch {
	case err != nil:
		return dto.VoteReject, truncateReason("verify-error:" + err.Error())
	case ok:
		return dto.VoteAccept, "proof-valid"
	default:
		return dto.VoteReject, "proof-invalid"
	}
}

// castVote signs, locally applies, and broadcasts this node's vote.
func (c *Consensus) castVote(ctx context.Context, nullifier, verdict, reason string) {
	ts := c.clock.Now().Unix()
	sig, err := c.signer.Sign(votePayload(c.signer.Did(), nullifier, verdict, ts))
	if err != nil {
		log.Errorf("sign vote for %s: %v", nullifier, err)
		return
	}

	vote := dto.VoteMsg{
		Type:         dto.MsgVote,
		Nullifier:    nullifier,
		Vote:         verdict,
		Reason:       reason,
		VoterDid:     c.signer.Did(),
		Ts:           ts,
		ProtocolHash: dto.ProtocolHash,
		Sig:          sig,
	}

	c.applyVote(ctx, vote)
	c.send(ctx, nullifier, vote)
}

func (c *Consensus) onVote(ctx context.Context, msg dto.VoteMsg) {
	if msg.VoterDid != c.signer.Did() &&
		!c.checkSig(votePayload(msg.VoterDid, msg.Nullifier, msg.Vote, msg.Ts), msg.Sig, msg.VoterDid, "vote") {
		return
	}
	c.applyVote(ctx, msg)
}

// applyVote records a vote and acts on quorum. Duplicate votes from the same
// voter and votes for unknown or committed rounds are silently ignored.
func (c *Consensus) applyVote(ctx context.Context, msg dto.VoteMsg) {
	c.mu.Lock()

	r, ok := c.rounds[msg.Nullifier]
	if !ok || r.committed {
		c.mu.Unlock()
		return
	}
	if _, dup := r.votes[msg.VoterDid]; dup {
		c.mu.Unlock()
		return
	}
	r.votes[msg.VoterDid] = msg

	accepts, rejects := r.tally()
	peers := c.PeerCount()
	quorum := c.quorum()

	if accepts >= quorum {
		r.committed = true
		evidence := r.acceptVotes()
		c.mu.Unlock()
		c.sendCommit(ctx, r.proposal, evidence)
		return
	}

	if rejects > peers/2 {
		log.Warnf("proposal for %s rejected by majority (%d/%d)", msg.Nullifier, rejects, peers)
		r.resolve(outcome{err: errors.Wrapf(ErrProposalRejected, "nullifier %s", msg.Nullifier)})
		delete(c.rounds, msg.Nullifier)
	}
	c.mu.Unlock()
}

// sendCommit broadcasts the quorum evidence and applies the commit locally.
func (c *Consensus) sendCommit(ctx context.Context, proposal dto.ProposeMsg, evidence []dto.VoteMsg) {
	ts := c.clock.Now().Unix()
	sig, err := c.signer.Sign(commitPayload(c.signer.Did(), proposal.Nullifier, proposal.Did, ts))
	if err != nil {
		log.Errorf("sign commit for %s: %v", proposal.Nullifier, err)
		return
	}

	commit := dto.CommitMsg{
		Type:         dto.MsgCommit,
		Nullifier:    proposal.Nullifier,
		Did:          proposal.Did,
		Votes:        evidence,
		CommitDid:    c.signer.Did(),
		Ts:           ts,
		ProtocolHash: dto.ProtocolHash,
		Sig:          sig,
	}

	c.send(ctx, proposal.Nullifier, commit)

	c.mu.Lock()
	_, err = c.commitLocked(proposal.Nullifier, proposal.Did, c.signer.Did(), len(evidence))
	c.mu.Unlock()
	if err != nil {
		log.Errorf("commit %s locally: %v", proposal.Nullifier, err)
	}
}

func (c *Consensus) onCommit(msg dto.CommitMsg) error {
	if msg.CommitDid != c.signer.Did() &&
		!c.checkSig(commitPayload(msg.CommitDid, msg.Nullifier, msg.Did, msg.Ts), msg.Sig, msg.CommitDid, "commit") {
		return nil
	}

	// evidence counts at most one verified vote per distinct voter, so a
	// committer cannot pad the array to fabricate quorum.
	voters := make(map[string]struct{}, len(msg.Votes))
	accepts := 0
	for _, v := range msg.Votes {
		if v.Vote != dto.VoteAccept {
			continue
		}
		if _, dup := voters[v.VoterDid]; dup {
			continue
		}
		if v.VoterDid != c.signer.Did() &&
			!c.checkSig(votePayload(v.VoterDid, v.Nullifier, v.Vote, v.Ts), v.Sig, v.VoterDid, "commit evidence") {
			continue
		}
		voters[v.VoterDid] = struct{}{}
		accepts++
	}
	if accepts == 0 {
		log.Warnf("rejecting commit for %s with zero accept votes", msg.Nullifier)
		return nil
	}

	// the committer's own COMMIT may race ahead of our vote counting, so one
	// vote less than quorum is still acceptable evidence.
	need := c.quorum() - 1
	if need < 1 {
		need = 1
	}
	if accepts < need {
		log.Warnf("rejecting commit for %s: %d accept votes, need %d", msg.Nullifier, accepts, need)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.commitLocked(msg.Nullifier, msg.Did, msg.CommitDid, accepts)
	return err
}

// commitLocked writes the entry, persists the store, and resolves any pending
// round for this nullifier. Safe to call twice: identity is keyed by
// nullifier and the first committer wins.
func (c *Consensus) commitLocked(nullifier, did, commitDid string, voteCount int) (dto.CommittedNullifier, error) {
	if existing, ok := c.nullifiers[nullifier]; ok {
		return existing, nil
	}

	entry := dto.CommittedNullifier{
		Nullifier:   nullifier,
		Did:         did,
		CommittedAt: c.clock.Now().Unix(),
		CommitDid:   commitDid,
		VoteCount:   voteCount,
	}
	c.nullifiers[nullifier] = entry

	if err := c.store.SaveAll(c.snapshotLocked()); err != nil {
		return entry, errors.Wrap(err, "persist nullifier store")
	}

	if r, ok := c.rounds[nullifier]; ok {
		r.resolve(outcome{entry: entry})
		delete(c.rounds, nullifier)
	}

	log.Infof("committed nullifier %s for %s (%d votes)", nullifier, did, voteCount)
	return entry, nil
}

// ExportState returns the full committed set for peer bootstrap.
func (c *Consensus) ExportState() []dto.CommittedNullifier {
	return c.GetAllNullifiers()
}

// ImportState merges a peer's nullifier set, adding only unknown nullifiers.
// An existing did mapping is never overwritten: that is the anti-Sybil
// guarantee surviving malicious import payloads. Returns the number imported.
func (c *Consensus) ImportState(entries []dto.CommittedNullifier) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	imported := 0
	for _, e := range entries {
		if e.Nullifier == "" || e.Did == "" {
			continue
		}
		if _, ok := c.nullifiers[e.Nullifier]; ok {
			continue
		}
		c.nullifiers[e.Nullifier] = e
		imported++
	}

	if imported == 0 {
		return 0, nil
	}

	if err := c.store.SaveAll(c.snapshotLocked()); err != nil {
		return imported, errors.Wrap(err, "persist imported state")
	}
	return imported, nil
}

func (c *Consensus) discardRound(nullifier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rounds, nullifier)
}

// checkSig verifies an inbound signature, logging and dropping on failure.
func (c *Consensus) checkSig(payload, sig, did, kind string) bool {
	ok, err := c.verifier.Verify(payload, sig, did)
	if err != nil {
		log.Warnf("%s signature check error from %s: %v", kind, did, err)
		return false
	}
	if !ok {
		log.Warnf("dropping %s with bad signature from %s", kind, did)
		return false
	}
	return true
}

// send marshals and broadcasts a message, best effort.
func (c *Consensus) send(ctx context.Context, targetKey string, msg interface{}) {
	raw, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("marshal consensus message: %v", err)
		return
	}
	if err := c.broadcast.Broadcast(ctx, targetKey, raw); err != nil {
		log.Warnf("broadcast for %s failed: %v", targetKey, err)
	}
}

func proposePayload(proposerDid, nullifier, proofHash string, ts int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", proposerDid, nullifier, proofHash, ts)
}

func votePayload(voterDid, nullifier, verdict string, ts int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", voterDid, nullifier, verdict, ts)
}

func commitPayload(commitDid, nullifier, did string, ts int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", commitDid, nullifier, did, ts)
}

func truncateReason(reason string) string {
	if len(reason) > maxReasonLen {
		return reason[:maxReasonLen]
	}
	return reason
}

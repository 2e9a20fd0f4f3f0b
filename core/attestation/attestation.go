// Package attestation propagates signed reputation deltas. No quorum is
// required: an Ed25519 signature gives non-repudiation, and eventual
// consistency follows from every node applying the same deterministic,
// idempotent rule to the same signed message.
package attestation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/personhood-net/trustfabric/core/dto"
)

const (
	// score bounds; reputation is clamped to [ScoreMin, ScoreMax].
	ScoreMin = 0
	ScoreMax = 20

	// issueCooldown is the minimum interval between any two attestations from
	// one issuer; inside the window the message is dropped, not converted.
	issueCooldown = 10 * time.Second

	seenCacheSize = 8192
)

// Signer signs outbound attestations.
type Signer interface {
	Sign(data string) (string, error)
	Did() string
}

// Verifier checks a signature against the issuer's DID.
type Verifier interface {
	Verify(data, sig, did string) (bool, error)
}

// Broadcaster fans an attestation out to a peer subset, best effort.
type Broadcaster interface {
	Broadcast(ctx context.Context, targetKey string, msg []byte) error
}

// Store persists reputation records with the read/write-all contract.
type Store interface {
	LoadAll() ([]dto.ReputationRecord, error)
	SaveAll([]dto.ReputationRecord) error
}

// Result reports how one attestation was handled.
type Result struct {
	Applied         bool
	Delta           int
	NewScore        int
	FarmingDetected bool
	Reason          string
}

// Consensus applies and re-broadcasts attestations.
type Consensus struct {
	signer    Signer
	verifier  Verifier
	broadcast Broadcaster
	store     Store
	policy    *Policy
	clock     clock.Clock

	seen *lru.Cache[string, struct{}]

	mu         sync.Mutex
	scores     map[string]dto.ReputationRecord
	lastIssued map[string]time.Time
}

// New constructs an attestation consensus instance and loads persisted scores.
// A corrupted or missing store degrades to an empty one.
func New(signer Signer, verifier Verifier, broadcast Broadcaster, store Store, policy *Policy, clk clock.Clock) *Consensus {
	if clk == nil {
		clk = clock.New()
	}
	if policy == nil {
		policy = NewPolicy(PolicyConfig{}, clk)
	}

	seen, _ := lru.New[string, struct{}](seenCacheSize)

	a := &Consensus{
		signer:     signer,
		verifier:   verifier,
		broadcast:  broadcast,
		store:      store,
		policy:     policy,
		clock:      clk,
		seen:       seen,
		scores:     make(map[string]dto.ReputationRecord),
		lastIssued: make(map[string]time.Time),
	}

	records, err := store.LoadAll()
	if err != nil {
		log.Warnf("reputation store unreadable, starting empty: %v", err)
		return a
	}
	for _, r := range records {
		a.scores[r.Did] = r
	}

	return a
}

// Attest issues a signed reputation delta about target, applies it locally,
// and broadcasts it.
func (a *Consensus) Attest(ctx context.Context, targetDid string, value int, attContext string) (Result, error) {
	if value != 1 && value != -1 {
		return Result{}, errors.Errorf("attestation value must be +1 or -1, got %d", value)
	}

	ts := a.clock.Now().Unix()
	sig, err := a.signer.Sign(attestationPayload(a.signer.Did(), targetDid, value, attContext, ts))
	if err != nil {
		return Result{}, errors.Wrap(err, "sign attestation")
	}

	msg := dto.AttestationMessage{
		Type:         dto.MsgAttestation,
		IssuerDid:    a.signer.Did(),
		TargetDid:    targetDid,
		Value:        value,
		Context:      attContext,
		Ts:           ts,
		ProtocolHash: dto.ProtocolHash,
		Sig:          sig,
	}

	res, err := a.apply(msg)
	if err != nil {
		return res, err
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return res, errors.Wrap(err, "marshal attestation")
	}
	if err := a.broadcast.Broadcast(ctx, targetDid, raw); err != nil {
		log.Warnf("broadcast attestation for %s failed: %v", targetDid, err)
	}

	return res, nil
}

// HandleMessage applies one inbound attestation and re-broadcasts it if it was
// new. Foreign-protocol messages are dropped with a warning.
func (a *Consensus) HandleMessage(ctx context.Context, raw []byte) error {
	var msg dto.AttestationMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errors.Wrap(err, "decode attestation")
	}

	if msg.ProtocolHash != dto.ProtocolHash {
		log.Warnf("dropping attestation with foreign protocol hash %.16s", msg.ProtocolHash)
		return nil
	}

	res, err := a.apply(msg)
	if err != nil {
		return err
	}
	if !res.Applied {
		return nil
	}

	// only first sight propagates; duplicates die here, which bounds gossip.
	if err := a.broadcast.Broadcast(ctx, msg.TargetDid, raw); err != nil {
		log.Warnf("re-broadcast attestation for %s failed: %v", msg.TargetDid, err)
	}
	return nil
}

// apply runs the full acceptance chain: dedup, cooldown, signature, farming
// policy, clamped score update, persistence.
func (a *Consensus) apply(msg dto.AttestationMessage) (Result, error) {
	key := dedupKey(msg)

	// check and reserve in one critical section: a concurrent delivery of the
	// same message must hit the dedup gate while this one is still inside the
	// signature check.
	a.mu.Lock()
	if _, dup := a.seen.Get(key); dup {
		a.mu.Unlock()
		return Result{Reason: "duplicate attestation"}, nil
	}
	prevIssued, hadIssued := a.lastIssued[msg.IssuerDid]
	if hadIssued && a.clock.Now().Sub(prevIssued) < issueCooldown {
		a.mu.Unlock()
		log.Warnf("dropping attestation from %s inside issue cooldown", msg.IssuerDid)
		return Result{Reason: "issuer inside cooldown window"}, nil
	}
	a.seen.Add(key, struct{}{})
	a.lastIssued[msg.IssuerDid] = a.clock.Now()
	a.mu.Unlock()

	if msg.IssuerDid != a.signer.Did() {
		ok, err := a.verifier.Verify(attestationPayload(msg.IssuerDid, msg.TargetDid, msg.Value, msg.Context, msg.Ts), msg.Sig, msg.IssuerDid)
		if err != nil {
			a.unreserve(key, msg.IssuerDid, prevIssued, hadIssued)
			log.Warnf("attestation signature check error from %s: %v", msg.IssuerDid, err)
			return Result{Reason: "signature check error"}, nil
		}
		if !ok {
			a.unreserve(key, msg.IssuerDid, prevIssued, hadIssued)
			log.Warnf("dropping attestation with bad signature from %s", msg.IssuerDid)
			return Result{Reason: "bad signature"}, nil
		}
	}

	decision := a.policy.Evaluate(msg.IssuerDid, msg.TargetDid, msg.Context, msg.Value)

	a.mu.Lock()
	defer a.mu.Unlock()

	rec := a.scores[msg.TargetDid]
	rec.Did = msg.TargetDid
	rec.Score = clamp(rec.Score+decision.Delta, ScoreMin, ScoreMax)
	rec.UpdatedAt = a.clock.Now().Unix()
	a.scores[msg.TargetDid] = rec

	if decision.FarmingDetected {
		log.Warnf("farming detected for attestation %s -> %s: %s", msg.IssuerDid, msg.TargetDid, decision.Reason)
	}

	if err := a.store.SaveAll(a.snapshotLocked()); err != nil {
		return Result{}, errors.Wrap(err, "persist reputation store")
	}

	return Result{
		Applied:         true,
		Delta:           decision.Delta,
		NewScore:        rec.Score,
		FarmingDetected: decision.FarmingDetected,
		Reason:          decision.Reason,
	}, nil
}

// unreserve rolls the dedup reservation back after a failed signature check,
// so a later redelivery with a good signature is not mistaken for a duplicate.
func (a *Consensus) unreserve(key, issuerDid string, prevIssued time.Time, hadIssued bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seen.Remove(key)
	if hadIssued {
		a.lastIssued[issuerDid] = prevIssued
	} else {
		delete(a.lastIssued, issuerDid)
	}
}

// Score returns the current reputation of a DID (zero if unknown).
func (a *Consensus) Score(did string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scores[did].Score
}

// ExportState returns all reputation records.
func (a *Consensus) ExportState() []dto.ReputationRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Consensus) snapshotLocked() []dto.ReputationRecord {
	out := make([]dto.ReputationRecord, 0, len(a.scores))
	for _, r := range a.scores {
		out = append(out, r)
	}
	return out
}

// dedupKey identifies an attestation by (issuer, target, ts, context).
func dedupKey(msg dto.AttestationMessage) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", msg.IssuerDid, msg.TargetDid, msg.Ts, msg.Context)))
	return hex.EncodeToString(sum[:])
}

func attestationPayload(issuerDid, targetDid string, value int, context string, ts int64) string {
	return fmt.Sprintf("%s:%s:%d:%s:%d", issuerDid, targetDid, value, context, ts)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package attestation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/personhood-net/trustfabric/core/dto"
)

type fakeSigner struct {
	did string
}

func (f fakeSigner) Sign(string) (string, error) { return "sig", nil }
func (f fakeSigner) Did() string                 { return f.did }

type fakeVerifier struct {
	ok bool
}

func (f fakeVerifier) Verify(string, string, string) (bool, error) { return f.ok, nil }

type captureBroadcast struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *captureBroadcast) Broadcast(_ context.Context, _ string, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, append([]byte{}, msg...))
	return nil
}

func (c *captureBroadcast) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type memRepStore struct {
	records []dto.ReputationRecord
	loadErr error
}

func (m *memRepStore) LoadAll() ([]dto.ReputationRecord, error) { return m.records, m.loadErr }
func (m *memRepStore) SaveAll(records []dto.ReputationRecord) error {
	m.records = records
	return nil
}

func newTestAttestation(t *testing.T, clk *clock.Mock, seed []dto.ReputationRecord) (*Consensus, *captureBroadcast) {
	t.Helper()
	bc := &captureBroadcast{}
	st := &memRepStore{records: seed}
	policy := NewPolicy(PolicyConfig{}, clk)
	a := New(fakeSigner{did: "did:key:self"}, fakeVerifier{ok: true}, bc, st, policy, clk)
	return a, bc
}

// matured gets the self issuer past probation by recording one negative
// attestation and advancing the clock.
func matured(t *testing.T, a *Consensus, clk *clock.Mock) {
	t.Helper()
	_, err := a.Attest(context.Background(), "did:key:warmup", -1, "session-0")
	require.NoError(t, err)
	clk.Add(25 * time.Hour)
}

func remoteMsg(issuer, target string, value int, context string, ts int64) []byte {
	raw, _ := json.Marshal(dto.AttestationMessage{
		Type:         dto.MsgAttestation,
		IssuerDid:    issuer,
		TargetDid:    target,
		Value:        value,
		Context:      context,
		Ts:           ts,
		ProtocolHash: dto.ProtocolHash,
		Sig:          "sig",
	})
	return raw
}

func TestAttest_AppliesAndBroadcasts(t *testing.T) {
	clk := clock.NewMock()
	a, bc := newTestAttestation(t, clk, nil)
	matured(t, a, clk)

	res, err := a.Attest(context.Background(), "did:key:bob", 1, "session-1")
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, 1, res.Delta)
	require.False(t, res.FarmingDetected)
	require.Equal(t, 1, a.Score("did:key:bob"))

	// warmup + this attestation both went out
	require.Equal(t, 2, bc.len())
}

func TestFarmingConversion_DailyCap(t *testing.T) {
	clk := clock.NewMock()
	a, _ := newTestAttestation(t, clk, nil)
	matured(t, a, clk)

	res, err := a.Attest(context.Background(), "did:key:bob", 1, "session-1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Delta)

	// a second +1 to the same target the same day is converted to a penalty,
	// not rejected
	clk.Add(time.Minute)
	res, err = a.Attest(context.Background(), "did:key:bob", 1, "session-2")
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.True(t, res.FarmingDetected)
	require.Equal(t, -1, res.Delta)
	require.Equal(t, 0, a.Score("did:key:bob"))
}

func TestProbation_NewIssuerConverted(t *testing.T) {
	clk := clock.NewMock()
	a, _ := newTestAttestation(t, clk, nil)

	// brand-new issuer: positive attestations are penalized during probation
	res, err := a.Attest(context.Background(), "did:key:bob", 1, "session-1")
	require.NoError(t, err)
	require.True(t, res.FarmingDetected)
	require.Equal(t, -1, res.Delta)
	require.Contains(t, res.Reason, "probation")
}

func TestDuplicateAttestationIsNoOp(t *testing.T) {
	clk := clock.NewMock()
	a, bc := newTestAttestation(t, clk, nil)

	msg := remoteMsg("did:key:carol", "did:key:bob", -1, "review", clk.Now().Unix())

	require.NoError(t, a.HandleMessage(context.Background(), msg))
	require.Equal(t, 0, a.Score("did:key:bob")) // -1 clamped at the floor
	first := bc.len()

	// same (issuer, target, ts, context) must not re-apply or re-broadcast
	clk.Add(time.Minute)
	require.NoError(t, a.HandleMessage(context.Background(), msg))
	require.Equal(t, first, bc.len())
}

func TestScoreClamping(t *testing.T) {
	clk := clock.NewMock()

	t.Run("floor", func(t *testing.T) {
		a, _ := newTestAttestation(t, clk, nil)
		for i := 0; i < 3; i++ {
			msg := remoteMsg("did:key:carol", "did:key:bob", -1, fmt.Sprintf("s%d", i), clk.Now().Unix())
			require.NoError(t, a.HandleMessage(context.Background(), msg))
			clk.Add(time.Minute)
		}
		require.Equal(t, ScoreMin, a.Score("did:key:bob"))
	})

	t.Run("ceiling", func(t *testing.T) {
		clk := clock.NewMock()
		seed := []dto.ReputationRecord{{Did: "did:key:bob", Score: ScoreMax}}
		a, _ := newTestAttestation(t, clk, seed)
		matured(t, a, clk)

		res, err := a.Attest(context.Background(), "did:key:bob", 1, "session-1")
		require.NoError(t, err)
		require.Equal(t, ScoreMax, res.NewScore)
	})
}

func TestBadSignatureDropped(t *testing.T) {
	clk := clock.NewMock()
	bc := &captureBroadcast{}
	policy := NewPolicy(PolicyConfig{}, clk)
	a := New(fakeSigner{did: "did:key:self"}, fakeVerifier{ok: false}, bc, &memRepStore{}, policy, clk)

	msg := remoteMsg("did:key:carol", "did:key:bob", -1, "review", clk.Now().Unix())
	require.NoError(t, a.HandleMessage(context.Background(), msg))
	require.Equal(t, 0, a.Score("did:key:bob"))
	require.Equal(t, 0, bc.len())
}

func TestForeignProtocolDropped(t *testing.T) {
	clk := clock.NewMock()
	a, bc := newTestAttestation(t, clk, nil)

	raw, _ := json.Marshal(dto.AttestationMessage{
		Type:         dto.MsgAttestation,
		IssuerDid:    "did:key:carol",
		TargetDid:    "did:key:bob",
		Value:        -1,
		ProtocolHash: "deadbeef",
		Sig:          "sig",
	})

	require.NoError(t, a.HandleMessage(context.Background(), raw))
	require.Equal(t, 0, bc.len())
}

func TestIssueCooldownDrops(t *testing.T) {
	clk := clock.NewMock()
	a, _ := newTestAttestation(t, clk, nil)

	msg := remoteMsg("did:key:carol", "did:key:bob", -1, "s1", clk.Now().Unix())
	require.NoError(t, a.HandleMessage(context.Background(), msg))

	// a second attestation from the same issuer inside the cooldown window is
	// dropped outright
	clk.Add(time.Second)
	msg = remoteMsg("did:key:carol", "did:key:dave", -1, "s2", clk.Now().Unix())
	require.NoError(t, a.HandleMessage(context.Background(), msg))

	require.Equal(t, 0, a.Score("did:key:dave"))
}

// blockingVerifier parks every Verify call until release is closed, exposing
// the window between the dedup check and the score update.
type blockingVerifier struct {
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (v *blockingVerifier) Verify(string, string, string) (bool, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()

	v.entered <- struct{}{}
	<-v.release
	return true, nil
}

func TestConcurrentDuplicateAppliesOnce(t *testing.T) {
	clk := clock.NewMock()
	v := &blockingVerifier{entered: make(chan struct{}, 1), release: make(chan struct{})}
	bc := &captureBroadcast{}
	st := &memRepStore{records: []dto.ReputationRecord{{Did: "did:key:bob", Score: 5}}}
	a := New(fakeSigner{did: "did:key:self"}, v, bc, st, NewPolicy(PolicyConfig{}, clk), clk)

	msg := remoteMsg("did:key:carol", "did:key:bob", -1, "review", clk.Now().Unix())

	first := make(chan error, 1)
	go func() { first <- a.HandleMessage(context.Background(), msg) }()
	<-v.entered // first delivery is parked inside the signature check

	// the second delivery of the same message must stop at the dedup gate
	// without waiting for, or re-running, signature verification
	second := make(chan error, 1)
	go func() { second <- a.HandleMessage(context.Background(), msg) }()
	require.NoError(t, <-second)

	close(v.release)
	require.NoError(t, <-first)

	require.Equal(t, 4, a.Score("did:key:bob"))
	require.Equal(t, 1, bc.len())

	v.mu.Lock()
	defer v.mu.Unlock()
	require.Equal(t, 1, v.calls)
}

func TestBadSignatureDoesNotPoisonDedup(t *testing.T) {
	clk := clock.NewMock()
	bc := &captureBroadcast{}
	st := &memRepStore{}

	// first delivery fails signature verification; the redelivery with a good
	// signature must still apply
	rejecting := New(fakeSigner{did: "did:key:self"}, fakeVerifier{ok: false}, bc, st, NewPolicy(PolicyConfig{}, clk), clk)
	msg := remoteMsg("did:key:carol", "did:key:bob", -1, "review", clk.Now().Unix())
	require.NoError(t, rejecting.HandleMessage(context.Background(), msg))
	require.Equal(t, 0, rejecting.Score("did:key:bob"))

	rejecting.verifier = fakeVerifier{ok: true}
	require.NoError(t, rejecting.HandleMessage(context.Background(), msg))
	require.Equal(t, 0, rejecting.Score("did:key:bob")) // -1 clamped at the floor
	require.Equal(t, 1, bc.len(), "redelivery was applied and propagated")
}

func TestRebroadcastOnlyWhenApplied(t *testing.T) {
	clk := clock.NewMock()
	a, bc := newTestAttestation(t, clk, nil)

	msg := remoteMsg("did:key:carol", "did:key:bob", -1, "review", clk.Now().Unix())
	require.NoError(t, a.HandleMessage(context.Background(), msg))
	require.Equal(t, 1, bc.len(), "first sight propagates")

	require.NoError(t, a.HandleMessage(context.Background(), msg))
	require.Equal(t, 1, bc.len(), "duplicates die here")
}

// Package peer maintains the set of trusted peers. Admission and retention
// are gated by the integrity challenge: a peer that fails a challenge never
// enters (or is evicted from) the set that the gossip router and consensus
// components see.
package peer

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/personhood-net/trustfabric/core/challenge"
)

const defaultRecheckInterval = 5 * time.Minute

// Peer is one admitted validator node.
type Peer struct {
	URL string
	Did string
}

// ChallengeFunc runs one integrity challenge round-trip against a peer.
type ChallengeFunc func(ctx context.Context, p Peer) challenge.Result

// Manager owns the admitted peer set.
type Manager struct {
	challengeFn ChallengeFunc
	onChange    func(count int)
	clock       clock.Clock
	recheck     time.Duration

	mu    sync.RWMutex
	peers map[string]Peer
}

// NewManager builds a peer manager. onChange is called with the new peer
// count after every admission or eviction (it feeds the consensus peer
// gauge); it may be nil.
func NewManager(challengeFn ChallengeFunc, onChange func(int), clk clock.Clock, recheck time.Duration) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if recheck <= 0 {
		recheck = defaultRecheckInterval
	}

	return &Manager{
		challengeFn: challengeFn,
		onChange:    onChange,
		clock:       clk,
		recheck:     recheck,
		peers:       make(map[string]Peer),
	}
}

// Admit challenges the candidate and adds it to the set only on a pass.
func (m *Manager) Admit(ctx context.Context, p Peer) error {
	res := m.challengeFn(ctx, p)
	if !res.Passed {
		return errors.Errorf("peer %s failed integrity challenge: %s", p.URL, res.Reason)
	}

	m.mu.Lock()
	m.peers[p.URL] = p
	count := len(m.peers)
	m.mu.Unlock()

	log.Infof("admitted peer %s (%s), %d peers connected", p.URL, p.Did, count)
	m.notify(count)
	return nil
}

// Remove evicts a peer, e.g. on disconnect.
func (m *Manager) Remove(url string) {
	m.mu.Lock()
	if _, ok := m.peers[url]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.peers, url)
	count := len(m.peers)
	m.mu.Unlock()

	log.Infof("removed peer %s, %d peers connected", url, count)
	m.notify(count)
}

// Snapshot returns the admitted peer URLs.
func (m *Manager) Snapshot() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.peers))
	for url := range m.peers {
		out = append(out, url)
	}
	return out
}

// Lookup returns the peer record for a URL.
func (m *Manager) Lookup(url string) (Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[url]
	return p, ok
}

// Count returns the number of admitted peers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// RunIntegritySweep periodically re-challenges every admitted peer and evicts
// the ones that fail. Blocks until ctx is done.
func (m *Manager) RunIntegritySweep(ctx context.Context) {
	ticker := m.clock.Ticker(m.recheck)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.RLock()
	candidates := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		candidates = append(candidates, p)
	}
	m.mu.RUnlock()

	for _, p := range candidates {
		res := m.challengeFn(ctx, p)
		if res.Passed {
			continue
		}
		log.Warnf("evicting peer %s after failed integrity challenge: %s", p.URL, res.Reason)
		m.Remove(p.URL)
	}
}

func (m *Manager) notify(count int) {
	if m.onChange != nil {
		m.onChange(count)
	}
}

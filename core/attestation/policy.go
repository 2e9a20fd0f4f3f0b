package attestation

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// PolicyConfig tunes the anti-farming gates. Zero values get defaults.
type PolicyConfig struct {
	// DailyGainCap is the max positive deltas one issuer may grant one target
	// per day.
	DailyGainCap int
	// WeeklyGainCap is the max positive deltas a target may receive per week.
	WeeklyGainCap int
	// Probation is how long a first-seen issuer's positive attestations are
	// converted to penalties.
	Probation time.Duration
	// TargetCooldown is the minimum interval between positive attestations
	// from the same issuer to the same target.
	TargetCooldown time.Duration
	// MinContexts is the distinct-context (tool diversity) minimum an issuer
	// must show before repeated positives to one target are trusted.
	MinContexts int
	// RoboticMinSamples is how many issuance intervals are needed before the
	// variance detector speaks.
	RoboticMinSamples int
	// RoboticMaxVariance is the interval variance (seconds squared) below
	// which issuance cadence is considered machine-generated.
	RoboticMaxVariance float64
}

func (c *PolicyConfig) applyDefaults() {
	if c.DailyGainCap <= 0 {
		c.DailyGainCap = 1
	}
	if c.WeeklyGainCap <= 0 {
		c.WeeklyGainCap = 5
	}
	if c.Probation <= 0 {
		c.Probation = 24 * time.Hour
	}
	if c.TargetCooldown <= 0 {
		c.TargetCooldown = time.Hour
	}
	if c.MinContexts <= 0 {
		c.MinContexts = 2
	}
	if c.RoboticMinSamples <= 0 {
		c.RoboticMinSamples = 5
	}
	if c.RoboticMaxVariance <= 0 {
		c.RoboticMaxVariance = 1.0
	}
}

// Decision is the policy verdict for one attestation. A farming hit converts
// the delta to a penalty; it never rejects the message, because conversion,
// not rejection, is the deterrent.
type Decision struct {
	Delta           int
	FarmingDetected bool
	Reason          string
}

type issuerHistory struct {
	firstSeen  time.Time
	issuedAt   []time.Time
	contexts   map[string]struct{}
	dailyGrant map[string][]time.Time // target -> grant times
}

// Policy tracks issuer behavior and gates positive attestations.
type Policy struct {
	cfg   PolicyConfig
	clock clock.Clock

	mu          sync.Mutex
	issuers     map[string]*issuerHistory
	targetGains map[string][]time.Time
}

func NewPolicy(cfg PolicyConfig, clk clock.Clock) *Policy {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Policy{
		cfg:         cfg,
		clock:       clk,
		issuers:     make(map[string]*issuerHistory),
		targetGains: make(map[string][]time.Time),
	}
}

// Evaluate records the attestation in issuer history and returns the delta to
// apply. Negative attestations always pass through unchanged.
func (p *Policy) Evaluate(issuerDid, targetDid, context string, value int) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	h := p.issuers[issuerDid]
	if h == nil {
		h = &issuerHistory{
			firstSeen:  now,
			contexts:   make(map[string]struct{}),
			dailyGrant: make(map[string][]time.Time),
		}
		p.issuers[issuerDid] = h
	}

	h.issuedAt = append(h.issuedAt, now)
	h.contexts[context] = struct{}{}

	if value < 0 {
		return Decision{Delta: value}
	}

	if d, farming := p.checkFarming(h, targetDid, now); farming {
		return d
	}

	h.dailyGrant[targetDid] = append(h.dailyGrant[targetDid], now)
	p.targetGains[targetDid] = append(p.targetGains[targetDid], now)
	return Decision{Delta: value}
}

func (p *Policy) checkFarming(h *issuerHistory, targetDid string, now time.Time) (Decision, bool) {
	penalty := Decision{Delta: -1, FarmingDetected: true}

	if now.Sub(h.firstSeen) < p.cfg.Probation {
		penalty.Reason = "issuer in probation"
		return penalty, true
	}

	grants := pruneOlder(h.dailyGrant[targetDid], now.Add(-24*time.Hour))
	h.dailyGrant[targetDid] = grants
	if len(grants) >= p.cfg.DailyGainCap {
		penalty.Reason = "daily gain cap reached"
		return penalty, true
	}
	if len(grants) > 0 && now.Sub(grants[len(grants)-1]) < p.cfg.TargetCooldown {
		penalty.Reason = "same-issuer cooldown"
		return penalty, true
	}

	gains := pruneOlder(p.targetGains[targetDid], now.Add(-7*24*time.Hour))
	p.targetGains[targetDid] = gains
	if len(gains) >= p.cfg.WeeklyGainCap {
		penalty.Reason = "weekly gain cap reached"
		return penalty, true
	}

	if len(grants) > 0 && len(h.contexts) < p.cfg.MinContexts {
		penalty.Reason = "insufficient tool diversity"
		return penalty, true
	}

	if p.robotic(h.issuedAt) {
		penalty.Reason = "robotic issuance pattern"
		return penalty, true
	}

	return Decision{}, false
}

// robotic flags issuance cadence whose inter-call interval variance is too low
// to be human.
func (p *Policy) robotic(issuedAt []time.Time) bool {
	if len(issuedAt) < p.cfg.RoboticMinSamples+1 {
		return false
	}

	recent := issuedAt[len(issuedAt)-(p.cfg.RoboticMinSamples+1):]
	intervals := make([]float64, 0, p.cfg.RoboticMinSamples)
	for i := 1; i < len(recent); i++ {
		intervals = append(intervals, recent[i].Sub(recent[i-1]).Seconds())
	}

	var mean float64
	for _, iv := range intervals {
		mean += iv
	}
	mean /= float64(len(intervals))

	var variance float64
	for _, iv := range intervals {
		d := iv - mean
		variance += d * d
	}
	variance /= float64(len(intervals))

	return variance < p.cfg.RoboticMaxVariance
}

func pruneOlder(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

package consensus

import (
	"github.com/personhood-net/trustfabric/core/dto"
)

// outcome resolves a locally initiated Propose call.
type outcome struct {
	entry dto.CommittedNullifier
	err   error
}

// round is the ephemeral per-nullifier voting state. It lives only in memory
// and is destroyed on commit, reject, or timeout.
type round struct {
	proposal  dto.ProposeMsg
	votes     map[string]dto.VoteMsg
	committed bool

	// done is non-nil only for rounds this node started via Propose; it is
	// buffered so a handler can resolve it without blocking.
	done chan outcome
}

func newRound(proposal dto.ProposeMsg) *round {
	return &round{
		proposal: proposal,
		votes:    make(map[string]dto.VoteMsg),
	}
}

// tally counts accept and reject votes currently recorded.
func (r *round) tally() (accepts, rejects int) {
	for _, v := range r.votes {
		if v.Vote == dto.VoteAccept {
			accepts++
		} else {
			rejects++
		}
	}
	return accepts, rejects
}

// acceptVotes returns the accept votes as commit evidence.
func (r *round) acceptVotes() []dto.VoteMsg {
	out := make([]dto.VoteMsg, 0, len(r.votes))
	for _, v := range r.votes {
		if v.Vote == dto.VoteAccept {
			out = append(out, v)
		}
	}
	return out
}

// resolve delivers the outcome to a waiting Propose call, if any.
func (r *round) resolve(o outcome) {
	if r.done == nil {
		return
	}
	select {
	case r.done <- o:
	default:
	}
}

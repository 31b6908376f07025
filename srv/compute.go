package srv

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"sort"
	"time"

	"golang.org/x/crypto/sha3"
)

// ProtocolFloor is the minimum number of valid reveals required for an
// ordinary SRV computation; below it the disaster branch fires (spec
// §4.B "SRV computation").
const ProtocolFloor = 3

var disasterMsg = []byte("shared-random-disaster")

// eligibleCommits returns the commits in state that carry a reveal
// (HasReveal), sorted ascending by sortKey (spec §4.B step 1). The reveal
// is not re-checked against the commit blob here.
func eligibleCommits(state *State) []*Commit {
	var out []*Commit
	for _, c := range state.Commits {
		if c.HasReveal {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return sortKey(out[i]) < sortKey(out[j])
	})
	return out
}

// sortKey is the authority's Ed25519 base64 identity, or its RSA
// fingerprint when the identity wasn't available (commits restored from
// the on-disk state file carry no ed25519 token, see persist.go).
func sortKey(c *Commit) string {
	if c.Ed25519ID != "" {
		return c.Ed25519ID
	}
	return c.RSAFpr
}

// ComputeSRV computes the SRV for the protocol run ending at state's
// current reveal phase, per spec §4.B "SRV computation" and testable
// properties 4/8. It does not mutate state. fresh is false iff the
// disaster branch fired.
func ComputeSRV(state *State) (result *SRV, fresh bool) {
	eligible := eligibleCommits(state)

	var prevValue [32]byte
	if state.PreviousSRV != nil {
		prevValue = state.PreviousSRV.Value
	}

	if len(eligible) < ProtocolFloor {
		mac := hmac.New(sha256.New, prevValue[:])
		mac.Write(disasterMsg)
		var value [32]byte
		copy(value[:], mac.Sum(nil))
		return &SRV{NumReveals: uint64(len(eligible)), Value: value}, false
	}

	var buf bytes.Buffer
	for _, c := range eligible {
		buf.WriteString(sortKey(c))
		buf.WriteString(c.RevealB64)
	}
	hashedReveals := sha3.Sum256(buf.Bytes())

	msg := make([]byte, 0, len("shared-random")+1+1+32)
	msg = append(msg, []byte("shared-random")...)
	msg = append(msg, byte(len(eligible)))
	msg = append(msg, byte(ProtoVersion))
	msg = append(msg, prevValue[:]...)

	mac := hmac.New(sha256.New, hashedReveals[:])
	mac.Write(msg)
	var value [32]byte
	copy(value[:], mac.Sum(nil))

	return &SRV{NumReveals: uint64(len(eligible)), Value: value}, true
}

// AdvanceRun finalizes the protocol run that just ended at the reveal/new
// run boundary: computes the new SRV, rotates current into previous,
// installs the new current, and wipes the commit map (spec §4.B "End of
// Reveal phase (entering new run)").
func AdvanceRun(state *State, now time.Time, votingInterval time.Duration) {
	newSRV, fresh := ComputeSRV(state)

	state.PreviousSRV = state.CurrentSRV
	state.CurrentSRV = newSRV
	state.Fresh = fresh

	state.Commits = make(map[string]*Commit)
	state.NCommitRounds = 0
	state.NRevealRounds = 0
	state.NProtocolRuns++

	state.Phase = CurrentPhase(now, votingInterval)
	state.ValidAfter = StartOfCurrentRound(now, votingInterval)
	state.ValidUntil = ValidUntil(now, votingInterval)
}

// Tick advances the coordinator's state to reflect the current time: it
// runs AdvanceRun when the protocol run has ended; otherwise it sets the
// phase and valid_after for now and increments the commit- or
// reveal-round counter. Every such call counts one round, whether or not
// a round boundary was crossed since the last call.
func (c *Coordinator) Tick(now time.Time) error {
	return c.mutate(func(state *State) error {
		if !now.Before(state.ValidUntil) {
			AdvanceRun(state, now, c.cfg.VotingInterval)
			return nil
		}

		newPhase := CurrentPhase(now, c.cfg.VotingInterval)
		if newPhase == PhaseCommit {
			state.NCommitRounds++
		} else {
			state.NRevealRounds++
		}
		state.Phase = newPhase
		state.ValidAfter = StartOfCurrentRound(now, c.cfg.VotingInterval)
		return nil
	})
}

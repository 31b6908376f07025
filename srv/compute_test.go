package srv

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/crypto/sha3"
)

func makeEligibleCommit(id string, revealB64 string) *Commit {
	return &Commit{Ed25519ID: id, HasReveal: true, RevealB64: revealB64}
}

func TestComputeSRVDisasterBranchBelowFloor(t *testing.T) {
	state := &State{Commits: map[string]*Commit{
		"a": makeEligibleCommit("idA", "AAAA"),
		"b": makeEligibleCommit("idB", "BBBB"),
	}}
	result, fresh := ComputeSRV(state)
	if fresh {
		t.Fatal("expected disaster branch (fresh=false) with only 2 eligible commits")
	}
	if result.NumReveals != 2 {
		t.Fatalf("expected NumReveals=2, got %d", result.NumReveals)
	}
}

func TestComputeSRVOrdinaryBranchAtFloor(t *testing.T) {
	state := &State{Commits: map[string]*Commit{
		"a": makeEligibleCommit("idA", "AAAA"),
		"b": makeEligibleCommit("idB", "BBBB"),
		"c": makeEligibleCommit("idC", "CCCC"),
	}}
	result, fresh := ComputeSRV(state)
	if !fresh {
		t.Fatal("expected ordinary branch (fresh=true) at the protocol floor")
	}
	if result.NumReveals != 3 {
		t.Fatalf("expected NumReveals=3, got %d", result.NumReveals)
	}
}

func TestComputeSRVIsDeterministicRegardlessOfMapOrder(t *testing.T) {
	build := func() *State {
		return &State{Commits: map[string]*Commit{
			"x": makeEligibleCommit("z-id", "ZZZZ"),
			"y": makeEligibleCommit("a-id", "AAAA"),
			"z": makeEligibleCommit("m-id", "MMMM"),
		}}
	}
	r1, _ := ComputeSRV(build())
	r2, _ := ComputeSRV(build())
	if r1.Value != r2.Value {
		t.Fatal("expected ComputeSRV to be deterministic across repeated calls with the same commit set")
	}
}

func TestComputeSRVExcludesCommitsWithoutReveal(t *testing.T) {
	state := &State{Commits: map[string]*Commit{
		"a": makeEligibleCommit("idA", "AAAA"),
		"b": makeEligibleCommit("idB", "BBBB"),
		"c": {Ed25519ID: "idC", HasReveal: false},
	}}
	result, fresh := ComputeSRV(state)
	if fresh {
		t.Fatal("commit without a reveal shouldn't count toward the floor")
	}
	if result.NumReveals != 2 {
		t.Fatalf("expected NumReveals=2 (reveal-less commit excluded), got %d", result.NumReveals)
	}
}

func TestAdvanceRunRotatesAndResets(t *testing.T) {
	oldCurrent := &SRV{NumReveals: 5, Value: [32]byte{0xAA}}
	state := &State{
		Commits: map[string]*Commit{
			"a": makeEligibleCommit("idA", "AAAA"),
			"b": makeEligibleCommit("idB", "BBBB"),
			"c": makeEligibleCommit("idC", "CCCC"),
		},
		CurrentSRV:    oldCurrent,
		NCommitRounds: 12,
		NRevealRounds: 12,
		NProtocolRuns: 4,
	}
	now := time.Unix(48, 0).UTC()
	AdvanceRun(state, now, testInterval)

	if state.PreviousSRV != oldCurrent {
		t.Fatal("expected old CurrentSRV to become PreviousSRV")
	}
	if state.CurrentSRV == nil {
		t.Fatal("expected a new CurrentSRV to be computed")
	}
	if len(state.Commits) != 0 {
		t.Fatal("expected commits to be wiped on run advance")
	}
	if state.NCommitRounds != 0 || state.NRevealRounds != 0 {
		t.Fatal("expected round counters to reset")
	}
	if state.NProtocolRuns != 5 {
		t.Fatalf("expected NProtocolRuns incremented to 5, got %d", state.NProtocolRuns)
	}
}

// TestComputeSRVMatchesS4Vector checks scenario S4 from the spec: three
// authorities commit and reveal honestly, and the resulting SRV is
// HMAC-SHA256(SHA3-256(id_A||rev_A||id_B||rev_B||id_C||rev_C sorted by
// Ed25519 id asc), "shared-random" || u8(3) || u8(1) || prev_srv). The expected
// value is computed independently here with the stdlib primitives rather
// than by calling production code, so the test actually exercises the
// message layout ComputeSRV builds.
func TestComputeSRVMatchesS4Vector(t *testing.T) {
	prevSRV := [32]byte{0x22, 0x33, 0x44}

	state := &State{
		Commits: map[string]*Commit{
			"a": makeEligibleCommit("auth-c", "reveal-C"),
			"b": makeEligibleCommit("auth-a", "reveal-A"),
			"c": makeEligibleCommit("auth-b", "reveal-B"),
		},
		PreviousSRV: &SRV{Value: prevSRV},
	}

	result, fresh := ComputeSRV(state)
	if !fresh {
		t.Fatal("expected the ordinary branch with 3 eligible commits")
	}
	if result.NumReveals != 3 {
		t.Fatalf("expected NumReveals=3, got %d", result.NumReveals)
	}

	var r bytes.Buffer
	r.WriteString("auth-a")
	r.WriteString("reveal-A")
	r.WriteString("auth-b")
	r.WriteString("reveal-B")
	r.WriteString("auth-c")
	r.WriteString("reveal-C")
	hashedReveals := sha3.Sum256(r.Bytes())

	msg := append([]byte("shared-random"), byte(3), byte(1))
	msg = append(msg, prevSRV[:]...)

	mac := hmac.New(sha256.New, hashedReveals[:])
	mac.Write(msg)
	var want [32]byte
	copy(want[:], mac.Sum(nil))

	if result.Value != want {
		t.Fatalf("S4 vector mismatch:\n got  %x\n want %x", result.Value, want)
	}
}

// TestComputeSRVMatchesS5Vector checks scenario S5: only two reveals
// arrive with prev_srv.value = [0x11;32], so the disaster branch fires
// with current_srv.value = HMAC-SHA256(key=[0x11;32], "shared-random-disaster").
func TestComputeSRVMatchesS5Vector(t *testing.T) {
	var prevSRV [32]byte
	for i := range prevSRV {
		prevSRV[i] = 0x11
	}

	state := &State{
		Commits: map[string]*Commit{
			"a": makeEligibleCommit("idA", "AAAA"),
			"b": makeEligibleCommit("idB", "BBBB"),
		},
		PreviousSRV: &SRV{Value: prevSRV},
	}

	result, fresh := ComputeSRV(state)
	if fresh {
		t.Fatal("expected the disaster branch with only 2 eligible commits")
	}
	if result.NumReveals != 2 {
		t.Fatalf("expected NumReveals=2, got %d", result.NumReveals)
	}

	mac := hmac.New(sha256.New, prevSRV[:])
	mac.Write([]byte("shared-random-disaster"))
	var want [32]byte
	copy(want[:], mac.Sum(nil))

	if result.Value != want {
		t.Fatalf("S5 vector mismatch:\n got  %x\n want %x", result.Value, want)
	}
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := CoordinatorConfig{
		DataDir:             t.TempDir(),
		VotingInterval:      testInterval,
		SelfRSAFingerprint:  "SELFFPR",
		SelfEd25519Identity: "c2VsZg==",
		Logger:              slog.Default(),
	}
	coord, err := NewCoordinator(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return coord
}

func TestCoordinatorTickAdvancesPhaseWithinRun(t *testing.T) {
	coord := newTestCoordinator(t)
	// Start of the current run (round 0), one full run before ValidUntil.
	start := coord.state.ValidUntil.Add(-RoundsPerRun * testInterval)

	if err := coord.Tick(start.Add(13 * time.Second)); err != nil {
		t.Fatal(err)
	}
	phase, _, _, _, _, _ := coord.Snapshot()
	if phase != PhaseReveal {
		t.Fatalf("expected reveal phase 13s in, got %s", phase)
	}
}

func TestCoordinatorTickAdvancesRunAtBoundary(t *testing.T) {
	coord := newTestCoordinator(t)
	coord.state.Commits["p1"] = makeEligibleCommit("p1id", "AAAA")
	coord.state.Commits["p2"] = makeEligibleCommit("p2id", "BBBB")
	coord.state.Commits["p3"] = makeEligibleCommit("p3id", "CCCC")

	_, _, validUntil, _, _, _ := coord.Snapshot()
	if err := coord.Tick(validUntil.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	_, _, _, previous, current, fresh := coord.Snapshot()
	if current == nil {
		t.Fatal("expected a current SRV to exist after crossing the run boundary")
	}
	if !fresh {
		t.Fatal("expected the ordinary branch with 3 eligible commits")
	}
	_ = previous
}

func TestCoordinatorEnsureOwnCommitIsNoOpOutsideCommitPhase(t *testing.T) {
	coord := newTestCoordinator(t)
	coord.state.Phase = PhaseReveal
	if err := coord.EnsureOwnCommit(); err != nil {
		t.Fatal(err)
	}
	if _, ok := coord.state.Commits[coord.cfg.SelfRSAFingerprint]; ok {
		t.Fatal("expected no self commit to be generated outside the commit phase")
	}
}

func TestCoordinatorEnsureOwnCommitIsIdempotent(t *testing.T) {
	coord := newTestCoordinator(t)
	coord.state.Phase = PhaseCommit
	if err := coord.EnsureOwnCommit(); err != nil {
		t.Fatal(err)
	}
	first := coord.state.Commits[coord.cfg.SelfRSAFingerprint]
	if first == nil {
		t.Fatal("expected a self commit to be generated")
	}
	if err := coord.EnsureOwnCommit(); err != nil {
		t.Fatal(err)
	}
	second := coord.state.Commits[coord.cfg.SelfRSAFingerprint]
	if first.CommitB64 != second.CommitB64 {
		t.Fatal("expected EnsureOwnCommit to be a no-op once a commit exists")
	}
}

// Package srv implements the distributed shared-random-value commit-reveal
// protocol run cooperatively by the directory authorities (spec §3, §4.B).
package srv

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/torsrv/hserr"
)

// Commit is one authority's commitment for the current protocol run
// (spec §3 "Commit").
type Commit struct {
	Alg       string // digest algorithm tag; only SHA3256Alg is valid
	Ed25519ID string // authority's SR identity, base64, as seen on the wire
	RSAFpr    string // authority's long-term RSA fingerprint, hex

	CommitB64 string // base64 commit blob, kept byte-exact for re-emission
	CommitTS  uint64 // seconds since epoch

	HashedReveal [32]byte // H(reveal_encode(RN, TS)), decoded from CommitB64

	HasReveal    bool
	RevealB64    string // base64 reveal blob, kept byte-exact; empty if absent
	RevealTS     uint64
	RandomNumber [32]byte
}

// SRV is a 256-bit shared random value together with the number of reveals
// that contributed to it (spec §3 "SRV").
type SRV struct {
	NumReveals uint64
	Value      [32]byte
}

// Phase is one half of a protocol run.
type Phase int

const (
	PhaseCommit Phase = iota
	PhaseReveal
)

func (p Phase) String() string {
	if p == PhaseReveal {
		return "reveal"
	}
	return "commit"
}

// State is the per-process SR state (spec §3 "SR state"). It is mutated
// only through Coordinator's serialized entry points; callers never touch
// it directly across goroutines.
type State struct {
	Version    int
	Phase      Phase
	ValidAfter time.Time
	ValidUntil time.Time

	Commits map[string]*Commit // keyed by authority RSA fingerprint

	PreviousSRV *SRV
	CurrentSRV  *SRV
	Fresh       bool // false when CurrentSRV was computed via the disaster branch

	NCommitRounds int
	NRevealRounds int
	NProtocolRuns int

	// Extra preserves unrecognized on-disk keys verbatim across a
	// load/save round-trip (the "__extra" bucket, spec §3/§4.B).
	Extra []KV
}

// KV is one preserved-verbatim unknown key/value line.
type KV struct {
	Key   string
	Value string
}

// CoordinatorConfig configures a Coordinator. There is no torrc-style
// loader (spec §6); callers set fields directly, as directory.Cache{Dir:
// ...} is configured in the rest of this repository.
type CoordinatorConfig struct {
	DataDir             string
	VotingInterval      time.Duration // default VotingIntervalDefault if zero
	SelfRSAFingerprint  string
	SelfEd25519Identity string // base64
	Logger              *slog.Logger
}

// Coordinator owns one SR State and is the sole entry point for mutating
// it (spec §9 "Process-global SR state": "model as a single owned value
// handed to a Coordinator struct; pass it explicitly to every operation").
type Coordinator struct {
	mu     sync.Mutex
	state  *State
	cfg    CoordinatorConfig
	logger *slog.Logger
}

// NewCoordinator loads SR state from cfg.DataDir, or initializes a fresh
// state if none exists or the on-disk state fails validation (spec §4.B
// "Validation on load" — rejection is non-fatal).
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.VotingInterval <= 0 {
		cfg.VotingInterval = VotingIntervalDefault
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{cfg: cfg, logger: logger}

	st, err := Load(cfg.DataDir, time.Now().UTC())
	if err != nil {
		logger.Warn("srv: discarding on-disk state", "err", err)
		st = nil
	}
	if st == nil {
		st = freshState(time.Now().UTC(), cfg.VotingInterval)
	}
	c.state = st

	if err := c.persistLocked(); err != nil {
		return nil, hserr.Wrap(hserr.Persistence, "srv: initial persist: %w", err)
	}
	return c, nil
}

func freshState(now time.Time, votingInterval time.Duration) *State {
	return &State{
		Version:    1,
		Phase:      CurrentPhase(now, votingInterval),
		ValidAfter: StartOfCurrentRound(now, votingInterval),
		ValidUntil: ValidUntil(now, votingInterval),
		Commits:    make(map[string]*Commit),
	}
}

// mutate runs fn with the coordinator's lock held, then persists the
// resulting state to disk before returning — the single serialized
// state_query entry point described in spec §4.B/§5: every mutation is
// followed by a disk sync before the next mutation begins.
func (c *Coordinator) mutate(fn func(*State) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := fn(c.state); err != nil {
		return err
	}
	return c.persistLocked()
}

func (c *Coordinator) persistLocked() error {
	if c.cfg.DataDir == "" {
		return nil
	}
	if err := Save(c.cfg.DataDir, c.state); err != nil {
		return hserr.Wrap(hserr.Persistence, "srv: save state: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the coordinator's view of the current and
// previous SRV and phase, safe to read without holding the coordinator's
// lock afterward.
func (c *Coordinator) Snapshot() (phase Phase, validAfter, validUntil time.Time, previous, current *SRV, fresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Phase, c.state.ValidAfter, c.state.ValidUntil, c.state.PreviousSRV, c.state.CurrentSRV, c.state.Fresh
}

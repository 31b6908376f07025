package srv

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/cvsouth/torsrv/cell"
	"github.com/cvsouth/torsrv/hserr"
)

// revealBlob packs timestamp(8, BE) || random_number(32), the raw bytes
// hashed to produce hashed_reveal and base64-encoded for the reveal line
// (spec §3 "Commit", §4.A "reveal_encode").
func revealBlob(ts uint64, rn [32]byte) []byte {
	buf := make([]byte, 40)
	binary.BigEndian.PutUint64(buf[:8], ts)
	copy(buf[8:], rn[:])
	return buf
}

// GenerateOwnCommit produces a fresh commit for the current protocol run:
// a uniformly random 32-byte number, timestamp = validAfter, and the
// resulting hashed-reveal/commit blob (spec §4.B "Commit phase, own
// commit").
func GenerateOwnCommit(ed25519ID, rsaFpr string, validAfterUnix uint64) (*Commit, error) {
	var rn [32]byte
	if _, err := rand.Read(rn[:]); err != nil {
		return nil, fmt.Errorf("srv: generate random number: %w", err)
	}

	blob := revealBlob(validAfterUnix, rn)
	hashedReveal := sha3.Sum256(blob)

	return &Commit{
		Alg:          cell.SHA3256Alg,
		Ed25519ID:    ed25519ID,
		RSAFpr:       rsaFpr,
		CommitTS:     validAfterUnix,
		HashedReveal: hashedReveal,
		CommitB64:    cell.EncodeCommitBlob(hashedReveal, validAfterUnix),
		HasReveal:    true,
		RevealTS:     validAfterUnix,
		RandomNumber: rn,
		RevealB64:    cell.EncodeRevealBlob(validAfterUnix, rn),
	}, nil
}

// IngestPeerCommit validates and, if acceptable, applies a peer's parsed
// commit line to state, per spec §4.B "Any phase, ingest peer commits".
// Returns a *hserr.Error of kind Protocol on any rejection; a duplicate
// identical commit is accepted idempotently (not an error).
func IngestPeerCommit(state *State, line *cell.CommitLine, phase Phase) error {
	if line.Alg != cell.SHA3256Alg {
		return hserr.Wrap(hserr.Protocol, "srv: commit alg %q not sha3-256", line.Alg)
	}
	if len(line.Ed25519ID) == 0 {
		return hserr.Wrap(hserr.Protocol, "srv: commit missing ed25519 identity")
	}
	if line.HasReveal && phase == PhaseCommit {
		return hserr.Wrap(hserr.Protocol, "srv: reveal attached during commit phase")
	}

	if line.HasReveal {
		if err := verifyCommitAndReveal(line); err != nil {
			return hserr.Wrap(hserr.Protocol, "srv: verify commit/reveal: %w", err)
		}
	}

	existing, ok := state.Commits[line.RSAFpr]
	if ok {
		if existing.CommitB64 == line.CommitB64 {
			// Idempotent: same commit seen again. A reveal attachment
			// arriving on a subsequent vote still needs to be merged in.
			if line.HasReveal && !existing.HasReveal {
				existing.HasReveal = true
				existing.RevealB64 = line.RevealB64
				existing.RevealTS = line.RevealTS
				existing.RandomNumber = line.RandomNumber
			}
			return nil
		}
		return hserr.Wrap(hserr.Protocol, "srv: conflicting commit from %s, keeping earliest", line.RSAFpr)
	}

	c := &Commit{
		Alg:          line.Alg,
		Ed25519ID:    line.Ed25519ID,
		RSAFpr:       line.RSAFpr,
		CommitB64:    line.CommitB64,
		CommitTS:     line.CommitTS,
		HashedReveal: line.HashedReveal,
		HasReveal:    line.HasReveal,
		RevealB64:    line.RevealB64,
		RevealTS:     line.RevealTS,
		RandomNumber: line.RandomNumber,
	}
	state.Commits[line.RSAFpr] = c
	return nil
}

// verifyCommitAndReveal checks H(encoded_reveal) == hashed_reveal and
// commit_ts == reveal_ts (spec §3 invariants).
func verifyCommitAndReveal(line *cell.CommitLine) error {
	if line.CommitTS != line.RevealTS {
		return fmt.Errorf("commit_ts %d != reveal_ts %d", line.CommitTS, line.RevealTS)
	}
	blob := revealBlob(line.RevealTS, line.RandomNumber)
	got := sha3.Sum256(blob)
	if got != line.HashedReveal {
		return fmt.Errorf("H(reveal) mismatch")
	}
	return nil
}

// IngestVote applies every commit line found in a single peer vote's
// commit-line texts to the coordinator's state.
func (c *Coordinator) IngestVote(commitLines []string) []error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, raw := range commitLines {
		parsed, err := cell.ParseCommitLine(raw)
		if err != nil {
			errs = append(errs, hserr.Wrap(hserr.Protocol, "srv: parse commit line: %w", err))
			continue
		}
		if err := IngestPeerCommit(c.state, parsed, c.state.Phase); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.persistLocked(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// EnsureOwnCommit generates and records this authority's own commit for
// the current run if it doesn't have one yet. No-op (not an error) if a
// commit already exists, or if the current phase isn't Commit.
func (c *Coordinator) EnsureOwnCommit() error {
	return c.mutate(func(state *State) error {
		if state.Phase != PhaseCommit {
			return nil
		}
		if _, ok := state.Commits[c.cfg.SelfRSAFingerprint]; ok {
			return nil
		}
		commit, err := GenerateOwnCommit(c.cfg.SelfEd25519Identity, c.cfg.SelfRSAFingerprint, uint64(state.ValidAfter.Unix()))
		if err != nil {
			return err
		}
		state.Commits[c.cfg.SelfRSAFingerprint] = commit
		return nil
	})
}

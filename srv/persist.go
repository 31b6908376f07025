package srv

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cvsouth/torsrv/hserr"
)

// StateFileName is the file under the data directory holding the
// persisted SR state (spec §6 "Persisted SR file").
const StateFileName = "sr-state"

const stateFileBanner = "# Generated by torsrv's SRV coordinator. Do not edit; changes will be lost.\n"

// fileCommit is the on-disk "Commit" line shape: alg, rsa_fpr, commit_b64,
// [reveal_b64] — note this omits the ed25519 identity carried on vote
// lines (spec §6 lists "Commit <alg> <rsa_fpr> <commit_b64> [<reveal_b64>]"
// with no ed25519 token). Restored commits therefore have an empty
// Ed25519ID; ComputeSRV falls back to sorting by RSAFpr in that case so a
// cold-started coordinator still computes deterministically.
type fileCommit struct {
	Alg       string
	RSAFpr    string
	CommitB64 string
	RevealB64 string
	HasReveal bool
}

func parseFileCommit(fields string) (*fileCommit, error) {
	toks := strings.Fields(fields)
	if len(toks) < 3 || len(toks) > 4 {
		return nil, fmt.Errorf("commit line: %d tokens, want 3 or 4", len(toks))
	}
	fc := &fileCommit{Alg: toks[0], RSAFpr: toks[1], CommitB64: toks[2]}
	if len(toks) == 4 {
		fc.RevealB64 = toks[3]
		fc.HasReveal = true
	}
	return fc, nil
}

func formatFileCommit(c *Commit) string {
	if c.HasReveal {
		return fmt.Sprintf("Commit %s %s %s %s\n", c.Alg, c.RSAFpr, c.CommitB64, c.RevealB64)
	}
	return fmt.Sprintf("Commit %s %s %s\n", c.Alg, c.RSAFpr, c.CommitB64)
}

const isoLayout = "2006-01-02T15:04:05Z"

// Load reads and validates the SR state file in dataDir. Per spec §4.B
// "Validation on load", a structurally invalid or expired file is
// rejected (nil, err) rather than treated as fatal; callers fall back to
// a fresh state.
func Load(dataDir string, now time.Time) (*State, error) {
	if dataDir == "" {
		return nil, hserr.Wrap(hserr.Persistence, "srv: no data directory configured")
	}
	data, err := os.ReadFile(filepath.Join(dataDir, StateFileName))
	if err != nil {
		return nil, hserr.Wrap(hserr.Persistence, "srv: read state file: %w", err)
	}

	state := &State{Commits: make(map[string]*Commit)}
	var haveVersion, haveValidAfter, haveValidUntil bool

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		key, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		switch key {
		case "Version":
			v, err := strconv.Atoi(rest)
			if err != nil {
				return nil, hserr.Wrap(hserr.Persistence, "srv: parse Version: %w", err)
			}
			if v > ProtoVersion {
				return nil, hserr.Wrap(hserr.Persistence, "srv: state file version %d newer than supported %d", v, ProtoVersion)
			}
			state.Version = v
			haveVersion = true

		case "ValidAfter":
			t, err := time.Parse(isoLayout, rest)
			if err != nil {
				return nil, hserr.Wrap(hserr.Persistence, "srv: parse ValidAfter: %w", err)
			}
			state.ValidAfter = t
			haveValidAfter = true

		case "ValidUntil":
			t, err := time.Parse(isoLayout, rest)
			if err != nil {
				return nil, hserr.Wrap(hserr.Persistence, "srv: parse ValidUntil: %w", err)
			}
			state.ValidUntil = t
			haveValidUntil = true

		case "Commit":
			fc, err := parseFileCommit(rest)
			if err != nil {
				return nil, hserr.Wrap(hserr.Persistence, "srv: parse Commit line: %w", err)
			}
			cl, err := decodeFileCommit(fc)
			if err != nil {
				return nil, hserr.Wrap(hserr.Persistence, "srv: decode Commit line: %w", err)
			}
			state.Commits[fc.RSAFpr] = cl

		case "SharedRandPreviousValue":
			v, err := parsePersistedSRVLine(rest)
			if err != nil {
				return nil, hserr.Wrap(hserr.Persistence, "srv: parse SharedRandPreviousValue: %w", err)
			}
			state.PreviousSRV = v

		case "SharedRandCurrentValue":
			v, err := parsePersistedSRVLine(rest)
			if err != nil {
				return nil, hserr.Wrap(hserr.Persistence, "srv: parse SharedRandCurrentValue: %w", err)
			}
			state.CurrentSRV = v

		default:
			state.Extra = append(state.Extra, KV{Key: key, Value: rest})
		}
	}

	if !haveVersion || !haveValidAfter || !haveValidUntil {
		return nil, hserr.Wrap(hserr.Persistence, "srv: state file missing required keys")
	}
	if state.ValidUntil.Before(now) {
		return nil, hserr.Wrap(hserr.Persistence, "srv: state file expired (valid_until %s < now %s)", state.ValidUntil, now)
	}
	if !state.ValidAfter.Before(state.ValidUntil) {
		return nil, hserr.Wrap(hserr.Persistence, "srv: valid_after %s >= valid_until %s", state.ValidAfter, state.ValidUntil)
	}

	state.Phase = CurrentPhase(now, VotingIntervalDefault)
	return state, nil
}

func decodeFileCommit(fc *fileCommit) (*Commit, error) {
	commitBytes, err := base64.StdEncoding.DecodeString(fc.CommitB64)
	if err != nil {
		return nil, fmt.Errorf("decode commit blob: %w", err)
	}
	if len(commitBytes) != 40 {
		return nil, fmt.Errorf("commit blob %d bytes, want 40", len(commitBytes))
	}
	c := &Commit{Alg: fc.Alg, RSAFpr: fc.RSAFpr, CommitB64: fc.CommitB64}
	copy(c.HashedReveal[:], commitBytes[:32])
	c.CommitTS = binary.BigEndian.Uint64(commitBytes[32:40])

	if fc.HasReveal {
		revealBytes, err := base64.StdEncoding.DecodeString(fc.RevealB64)
		if err != nil {
			return nil, fmt.Errorf("decode reveal blob: %w", err)
		}
		if len(revealBytes) != 40 {
			return nil, fmt.Errorf("reveal blob %d bytes, want 40", len(revealBytes))
		}
		c.HasReveal = true
		c.RevealB64 = fc.RevealB64
		c.RevealTS = binary.BigEndian.Uint64(revealBytes[:8])
		copy(c.RandomNumber[:], revealBytes[8:40])
	}
	return c, nil
}

func parsePersistedSRVLine(fields string) (*SRV, error) {
	toks := strings.Fields(fields)
	if len(toks) != 2 {
		return nil, fmt.Errorf("%d tokens, want 2", len(toks))
	}
	if strings.HasPrefix(toks[0], "-") {
		return nil, fmt.Errorf("num_reveals %q negative", toks[0])
	}
	n, err := strconv.ParseUint(toks[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse num_reveals: %w", err)
	}
	if len(toks[1]) != 64 {
		return nil, fmt.Errorf("value %q not 32 bytes hex", toks[1])
	}
	var value [32]byte
	for i := 0; i < 32; i++ {
		var b byte
		if _, err := fmt.Sscanf(toks[1][2*i:2*i+2], "%02x", &b); err != nil {
			return nil, fmt.Errorf("decode hex: %w", err)
		}
		value[i] = b
	}
	return &SRV{NumReveals: n, Value: value}, nil
}

func formatPersistedSRVLine(s *SRV) string {
	return fmt.Sprintf("%d %x", s.NumReveals, s.Value[:])
}

// Save rebuilds the disk representation of state and writes it atomically
// (write-tmp-then-rename) to dataDir/sr-state, preserving any unrecognized
// keys verbatim (spec §4.B "Persistence").
func Save(dataDir string, state *State) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("srv: create data dir: %w", err)
	}

	var b strings.Builder
	b.WriteString(stateFileBanner)
	fmt.Fprintf(&b, "Version %d\n", state.Version)
	fmt.Fprintf(&b, "ValidAfter %s\n", state.ValidAfter.UTC().Format(isoLayout))
	fmt.Fprintf(&b, "ValidUntil %s\n", state.ValidUntil.UTC().Format(isoLayout))

	fprs := make([]string, 0, len(state.Commits))
	for fpr := range state.Commits {
		fprs = append(fprs, fpr)
	}
	sort.Strings(fprs)
	for _, fpr := range fprs {
		b.WriteString(formatFileCommit(state.Commits[fpr]))
	}

	if state.PreviousSRV != nil {
		fmt.Fprintf(&b, "SharedRandPreviousValue %s\n", formatPersistedSRVLine(state.PreviousSRV))
	}
	if state.CurrentSRV != nil {
		fmt.Fprintf(&b, "SharedRandCurrentValue %s\n", formatPersistedSRVLine(state.CurrentSRV))
	}
	for _, kv := range state.Extra {
		fmt.Fprintf(&b, "%s %s\n", kv.Key, kv.Value)
	}

	path := filepath.Join(dataDir, StateFileName)
	tmp, err := os.CreateTemp(dataDir, "sr-state.tmp-*")
	if err != nil {
		return fmt.Errorf("srv: create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("srv: write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("srv: sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("srv: close temp state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("srv: chmod temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("srv: rename temp state file into place: %w", err)
	}
	return nil
}

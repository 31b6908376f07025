package cell

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
)

// CommitLine is a parsed "shared-rand-commit" vote line (§4.A, §6).
// Tokens: alg, ed25519_identity, rsa_fpr, commit_b64, [reveal_b64].
type CommitLine struct {
	Alg          string
	Ed25519ID    string // base64, as it appeared on the wire
	RSAFpr       string // hex, as it appeared on the wire
	CommitB64    string
	RevealB64    string // empty if no reveal attached
	HasReveal    bool
	HashedReveal [32]byte // decoded from CommitB64: hashed_reveal(32) || timestamp(8, BE)
	CommitTS     uint64
	RevealTS     uint64 // valid only if HasReveal
	RandomNumber [32]byte
}

// SHA3256Alg is the only digest algorithm tag the protocol accepts.
const SHA3256Alg = "sha3-256"

// ParseCommitLine tokenizes and decodes a shared-rand-commit vote line's
// fields (without the leading "shared-rand-commit" keyword — callers strip
// that before calling, matching how directory/consensus.go peels off line
// prefixes before parsing fields).
func ParseCommitLine(fields string) (*CommitLine, error) {
	toks := strings.Fields(fields)
	if len(toks) < 4 || len(toks) > 5 {
		return nil, fmt.Errorf("commit line: %d tokens, want 4 or 5: %w", len(toks), ErrInvalid)
	}

	c := &CommitLine{
		Alg:       toks[0],
		Ed25519ID: toks[1],
		RSAFpr:    toks[2],
		CommitB64: toks[3],
	}
	if len(toks) == 5 {
		c.RevealB64 = toks[4]
		c.HasReveal = true
	}

	commitBytes, err := base64.StdEncoding.DecodeString(c.CommitB64)
	if err != nil {
		return nil, fmt.Errorf("commit line: decode commit: %w", err)
	}
	if len(commitBytes) != 40 {
		return nil, fmt.Errorf("commit line: commit blob %d bytes, want 40: %w", len(commitBytes), ErrInvalid)
	}
	copy(c.HashedReveal[:], commitBytes[:32])
	c.CommitTS = binary.BigEndian.Uint64(commitBytes[32:40])

	if c.HasReveal {
		revealBytes, err := base64.StdEncoding.DecodeString(c.RevealB64)
		if err != nil {
			return nil, fmt.Errorf("commit line: decode reveal: %w", err)
		}
		if len(revealBytes) != 40 {
			return nil, fmt.Errorf("commit line: reveal blob %d bytes, want 40: %w", len(revealBytes), ErrInvalid)
		}
		c.RevealTS = binary.BigEndian.Uint64(revealBytes[:8])
		copy(c.RandomNumber[:], revealBytes[8:40])
	}

	return c, nil
}

// FormatCommitLine renders a CommitLine back into wire tokens (without the
// leading keyword), for re-emission into an outgoing vote.
func FormatCommitLine(c *CommitLine) string {
	if c.HasReveal {
		return fmt.Sprintf("%s %s %s %s %s", c.Alg, c.Ed25519ID, c.RSAFpr, c.CommitB64, c.RevealB64)
	}
	return fmt.Sprintf("%s %s %s %s", c.Alg, c.Ed25519ID, c.RSAFpr, c.CommitB64)
}

// EncodeCommitBlob builds the 40-byte commit blob hashed_reveal(32) ||
// timestamp(8, BE) and returns its base64 encoding.
func EncodeCommitBlob(hashedReveal [32]byte, ts uint64) string {
	buf := make([]byte, 40)
	copy(buf[:32], hashedReveal[:])
	binary.BigEndian.PutUint64(buf[32:40], ts)
	return base64.StdEncoding.EncodeToString(buf)
}

// EncodeRevealBlob builds the 40-byte reveal blob timestamp(8, BE) ||
// random_number(32) and returns its base64 encoding.
func EncodeRevealBlob(ts uint64, rn [32]byte) string {
	buf := make([]byte, 40)
	binary.BigEndian.PutUint64(buf[0:8], ts)
	copy(buf[8:40], rn[:])
	return base64.StdEncoding.EncodeToString(buf)
}

// SRVLine is a parsed "shared-rand-previous-value"/"shared-rand-current-value"
// vote or consensus line: NumReveals(u64) Hex32.
type SRVLine struct {
	NumReveals uint64
	Value      [32]byte
}

// ParseSRVLine parses the fields of an SRV vote/consensus line (without the
// leading keyword).
func ParseSRVLine(fields string) (*SRVLine, error) {
	toks := strings.Fields(fields)
	if len(toks) != 2 {
		return nil, fmt.Errorf("srv line: %d tokens, want 2: %w", len(toks), ErrInvalid)
	}
	var n uint64
	if _, err := fmt.Sscanf(toks[0], "%d", &n); err != nil {
		return nil, fmt.Errorf("srv line: parse num_reveals: %w", err)
	}
	valBytes, err := base64.StdEncoding.DecodeString(toks[1])
	if err != nil {
		// Some callers pass hex per §6; try that too.
		return parseSRVLineHex(n, toks[1])
	}
	if len(valBytes) != 32 {
		return parseSRVLineHex(n, toks[1])
	}
	s := &SRVLine{NumReveals: n}
	copy(s.Value[:], valBytes)
	return s, nil
}

func parseSRVLineHex(n uint64, tok string) (*SRVLine, error) {
	if len(tok) != 64 {
		return nil, fmt.Errorf("srv line: value %q not 32 bytes: %w", tok, ErrInvalid)
	}
	var buf [32]byte
	for i := 0; i < 32; i++ {
		var b byte
		if _, err := fmt.Sscanf(tok[2*i:2*i+2], "%02x", &b); err != nil {
			return nil, fmt.Errorf("srv line: decode hex: %w", err)
		}
		buf[i] = b
	}
	return &SRVLine{NumReveals: n, Value: buf}, nil
}

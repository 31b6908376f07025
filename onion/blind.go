package onion

import (
	"encoding/binary"
	"time"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"
)

const (
	// Default time period length in minutes (1 day)
	defaultTimePeriodLength = 1440
	// Rotation time offset: 12 voting periods of 60 minutes each = 720 minutes
	rotationTimeOffset = 12 * 60
)

// blindString is the constant prefix for blinding factor derivation.
var blindString = []byte("Derive temporary signing key\x00")

// ed25519Basepoint is the string representation of the Ed25519 basepoint B,
// as specified in rend-spec-v3.
var ed25519Basepoint = []byte("(15112221349535400772501151409588531511454012693041857206046113283949847762202, 46316835694926478169428394003475163141307993866256225615783033603165251855960)")

// TimePeriod computes the current time period number.
// tp = (minutes_since_epoch - rotation_time_offset) / time_period_length
func TimePeriod(t time.Time, periodLength int64) int64 {
	if periodLength <= 0 {
		periodLength = defaultTimePeriodLength
	}
	minutesSinceEpoch := t.Unix() / 60
	return (minutesSinceEpoch - rotationTimeOffset) / periodLength
}

// BlindPublicKey derives the blinded public key A' = h * A for the given
// time period. The nonce N = "key-blind" | INT_8(period_number) | INT_8(period_length).
func BlindPublicKey(pubkey [32]byte, periodNumber int64, periodLength int64) ([32]byte, error) {
	var blinded [32]byte

	if periodLength <= 0 {
		periodLength = defaultTimePeriodLength
	}

	// Compute nonce N
	nonce := buildBlindNonce(periodNumber, periodLength)

	// Compute blinding factor h = SHA3-256(BLIND_STRING | A | s | B | N)
	// For client-side, s (secret) is empty
	h := sha3.New256()
	h.Write(blindString)
	h.Write(pubkey[:])
	h.Write(ed25519Basepoint)
	h.Write(nonce)
	hBytes := h.Sum(nil)

	// h as scalar (SetBytesWithClamping handles clamping)
	hScalar, err := new(edwards25519.Scalar).SetBytesWithClamping(hBytes)
	if err != nil {
		return blinded, err
	}

	// A as point
	A, err := new(edwards25519.Point).SetBytes(pubkey[:])
	if err != nil {
		return blinded, err
	}

	// A' = h * A
	Aprime := new(edwards25519.Point).ScalarMult(hScalar, A)
	copy(blinded[:], Aprime.Bytes())
	return blinded, nil
}

// Subcredential computes the subcredential for a given time period.
// N_hs_subcred = SHA3-256("subcredential" | N_hs_cred | blinded_public_key)
// N_hs_cred = SHA3-256("credential" | public_identity_key)
func Subcredential(pubkey [32]byte, blindedKey [32]byte) [32]byte {
	// Credential
	credHash := sha3.New256()
	credHash.Write([]byte("credential"))
	credHash.Write(pubkey[:])
	credential := credHash.Sum(nil)

	// Subcredential
	subHash := sha3.New256()
	subHash.Write([]byte("subcredential"))
	subHash.Write(credential)
	subHash.Write(blindedKey[:])
	var subcred [32]byte
	copy(subcred[:], subHash.Sum(nil))
	return subcred
}

func buildBlindNonce(periodNumber, periodLength int64) []byte {
	// N = "key-blind" | INT_8(period_number) | INT_8(period_length)
	nonce := make([]byte, 0, 9+8+8)
	nonce = append(nonce, []byte("key-blind")...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(periodNumber))
	nonce = append(nonce, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], uint64(periodLength))
	nonce = append(nonce, buf[:]...)
	return nonce
}

// TimePeriodStart returns the wall-clock instant at which periodNumber
// begins, the inverse of TimePeriod.
func TimePeriodStart(periodNumber int64, periodLength int64) time.Time {
	if periodLength <= 0 {
		periodLength = defaultTimePeriodLength
	}
	minutesSinceEpoch := periodNumber*periodLength + rotationTimeOffset
	return time.Unix(minutesSinceEpoch*60, 0).UTC()
}

// NextTimePeriod returns the time period number immediately following t's.
func NextTimePeriod(t time.Time, periodLength int64) int64 {
	return TimePeriod(t, periodLength) + 1
}

// IsOverlapPeriod reports whether t falls in the "overlap period" — the
// rotationTimeOffset-wide window after a time period boundary during which
// both the old and new time periods' descriptors/HSDirs must be considered
// live (rend-spec-v3 §2.2.3.2 "reachability and overlap"). Scenario S3.
func IsOverlapPeriod(t time.Time, periodLength int64) bool {
	if periodLength <= 0 {
		periodLength = defaultTimePeriodLength
	}
	minutesSinceEpoch := t.Unix() / 60
	tp := TimePeriod(t, periodLength)
	boundary := tp*periodLength + rotationTimeOffset
	return minutesSinceEpoch >= boundary && minutesSinceEpoch < boundary+rotationTimeOffset
}

// BlindPrivateKey derives the blinded Ed25519 expanded private key pair
// (32-byte scalar, 32-byte PRF seed for nonce generation) for the given
// time period, mirroring BlindPublicKey but on the secret side. expandedSK
// is the 64-byte Ed25519 "expanded" secret key: the clamped scalar a (first
// 32 bytes) followed by the PRF seed (last 32 bytes), as produced by
// SHA-512(master_seed) and clamping (rend-spec-v3 §A.2, "calculating the
// blinded private key"). pubkey is the corresponding public point A = a*B.
func BlindPrivateKey(expandedSK [64]byte, pubkey [32]byte, periodNumber int64, periodLength int64) ([64]byte, error) {
	var blinded [64]byte

	if periodLength <= 0 {
		periodLength = defaultTimePeriodLength
	}

	nonce := buildBlindNonce(periodNumber, periodLength)

	h := sha3.New256()
	h.Write(blindString)
	h.Write(pubkey[:])
	h.Write(ed25519Basepoint)
	h.Write(nonce)
	hBytes := h.Sum(nil)

	hScalar, err := new(edwards25519.Scalar).SetBytesWithClamping(hBytes)
	if err != nil {
		return blinded, err
	}

	aScalar, err := new(edwards25519.Scalar).SetBytesWithClamping(expandedSK[:32])
	if err != nil {
		return blinded, err
	}

	// a' = h * a (mod l), the blinded secret scalar.
	blindedScalar := new(edwards25519.Scalar).Multiply(hScalar, aScalar)
	copy(blinded[:32], blindedScalar.Bytes())

	// The nonce-derivation seed must also change so per-message signing
	// nonces aren't reused across a key-blinding boundary: derive a fresh
	// seed from the original seed and the blinding nonce rather than
	// reusing expandedSK[32:64] verbatim.
	seedHash := sha3.New256()
	seedHash.Write([]byte("blinded-seed"))
	seedHash.Write(expandedSK[32:64])
	seedHash.Write(nonce)
	copy(blinded[32:64], seedHash.Sum(nil))

	return blinded, nil
}

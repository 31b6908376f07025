package onion

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"filippo.io/edwards25519"
)

func TestBlindPrivateKeyMatchesBlindPublicKey(t *testing.T) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		t.Fatal(err)
	}
	aScalar, err := new(edwards25519.Scalar).SetBytesWithClamping(seed[:])
	if err != nil {
		t.Fatal(err)
	}
	A := new(edwards25519.Point).ScalarBaseMult(aScalar)
	var pubkey [32]byte
	copy(pubkey[:], A.Bytes())

	// expandedSK[:32] holds the clamped (unreduced) scalar bytes, as an
	// Ed25519 expanded secret key does; aScalar is their value mod l.
	clamped := seed
	clamped[0] &= 248
	clamped[31] &= 63
	clamped[31] |= 64
	var expandedSK [64]byte
	copy(expandedSK[:32], clamped[:])
	if _, err := rand.Read(expandedSK[32:]); err != nil {
		t.Fatal(err)
	}

	const periodNum = 12345
	const periodLength = defaultTimePeriodLength

	blindedPub, err := BlindPublicKey(pubkey, periodNum, periodLength)
	if err != nil {
		t.Fatal(err)
	}
	blindedPriv, err := BlindPrivateKey(expandedSK, pubkey, periodNum, periodLength)
	if err != nil {
		t.Fatal(err)
	}

	blindedScalar, err := new(edwards25519.Scalar).SetCanonicalBytes(blindedPriv[:32])
	if err != nil {
		t.Fatal(err)
	}
	gotPoint := new(edwards25519.Point).ScalarBaseMult(blindedScalar)
	if !bytes.Equal(gotPoint.Bytes(), blindedPub[:]) {
		t.Fatal("blinded private key's public point doesn't match BlindPublicKey's result")
	}
}

func TestBlindPrivateKeyDeterministic(t *testing.T) {
	var expandedSK [64]byte
	expandedSK[0] = 0x11
	expandedSK[32] = 0x22
	var pubkey [32]byte
	pubkey[0] = 0x01

	b1, err := BlindPrivateKey(expandedSK, pubkey, 100, defaultTimePeriodLength)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := BlindPrivateKey(expandedSK, pubkey, 100, defaultTimePeriodLength)
	if err != nil {
		t.Fatal(err)
	}
	if b1 != b2 {
		t.Fatal("expected BlindPrivateKey to be deterministic for identical inputs")
	}

	b3, err := BlindPrivateKey(expandedSK, pubkey, 101, defaultTimePeriodLength)
	if err != nil {
		t.Fatal(err)
	}
	if b1 == b3 {
		t.Fatal("expected a different period number to produce a different blinded key")
	}
}

func TestTimePeriodStartInvertsTimePeriod(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	tp := TimePeriod(now, defaultTimePeriodLength)
	start := TimePeriodStart(tp, defaultTimePeriodLength)
	if TimePeriod(start, defaultTimePeriodLength) != tp {
		t.Fatal("expected TimePeriodStart(TimePeriod(t)) to land back in the same period")
	}
	if start.After(now) {
		t.Fatal("expected the period start to be at or before now")
	}
}

func TestNextTimePeriodIsOneMore(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	if NextTimePeriod(now, defaultTimePeriodLength) != TimePeriod(now, defaultTimePeriodLength)+1 {
		t.Fatal("expected NextTimePeriod to be exactly one more than the current period")
	}
}

func TestIsOverlapPeriod(t *testing.T) {
	tp := int64(500)
	boundary := TimePeriodStart(tp, defaultTimePeriodLength)

	if IsOverlapPeriod(boundary.Add(-time.Minute), defaultTimePeriodLength) {
		t.Fatal("expected no overlap just before the period boundary")
	}
	if !IsOverlapPeriod(boundary, defaultTimePeriodLength) {
		t.Fatal("expected overlap to start exactly at the period boundary")
	}
	if !IsOverlapPeriod(boundary.Add(rotationTimeOffset*time.Minute-time.Minute), defaultTimePeriodLength) {
		t.Fatal("expected overlap to still hold just before the window ends")
	}
	if IsOverlapPeriod(boundary.Add(rotationTimeOffset*time.Minute), defaultTimePeriodLength) {
		t.Fatal("expected overlap to have ended by rotationTimeOffset minutes after the boundary")
	}
}

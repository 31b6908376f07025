package hsintropoint

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/sha3"

	"github.com/cvsouth/torsrv/cell"
)

// buildSignedEstablishIntro mirrors hsservice.BuildEstablishIntroCell's
// two-pass MAC-then-sign construction, kept local to this test so
// hsintropoint doesn't import hsservice (the relay/service boundary).
func buildSignedEstablishIntro(t *testing.T, authPub ed25519.PublicKey, authPriv ed25519.PrivateKey, circuitKeyMaterial []byte) []byte {
	t.Helper()

	e := &cell.EstablishIntro{AuthKeyType: cell.AuthKeyTypeEd25519, AuthKey: authPub}
	draft, err := cell.EncodeEstablishIntro(e)
	if err != nil {
		t.Fatal(err)
	}
	prefixLen := len(draft) - (cell.EstablishIntroMACLen + 2)
	prefix := draft[:prefixLen]

	mac := hmacSum(circuitKeyMaterial, prefix)
	copy(e.HandshakeMAC[:], mac)

	signed := make([]byte, 0, len(EstablishIntroSigPrefix)+prefixLen+cell.EstablishIntroMACLen+2)
	signed = append(signed, []byte(EstablishIntroSigPrefix)...)
	signed = append(signed, prefix...)
	signed = append(signed, e.HandshakeMAC[:]...)
	signed = append(signed, 0x00, byte(ed25519.SignatureSize))

	e.Sig = ed25519.Sign(authPriv, signed)

	final, err := cell.EncodeEstablishIntro(e)
	if err != nil {
		t.Fatal(err)
	}
	return final
}

func hmacSum(key, msg []byte) []byte {
	h := newHMAC(key)
	h.Write(msg)
	return h.Sum(nil)
}

func newHMAC(key []byte) interface {
	Write([]byte) (int, error)
	Sum([]byte) []byte
} {
	return hmac.New(sha3.New256, key)
}

func TestVerifyEstablishIntroAccepts(t *testing.T) {
	authPub, authPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	circuitKeyMaterial := []byte("circuit-digest-seed")

	raw := buildSignedEstablishIntro(t, authPub, authPriv, circuitKeyMaterial)
	e, err := cell.DecodeEstablishIntro(raw)
	if err != nil {
		t.Fatal(err)
	}

	if err := VerifyEstablishIntro(raw, e, circuitKeyMaterial); err != nil {
		t.Fatalf("expected valid cell to verify, got: %v", err)
	}
}

func TestVerifyEstablishIntroRejectsBadMAC(t *testing.T) {
	authPub, authPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	raw := buildSignedEstablishIntro(t, authPub, authPriv, []byte("circuit-a"))
	e, err := cell.DecodeEstablishIntro(raw)
	if err != nil {
		t.Fatal(err)
	}

	if err := VerifyEstablishIntro(raw, e, []byte("circuit-b")); err == nil {
		t.Fatal("expected MAC verification to fail with the wrong circuit key material")
	}
}

func TestVerifyEstablishIntroRejectsBadSignature(t *testing.T) {
	authPub, authPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	circuitKeyMaterial := []byte("circuit-digest-seed")

	raw := buildSignedEstablishIntro(t, authPub, authPriv, circuitKeyMaterial)
	// Flip a byte inside the signed range so the MAC still matches
	// (it's recomputed independently) but the signature no longer does.
	e, err := cell.DecodeEstablishIntro(raw)
	if err != nil {
		t.Fatal(err)
	}
	raw[e.EndSigFields-1] ^= 0xFF

	if err := VerifyEstablishIntro(raw, e, circuitKeyMaterial); err == nil {
		t.Fatal("expected signature verification to fail after tampering")
	}
}

func TestVerifyEstablishIntroRejectsUnsupportedAuthKeyType(t *testing.T) {
	e := &cell.EstablishIntro{AuthKeyType: cell.AuthKeyTypeLegacy0, AuthKey: make([]byte, 20)}
	raw, err := cell.EncodeEstablishIntro(e)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyEstablishIntro(raw, e, []byte("key")); err == nil {
		t.Fatal("expected rejection of non-Ed25519 auth_key_type")
	}
}

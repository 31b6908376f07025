// Package hsintropoint implements the intro-point-side verification
// contract for ESTABLISH_INTRO cells. This is a relay-role operation, but
// the spec frames it as shaping the client/service contract (§4.D "Intro
// point verifies"), and scenario S6 exercises it directly. Real intro-point
// relay networking — accepting inbound circuits, routing INTRODUCE1 to the
// service — is out of scope (§1 excludes the circuit-layer multiplexer);
// this package only implements the verification/registration rules.
package hsintropoint

import (
	"crypto/ed25519"
	"crypto/hmac"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/cvsouth/torsrv/cell"
	"github.com/cvsouth/torsrv/hserr"
)

// EstablishIntroSigPrefix is prepended to the signed byte range, per
// rend-spec-v3's ESTABLISH_INTRO signature construction.
const EstablishIntroSigPrefix = "Tor establish-intro cell v1"

// VerifyEstablishIntro checks a decoded ESTABLISH_INTRO cell's signature
// and MAC against the raw cell bytes it was parsed from and the
// circuit's key material (spec §4.D "Intro point verifies"). A failure at
// any step is a hserr.Protocol error, per §4.D "Failures at any step ⇒
// close the circuit with reason TORPROTOCOL".
func VerifyEstablishIntro(raw []byte, e *cell.EstablishIntro, circuitKeyMaterial []byte) error {
	if e.AuthKeyType != cell.AuthKeyTypeEd25519 {
		return hserr.Wrap(hserr.Protocol, "hsintropoint: unsupported auth_key_type %d", e.AuthKeyType)
	}
	if len(e.AuthKey) != ed25519.PublicKeySize {
		return hserr.Wrap(hserr.Protocol, "hsintropoint: auth_key length %d, want %d", len(e.AuthKey), ed25519.PublicKeySize)
	}

	if err := verifyMAC(raw, e, circuitKeyMaterial); err != nil {
		return hserr.Wrap(hserr.Protocol, "hsintropoint: MAC verification: %w", err)
	}
	if err := verifySig(raw, e); err != nil {
		return hserr.Wrap(hserr.Protocol, "hsintropoint: signature verification: %w", err)
	}
	return nil
}

func verifyMAC(raw []byte, e *cell.EstablishIntro, circuitKeyMaterial []byte) error {
	if e.EndMACData > len(raw) {
		return fmt.Errorf("end_mac_data %d exceeds cell length %d", e.EndMACData, len(raw))
	}
	mac := hmac.New(sha3.New256, circuitKeyMaterial)
	mac.Write(raw[e.StartMACData:e.EndMACData])
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, e.HandshakeMAC[:]) {
		return fmt.Errorf("handshake_mac mismatch")
	}
	return nil
}

func verifySig(raw []byte, e *cell.EstablishIntro) error {
	if e.EndSigFields > len(raw) {
		return fmt.Errorf("end_sig_fields %d exceeds cell length %d", e.EndSigFields, len(raw))
	}
	signed := make([]byte, 0, len(EstablishIntroSigPrefix)+e.EndSigFields-e.StartMACData)
	signed = append(signed, []byte(EstablishIntroSigPrefix)...)
	signed = append(signed, raw[e.StartMACData:e.EndSigFields]...)

	if !ed25519.Verify(ed25519.PublicKey(e.AuthKey), signed, e.Sig) {
		return fmt.Errorf("ed25519 signature invalid")
	}
	return nil
}

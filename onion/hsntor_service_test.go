package onion

import (
	"bytes"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func TestHsNtorServiceRoundTripWithClient(t *testing.T) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		t.Fatal(err)
	}
	B_bytes, err := curve25519.X25519(b[:], curve25519.Basepoint)
	if err != nil {
		t.Fatal(err)
	}
	var B [32]byte
	copy(B[:], B_bytes)

	authKey := make([]byte, 32)
	if _, err := rand.Read(authKey); err != nil {
		t.Fatal(err)
	}
	var subcred [32]byte
	if _, err := rand.Read(subcred[:]); err != nil {
		t.Fatal(err)
	}

	clientState, clientEncKey, clientMacKey, err := HsNtorClientHandshake(B, authKey, subcred)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}

	serviceEncKey, serviceMacKey, err := HsNtorServiceDecryptKeys(b, B, clientState.X, authKey, subcred)
	if err != nil {
		t.Fatalf("service decrypt keys: %v", err)
	}
	if clientEncKey != serviceEncKey {
		t.Fatal("client and service derived different ENC_KEYs")
	}
	if clientMacKey != serviceMacKey {
		t.Fatal("client and service derived different MAC_KEYs")
	}

	serverPK, auth, serviceKeySeed, err := HsNtorServiceCompleteHandshake(b, B, clientState.X, authKey)
	if err != nil {
		t.Fatalf("service complete handshake: %v", err)
	}

	clientKeySeed, err := HsNtorClientCompleteHandshake(clientState, serverPK, auth)
	if err != nil {
		t.Fatalf("client rejected service's AUTH: %v", err)
	}

	if !bytes.Equal(clientKeySeed, serviceKeySeed) {
		t.Fatal("client and service derived different NTOR_KEY_SEEDs")
	}

	cdf, cdb, ckf, ckb := HsNtorExpandKeys(clientKeySeed)
	sdf, sdb, skf, skb := HsNtorExpandKeys(serviceKeySeed)
	if cdf != sdf || cdb != sdb || ckf != skf || ckb != skb {
		t.Fatal("expanded circuit keys diverge between client and service")
	}
}

func TestHsNtorServiceDecryptKeysRejectsWrongXFromClient(t *testing.T) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		t.Fatal(err)
	}
	B_bytes, err := curve25519.X25519(b[:], curve25519.Basepoint)
	if err != nil {
		t.Fatal(err)
	}
	var B [32]byte
	copy(B[:], B_bytes)

	authKey := make([]byte, 32)
	var subcred [32]byte

	clientState, clientEncKey, _, err := HsNtorClientHandshake(B, authKey, subcred)
	if err != nil {
		t.Fatal(err)
	}

	var wrongX [32]byte
	wrongX[0] = 0x09 // the curve25519 base point: valid, but not the client's X
	serviceEncKey, _, err := HsNtorServiceDecryptKeys(b, B, wrongX, authKey, subcred)
	if err != nil {
		t.Fatal(err)
	}
	if clientEncKey == serviceEncKey {
		t.Fatal("expected a mismatched client ephemeral key to derive a different ENC_KEY")
	}
}

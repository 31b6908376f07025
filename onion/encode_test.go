package onion

import "testing"

func TestEncodeOnionRoundTripsWithDecodeOnion(t *testing.T) {
	addr := "pg6mmjiyjmcrsslvykfwnntlaru7p5svn6y2ymmju6nubxndf4pscryd.onion"
	pubkey, err := DecodeOnion(addr)
	if err != nil {
		t.Fatal(err)
	}

	reEncoded, err := EncodeOnion(pubkey)
	if err != nil {
		t.Fatal(err)
	}
	if reEncoded != addr {
		t.Fatalf("EncodeOnion(DecodeOnion(addr)) = %q, want %q", reEncoded, addr)
	}
}

func TestEncodeOnionRejectsInvalidPoint(t *testing.T) {
	var allOnes [32]byte
	for i := range allOnes {
		allOnes[i] = 0xFF
	}
	if _, err := EncodeOnion(allOnes); err == nil {
		t.Fatal("expected rejection of a pubkey that isn't a valid curve point")
	}
}

package hscircuit

import "testing"

func TestRegistryRegisterLookupUnregister(t *testing.T) {
	r := NewRegistry()
	id := &Identifier{Kind: IntroService, IntroAuthKey: []byte{0x01, 0x02}}

	r.Register(7, SIntro, id)
	purpose, got, ok := r.Lookup(7)
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if purpose != SIntro {
		t.Fatalf("purpose mismatch: got %s", purpose)
	}
	if got != id {
		t.Fatal("expected the same identifier pointer back")
	}

	r.Unregister(7)
	if _, _, ok := r.Lookup(7); ok {
		t.Fatal("expected entry to be gone after Unregister")
	}
}

func TestRegistryRepurpose(t *testing.T) {
	r := NewRegistry()
	r.Register(1, CIntroducing, &Identifier{Kind: IntroClient})

	if !r.Repurpose(1, General) {
		t.Fatal("expected Repurpose to succeed on existing entry")
	}
	purpose, _, ok := r.Lookup(1)
	if !ok || purpose != General {
		t.Fatalf("expected General, got %s ok=%v", purpose, ok)
	}

	if r.Repurpose(999, General) {
		t.Fatal("expected Repurpose to fail on missing entry")
	}
}

func TestRegistryCountByPurpose(t *testing.T) {
	r := NewRegistry()
	r.Register(1, SIntro, &Identifier{})
	r.Register(2, SIntro, &Identifier{})
	r.Register(3, SEstablishIntro, &Identifier{})

	if got := r.CountByPurpose(SIntro); got != 2 {
		t.Fatalf("expected 2 S_INTRO circuits, got %d", got)
	}
	if got := r.CountByPurpose(SConnectRend); got != 0 {
		t.Fatalf("expected 0 S_CONNECT_REND circuits, got %d", got)
	}
}

func TestIdentifierCloneIsDeep(t *testing.T) {
	id := &Identifier{
		Kind:              RendService,
		IntroAuthKey:      []byte{0x01},
		RendNtorKeySeed:   []byte{0x02},
		RendHandshakeInfo: []byte{0x03},
	}
	clone := id.Clone()
	clone.IntroAuthKey[0] = 0xFF
	if id.IntroAuthKey[0] == 0xFF {
		t.Fatal("Clone should not alias the original's backing arrays")
	}
	if clone.Kind != id.Kind {
		t.Fatal("Clone should preserve scalar fields")
	}
}

func TestIdentifierNextStreamID(t *testing.T) {
	id := &Identifier{}
	if got := id.NextStreamID(); got != 1 {
		t.Fatalf("expected first stream id 1, got %d", got)
	}
	if got := id.NextStreamID(); got != 2 {
		t.Fatalf("expected second stream id 2, got %d", got)
	}
}

func TestPurposeIsServiceClient(t *testing.T) {
	if !SIntro.IsService() || SIntro.IsClient() {
		t.Fatal("S_INTRO should be service-only")
	}
	if !CIntroducing.IsClient() || CIntroducing.IsService() {
		t.Fatal("C_INTRODUCING should be client-only")
	}
	if General.IsService() || General.IsClient() {
		t.Fatal("GENERAL should be neither")
	}
}

func TestPurposeString(t *testing.T) {
	cases := map[Purpose]string{
		SEstablishIntro: "S_ESTABLISH_INTRO",
		SIntro:          "S_INTRO",
		CEstablishRend:  "C_ESTABLISH_REND",
		General:         "GENERAL",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Fatalf("Purpose(%d).String() = %q, want %q", p, got, want)
		}
	}
	if got := Purpose(999).String(); got != "UNKNOWN" {
		t.Fatalf("expected UNKNOWN for an out-of-range purpose, got %q", got)
	}
}

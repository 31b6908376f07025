package hsclient

import (
	"testing"
	"time"

	"github.com/cvsouth/torsrv/directory"
	"github.com/cvsouth/torsrv/hscircuit"
	"github.com/cvsouth/torsrv/onion"
)

func TestSessionAdvanceTracksState(t *testing.T) {
	s := NewSession("example.onion", 80, nil)
	s.Advance(hscircuit.CIntroducing)
	if s.State() != hscircuit.CIntroducing {
		t.Fatalf("expected state CIntroducing, got %s", s.State())
	}
}

func TestSessionRecordFailureErrorsPastLimit(t *testing.T) {
	s := NewSession("example.onion", 80, nil)
	for i := 0; i < MaxRendFailures; i++ {
		if err := s.recordFailure(nil); err != nil {
			t.Fatalf("failure %d should be within budget, got %v", i, err)
		}
	}
	if err := s.recordFailure(nil); err == nil {
		t.Fatal("expected an error once MaxRendFailures is exceeded")
	}
}

func TestSessionCheckTimeoutFiresAfterMaxRendTimeout(t *testing.T) {
	s := NewSession("example.onion", 80, nil)
	s.Advance(hscircuit.CEstablishRend)

	if err := s.CheckTimeout(time.Now()); err != nil {
		t.Fatal("should not time out immediately after entering CEstablishRend")
	}
	if err := s.CheckTimeout(time.Now().Add(MaxRendTimeout + time.Second)); err == nil {
		t.Fatal("expected a timeout error once MaxRendTimeout has elapsed")
	}
}

func consensusWithRelay(identity [20]byte) *directory.Consensus {
	return &directory.Consensus{Relays: []directory.Relay{{Identity: identity}}}
}

func TestAnyIntroPointsUsableAcceptsKnownIdentity(t *testing.T) {
	var identity [20]byte
	identity[0] = 0x42

	linkSpecs, err := onion.BuildRendLinkSpecs(identity, "198.51.100.1", 9001, [32]byte{})
	if err != nil {
		t.Fatal(err)
	}
	introPoints := []onion.IntroPoint{{LinkSpecifiers: linkSpecs}}

	usable, err := AnyIntroPointsUsable(introPoints, consensusWithRelay(identity))
	if err != nil {
		t.Fatal(err)
	}
	if !usable {
		t.Fatal("expected the intro point to be usable when its identity is in consensus")
	}
}

func TestAnyIntroPointsUsableRejectsUnknownIdentity(t *testing.T) {
	var identity, otherIdentity [20]byte
	identity[0] = 0x42
	otherIdentity[0] = 0x99

	linkSpecs, err := onion.BuildRendLinkSpecs(identity, "198.51.100.1", 9001, [32]byte{})
	if err != nil {
		t.Fatal(err)
	}
	introPoints := []onion.IntroPoint{{LinkSpecifiers: linkSpecs}}

	usable, err := AnyIntroPointsUsable(introPoints, consensusWithRelay(otherIdentity))
	if err == nil || usable {
		t.Fatal("expected no usable intro points when none match a relay in consensus")
	}
}

func TestAnyIntroPointsUsableRejectsEmptyList(t *testing.T) {
	usable, err := AnyIntroPointsUsable(nil, &directory.Consensus{})
	if err == nil || usable {
		t.Fatal("expected an empty intro point list to be unusable")
	}
}

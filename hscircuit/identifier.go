package hscircuit

// Kind is the tag of the Identifier tagged union (spec §3 "Circuit
// identifier": {Intro-client, Intro-service, Rendezvous-client,
// Rendezvous-service}).
type Kind int

const (
	IntroClient Kind = iota
	IntroService
	RendClient
	RendService
)

// Identifier is the polymorphic data a hidden-service circuit carries,
// owned exclusively by the circuit that holds it (spec §3: "Ownership:
// exclusively owned by the circuit; cloned for related bookkeeping never
// aliased mutably").
type Identifier struct {
	Kind Kind

	// ServiceIdentity is always present: the service's master Ed25519
	// public key this circuit concerns.
	ServiceIdentity [32]byte

	// IntroAuthKey is set for IntroClient/IntroService: the intro point's
	// (or the service's own) Ed25519 auth key.
	IntroAuthKey []byte

	// RendCookie is set for RendClient/RendService: the 20-byte
	// rendezvous cookie.
	RendCookie [20]byte

	// RendNtorKeySeed and RendHandshakeInfo are set once the ntor
	// handshake completes on a rendezvous circuit.
	RendNtorKeySeed   []byte
	RendHandshakeInfo []byte

	// StreamCounter assigns sequential stream IDs on this circuit.
	StreamCounter uint16
}

// Clone returns a deep copy of id for bookkeeping callers that must not
// alias the circuit's own copy mutably.
func (id *Identifier) Clone() *Identifier {
	if id == nil {
		return nil
	}
	out := *id
	out.IntroAuthKey = append([]byte(nil), id.IntroAuthKey...)
	out.RendNtorKeySeed = append([]byte(nil), id.RendNtorKeySeed...)
	out.RendHandshakeInfo = append([]byte(nil), id.RendHandshakeInfo...)
	return &out
}

// NextStreamID increments the circuit's stream counter and returns the
// new value, so the first call returns 1. The increment is not
// synchronized.
func (id *Identifier) NextStreamID() uint16 {
	id.StreamCounter++
	return id.StreamCounter
}

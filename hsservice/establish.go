// Package hsservice implements the service side of the hidden-service
// introduction/rendezvous handshake (spec §4.D "service-side"): sending
// ESTABLISH_INTRO on freshly-built circuits, tracking established intro
// points, processing INTRODUCE2, and completing the rendezvous.
//
// Circuit construction and path selection are treated as an external
// collaborator (spec §1): every function here takes an already-built
// *circuit.Circuit and drives the hidden-service cells over it.
package hsservice

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"log/slog"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"

	"github.com/cvsouth/torsrv/cell"
	"github.com/cvsouth/torsrv/circuit"
	"github.com/cvsouth/torsrv/hserr"
)

// ServiceIntroPoint is the service's bookkeeping for one intro point: the
// auth keypair it establishes with, and the hs-ntor encryption keypair
// (b, B) descriptors advertise for that intro point.
type ServiceIntroPoint struct {
	AuthPub  ed25519.PublicKey
	AuthPriv ed25519.PrivateKey
	EncPriv  [32]byte // b
	EncPub   [32]byte // B

	CircID        uint32
	Established   bool
	EstablishedAt time.Time
	Replay        *ReplayCache
}

// NewServiceIntroPoint generates a fresh auth and hs-ntor enc keypair for
// a new intro point.
func NewServiceIntroPoint() (*ServiceIntroPoint, error) {
	authPub, authPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, hserr.Wrap(hserr.Transient, "hsservice: generate auth keypair: %w", err)
	}

	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, hserr.Wrap(hserr.Transient, "hsservice: generate enc keypair: %w", err)
	}
	BBytes, err := curve25519.X25519(b[:], curve25519.Basepoint)
	if err != nil {
		return nil, hserr.Wrap(hserr.Transient, "hsservice: derive enc pubkey: %w", err)
	}
	var B [32]byte
	copy(B[:], BBytes)

	return &ServiceIntroPoint{
		AuthPub:  authPub,
		AuthPriv: authPriv,
		EncPriv:  b,
		EncPub:   B,
		Replay:   NewReplayCache(10 * time.Minute),
	}, nil
}

// BuildEstablishIntroCell constructs and signs an ESTABLISH_INTRO cell body
// for ip over a circuit whose key material (the circuit's backward digest
// seed, per rend-spec-v3) is circuitKeyMaterial.
//
// The handshake_mac and sig fields each cover a byte range that includes
// the field immediately preceding them, so the cell is built in two
// passes: once to learn the MAC/signature offsets, then again with the
// real values filled in.
func BuildEstablishIntroCell(ip *ServiceIntroPoint, circuitKeyMaterial []byte) ([]byte, error) {
	e := &cell.EstablishIntro{
		AuthKeyType: cell.AuthKeyTypeEd25519,
		AuthKey:     ip.AuthPub,
	}

	draft, err := cell.EncodeEstablishIntro(e)
	if err != nil {
		return nil, hserr.Wrap(hserr.Permanent, "hsservice: encode establish-intro draft: %w", err)
	}
	// draft ends with a zero MAC (32 bytes) and a zero-length sig (2
	// bytes of sig_len, no sig bytes yet): the prefix is everything before that.
	prefixLen := len(draft) - (cell.EstablishIntroMACLen + 2)
	prefix := draft[:prefixLen]

	mac := hmac.New(sha3.New256, circuitKeyMaterial)
	mac.Write(prefix)
	copy(e.HandshakeMAC[:], mac.Sum(nil))

	var sigLenBuf [2]byte
	sigLenBuf[0] = 0
	sigLenBuf[1] = byte(ed25519.SignatureSize)

	signed := make([]byte, 0, len(EstablishIntroSigPrefix)+prefixLen+cell.EstablishIntroMACLen+2)
	signed = append(signed, []byte(EstablishIntroSigPrefix)...)
	signed = append(signed, prefix...)
	signed = append(signed, e.HandshakeMAC[:]...)
	signed = append(signed, sigLenBuf[:]...)

	e.Sig = ed25519.Sign(ip.AuthPriv, signed)

	final, err := cell.EncodeEstablishIntro(e)
	if err != nil {
		return nil, hserr.Wrap(hserr.Permanent, "hsservice: encode establish-intro: %w", err)
	}
	return final, nil
}

// EstablishIntroSigPrefix matches hsintropoint.EstablishIntroSigPrefix; it
// is redeclared here so this package doesn't need to import the
// relay-side verification package just for a string constant.
const EstablishIntroSigPrefix = "Tor establish-intro cell v1"

// SendEstablishIntro sends an ESTABLISH_INTRO cell on circ for ip and
// waits for INTRO_ESTABLISHED. Failures at any step are the caller's cue
// to close circ and treat ip as not established (spec §4.D "Failures at
// any step ⇒ close the circuit").
func SendEstablishIntro(circ *circuit.Circuit, ip *ServiceIntroPoint, circuitKeyMaterial []byte, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	body, err := BuildEstablishIntroCell(ip, circuitKeyMaterial)
	if err != nil {
		return err
	}
	if err := circ.SendRelay(circuit.RelayEstablishIntro, 0, body); err != nil {
		return hserr.Wrap(hserr.Transient, "hsservice: send ESTABLISH_INTRO: %w", err)
	}

	_, relayCmd, _, data, err := circ.ReceiveRelay()
	if err != nil {
		return hserr.Wrap(hserr.Transient, "hsservice: receive INTRO_ESTABLISHED: %w", err)
	}
	if relayCmd != circuit.RelayIntroEstablished {
		return hserr.Wrap(hserr.Protocol, "hsservice: expected INTRO_ESTABLISHED, got relay command %d", relayCmd)
	}
	if _, err := cell.DecodeIntroEstablished(data); err != nil {
		return hserr.Wrap(hserr.Protocol, "hsservice: decode INTRO_ESTABLISHED: %w", err)
	}

	ip.Established = true
	ip.EstablishedAt = time.Now()
	logger.Info("intro point established", "auth_key", ip.AuthPub)
	return nil
}

package hsservice

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/cvsouth/torsrv/cell"
	"github.com/cvsouth/torsrv/circuit"
	"github.com/cvsouth/torsrv/hserr"
	"github.com/cvsouth/torsrv/onion"
)

// ReplayCache rejects a previously-seen INTRODUCE2 cell (by content
// digest) within ttl of first being seen, per rend-spec-v3's replay-cache
// requirement on intro points' INTRODUCE2 processing, mirrored here
// service-side since the service is the one that decrypts and acts on it.
type ReplayCache struct {
	mu   sync.Mutex
	seen map[[32]byte]time.Time
	ttl  time.Duration
}

// NewReplayCache returns an empty cache that forgets an entry after ttl.
func NewReplayCache(ttl time.Duration) *ReplayCache {
	return &ReplayCache{seen: make(map[[32]byte]time.Time), ttl: ttl}
}

// CheckAndMark reports whether key is new (not seen within ttl) and
// records it as seen at now if so. A false return means the caller is
// looking at a replay and must reject it.
func (c *ReplayCache) CheckAndMark(key [32]byte, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now)
	if _, ok := c.seen[key]; ok {
		return false
	}
	c.seen[key] = now
	return true
}

func (c *ReplayCache) prune(now time.Time) {
	for k, t := range c.seen {
		if now.Sub(t) > c.ttl {
			delete(c.seen, k)
		}
	}
}

// Introduce2Result is the decrypted, decoded content of an INTRODUCE2
// cell the service needs to connect to the client's chosen rendezvous
// point.
type Introduce2Result struct {
	RendCookie    [20]byte
	RendOnionKey  [32]byte
	RendLinkSpecs []byte // NSPEC | (LSTYPE|LSLEN|LSPEC)..., as built by onion.BuildRendLinkSpecs
	ClientPK      [32]byte
}

// ProcessIntroduce2 authenticates, replay-checks, and decrypts an
// INTRODUCE2 relay cell body received on ip's intro circuit (spec §4.D
// "Intro point forwards to service" / "Service processes INTRODUCE2").
// Failures are hserr.Protocol. A replay is reported as an hserr.Protocol
// error too; it is told apart from other failures only by its message
// text.
func ProcessIntroduce2(raw []byte, ip *ServiceIntroPoint, subcredential [32]byte, now time.Time) (*Introduce2Result, error) {
	header, headerEnd, err := cell.DecodeIntroduce1Header(raw)
	if err != nil {
		return nil, hserr.Wrap(hserr.Protocol, "introduce2: decode header: %w", err)
	}
	if header.AuthKeyType != cell.AuthKeyTypeEd25519 || !bytes.Equal(header.AuthKey, ip.AuthPub) {
		return nil, hserr.Wrap(hserr.Protocol, "introduce2: auth key mismatch")
	}

	digest := sha3.Sum256(raw)
	if !ip.Replay.CheckAndMark(digest, now) {
		return nil, hserr.Wrap(hserr.Protocol, "introduce2: replay detected")
	}

	if headerEnd+32 > len(raw) {
		return nil, hserr.Wrap(hserr.Protocol, "introduce2: truncated before client public key")
	}
	var X [32]byte
	copy(X[:], raw[headerEnd:headerEnd+32])
	bodyEnd := headerEnd + 32

	if len(raw)-bodyEnd < 32 {
		return nil, hserr.Wrap(hserr.Protocol, "introduce2: truncated, no room for mac")
	}
	encrypted := raw[bodyEnd : len(raw)-32]
	mac := raw[len(raw)-32:]

	encKey, macKey, err := onion.HsNtorServiceDecryptKeys(ip.EncPriv, ip.EncPub, X, ip.AuthPub, subcredential)
	if err != nil {
		return nil, hserr.Wrap(hserr.Protocol, "introduce2: hs-ntor: %w", err)
	}

	expectedMAC := onion.HsMAC(macKey[:], raw[:len(raw)-32])
	if !hmac.Equal(expectedMAC, mac) {
		return nil, hserr.Wrap(hserr.Protocol, "introduce2: mac mismatch")
	}

	block, err := aes.NewCipher(encKey[:])
	if err != nil {
		return nil, hserr.Wrap(hserr.Permanent, "introduce2: aes cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	plaintext := make([]byte, len(encrypted))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, encrypted)

	result, err := decodeIntroduce2Plaintext(plaintext)
	if err != nil {
		return nil, hserr.Wrap(hserr.Protocol, "introduce2: plaintext: %w", err)
	}
	result.ClientPK = X
	return result, nil
}

// decodeIntroduce2Plaintext parses the [PROCESS_INTRO2] body:
//
//	RENDEZVOUS_COOKIE(20) | N_EXTENSIONS(1) | ONION_KEY_TYPE(1) |
//	ONION_KEY_LEN(2) | ONION_KEY(32) | NSPEC(1) | link_specifiers...
//
// followed by zero padding to 246 bytes, which this function stops short
// of (the link-specifier section is self-delimiting).
func decodeIntroduce2Plaintext(plaintext []byte) (*Introduce2Result, error) {
	const fixedPrefix = 20 + 1 + 1 + 2 + 32
	if len(plaintext) < fixedPrefix+1 {
		return nil, fmt.Errorf("truncated: %d bytes", len(plaintext))
	}

	r := &Introduce2Result{}
	copy(r.RendCookie[:], plaintext[:20])
	pos := 20

	if nExt := plaintext[pos]; nExt != 0 {
		return nil, fmt.Errorf("unsupported extensions (n_extensions=%d)", nExt)
	}
	pos++

	if onionKeyType := plaintext[pos]; onionKeyType != 0x01 {
		return nil, fmt.Errorf("unsupported onion_key_type %d", onionKeyType)
	}
	pos++

	onionKeyLen := int(binary.BigEndian.Uint16(plaintext[pos : pos+2]))
	pos += 2
	if onionKeyLen != 32 {
		return nil, fmt.Errorf("onion_key_len %d, want 32", onionKeyLen)
	}
	copy(r.RendOnionKey[:], plaintext[pos:pos+32])
	pos += 32

	consumed, err := parseLinkSpecSection(plaintext[pos:])
	if err != nil {
		return nil, fmt.Errorf("link specifiers: %w", err)
	}
	r.RendLinkSpecs = append([]byte(nil), plaintext[pos:pos+consumed]...)

	return r, nil
}

// parseLinkSpecSection walks an NSPEC | (LSTYPE|LSLEN|LSPEC)* section
// starting at data[0] and returns the number of bytes it occupies,
// stopping before any trailing padding.
func parseLinkSpecSection(data []byte) (int, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("missing nspec")
	}
	nspec := int(data[0])
	pos := 1
	for i := 0; i < nspec; i++ {
		if pos+2 > len(data) {
			return 0, fmt.Errorf("link spec %d header truncated", i)
		}
		lslen := int(data[pos+1])
		pos += 2
		if pos+lslen > len(data) {
			return 0, fmt.Errorf("link spec %d data truncated", i)
		}
		pos += lslen
	}
	return pos, nil
}

// CompleteRendezvous completes the service side of the hs-ntor handshake
// for a just-processed INTRODUCE2 and sends RENDEZVOUS1 on circ, which
// must already be built to the client's chosen rendezvous point and
// joined there via ESTABLISH_RENDEZVOUS/RENDEZVOUS_ESTABLISHED (spec §4.D
// "Service connects to rendezvous point ... sends RENDEZVOUS1"). It
// returns the NTOR_KEY_SEED the caller expands into circuit keys with
// onion.HsNtorExpandKeys.
func CompleteRendezvous(circ *circuit.Circuit, ip *ServiceIntroPoint, clientPK [32]byte) ([]byte, error) {
	serverPK, auth, ntorKeySeed, err := onion.HsNtorServiceCompleteHandshake(ip.EncPriv, ip.EncPub, clientPK, ip.AuthPub)
	if err != nil {
		return nil, hserr.Wrap(hserr.Protocol, "rendezvous1: hs-ntor: %w", err)
	}

	body := cell.EncodeRendezvous2(&cell.Rendezvous2Body{ServerPK: serverPK, Auth: auth})
	if err := circ.SendRelay(circuit.RelayRendezvous1, 0, body); err != nil {
		return nil, hserr.Wrap(hserr.Transient, "rendezvous1: send: %w", err)
	}
	return ntorKeySeed, nil
}

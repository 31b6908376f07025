package hsservice

import (
	"encoding/hex"
	"sync"

	"github.com/cvsouth/torsrv/hscircuit"
)

// Manager tracks the service's established intro points and enforces the
// num_intro_points cap (spec §4.D, testable property 9: "at most
// num_intro_points circuits are in S_INTRO per descriptor").
type Manager struct {
	mu             sync.Mutex
	numIntroPoints int
	byAuthKey      map[string]*ServiceIntroPoint
	circuits       *hscircuit.Registry
}

// NewManager returns a Manager capped at numIntroPoints simultaneously
// established intro points, recording circuit purposes in reg.
func NewManager(numIntroPoints int, reg *hscircuit.Registry) *Manager {
	return &Manager{
		numIntroPoints: numIntroPoints,
		byAuthKey:      make(map[string]*ServiceIntroPoint),
		circuits:       reg,
	}
}

// Add records ip as established on circID. If an intro point with the
// same auth key is already tracked (a reconnect/retry raced with an
// earlier attempt), the newer one wins and the older is returned for the
// caller to close (spec §4.D "Tie-breaks and edge cases": "keep newest,
// close older"). If the cap is already full and this is a genuinely new
// intro point, Add refuses it (ok=false) and the caller should close
// circID instead of registering it.
func (m *Manager) Add(ip *ServiceIntroPoint, circID uint32, serviceIdentity [32]byte) (evicted *ServiceIntroPoint, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := authKeyHex(ip.AuthPub)
	if old, exists := m.byAuthKey[key]; exists {
		m.circuits.Unregister(old.CircID)
		evicted = old
	} else if len(m.byAuthKey) >= m.numIntroPoints {
		return nil, false
	}

	ip.CircID = circID
	m.byAuthKey[key] = ip
	m.circuits.Register(circID, hscircuit.SIntro, &hscircuit.Identifier{
		Kind:            hscircuit.IntroService,
		ServiceIdentity: serviceIdentity,
		IntroAuthKey:    append([]byte(nil), ip.AuthPub...),
	})
	return evicted, true
}

// Remove stops tracking the intro point keyed by authPub.
func (m *Manager) Remove(authPub []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := authKeyHex(authPub)
	if ip, ok := m.byAuthKey[key]; ok {
		m.circuits.Unregister(ip.CircID)
		delete(m.byAuthKey, key)
	}
}

// Get returns the tracked intro point for authPub, if any.
func (m *Manager) Get(authPub []byte) (*ServiceIntroPoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ip, ok := m.byAuthKey[authKeyHex(authPub)]
	return ip, ok
}

// Count returns how many intro points are currently tracked.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byAuthKey)
}

func authKeyHex(authPub []byte) string {
	return hex.EncodeToString(authPub)
}

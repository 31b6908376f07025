package onion

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cvsouth/torsrv/circuit"
	"github.com/cvsouth/torsrv/descriptor"
	"github.com/cvsouth/torsrv/directory"
)

// ConnectResult holds the information needed to reach an onion service's
// introduction points after its descriptor has been fetched and decrypted.
type ConnectResult struct {
	IntroPoints []IntroPoint
	BlindedKey  [32]byte
	Subcred     [32]byte
	Descriptor  *DescriptorOuter
}

// ResolveOnionService resolves a .onion address to a set of introduction points
// by fetching and decrypting the service descriptor. This is the first step
// before the introduction/rendezvous protocol.
//
// Parameters:
//   - address: the v3 .onion address (with or without .onion suffix)
//   - consensus: the current consensus
//   - httpClient: HTTP client for fetching the descriptor (can be nil if builder is provided)
//   - builder: optional circuit builder for BEGIN_DIR fetch (used when DirPort=0)
func ResolveOnionService(address string, consensus *directory.Consensus, httpClient *http.Client, builder ...CircuitBuilder) (*ConnectResult, error) {
	pubkey, err := DecodeOnion(address)
	if err != nil {
		return nil, fmt.Errorf("decode .onion address: %w", err)
	}

	periodLength := int64(defaultTimePeriodLength)
	periodNum := TimePeriod(consensus.ValidAfter, periodLength)

	blindedKey, err := BlindPublicKey(pubkey, periodNum, periodLength)
	if err != nil {
		return nil, fmt.Errorf("blind public key: %w", err)
	}

	subcred := Subcredential(pubkey, blindedKey)

	srv, err := GetSRVForClient(consensus)
	if err != nil {
		return nil, fmt.Errorf("get SRV: %w", err)
	}

	hsdirs, err := SelectHSDirs(consensus, blindedKey, periodNum, periodLength, srv)
	if err != nil {
		return nil, fmt.Errorf("select HSDirs: %w", err)
	}

	var cb CircuitBuilder
	if len(builder) > 0 {
		cb = builder[0]
	}

	descriptorText, err := fetchDescriptorFromHSDirs(hsdirs, blindedKey, httpClient, cb)
	if err != nil {
		return nil, err
	}

	outer, err := ParseDescriptorOuter(descriptorText)
	if err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}

	introPoints, err := DecryptAndParseDescriptor(outer, blindedKey, subcred)
	if err != nil {
		return nil, fmt.Errorf("decrypt descriptor: %w", err)
	}

	if len(introPoints) == 0 {
		return nil, fmt.Errorf("no introduction points in descriptor")
	}

	return &ConnectResult{
		IntroPoints: introPoints,
		BlindedKey:  blindedKey,
		Subcred:     subcred,
		Descriptor:  outer,
	}, nil
}

func fetchDescriptorFromHSDirs(hsdirs []*directory.Relay, blindedKey [32]byte, httpClient *http.Client, cb CircuitBuilder) (string, error) {
	var lastErr error
	for _, hsdir := range hsdirs {
		text, err := fetchFromHSDir(hsdir, blindedKey, httpClient, cb)
		if err != nil {
			lastErr = err
			continue
		}
		if text != "" {
			return text, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no reachable HSDirs (all have DirPort=0 and no circuit builder)")
	}
	return "", fmt.Errorf("failed to fetch descriptor from all HSDirs: %w", lastErr)
}

func fetchFromHSDir(hsdir *directory.Relay, blindedKey [32]byte, httpClient *http.Client, cb CircuitBuilder) (string, error) {
	if hsdir.DirPort > 0 && httpClient != nil {
		addr := fmt.Sprintf("%s:%d", hsdir.Address, hsdir.DirPort)
		return FetchDescriptor(httpClient, addr, blindedKey)
	}
	if cb != nil {
		hsdirInfo := &descriptor.RelayInfo{
			NodeID:       hsdir.Identity,
			NtorOnionKey: hsdir.NtorOnionKey,
			Address:      hsdir.Address,
			ORPort:       hsdir.ORPort,
		}
		built, err := cb.BuildCircuit(hsdirInfo)
		if err != nil {
			return "", fmt.Errorf("build circuit to HSDir: %w", err)
		}
		defer func() { _ = built.LinkCloser.Close() }()
		return FetchDescriptorViaCircuit(built.Circuit, blindedKey)
	}
	return "", nil // No way to fetch from this HSDir
}

// IsOnionAddress returns true if the target address is a .onion address.
func IsOnionAddress(target string) bool {
	// Remove port if present.
	host := target
	if idx := strings.LastIndex(target, ":"); idx >= 0 {
		host = target[:idx]
	}
	return strings.HasSuffix(strings.ToLower(host), ".onion")
}

// TimePeriodFromConsensus computes the time period number using the
// consensus valid-after time (not the system clock), per rend-spec-v3.
func TimePeriodFromConsensus(consensus *directory.Consensus) int64 {
	return TimePeriod(consensus.ValidAfter, defaultTimePeriodLength)
}

// CurrentTimePeriod computes the time period from the current time.
// Prefer TimePeriodFromConsensus when a consensus is available.
func CurrentTimePeriod() int64 {
	return TimePeriod(time.Now(), defaultTimePeriodLength)
}

// BuiltCircuit holds a circuit and the metadata about the last hop,
// needed for the onion service protocol.
type BuiltCircuit struct {
	Circuit    *circuit.Circuit
	LinkCloser io.Closer             // Closes the underlying TLS link
	LastHop    *descriptor.RelayInfo // Info about the last relay in the circuit
}

// CircuitBuilder abstracts the ability to build a 3-hop Tor circuit.
type CircuitBuilder interface {
	// BuildCircuit builds a 3-hop circuit. If target is non-nil, it is used
	// as the last hop instead of a randomly selected exit.
	BuildCircuit(target *descriptor.RelayInfo) (*BuiltCircuit, error)
}


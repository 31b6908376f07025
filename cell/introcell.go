package cell

import (
	"encoding/binary"
	"fmt"
)

// LegacyKeyIDLen is the length of the (always-zero, v3) LEGACY_KEY_ID field
// at the start of an INTRODUCE1 header.
const LegacyKeyIDLen = 20

// Introduce1Header is the cleartext header of an INTRODUCE1/INTRODUCE2
// relay cell body (the part that precedes the hs-ntor client public key and
// the encrypted section). Per rend-spec-v3 [FMT_INTRO1]:
//
//	legacy_key_id : u8[20] // zero for v3
//	auth_key_type : u8
//	auth_key_len  : u16
//	auth_key      : u8[auth_key_len]
//	extensions    : cell_extension
type Introduce1Header struct {
	AuthKeyType uint8
	AuthKey     []byte
	Extensions  []Extension
}

// DecodeIntroduce1Header parses the cleartext header of an INTRODUCE1/2 cell
// and returns it along with the number of bytes consumed (the offset at
// which the hs-ntor client public key X begins).
func DecodeIntroduce1Header(data []byte) (*Introduce1Header, int, error) {
	if len(data) < LegacyKeyIDLen {
		return nil, 0, fmt.Errorf("introduce1: legacy_key_id: %w", ErrTruncated)
	}
	off := LegacyKeyIDLen

	if off+1 > len(data) {
		return nil, 0, fmt.Errorf("introduce1: auth_key_type: %w", ErrTruncated)
	}
	h := &Introduce1Header{AuthKeyType: data[off]}
	off++
	if !validAuthKeyType(h.AuthKeyType) {
		return nil, 0, fmt.Errorf("introduce1: auth_key_type %d out of range: %w", h.AuthKeyType, ErrInvalid)
	}

	if off+2 > len(data) {
		return nil, 0, fmt.Errorf("introduce1: auth_key_len: %w", ErrTruncated)
	}
	keyLen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2

	if off+keyLen > len(data) {
		return nil, 0, fmt.Errorf("introduce1: auth_key: %w", ErrTruncated)
	}
	h.AuthKey = append([]byte(nil), data[off:off+keyLen]...)
	off += keyLen

	exts, n, err := decodeExtensions(data[off:])
	if err != nil {
		return nil, 0, fmt.Errorf("introduce1: extensions: %w", err)
	}
	h.Extensions = exts
	off += n

	return h, off, nil
}

// EncodeIntroduce1Header serializes h.
func EncodeIntroduce1Header(h *Introduce1Header) ([]byte, error) {
	if !validAuthKeyType(h.AuthKeyType) {
		return nil, fmt.Errorf("introduce1: auth_key_type %d out of range: %w", h.AuthKeyType, ErrInvalid)
	}
	if len(h.AuthKey) > 0xFFFF {
		return nil, fmt.Errorf("introduce1: auth_key too long: %w", ErrInvalid)
	}
	buf := make([]byte, 0, LegacyKeyIDLen+3+len(h.AuthKey))
	buf = append(buf, make([]byte, LegacyKeyIDLen)...)
	buf = append(buf, h.AuthKeyType)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(h.AuthKey)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, h.AuthKey...)
	extBytes, err := encodeExtensions(h.Extensions)
	if err != nil {
		return nil, fmt.Errorf("introduce1: extensions: %w", err)
	}
	buf = append(buf, extBytes...)
	return buf, nil
}

// IntroduceAckStatus values (rend-spec-v3 §3.3).
const (
	IntroduceAckSuccess        uint16 = 0x0000
	IntroduceAckUnknownFailure uint16 = 0x0001
	IntroduceAckBadFormat      uint16 = 0x0002
	IntroduceAckCantRelay      uint16 = 0x0003
)

// DecodeIntroduceAck parses an INTRODUCE_ACK relay cell body, returning the
// status code. Any trailing extensions are neither parsed nor returned; an
// unrecognized status code is returned as-is, not rejected.
func DecodeIntroduceAck(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("introduce-ack: %w", ErrTruncated)
	}
	return binary.BigEndian.Uint16(data[:2]), nil
}

// EncodeIntroduceAck serializes an INTRODUCE_ACK status code with no
// extensions.
func EncodeIntroduceAck(status uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, status)
	return buf
}

// Rendezvous2Body is the parsed body of a RENDEZVOUS1/RENDEZVOUS2 cell sent
// from the rendezvous point / service to the client:
//
//	server_pk : u8[32]
//	auth      : u8[32]
type Rendezvous2Body struct {
	ServerPK [32]byte
	Auth     [32]byte
}

// DecodeRendezvous2 parses a RENDEZVOUS2 (or the service's RENDEZVOUS1
// payload sent to the rendezvous point, which shares this body layout)
// relay cell body.
func DecodeRendezvous2(data []byte) (*Rendezvous2Body, error) {
	if len(data) < 64 {
		return nil, fmt.Errorf("rendezvous2: body %d bytes, need 64: %w", len(data), ErrTruncated)
	}
	r := &Rendezvous2Body{}
	copy(r.ServerPK[:], data[:32])
	copy(r.Auth[:], data[32:64])
	return r, nil
}

// EncodeRendezvous2 serializes a RENDEZVOUS2/RENDEZVOUS1 body.
func EncodeRendezvous2(r *Rendezvous2Body) []byte {
	buf := make([]byte, 64)
	copy(buf[:32], r.ServerPK[:])
	copy(buf[32:64], r.Auth[:])
	return buf
}

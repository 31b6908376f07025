package cell

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a buffer ends before a declared field is
// fully present.
var ErrTruncated = errors.New("cell: truncated")

// ErrInvalid is returned when a field carries an out-of-range or internally
// inconsistent value (bad tag, length mismatch on encode, etc).
var ErrInvalid = errors.New("cell: invalid")

// Auth key type tags for ESTABLISH_INTRO (tor-spec rend-spec-v3 §3.1).
const (
	AuthKeyTypeLegacy0 uint8 = 0
	AuthKeyTypeLegacy1 uint8 = 1
	AuthKeyTypeEd25519 uint8 = 2
)

// EstablishIntroMACLen is the length of the handshake_mac field (SHA3-256 output).
const EstablishIntroMACLen = 32

// Extension is one entry of a cell_extension list: EXT_FIELD_TYPE(1) |
// EXT_FIELD_LEN(1) | EXT_FIELD(EXT_FIELD_LEN).
type Extension struct {
	Type uint8
	Data []byte
}

// EstablishIntro is the parsed/to-be-encoded body of an ESTABLISH_INTRO cell.
//
//	auth_key_type : u8
//	auth_key_len  : u16
//	auth_key      : u8[auth_key_len]
//	extensions    : cell_extension
//	handshake_mac : u8[32]
//	sig_len       : u16
//	sig           : u8[sig_len]
type EstablishIntro struct {
	AuthKeyType  uint8
	AuthKey      []byte
	Extensions   []Extension
	HandshakeMAC [32]byte
	Sig          []byte

	// Offsets into the encoded byte string, populated by Decode so callers
	// can re-MAC/re-sign the exact range that was read.
	StartMACData int // always 0
	EndMACData   int // first byte of handshake_mac
	EndSigFields int // first byte of sig (end of sig_len field)
}

// validAuthKeyType reports whether t is one of the three tags the wire
// format allows.
func validAuthKeyType(t uint8) bool {
	return t == AuthKeyTypeLegacy0 || t == AuthKeyTypeLegacy1 || t == AuthKeyTypeEd25519
}

// DecodeEstablishIntro parses an ESTABLISH_INTRO cell payload. It rejects
// truncated input with ErrTruncated and out-of-range tags with ErrInvalid.
func DecodeEstablishIntro(data []byte) (*EstablishIntro, error) {
	e := &EstablishIntro{StartMACData: 0}

	off := 0
	if off+1 > len(data) {
		return nil, fmt.Errorf("establish-intro: read auth_key_type: %w", ErrTruncated)
	}
	e.AuthKeyType = data[off]
	off++
	if !validAuthKeyType(e.AuthKeyType) {
		return nil, fmt.Errorf("establish-intro: auth_key_type %d out of range: %w", e.AuthKeyType, ErrInvalid)
	}

	if off+2 > len(data) {
		return nil, fmt.Errorf("establish-intro: read auth_key_len: %w", ErrTruncated)
	}
	authKeyLen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2

	if off+authKeyLen > len(data) {
		return nil, fmt.Errorf("establish-intro: read auth_key: %w", ErrTruncated)
	}
	e.AuthKey = append([]byte(nil), data[off:off+authKeyLen]...)
	off += authKeyLen

	exts, n, err := decodeExtensions(data[off:])
	if err != nil {
		return nil, fmt.Errorf("establish-intro: extensions: %w", err)
	}
	e.Extensions = exts
	off += n

	e.EndMACData = off
	if off+EstablishIntroMACLen > len(data) {
		return nil, fmt.Errorf("establish-intro: read handshake_mac: %w", ErrTruncated)
	}
	copy(e.HandshakeMAC[:], data[off:off+EstablishIntroMACLen])
	off += EstablishIntroMACLen

	if off+2 > len(data) {
		return nil, fmt.Errorf("establish-intro: read sig_len: %w", ErrTruncated)
	}
	sigLen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	e.EndSigFields = off

	if off+sigLen > len(data) {
		return nil, fmt.Errorf("establish-intro: read sig: %w", ErrTruncated)
	}
	e.Sig = append([]byte(nil), data[off:off+sigLen]...)
	off += sigLen

	return e, nil
}

// EncodeEstablishIntro serializes e. It refuses to encode an internally
// inconsistent struct (out-of-range auth_key_type).
func EncodeEstablishIntro(e *EstablishIntro) ([]byte, error) {
	if !validAuthKeyType(e.AuthKeyType) {
		return nil, fmt.Errorf("establish-intro: auth_key_type %d out of range: %w", e.AuthKeyType, ErrInvalid)
	}
	if len(e.AuthKey) > 0xFFFF {
		return nil, fmt.Errorf("establish-intro: auth_key too long (%d): %w", len(e.AuthKey), ErrInvalid)
	}
	if len(e.Sig) > 0xFFFF {
		return nil, fmt.Errorf("establish-intro: sig too long (%d): %w", len(e.Sig), ErrInvalid)
	}

	buf := make([]byte, 0, 3+len(e.AuthKey)+8+EstablishIntroMACLen+2+len(e.Sig))
	buf = append(buf, e.AuthKeyType)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(e.AuthKey)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, e.AuthKey...)

	extBytes, err := encodeExtensions(e.Extensions)
	if err != nil {
		return nil, fmt.Errorf("establish-intro: extensions: %w", err)
	}
	buf = append(buf, extBytes...)

	buf = append(buf, e.HandshakeMAC[:]...)

	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(e.Sig)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, e.Sig...)

	return buf, nil
}

// IntroEstablished is the parsed/to-be-encoded body of an INTRO_ESTABLISHED
// cell: just a cell_extension list in the current protocol revision.
type IntroEstablished struct {
	Extensions []Extension
}

// DecodeIntroEstablished parses an INTRO_ESTABLISHED cell payload.
func DecodeIntroEstablished(data []byte) (*IntroEstablished, error) {
	exts, n, err := decodeExtensions(data)
	if err != nil {
		return nil, fmt.Errorf("intro-established: %w", err)
	}
	if n != len(data) {
		return nil, fmt.Errorf("intro-established: %d trailing bytes: %w", len(data)-n, ErrInvalid)
	}
	return &IntroEstablished{Extensions: exts}, nil
}

// EncodeIntroEstablished serializes i.
func EncodeIntroEstablished(i *IntroEstablished) ([]byte, error) {
	b, err := encodeExtensions(i.Extensions)
	if err != nil {
		return nil, fmt.Errorf("intro-established: %w", err)
	}
	return b, nil
}

// decodeExtensions parses a cell_extension list: N_EXTENSIONS(1) followed
// by N_EXTENSIONS entries of EXT_FIELD_TYPE(1) | EXT_FIELD_LEN(1) |
// EXT_FIELD(EXT_FIELD_LEN). Returns the extensions, the number of bytes
// consumed, and any error.
func decodeExtensions(data []byte) ([]Extension, int, error) {
	if len(data) < 1 {
		return nil, 0, fmt.Errorf("read n_extensions: %w", ErrTruncated)
	}
	n := int(data[0])
	off := 1
	exts := make([]Extension, 0, n)
	for i := 0; i < n; i++ {
		if off+2 > len(data) {
			return nil, 0, fmt.Errorf("extension %d header: %w", i, ErrTruncated)
		}
		typ := data[off]
		elen := int(data[off+1])
		off += 2
		if off+elen > len(data) {
			return nil, 0, fmt.Errorf("extension %d data: %w", i, ErrTruncated)
		}
		exts = append(exts, Extension{Type: typ, Data: append([]byte(nil), data[off:off+elen]...)})
		off += elen
	}
	return exts, off, nil
}

// encodeExtensions serializes a cell_extension list. Refuses to encode an
// extension whose declared length would not fit in a single byte.
func encodeExtensions(exts []Extension) ([]byte, error) {
	if len(exts) > 0xFF {
		return nil, fmt.Errorf("too many extensions (%d): %w", len(exts), ErrInvalid)
	}
	buf := make([]byte, 0, 1+4*len(exts))
	buf = append(buf, byte(len(exts)))
	for i, e := range exts {
		if len(e.Data) > 0xFF {
			return nil, fmt.Errorf("extension %d data too long (%d): %w", i, len(e.Data), ErrInvalid)
		}
		buf = append(buf, e.Type, byte(len(e.Data)))
		buf = append(buf, e.Data...)
	}
	return buf, nil
}

// Package wire defines the on-the-wire message representation shared by
// the socket server and the internal message bus: a fixed header, a
// type-dependent fixed body, and an optional variable-length extra tail.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed on-wire header size in bytes: length, type_id,
// reserved, each a little-endian uint32.
const HeaderSize = 12

// MaxFrame bounds a single frame's total size (header + body + extra).
const MaxFrame = 1 << 20 // 1 MiB

// MsgType is the 32-bit wire type id. Internal dispatch is an exhaustive
// table lookup; the 32-bit width exists only for wire compatibility, per
// spec.md's guidance not to let it leak into dispatch logic.
type MsgType uint32

// Well-known message types. Plugin-defined types start at MsgTypePluginBase.
const (
	MsgTypeUnknown MsgType = 0

	MsgPing MsgType = 0x0001
	MsgPong MsgType = 0x0002
	MsgClose MsgType = 0x0003

	MsgSetLoggingVerbosity  MsgType = 0x0010
	MsgAddLoggingInclude    MsgType = 0x0011
	MsgAddLoggingExclude    MsgType = 0x0012
	MsgUseLoggingDefaults   MsgType = 0x0013

	MsgHeartbeat MsgType = 0x0020

	MsgDBusConnect   MsgType = 0x0030
	MsgDBusConnected MsgType = 0x0031

	MsgDiskStatus MsgType = 0x0040

	MsgStateChangeInd      MsgType = 0x0050
	MsgSaveUnsavedDataInd  MsgType = 0x0051
	MsgBatteryEmptyInd     MsgType = 0x0052
	MsgThermalShutdownInd  MsgType = 0x0053
	MsgShutdownInd         MsgType = 0x0054
	MsgStateReqDeniedInd   MsgType = 0x0055
	MsgReqPowerup          MsgType = 0x0056
	MsgReqReboot           MsgType = 0x0057
	MsgReqShutdown         MsgType = 0x0058
	MsgInhibitShutdown     MsgType = 0x0059
	MsgShutdownReq         MsgType = 0x005A

	// MsgTypePluginBase is the first id available for plugin-defined,
	// config-registered message types.
	MsgTypePluginBase MsgType = 0x1000
)

// Header is the fixed 12-byte frame header.
type Header struct {
	Length   uint32 // total frame length: HeaderSize + len(Body) + len(Extra)
	Type     MsgType
	Reserved uint32
}

// Frame is a decoded wire frame: header, fixed body, and optional extra tail.
type Frame struct {
	Type  MsgType
	Body  []byte
	Extra []byte
}

var (
	// ErrShortFrame is returned when fewer bytes than HeaderSize are available.
	ErrShortFrame = errors.New("wire: short frame")
	// ErrFrameTooLarge is returned when a declared length exceeds MaxFrame
	// or is smaller than HeaderSize.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
	// ErrLengthMismatch is returned when declared length disagrees with actual size.
	ErrLengthMismatch = errors.New("wire: declared length does not match body+extra size")
)

// Encode serializes a frame: header + body + extra, host-native (little-endian,
// since the socket is always local to one machine).
func Encode(typ MsgType, body, extra []byte) []byte {
	total := HeaderSize + len(body) + len(extra)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(typ))
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	copy(buf[HeaderSize:], body)
	copy(buf[HeaderSize+len(body):], extra)
	return buf
}

// DecodeHeader parses just the header from at least HeaderSize bytes.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortFrame
	}
	h := Header{
		Length:   binary.LittleEndian.Uint32(buf[0:4]),
		Type:     MsgType(binary.LittleEndian.Uint32(buf[4:8])),
		Reserved: binary.LittleEndian.Uint32(buf[8:12]),
	}
	if h.Length < HeaderSize || h.Length > MaxFrame {
		return h, fmt.Errorf("%w: length=%d", ErrFrameTooLarge, h.Length)
	}
	return h, nil
}

// Decode parses a complete frame (header + body + extra) given the
// expected fixed body size for h.Type. bodySize may be 0 for generic
// (header-only) messages; any bytes after the fixed body are the extra tail.
func Decode(buf []byte, bodySize int) (Frame, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Frame{}, err
	}
	if int(h.Length) != len(buf) {
		return Frame{}, ErrLengthMismatch
	}
	rest := buf[HeaderSize:]
	if len(rest) < bodySize {
		return Frame{}, fmt.Errorf("%w: want body %d, have %d", ErrLengthMismatch, bodySize, len(rest))
	}
	return Frame{
		Type:  h.Type,
		Body:  rest[:bodySize],
		Extra: rest[bodySize:],
	}, nil
}

// EndpointKind distinguishes the origin of a message.
type EndpointKind int

const (
	EndpointCore EndpointKind = iota
	EndpointPlugin
	EndpointClient
)

// PeerCreds holds credentials captured at accept() time for a client endpoint.
type PeerCreds struct {
	PID int32
	UID uint32
	GID uint32
}

// Endpoint identifies the origin of a message: the daemon itself, a
// specific loaded plugin, or a socket-connected client with captured
// peer credentials.
type Endpoint struct {
	Kind       EndpointKind
	PluginName string
	ClientID   uint64
	Creds      PeerCreds
}

// Core is the well-known internal-origin endpoint.
var Core = Endpoint{Kind: EndpointCore}

// IsPrivileged reports whether the endpoint's captured uid is the
// privileged uid (0) or present in extra. Socket clients with no
// captured credentials (uid == ^uint32(0)) are never privileged.
func (e Endpoint) IsPrivileged(extraAllowed map[uint32]bool) bool {
	if e.Kind != EndpointClient {
		return true // core and in-process plugins are always trusted
	}
	if e.Creds.UID == 0 {
		return true
	}
	return extraAllowed[e.Creds.UID]
}

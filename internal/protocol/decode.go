package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrTooLarge    = errors.New("message too large")
	ErrBadMessage  = errors.New("invalid message")
	ErrBadVersion  = errors.New("unsupported protocol_version")
	ErrUnknownType = errors.New("unknown message type")
)

const maxDimLen = 128

var claimActions = map[string]struct{}{
	"CLAIM":       {},
	"UNCLAIM":     {},
	"FORCELOAD":   {},
	"UNFORCELOAD": {},
}

// DecodeClient parses and validates a frame sent by a client. The result is
// one of ConfirmMsg, ResyncMsg or ClaimActionMsg. HELLO is only valid during
// the handshake and is decoded by DecodeHello.
func DecodeClient(b []byte) (any, error) {
	base, err := decodeHeader(b)
	if err != nil {
		return nil, err
	}
	switch base.Type {
	case TypeConfirm:
		return ConfirmMsg{Type: base.Type, ProtocolVersion: base.ProtocolVersion}, nil
	case TypeResync:
		return ResyncMsg{Type: base.Type, ProtocolVersion: base.ProtocolVersion}, nil
	case TypeClaimAction:
		var m ClaimActionMsg
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		if err := m.validate(); err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, base.Type)
}

func decodeHeader(b []byte) (BaseMessage, error) {
	if len(b) > MaxMessageBytes {
		return BaseMessage{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b))
	}
	base, err := DecodeBase(b)
	if err != nil {
		return base, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if base.ProtocolVersion != Version {
		return base, fmt.Errorf("%w: %q", ErrBadVersion, base.ProtocolVersion)
	}
	return base, nil
}

func (m ClaimActionMsg) validate() error {
	if _, ok := claimActions[m.Action]; !ok {
		return fmt.Errorf("%w: action %q", ErrBadMessage, m.Action)
	}
	if m.Dim == "" || len(m.Dim) > maxDimLen {
		return fmt.Errorf("%w: dim", ErrBadMessage)
	}
	if (m.X2 == nil) != (m.Z2 == nil) {
		return fmt.Errorf("%w: x2 and z2 must be given together", ErrBadMessage)
	}
	return nil
}

// IsArea reports whether the action targets a rectangle.
func (m ClaimActionMsg) IsArea() bool { return m.X2 != nil && m.Z2 != nil }

// DecodeHello parses the handshake frame.
func DecodeHello(b []byte) (HelloMsg, uuid.UUID, error) {
	var m HelloMsg
	base, err := decodeHeader(b)
	if err != nil {
		return m, uuid.Nil, err
	}
	if base.Type != TypeHello {
		return m, uuid.Nil, fmt.Errorf("%w: expected HELLO, got %q", ErrBadMessage, base.Type)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, uuid.Nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	id, err := uuid.Parse(m.PlayerID)
	if err != nil {
		return m, uuid.Nil, fmt.Errorf("%w: player_id: %v", ErrBadMessage, err)
	}
	return m, id, nil
}

// DecodeRegion parses and validates a region snapshot, returning the packed
// words. Clients use it; the server only encodes regions.
func DecodeRegion(b []byte) (ClaimRegionMsg, []uint64, error) {
	var m ClaimRegionMsg
	if _, err := decodeHeader(b); err != nil {
		return m, nil, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if m.Type != TypeClaimRegion {
		return m, nil, fmt.Errorf("%w: expected %s, got %q", ErrBadMessage, TypeClaimRegion, m.Type)
	}
	if m.Bits < 1 || m.Bits > 32 {
		return m, nil, fmt.Errorf("%w: bits %d", ErrBadMessage, m.Bits)
	}
	if len(m.Palette) > 1024 || len(m.Palette) >= 1<<m.Bits {
		return m, nil, fmt.Errorf("%w: palette of %d entries with %d bits", ErrBadMessage, len(m.Palette), m.Bits)
	}
	words, err := UnpackWords(m.Data)
	if err != nil {
		return m, nil, err
	}
	perWord := 64 / m.Bits
	if want := (1024 + perWord - 1) / perWord; len(words) != want {
		return m, nil, fmt.Errorf("%w: %d words, want %d", ErrBadMessage, len(words), want)
	}
	return m, words, nil
}

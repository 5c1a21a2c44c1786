package protocol

import (
	"encoding/binary"
	"fmt"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerID        string `json:"player_id"`
	Name            string `json:"name"`
	ClaimsName      string `json:"claims_name,omitempty"`
	ClaimsColor     int32  `json:"claims_color,omitempty"`
}

// CONFIRM (client -> server): acknowledges everything received before the
// last REQUEST_CONFIRM.
type ConfirmMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// RESYNC (client -> server): asks for a full snapshot.
type ResyncMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// CLAIM_ACTION (client -> server). X2/Z2 turn the request into an area.
type ClaimActionMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id,omitempty"`
	Action          string `json:"action"`
	Dim             string `json:"dim"`
	X               int32  `json:"x"`
	Z               int32  `json:"z"`
	X2              *int32 `json:"x2,omitempty"`
	Z2              *int32 `json:"z2,omitempty"`
	Sub             int32  `json:"sub"`
	FromX           int32  `json:"from_x"`
	FromZ           int32  `json:"from_z"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PlayerID        string `json:"player_id"`
	SyncMode        string `json:"sync_mode"`
	TickRateHz      int    `json:"tick_rate_hz"`
	MaxAreaRequest  int    `json:"max_area_request"`
}

const (
	LoadingStart = "START"
	LoadingEnd   = "END"
)

// LOADING brackets a full synchronisation.
type LoadingMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Phase           string `json:"phase"`
}

type ClaimLimitsMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Claims          int    `json:"claims"`
	Forceloads      int    `json:"forceloads"`
	MaxClaims       int    `json:"max_claims"`
	MaxForceloads   int    `json:"max_forceloads"`
	MaxDistance     int    `json:"max_distance"`
}

type PropertiesEntry struct {
	PlayerID   string `json:"player_id"`
	Username   string `json:"username,omitempty"`
	ClaimsName string `json:"claims_name,omitempty"`
	Color      int32  `json:"color"`
}

type ClaimPropertiesMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Entries         []PropertiesEntry `json:"entries"`
}

// StateEntry is a claim state with its wire handle. Keys are short because
// login sends many of these.
type StateEntry struct {
	PlayerID  string `json:"p"`
	Sub       int32  `json:"s"`
	Forceload bool   `json:"f,omitempty"`
	SyncIndex int32  `json:"i"`
}

type ClaimStatesMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	States          []StateEntry `json:"states"`
}

type RemoveClaimStateMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SyncIndex       int32  `json:"sync_index"`
}

// DIMENSION prefixes the region snapshots of one dimension.
type DimensionMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Dim             string `json:"dim"`
}

// CLAIM_REGION is a full region snapshot. Palette[i] is the sync index of
// slot i+1; slot 0 is unclaimed. Data holds the packed slot words, 8 bytes
// little endian each.
type ClaimRegionMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	X               int32   `json:"x"`
	Z               int32   `json:"z"`
	Palette         []int32 `json:"palette"`
	Bits            int     `json:"bits"`
	Data            []byte  `json:"data"`
}

// CLAIM_UPDATE is a single chunk delta. An empty PlayerID means unclaimed.
type ClaimUpdateMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Dim             string `json:"dim"`
	X               int32  `json:"x"`
	Z               int32  `json:"z"`
	PlayerID        string `json:"player_id,omitempty"`
	Sub             int32  `json:"sub,omitempty"`
	Forceload       bool   `json:"forceload,omitempty"`
}

type RequestConfirmMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

type CellResult struct {
	X      int32  `json:"x"`
	Z      int32  `json:"z"`
	Result string `json:"result"`
}

type ClaimResultMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	ID              string       `json:"id,omitempty"`
	Results         []CellResult `json:"results"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

func NewLoading(phase string) LoadingMsg {
	return LoadingMsg{Type: TypeLoading, ProtocolVersion: Version, Phase: phase}
}

func NewDimension(dim string) DimensionMsg {
	return DimensionMsg{Type: TypeDimension, ProtocolVersion: Version, Dim: dim}
}

func NewRequestConfirm() RequestConfirmMsg {
	return RequestConfirmMsg{Type: TypeRequestConfirm, ProtocolVersion: Version}
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}

// PackWords serialises packed region words for ClaimRegionMsg.Data.
func PackWords(words []uint64) []byte {
	out := make([]byte, 8*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint64(out[8*i:], w)
	}
	return out
}

// UnpackWords reverses PackWords.
func UnpackWords(b []byte) ([]uint64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("%w: region data length %d", ErrBadMessage, len(b))
	}
	out := make([]uint64, len(b)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[8*i:])
	}
	return out, nil
}

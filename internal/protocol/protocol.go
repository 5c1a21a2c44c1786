package protocol

import "encoding/json"

const Version = "1.0"

// MaxMessageBytes bounds every inbound frame.
const MaxMessageBytes = 16384

// Message types.
const (
	// client -> server
	TypeHello       = "HELLO"
	TypeConfirm     = "CONFIRM"
	TypeClaimAction = "CLAIM_ACTION"
	TypeResync      = "RESYNC"

	// server -> client
	TypeWelcome          = "WELCOME"
	TypeLoading          = "LOADING"
	TypeClaimLimits      = "CLAIM_LIMITS"
	TypeClaimProperties  = "CLAIM_PROPERTIES"
	TypeClaimStates      = "CLAIM_STATES"
	TypeRemoveClaimState = "REMOVE_CLAIM_STATE"
	TypeDimension        = "DIMENSION"
	TypeClaimRegion      = "CLAIM_REGION"
	TypeClaimUpdate      = "CLAIM_UPDATE"
	TypeRequestConfirm   = "REQUEST_CONFIRM"
	TypeClaimResult      = "CLAIM_RESULT"
	TypeError            = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Marshal encodes a message built from the types in this package. They
// contain no values json cannot encode.
func Marshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("protocol: marshal " + err.Error())
	}
	return b
}

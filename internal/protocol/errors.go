package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoTooLarge   = "E_PROTO_TOO_LARGE"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Session state.
	ErrAlreadyConnected = "E_ALREADY_CONNECTED"
	ErrServerBusy       = "E_SERVER_BUSY"

	// Claim request layer.
	ErrBadRequest     = "E_BAD_REQUEST"
	ErrRateLimit      = "E_RATE_LIMIT"
	ErrClaimsDisabled = "E_CLAIMS_DISABLED"
	ErrInternal       = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrProtoTooLarge:    {},
	ErrProtoVersion:     {},
	ErrAlreadyConnected: {},
	ErrServerBusy:       {},
	ErrBadRequest:       {},
	ErrRateLimit:        {},
	ErrClaimsDisabled:   {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

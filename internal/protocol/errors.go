package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Command layer.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrNoPermission  = "E_NO_PERMISSION"
	ErrNotFound      = "E_NOT_FOUND"
	ErrNoResource    = "E_NO_RESOURCE"
	ErrPrereq        = "E_PREREQ"
	ErrQueueFull     = "E_QUEUE_FULL"
	ErrOverCapacity  = "E_OVER_CAPACITY"
	ErrInvalidTarget = "E_INVALID_TARGET"
	ErrOrderClosed   = "E_ORDER_CLOSED"
	ErrConflict      = "E_CONFLICT"
	ErrRateLimit     = "E_RATE_LIMIT"
	ErrInternal      = "E_INTERNAL"

	// Invariant breaches are panics, never returned results. The code
	// exists so crash reports and audit rows share the taxonomy.
	ErrInvariant = "E_INVARIANT"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadRequest:      {},
	ErrNoPermission:    {},
	ErrNotFound:        {},
	ErrNoResource:      {},
	ErrPrereq:          {},
	ErrQueueFull:       {},
	ErrOverCapacity:    {},
	ErrInvalidTarget:   {},
	ErrOrderClosed:     {},
	ErrConflict:        {},
	ErrRateLimit:       {},
	ErrInternal:        {},
	ErrInvariant:       {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

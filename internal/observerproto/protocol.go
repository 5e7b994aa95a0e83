package observerproto

// Version is the ops stream protocol version, separate from the player
// WS protocol.
const Version = "0.1"

// Message types.
const (
	TypeSubscribe = "SUBSCRIBE"
	TypeFrame     = "FRAME"
)

// SubscribeMsg is the first message on an ops connection, and can be
// re-sent to retune the stream.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// IntervalSeconds paces FRAME pushes. Clamped to 1..60, default 5.
	IntervalSeconds int `json:"interval_seconds,omitempty"`

	IncludeArmies bool `json:"include_armies,omitempty"`
	IncludeOrders bool `json:"include_orders,omitempty"`

	// MaxOrders caps the order tail when IncludeOrders is set.
	MaxOrders int `json:"max_orders,omitempty"`
}

// BootstrapResponse answers GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	RealmID         string      `json:"realm_id"`
	ServerTime      string      `json:"server_time"`
	RealmParams     RealmParams `json:"realm_params"`
}

type RealmParams struct {
	GridWidth    int    `json:"grid_width"`
	GridHeight   int    `json:"grid_height"`
	GameProtocol string `json:"game_protocol"`
	TuningDigest string `json:"tuning_digest,omitempty"`
}

// FrameMsg is one periodic ops sample. Armies and Orders carry realm
// view slices when subscribed; they stay generic here so the package
// has no simulation imports.
type FrameMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	At              string   `json:"at"`
	Stats           StatsMsg `json:"stats"`
	Armies          any      `json:"armies,omitempty"`
	Orders          any      `json:"orders,omitempty"`
}

type StatsMsg struct {
	Villages   int    `json:"villages"`
	Armies     int    `json:"armies_in_flight"`
	OpenOrders int    `json:"open_orders"`
	Settles    uint64 `json:"settles_total"`
	Battles    uint64 `json:"battles_total"`
	Trades     uint64 `json:"trades_total"`
	Sessions   int    `json:"sessions,omitempty"`
}

package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type              string     `json:"type"`
	ProtocolVersion   string     `json:"protocol_version"`
	SupportedVersions []string   `json:"supported_versions,omitempty"`
	PlayerName        string     `json:"player_name"`
	Auth              *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	SelectedVersion string         `json:"selected_version,omitempty"`
	SessionID       string         `json:"session_id"`
	PlayerID        string         `json:"player_id"`
	ServerTime      string         `json:"server_time"`
	RealmParams     RealmParams    `json:"realm_params"`
	Catalogs        CatalogDigests `json:"catalogs"`
	Villages        []string       `json:"villages"`
}

type RealmParams struct {
	RealmID    string `json:"realm_id"`
	GridWidth  int    `json:"grid_width"`
	GridHeight int    `json:"grid_height"`
}

type CatalogDigests struct {
	Units        DigestRef `json:"units"`
	Buildings    DigestRef `json:"buildings"`
	TuningDigest string    `json:"tuning_digest,omitempty"`
}

type DigestRef struct {
	Digest string `json:"digest"`
	Count  int    `json:"count"`
}

// CATALOG (server -> client): one catalog sent whole per message.
type CatalogMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Name            string      `json:"name"`   // "units" or "buildings"
	Digest          string      `json:"digest"` // sha256 hex
	Data            interface{} `json:"data"`
}

// CMD (client -> server). Param fields are a union across ops; unused
// fields stay empty.
type CmdMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	Op              string `json:"op"`

	VillageID  string `json:"village_id,omitempty"`
	Slot       int    `json:"slot,omitempty"`
	BuildingID string `json:"building_id,omitempty"`

	UnitID string `json:"unit_id,omitempty"`
	Count  int    `json:"count,omitempty"`

	Mission string           `json:"mission,omitempty"`
	Target  *GridRef         `json:"target,omitempty"`
	Units   map[string]int   `json:"units,omitempty"`
	Carry   map[string]int64 `json:"carry,omitempty"`

	Side     string `json:"side,omitempty"` // "buy" or "sell"
	Resource string `json:"resource,omitempty"`
	Quantity int64  `json:"quantity,omitempty"`
	Price    int64  `json:"price,omitempty"`
	OrderID  string `json:"order_id,omitempty"`

	SinceID string `json:"since_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type GridRef struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// RESULT (server -> client): reply to one CMD.
type ResultMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	ReqID           string      `json:"req_id"`
	Op              string      `json:"op"`
	OK              bool        `json:"ok"`
	Code            string      `json:"code,omitempty"`
	Message         string      `json:"message,omitempty"`
	Data            interface{} `json:"data,omitempty"`
}

// EVENT (server -> client): pushed report or notification.
type EventMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Kind            string      `json:"kind"`
	At              string      `json:"at"` // RFC3339
	Payload         interface{} `json:"payload"`
}

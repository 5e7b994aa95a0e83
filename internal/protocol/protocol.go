package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeCatalog = "CATALOG"
	TypeCmd     = "CMD"
	TypeResult  = "RESULT"
	TypeEvent   = "EVENT"
)

// Command ops carried by CMD messages.
const (
	OpVillageState    = "VILLAGE_STATE"
	OpUpgradeBuilding = "UPGRADE_BUILDING"
	OpTrainUnits      = "TRAIN_UNITS"
	OpDispatch        = "DISPATCH"
	OpPlaceOrder      = "PLACE_ORDER"
	OpCancelOrder     = "CANCEL_ORDER"
	OpListOrders      = "LIST_ORDERS"
	OpListReports     = "LIST_REPORTS"
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

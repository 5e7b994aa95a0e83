package realm

import (
	"time"

	"github.com/google/uuid"
)

// Report kinds.
const (
	ReportBattle     = "battle_report"
	ReportScout      = "scout_report"
	ReportTrade      = "trade_report"
	ReportBuild      = "build_report"
	ReportTrain      = "train_report"
	ReportStarvation = "starvation_report"
	ReportConquest   = "conquest_report"
	ReportFounded    = "founded_report"
	ReportAudit      = "audit_report"
)

// Report is an immutable record delivered to its recipients once written.
type Report struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
	For     []string  `json:"for"` // recipient player ids
	Village string    `json:"village,omitempty"`
	Payload any       `json:"payload"`
}

// ReportSink receives finished reports. Implementations must not block
// the caller; the realm emits under no locks but on hot paths.
type ReportSink interface {
	Record(rep Report) error
}

// NopReports drops everything.
type NopReports struct{}

func (NopReports) Record(Report) error { return nil }

func newReport(kind string, at time.Time, village string, recipients []string, payload any) Report {
	return Report{
		ID:      uuid.NewString(),
		Kind:    kind,
		At:      at,
		For:     recipients,
		Village: village,
		Payload: payload,
	}
}

// Payload bodies. Kept JSON-flat so sinks and transports serialize them
// without realm imports.

type BuildReportBody struct {
	VillageID string `json:"village_id"`
	Slot      int    `json:"slot"`
	Building  string `json:"building"`
	Level     int    `json:"level"`
}

type TrainReportBody struct {
	VillageID string `json:"village_id"`
	Unit      string `json:"unit"`
	Count     int64  `json:"count"`
}

type StarvationReportBody struct {
	VillageID    string           `json:"village_id"`
	Died         map[string]int64 `json:"died"`
	DeficitUnits int64            `json:"deficit_units"`
}

type BattleReportBody struct {
	Mission      string           `json:"mission"`
	AttackerID   string           `json:"attacker_id"`
	DefenderID   string           `json:"defender_id"`
	Origin       string           `json:"origin_village"`
	Target       string           `json:"target_village"`
	AttackerWon  bool             `json:"attacker_won"`
	AttackPoints int64            `json:"attack_points"`
	DefensePoints int64           `json:"defense_points"`
	AttackerSent map[string]int64 `json:"attacker_sent"`
	AttackerLost map[string]int64 `json:"attacker_lost"`
	DefenderHad  map[string]int64 `json:"defender_had"`
	DefenderLost map[string]int64 `json:"defender_lost"`
	Loot         Amounts          `json:"loot"`
	WallLevel    int              `json:"wall_level"`
	Loyalty      int64            `json:"loyalty,omitempty"`
	Captured     bool             `json:"captured,omitempty"`
}

type ScoutReportBody struct {
	Origin    string           `json:"origin_village"`
	Target    string           `json:"target_village"`
	Stocks    Amounts          `json:"stocks"`
	Troops    map[string]int64 `json:"troops"`
	WallLevel int              `json:"wall_level"`
	Countered bool             `json:"countered"`
}

type TradeReportBody struct {
	TradeID  string `json:"trade_id"`
	Resource string `json:"resource"`
	Quantity int64  `json:"quantity"`
	Price    int64  `json:"price"`
	BuyerID  string `json:"buyer_village"`
	SellerID string `json:"seller_village"`
}

type FoundedReportBody struct {
	VillageID string `json:"village_id"`
	Name      string `json:"name"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
}

type AuditReportBody struct {
	VillageID string           `json:"village_id"`
	Actor     string           `json:"actor"`
	Reason    string           `json:"reason,omitempty"`
	Resources Amounts          `json:"resources"`
	Silver    int64            `json:"silver,omitempty"`
	Troops    map[string]int64 `json:"troops,omitempty"`
	Rev       uint64           `json:"rev"`
}

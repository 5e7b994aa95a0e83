package realm

import (
	"log"
	"os"

	"gridholm.gg/internal/sim/catalogs"
	"gridholm.gg/internal/sim/tuning"
)

// Player relation values as reported by the Relations collaborator.
const (
	RelationNeutral = "neutral"
	RelationAlly    = "ally"
	RelationNAP     = "nap"
	RelationEnemy   = "enemy"
)

// Relations answers diplomacy questions. Alliance membership and pacts
// are managed outside the simulation core. Implementations must answer
// from memory without blocking: the engine asks while holding locks.
type Relations interface {
	AllianceOf(playerID string) string
	Relation(a, b string) string
}

// NeutralRelations is the default: no alliances, everyone neutral.
type NeutralRelations struct{}

func (NeutralRelations) AllianceOf(string) string  { return "" }
func (NeutralRelations) Relation(a, b string) string { return RelationNeutral }

type Config struct {
	RealmID  string
	Catalogs *catalogs.Catalogs
	Tuning   tuning.Tuning

	Relations Relations
	Reports   ReportSink
	Batches   BatchSink

	Logger *log.Logger

	// BaseStorageCap is the per-resource floor every village gets even
	// with no storage buildings.
	BaseStorageCap int64

	// StartingLayout seeds the slots of a newly founded village.
	StartingLayout []Building
}

func (c *Config) applyDefaults() {
	if c.RealmID == "" {
		c.RealmID = "gridholm-1"
	}
	if c.Relations == nil {
		c.Relations = NeutralRelations{}
	}
	if c.Reports == nil {
		c.Reports = NopReports{}
	}
	if c.Batches == nil {
		c.Batches = NopBatches{}
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[realm] ", log.LstdFlags|log.Lmicroseconds)
	}
	if c.BaseStorageCap <= 0 {
		c.BaseStorageCap = 800
	}
	if len(c.StartingLayout) == 0 {
		c.StartingLayout = DefaultStartingLayout()
	}
}

// DefaultStartingLayout: eighteen resource fields around a level-one
// main building, the classic opening position.
func DefaultStartingLayout() []Building {
	var out []Building
	slot := 0
	add := func(typ string, n, level int) {
		for i := 0; i < n; i++ {
			out = append(out, Building{Slot: slot, Type: typ, Level: level})
			slot++
		}
	}
	add("woodcutter", 4, 0)
	add("claypit", 4, 0)
	add("ironmine", 4, 0)
	add("cropland", 6, 0)
	add("main_building", 1, 1)
	return out
}

package realm

import (
	"sort"
	"sync"
	"time"

	"gridholm.gg/internal/sim/catalogs"
	"gridholm.gg/internal/sim/tuning"
)

const loyaltyMaxMilli = 100_000

// Village is the unit of mutual exclusion: all reads and writes of its
// state happen under mu, armies and market fills lock pairs in id order.
type Village struct {
	mu sync.Mutex

	ID      string
	Name    string
	OwnerID string
	Tribe   string
	X, Y    int
	Capital bool

	// Settlement checkpoint: stocks are exact at CheckpointAt and
	// derived lazily after it.
	CheckpointAt time.Time
	StockMilli   Amounts
	Silver       int64

	Starving         bool
	CropDeficitMilli int64
	DeficitSince     time.Time
	starveAccumMilli int64 // deficit toward the next starvation death

	LoyaltyMilli int64

	Buildings []Building
	Troops    map[string]int64 // ready units by catalog id

	BuildQueue  JobQueue
	TrainQueues map[string]*JobQueue // by training building id

	Bonuses []ProductionBonus

	// Rev increments on every mutation; admin overrides CAS on it.
	Rev uint64
}

type Building struct {
	Slot  int    `json:"slot"`
	Type  string `json:"type,omitempty"` // empty slot when ""
	Level int    `json:"level"`
}

// ProductionBonus multiplies output of one resource kind (or all when
// Resource is empty) until it expires.
type ProductionBonus struct {
	ID        string    `json:"id"`
	Resource  string    `json:"resource,omitempty"`
	Factor    float64   `json:"factor"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (v *Village) lock()   { v.mu.Lock() }
func (v *Village) unlock() { v.mu.Unlock() }

// levelOf returns the highest level among slots holding the given type.
func (v *Village) levelOf(buildingType string) int {
	best := 0
	for _, b := range v.Buildings {
		if b.Type == buildingType && b.Level > best {
			best = b.Level
		}
	}
	return best
}

func (v *Village) slotAt(slot int) *Building {
	for i := range v.Buildings {
		if v.Buildings[i].Slot == slot {
			return &v.Buildings[i]
		}
	}
	return nil
}

func (v *Village) hasBuilding(buildingType string, minLevel int) bool {
	return v.levelOf(buildingType) >= minLevel
}

func (v *Village) wallLevel(cats *catalogs.Catalogs) int {
	for _, b := range v.Buildings {
		if b.Type == "" || b.Level == 0 {
			continue
		}
		if def, ok := cats.Buildings.Defs[b.Type]; ok && def.Kind == catalogs.KindWall {
			return b.Level
		}
	}
	return 0
}

func (v *Village) wallBonus(cats *catalogs.Catalogs) float64 {
	for _, b := range v.Buildings {
		if b.Type == "" || b.Level == 0 {
			continue
		}
		if def, ok := cats.Buildings.Defs[b.Type]; ok && def.Kind == catalogs.KindWall {
			return def.WallBonusAt(b.Level)
		}
	}
	return 1.0
}

// population is the crop-eating headcount from building levels.
func (v *Village) population(cats *catalogs.Catalogs) int64 {
	var pop int64
	for _, b := range v.Buildings {
		if b.Type == "" {
			continue
		}
		if def, ok := cats.Buildings.Defs[b.Type]; ok {
			pop += def.PopulationAt(b.Level)
		}
	}
	return pop
}

// troopUpkeepPerHour sums crop upkeep of home ready units.
func (v *Village) troopUpkeepPerHour(cats *catalogs.Catalogs) int64 {
	var up int64
	for id, n := range v.Troops {
		if n <= 0 {
			continue
		}
		if def, ok := cats.Units.Defs[id]; ok {
			up += def.Upkeep * n
		}
	}
	return up
}

// productionMilliPerHour computes gross per-kind output at instant t:
// field tables times the tribe production multiplier times every active
// bonus for the kind.
func (v *Village) productionMilliPerHour(cats *catalogs.Catalogs, tun tuning.Tuning, t time.Time) Amounts {
	var gross Amounts
	for _, b := range v.Buildings {
		if b.Type == "" {
			continue
		}
		def, ok := cats.Buildings.Defs[b.Type]
		if !ok || def.Produces == "" {
			continue
		}
		gross.AddKind(def.Produces, def.ProductionAt(b.Level))
	}

	tribe := tun.Bonus(v.Tribe).Production
	var out Amounts
	for _, kind := range ResourceKinds {
		f := tribe
		for _, bn := range v.Bonuses {
			if !bn.ExpiresAt.After(t) {
				continue
			}
			if bn.Resource == "" || bn.Resource == kind {
				f *= bn.Factor
			}
		}
		out.Set(kind, int64(float64(gross.Get(kind))*f*1000.0))
	}
	return out
}

// capsMilli: warehouses cover wood, clay and iron each; granaries cover
// crop. A village never drops below the base cap.
func (v *Village) capsMilli(cats *catalogs.Catalogs, baseCap int64) Amounts {
	var store, grain int64
	for _, b := range v.Buildings {
		if b.Type == "" {
			continue
		}
		def, ok := cats.Buildings.Defs[b.Type]
		if !ok || def.Kind != catalogs.KindStorage {
			continue
		}
		switch def.ID {
		case "granary":
			grain += def.CapacityAt(b.Level)
		default:
			store += def.CapacityAt(b.Level)
		}
	}
	if store < baseCap {
		store = baseCap
	}
	if grain < baseCap {
		grain = baseCap
	}
	return Amounts{Wood: store, Clay: store, Iron: store, Crop: grain}.Milli()
}

// dropExpiredBonuses removes bonuses that have ended by t.
func (v *Village) dropExpiredBonuses(t time.Time) {
	kept := v.Bonuses[:0]
	for _, bn := range v.Bonuses {
		if bn.ExpiresAt.After(t) {
			kept = append(kept, bn)
		}
	}
	v.Bonuses = kept
}

// starveKillOrder returns unit ids present in the village, costliest
// upkeep first, ties by id.
func (v *Village) starveKillOrder(cats *catalogs.Catalogs) []string {
	ids := make([]string, 0, len(v.Troops))
	for id, n := range v.Troops {
		if n > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		ui := cats.Units.Defs[ids[i]].Upkeep
		uj := cats.Units.Defs[ids[j]].Upkeep
		if ui != uj {
			return ui > uj
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (v *Village) addTroops(unitID string, n int64) {
	if n == 0 {
		return
	}
	if v.Troops == nil {
		v.Troops = map[string]int64{}
	}
	next := v.Troops[unitID] + n
	invariant(next >= 0, "troops %s at %s would go negative: %d", unitID, v.ID, next)
	if next == 0 {
		delete(v.Troops, unitID)
	} else {
		v.Troops[unitID] = next
	}
	v.Rev++
}

func (v *Village) troopCount(unitID string) int64 {
	return v.Troops[unitID]
}

package realm

import (
	"sort"
	"time"
)

// Batch is one durable unit of change. Everything in a batch left the
// engine under the same locks, so a store applying it in one
// transaction never persists half a trade or half a battle.
type Batch struct {
	At       time.Time
	Villages []VillageRow
	Armies   []ArmyRow
	Orders   []OrderRow
	Trades   []TradeRow
}

func (b Batch) empty() bool {
	return len(b.Villages) == 0 && len(b.Armies) == 0 && len(b.Orders) == 0 && len(b.Trades) == 0
}

// BatchSink receives batches after locks are released. Implementations
// must not block.
type BatchSink interface {
	Apply(b Batch)
}

type NopBatches struct{}

func (NopBatches) Apply(Batch) {}

type VillageRow struct {
	ID         string
	Name       string
	OwnerID    string
	Tribe      string
	X, Y       int
	Capital    bool
	Stocks     Amounts // whole units
	Silver     int64
	Loyalty    int64
	Population int64
	Starving   bool
	Rev        uint64
	AsOf       time.Time
}

type ArmyRow struct {
	ID        string
	Mission   string
	OwnerID   string
	HomeID    string
	TargetID  string
	TargetX   int
	TargetY   int
	State     string
	ArrivesAt time.Time
	ReturnsAt time.Time
	Deleted   bool
}

type OrderRow struct {
	ID        string
	VillageID string
	OwnerID   string
	Side      string
	Resource  string
	Price     int64
	Quantity  int64
	Remaining int64
	Status    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type TradeRow struct {
	ID            string
	Resource      string
	Quantity      int64
	Price         int64
	BuyOrderID    string
	SellOrderID   string
	BuyerVillage  string
	SellerVillage string
	At            time.Time
}

// villageRowLocked copies the durable projection of a village. Caller
// holds the village lock.
func (r *Realm) villageRowLocked(v *Village) VillageRow {
	return VillageRow{
		ID:         v.ID,
		Name:       v.Name,
		OwnerID:    v.OwnerID,
		Tribe:      v.Tribe,
		X:          v.X,
		Y:          v.Y,
		Capital:    v.Capital,
		Stocks:     v.StockMilli.Whole(),
		Silver:     v.Silver,
		Loyalty:    v.LoyaltyMilli / 1000,
		Population: v.population(r.cats),
		Starving:   v.Starving,
		Rev:        v.Rev,
		AsOf:       v.CheckpointAt,
	}
}

func (a *Army) row(deleted bool) ArmyRow {
	return ArmyRow{
		ID:        a.ID,
		Mission:   a.Mission,
		OwnerID:   a.OwnerID,
		HomeID:    a.HomeID,
		TargetID:  a.TargetID,
		TargetX:   a.TargetX,
		TargetY:   a.TargetY,
		State:     a.State,
		ArrivesAt: a.ArrivesAt,
		ReturnsAt: a.ReturnsAt,
		Deleted:   deleted,
	}
}

// Snapshot DTOs. Gob-encoded by persistence/snapshot; every field a
// restart needs must be here.

type State struct {
	RealmID  string
	TakenAt  time.Time
	Counters CountersSnap
	Villages []VillageSnap
	Armies   []ArmySnap
	Orders   []OrderSnap
}

type CountersSnap struct {
	Village uint64
	Army    uint64
	Order   uint64
	Trade   uint64
	Job     uint64
	Bonus   uint64
}

type VillageSnap struct {
	ID      string
	Name    string
	OwnerID string
	Tribe   string
	X, Y    int
	Capital bool

	CheckpointAt time.Time
	StockMilli   Amounts
	Silver       int64

	Starving         bool
	CropDeficitMilli int64
	DeficitSince     time.Time
	StarveAccumMilli int64

	LoyaltyMilli int64

	Buildings   []Building
	Troops      map[string]int64
	BuildQueue  JobQueue
	TrainQueues map[string]JobQueue
	Bonuses     []ProductionBonus

	Rev uint64
}

type ArmySnap struct {
	ID         string
	Mission    string
	OwnerID    string
	HomeID     string
	Tribe      string
	TargetID   string
	TargetX    int
	TargetY    int
	Units      map[string]int64
	Carry      Amounts
	DepartedAt time.Time
	ArrivesAt  time.Time
	ReturnsAt  time.Time
	State      string
}

type OrderSnap struct {
	ID        string
	VillageID string
	OwnerID   string
	Side      string
	Resource  string
	Price     int64
	Quantity  int64
	Remaining int64
	EscrowRes int64
	EscrowSil int64
	Status    string
	Seq       uint64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ExportState freezes cross-village flows and copies everything. Safe
// to call while serving.
func (r *Realm) ExportState() State {
	r.armyMu.Lock()
	defer r.armyMu.Unlock()
	r.market.mu.Lock()
	defer r.market.mu.Unlock()

	r.mu.RLock()
	ids := make([]string, 0, len(r.villages))
	for id := range r.villages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	villages := make([]*Village, 0, len(ids))
	for _, id := range ids {
		villages = append(villages, r.villages[id])
	}
	armies := make([]*Army, 0, len(r.armies))
	for _, a := range r.armies {
		armies = append(armies, a)
	}
	r.mu.RUnlock()
	sort.Slice(armies, func(i, j int) bool { return armies[i].ID < armies[j].ID })

	st := State{
		RealmID: r.cfg.RealmID,
		TakenAt: time.Now().UTC(),
		Counters: CountersSnap{
			Village: r.counters.village.Load(),
			Army:    r.counters.army.Load(),
			Order:   r.counters.order.Load(),
			Trade:   r.counters.trade.Load(),
			Job:     r.counters.job.Load(),
			Bonus:   r.counters.bonus.Load(),
		},
	}

	for _, v := range villages {
		v.lock()
		vs := VillageSnap{
			ID:               v.ID,
			Name:             v.Name,
			OwnerID:          v.OwnerID,
			Tribe:            v.Tribe,
			X:                v.X,
			Y:                v.Y,
			Capital:          v.Capital,
			CheckpointAt:     v.CheckpointAt,
			StockMilli:       v.StockMilli,
			Silver:           v.Silver,
			Starving:         v.Starving,
			CropDeficitMilli: v.CropDeficitMilli,
			DeficitSince:     v.DeficitSince,
			StarveAccumMilli: v.starveAccumMilli,
			LoyaltyMilli:     v.LoyaltyMilli,
			Buildings:        append([]Building(nil), v.Buildings...),
			Troops:           copyCounts(v.Troops),
			BuildQueue:       JobQueue{Jobs: append([]Job(nil), v.BuildQueue.Jobs...)},
			TrainQueues:      map[string]JobQueue{},
			Bonuses:          append([]ProductionBonus(nil), v.Bonuses...),
			Rev:              v.Rev,
		}
		for id, q := range v.TrainQueues {
			vs.TrainQueues[id] = JobQueue{Jobs: append([]Job(nil), q.Jobs...)}
		}
		v.unlock()
		st.Villages = append(st.Villages, vs)
	}

	for _, a := range armies {
		st.Armies = append(st.Armies, ArmySnap{
			ID:         a.ID,
			Mission:    a.Mission,
			OwnerID:    a.OwnerID,
			HomeID:     a.HomeID,
			Tribe:      a.Tribe,
			TargetID:   a.TargetID,
			TargetX:    a.TargetX,
			TargetY:    a.TargetY,
			Units:      copyCounts(a.Units),
			Carry:      a.Carry,
			DepartedAt: a.DepartedAt,
			ArrivesAt:  a.ArrivesAt,
			ReturnsAt:  a.ReturnsAt,
			State:      a.State,
		})
	}

	st.Orders = r.market.exportLocked()
	return st
}

// ImportState rebuilds the realm from a snapshot. Must run before the
// realm starts serving.
func (r *Realm) ImportState(st State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counters.village.Store(st.Counters.Village)
	r.counters.army.Store(st.Counters.Army)
	r.counters.order.Store(st.Counters.Order)
	r.counters.trade.Store(st.Counters.Trade)
	r.counters.job.Store(st.Counters.Job)
	r.counters.bonus.Store(st.Counters.Bonus)

	r.villages = map[string]*Village{}
	r.byCell = map[[2]int]string{}
	r.armies = map[string]*Army{}

	for _, vs := range st.Villages {
		v := &Village{
			ID:               vs.ID,
			Name:             vs.Name,
			OwnerID:          vs.OwnerID,
			Tribe:            vs.Tribe,
			X:                vs.X,
			Y:                vs.Y,
			Capital:          vs.Capital,
			CheckpointAt:     vs.CheckpointAt,
			StockMilli:       vs.StockMilli,
			Silver:           vs.Silver,
			Starving:         vs.Starving,
			CropDeficitMilli: vs.CropDeficitMilli,
			DeficitSince:     vs.DeficitSince,
			starveAccumMilli: vs.StarveAccumMilli,
			LoyaltyMilli:     vs.LoyaltyMilli,
			Buildings:        append([]Building(nil), vs.Buildings...),
			Troops:           copyCounts(vs.Troops),
			BuildQueue:       JobQueue{Jobs: append([]Job(nil), vs.BuildQueue.Jobs...)},
			TrainQueues:      map[string]*JobQueue{},
			Bonuses:          append([]ProductionBonus(nil), vs.Bonuses...),
			Rev:              vs.Rev,
		}
		for id, q := range vs.TrainQueues {
			v.TrainQueues[id] = &JobQueue{Jobs: append([]Job(nil), q.Jobs...)}
		}
		r.villages[v.ID] = v
		r.byCell[[2]int{v.X, v.Y}] = v.ID
	}

	for _, as := range st.Armies {
		r.armies[as.ID] = &Army{
			ID:         as.ID,
			Mission:    as.Mission,
			OwnerID:    as.OwnerID,
			HomeID:     as.HomeID,
			Tribe:      as.Tribe,
			TargetID:   as.TargetID,
			TargetX:    as.TargetX,
			TargetY:    as.TargetY,
			Units:      copyCounts(as.Units),
			Carry:      as.Carry,
			DepartedAt: as.DepartedAt,
			ArrivesAt:  as.ArrivesAt,
			ReturnsAt:  as.ReturnsAt,
			State:      as.State,
		}
	}

	return r.market.importOrders(st.Orders)
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

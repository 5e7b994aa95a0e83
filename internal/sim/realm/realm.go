package realm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gridholm.gg/internal/sim/catalogs"
	"gridholm.gg/internal/sim/tuning"
)

// Realm owns every village, army and order of one shared grid. There is
// no tick: state advances when an operation settles the entities it
// touches. Lock order is armyMu or market.mu first, then village locks
// in ascending id order, then the map guard mu; never the reverse.
type Realm struct {
	cfg  Config
	cats *catalogs.Catalogs
	tun  tuning.Tuning

	mu       sync.RWMutex
	villages map[string]*Village
	byCell   map[[2]int]string
	armies   map[string]*Army

	// armyMu serializes army resolution realm-wide so arrivals at one
	// defender replay in (due, id) order without juggling village locks.
	armyMu sync.Mutex

	market *Market

	counters struct {
		village atomic.Uint64
		army    atomic.Uint64
		order   atomic.Uint64
		trade   atomic.Uint64
		job     atomic.Uint64
		bonus   atomic.Uint64
	}

	stats struct {
		settles atomic.Uint64
		battles atomic.Uint64
		trades  atomic.Uint64
	}
}

func NewRealm(cfg Config) (*Realm, error) {
	cfg.applyDefaults()
	if cfg.Catalogs == nil {
		return nil, fmt.Errorf("realm: catalogs required")
	}
	cfg.Tuning = tuning.Normalize(cfg.Tuning)

	r := &Realm{
		cfg:      cfg,
		cats:     cfg.Catalogs,
		tun:      cfg.Tuning,
		villages: map[string]*Village{},
		byCell:   map[[2]int]string{},
		armies:   map[string]*Army{},
	}
	r.market = newMarket(r)
	return r, nil
}

func (r *Realm) ID() string             { return r.cfg.RealmID }
func (r *Realm) Tuning() tuning.Tuning  { return r.tun }
func (r *Realm) Catalogs() *catalogs.Catalogs { return r.cats }

func (r *Realm) nextID(prefix string, c *atomic.Uint64) string {
	return fmt.Sprintf("%s%d", prefix, c.Add(1))
}

func (r *Realm) village(id string) (*Village, error) {
	r.mu.RLock()
	v, ok := r.villages[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errNotFound("no village %s", id)
	}
	return v, nil
}

func (r *Realm) villageAtCell(x, y int) (*Village, bool) {
	r.mu.RLock()
	id, ok := r.byCell[[2]int{x, y}]
	var v *Village
	if ok {
		v = r.villages[id]
	}
	r.mu.RUnlock()
	return v, ok
}

func (r *Realm) inGrid(x, y int) bool {
	return x >= 0 && x < r.tun.GridWidth && y >= 0 && y < r.tun.GridHeight
}

// VillagesOf returns the ids owned by a player, sorted.
func (r *Realm) VillagesOf(playerID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, v := range r.villages {
		if v.OwnerID == playerID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// lockPair acquires one or two village locks in ascending id order.
func lockPair(a, b *Village) {
	if b == nil || a == b {
		a.lock()
		return
	}
	if a.ID < b.ID {
		a.lock()
		b.lock()
	} else {
		b.lock()
		a.lock()
	}
}

func unlockPair(a, b *Village) {
	if b == nil || a == b {
		a.unlock()
		return
	}
	a.unlock()
	b.unlock()
}

func (r *Realm) requireOwner(v *Village, playerID string) error {
	if v.OwnerID != playerID {
		return errNoPermission("village %s is not yours", v.ID)
	}
	return nil
}

// armyUpkeepPerHour sums crop upkeep of every army fielded from the
// village. Troops in the field eat from home until they are back.
func (r *Realm) armyUpkeepPerHour(villageID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var up int64
	for _, a := range r.armies {
		if a.HomeID != villageID {
			continue
		}
		up += a.upkeepPerHour(r.cats)
	}
	return up
}

// SettleVillage brings one village (and every due army touching it) up
// to now. Idempotent: a second call at the same instant is a no-op.
func (r *Realm) SettleVillage(id string, now time.Time) error {
	r.settleArmiesTouching(id, now)

	v, err := r.village(id)
	if err != nil {
		return err
	}
	v.lock()
	reps := r.settleLocked(v, now)
	row := r.villageRowLocked(v)
	v.unlock()

	r.stats.settles.Add(1)
	r.emitReports(reps)
	r.emitBatch(Batch{At: now, Villages: []VillageRow{row}})
	return nil
}

// VillageState settles and returns the owner's full view. Incoming
// foreign armies appear with their composition redacted.
func (r *Realm) VillageState(playerID, id string, now time.Time) (VillageView, error) {
	if err := r.SettleVillage(id, now); err != nil {
		return VillageView{}, err
	}
	v, err := r.village(id)
	if err != nil {
		return VillageView{}, err
	}
	armies := r.armiesTouching(id, playerID, false)
	orders := r.openOrdersOfVillage(id)

	v.lock()
	defer v.unlock()
	if err := r.requireOwner(v, playerID); err != nil {
		return VillageView{}, err
	}
	return r.viewLocked(v, now, armies, orders), nil
}

// ViewVillage is VillageState without the ownership check or redaction,
// for admin surfaces.
func (r *Realm) ViewVillage(id string, now time.Time) (VillageView, error) {
	if err := r.SettleVillage(id, now); err != nil {
		return VillageView{}, err
	}
	v, err := r.village(id)
	if err != nil {
		return VillageView{}, err
	}
	armies := r.armiesTouching(id, "", true)
	orders := r.openOrdersOfVillage(id)

	v.lock()
	defer v.unlock()
	return r.viewLocked(v, now, armies, orders), nil
}

// FoundVillage creates a village at a free cell with the configured
// starting position.
func (r *Realm) FoundVillage(ownerID, tribe, name string, x, y int, capital bool, now time.Time) (string, error) {
	if ownerID == "" {
		return "", errBadRequest("owner required")
	}
	if !r.inGrid(x, y) {
		return "", errInvalidTarget("cell %d,%d outside the grid", x, y)
	}

	v, err := r.createVillage(ownerID, tribe, name, x, y, capital, now)
	if err != nil {
		return "", err
	}

	v.lock()
	row := r.villageRowLocked(v)
	v.unlock()

	r.emitReports([]Report{newReport(ReportFounded, now, v.ID, []string{ownerID}, FoundedReportBody{
		VillageID: v.ID, Name: v.Name, X: x, Y: y,
	})})
	r.emitBatch(Batch{At: now, Villages: []VillageRow{row}})
	return v.ID, nil
}

// createVillage claims the cell and inserts the village; the cell check
// and the insert share one critical section.
func (r *Realm) createVillage(ownerID, tribe, name string, x, y int, capital bool, at time.Time) (*Village, error) {
	r.mu.Lock()
	if _, taken := r.byCell[[2]int{x, y}]; taken {
		r.mu.Unlock()
		return nil, errInvalidTarget("cell %d,%d is occupied", x, y)
	}
	id := r.nextID("V", &r.counters.village)
	if name == "" {
		name = fmt.Sprintf("Village %s", id)
	}
	v := &Village{
		ID:           id,
		Name:         name,
		OwnerID:      ownerID,
		Tribe:        tribe,
		X:            x,
		Y:            y,
		Capital:      capital,
		CheckpointAt: at,
		StockMilli: Amounts{
			Wood: r.tun.StartingStock, Clay: r.tun.StartingStock,
			Iron: r.tun.StartingStock, Crop: r.tun.StartingStock,
		}.Milli(),
		Silver:       r.tun.StartingSilver,
		LoyaltyMilli: loyaltyMaxMilli,
		Buildings:    append([]Building(nil), r.cfg.StartingLayout...),
		Troops:       map[string]int64{},
		TrainQueues:  map[string]*JobQueue{},
	}
	r.villages[id] = v
	r.byCell[[2]int{x, y}] = id
	r.mu.Unlock()
	return v, nil
}

// AdminAdjust applies an operator override guarded by the village
// revision: pass the Rev you inspected, and the adjustment only lands
// if nothing moved since.
func (r *Realm) AdminAdjust(villageID string, expectRev uint64, res Amounts, silver int64, troops map[string]int64, actor, reason string, now time.Time) error {
	if err := r.SettleVillage(villageID, now); err != nil {
		return err
	}
	v, err := r.village(villageID)
	if err != nil {
		return err
	}

	v.lock()
	if v.Rev != expectRev {
		rev := v.Rev
		v.unlock()
		return errConflict("village %s changed: rev %d, expected %d", villageID, rev, expectRev)
	}

	next := v.StockMilli.Plus(res.Milli())
	if !next.NonNegative() {
		v.unlock()
		return errBadRequest("adjustment would make stocks negative")
	}
	if v.Silver+silver < 0 {
		v.unlock()
		return errBadRequest("adjustment would make silver negative")
	}
	for unit, delta := range troops {
		if _, ok := r.cats.Units.Defs[unit]; !ok {
			v.unlock()
			return errBadRequest("unknown unit %q", unit)
		}
		if v.Troops[unit]+delta < 0 {
			v.unlock()
			return errBadRequest("adjustment would make %s count negative", unit)
		}
	}

	caps := v.capsMilli(r.cats, r.cfg.BaseStorageCap)
	v.StockMilli = next.clampTo(caps)
	if v.Starving && v.StockMilli.Crop > 0 {
		v.clearStarvation()
	}
	v.Silver += silver
	for unit, delta := range troops {
		v.addTroops(unit, delta)
	}
	v.Rev++
	row := r.villageRowLocked(v)
	rev := v.Rev
	v.unlock()

	r.emitReports([]Report{newReport(ReportAudit, now, villageID, []string{actor}, AuditReportBody{
		VillageID: villageID,
		Actor:     actor,
		Reason:    reason,
		Resources: res,
		Silver:    silver,
		Troops:    troops,
		Rev:       rev,
	})})
	r.emitBatch(Batch{At: now, Villages: []VillageRow{row}})
	return nil
}

// AddProductionBonus attaches a multiplicative output bonus until the
// given expiry. Resource empty means all kinds.
func (r *Realm) AddProductionBonus(villageID, resource string, factor float64, until, now time.Time) (string, error) {
	if factor <= 0 {
		return "", errBadRequest("factor must be positive")
	}
	if resource != "" && resource != Wood && resource != Clay && resource != Iron && resource != Crop {
		return "", errBadRequest("unknown resource %q", resource)
	}
	if err := r.SettleVillage(villageID, now); err != nil {
		return "", err
	}
	v, err := r.village(villageID)
	if err != nil {
		return "", err
	}
	id := r.nextID("B", &r.counters.bonus)
	v.lock()
	v.Bonuses = append(v.Bonuses, ProductionBonus{ID: id, Resource: resource, Factor: factor, ExpiresAt: until})
	v.Rev++
	v.unlock()
	return id, nil
}

// SettleDue is the sweeper entry: settle every village (resolving due
// armies and queue completions) and expire stale orders.
func (r *Realm) SettleDue(now time.Time) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.villages))
	for id := range r.villages {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := r.SettleVillage(id, now); err != nil {
			r.cfg.Logger.Printf("sweep: settle %s: %v", id, err)
		}
	}
	r.market.SweepExpired(now)
}

// RealmStats is the metrics projection.
type RealmStats struct {
	Villages   int
	Armies     int
	OpenOrders int
	Settles    uint64
	Battles    uint64
	Trades     uint64
}

func (r *Realm) Stats() RealmStats {
	r.mu.RLock()
	nv, na := len(r.villages), len(r.armies)
	r.mu.RUnlock()
	return RealmStats{
		Villages:   nv,
		Armies:     na,
		OpenOrders: r.market.openCount(),
		Settles:    r.stats.settles.Load(),
		Battles:    r.stats.battles.Load(),
		Trades:     r.stats.trades.Load(),
	}
}

func (r *Realm) emitReports(reps []Report) {
	for _, rep := range reps {
		if err := r.cfg.Reports.Record(rep); err != nil {
			r.cfg.Logger.Printf("report sink: %v", err)
		}
	}
}

func (r *Realm) emitBatch(b Batch) {
	if b.empty() {
		return
	}
	r.cfg.Batches.Apply(b)
}


// Package realmtest drives a realm black-box through its exported API:
// a manual clock stands in for wall time, Advance sweeps the realm the
// way the server loop does, and Grant provisions preconditions through
// the operator adjustment path instead of touching realm internals. That
// keeps these scenarios honest about what a deployed realm can do, at
// the cost of walking real prerequisite chains when a scenario needs a
// marketplace or a barracks.
package realmtest

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"gridholm.gg/internal/sim/catalogs"
	"gridholm.gg/internal/sim/realm"
	"gridholm.gg/internal/sim/tuning"
)

// Scenario clocks start here so durations in assertions stay readable.
var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type Harness struct {
	T       *testing.T
	R       *realm.Realm
	Cats    *catalogs.Catalogs
	Now     time.Time
	Reports *ReportLog
}

func New(t *testing.T) *Harness {
	return NewWithTuning(t, tuning.Default())
}

func NewWithTuning(t *testing.T, tun tuning.Tuning) *Harness {
	t.Helper()
	cats, err := catalogs.Load("../../../configs")
	if err != nil {
		t.Fatalf("catalogs.Load: %v", err)
	}
	rl := &ReportLog{}
	r, err := realm.NewRealm(realm.Config{
		Catalogs: cats,
		Tuning:   tun,
		Reports:  rl,
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("realm.NewRealm: %v", err)
	}
	return &Harness{T: t, R: r, Cats: cats, Now: epoch, Reports: rl}
}

// Advance moves the clock forward and sweeps, resolving everything that
// came due in between.
func (h *Harness) Advance(d time.Duration) {
	h.T.Helper()
	h.Now = h.Now.Add(d)
	h.R.SettleDue(h.Now)
}

// AdvanceTo is Advance against an absolute instant; it never moves the
// clock backwards.
func (h *Harness) AdvanceTo(at time.Time) {
	h.T.Helper()
	if at.After(h.Now) {
		h.Now = at
	}
	h.R.SettleDue(h.Now)
}

func (h *Harness) Found(owner string, x, y int) string {
	h.T.Helper()
	id, err := h.R.FoundVillage(owner, "", "", x, y, false, h.Now)
	if err != nil {
		h.T.Fatalf("FoundVillage %s at %d,%d: %v", owner, x, y, err)
	}
	return id
}

func (h *Harness) FoundCapital(owner string, x, y int) string {
	h.T.Helper()
	id, err := h.R.FoundVillage(owner, "", "", x, y, true, h.Now)
	if err != nil {
		h.T.Fatalf("FoundVillage %s at %d,%d: %v", owner, x, y, err)
	}
	return id
}

// View is the player read: settled to the harness clock and redacted
// like any other owner read.
func (h *Harness) View(owner, villageID string) realm.VillageView {
	h.T.Helper()
	v, err := h.R.VillageState(owner, villageID, h.Now)
	if err != nil {
		h.T.Fatalf("VillageState %s: %v", villageID, err)
	}
	return v
}

// ViewAdmin is the unredacted operator read.
func (h *Harness) ViewAdmin(villageID string) realm.VillageView {
	h.T.Helper()
	v, err := h.R.ViewVillage(villageID, h.Now)
	if err != nil {
		h.T.Fatalf("ViewVillage %s: %v", villageID, err)
	}
	return v
}

func (h *Harness) Upgrade(owner, villageID string, slot int, building string) realm.JobView {
	h.T.Helper()
	job, err := h.R.UpgradeBuilding(owner, villageID, slot, building, h.Now)
	if err != nil {
		h.T.Fatalf("UpgradeBuilding %s slot %d %s: %v", villageID, slot, building, err)
	}
	return job
}

func (h *Harness) Train(owner, villageID, unit string, count int64) realm.JobView {
	h.T.Helper()
	job, err := h.R.TrainUnits(owner, villageID, unit, count, h.Now)
	if err != nil {
		h.T.Fatalf("TrainUnits %s %dx %s: %v", villageID, count, unit, err)
	}
	return job
}

func (h *Harness) Dispatch(owner, villageID, mission string, x, y int, units map[string]int64, carry realm.Amounts) realm.ArmyView {
	h.T.Helper()
	a, err := h.R.Dispatch(owner, villageID, mission, x, y, units, carry, h.Now)
	if err != nil {
		h.T.Fatalf("Dispatch %s %s to %d,%d: %v", villageID, mission, x, y, err)
	}
	return a
}

func (h *Harness) Place(owner, villageID, side, resource string, quantity, price int64) realm.OrderView {
	h.T.Helper()
	o, err := h.R.PlaceOrder(owner, villageID, side, resource, quantity, price, h.Now)
	if err != nil {
		h.T.Fatalf("PlaceOrder %s %s %d %s @%d: %v", villageID, side, quantity, resource, price, err)
	}
	return o
}

func (h *Harness) Cancel(owner, orderID string) realm.OrderView {
	h.T.Helper()
	o, err := h.R.CancelOrder(owner, orderID, h.Now)
	if err != nil {
		h.T.Fatalf("CancelOrder %s: %v", orderID, err)
	}
	return o
}

// Grant adjusts a village through the operator path, keyed to its
// current revision. Troop grants skip training, so scenarios can field
// units whose prerequisite chain is not under test.
func (h *Harness) Grant(villageID string, res realm.Amounts, silver int64, troops map[string]int64) {
	h.T.Helper()
	rev := h.ViewAdmin(villageID).Rev
	if err := h.R.AdminAdjust(villageID, rev, res, silver, troops, "ops", "scenario setup", h.Now); err != nil {
		h.T.Fatalf("AdminAdjust %s: %v", villageID, err)
	}
}

// TopUp refills every stock to its cap.
func (h *Harness) TopUp(villageID string) {
	h.T.Helper()
	v := h.ViewAdmin(villageID)
	h.Grant(villageID, v.Caps.Minus(v.Stocks), 0, nil)
}

// Build tops the village up, queues one upgrade, and advances the clock
// past its completion.
func (h *Harness) Build(owner, villageID string, slot int, building string) {
	h.T.Helper()
	h.TopUp(villageID)
	job := h.Upgrade(owner, villageID, slot, building)
	h.AdvanceTo(job.EndsAt)
}

// RallyVillage founds a village that can dispatch armies.
func (h *Harness) RallyVillage(owner string, x, y int) string {
	h.T.Helper()
	id := h.Found(owner, x, y)
	h.Build(owner, id, 19, "rally_point")
	return id
}

// WarVillage walks the barracks chain: main building 3, rally point,
// barracks.
func (h *Harness) WarVillage(owner string, x, y int) string {
	h.T.Helper()
	id := h.Found(owner, x, y)
	h.Build(owner, id, 18, "main_building")
	h.Build(owner, id, 18, "main_building")
	h.Build(owner, id, 19, "rally_point")
	h.Build(owner, id, 20, "barracks")
	return id
}

// MarketVillage walks the marketplace chain: main building 3,
// warehouse, granary, marketplace.
func (h *Harness) MarketVillage(owner string, x, y int) string {
	h.T.Helper()
	id := h.Found(owner, x, y)
	h.Build(owner, id, 18, "main_building")
	h.Build(owner, id, 18, "main_building")
	h.Build(owner, id, 19, "warehouse")
	h.Build(owner, id, 20, "granary")
	h.Build(owner, id, 21, "marketplace")
	return id
}

// ReportLog is a Reports sink that captures everything the realm emits.
type ReportLog struct {
	mu   sync.Mutex
	reps []realm.Report
}

func (l *ReportLog) Record(rep realm.Report) error {
	l.mu.Lock()
	l.reps = append(l.reps, rep)
	l.mu.Unlock()
	return nil
}

// Kind returns the recorded reports of one kind in emission order.
func (l *ReportLog) Kind(kind string) []realm.Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []realm.Report
	for _, rep := range l.reps {
		if rep.Kind == kind {
			out = append(out, rep)
		}
	}
	return out
}

// Reset drops everything recorded so far.
func (l *ReportLog) Reset() {
	l.mu.Lock()
	l.reps = nil
	l.mu.Unlock()
}

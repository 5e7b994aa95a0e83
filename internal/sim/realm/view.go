package realm

import (
	"sort"
	"time"
)

// VillageView is the settled read model. Quantities are whole units as
// of AsOf; milli precision stays internal.
type VillageView struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	OwnerID string    `json:"owner_id"`
	Tribe   string    `json:"tribe,omitempty"`
	X       int       `json:"x"`
	Y       int       `json:"y"`
	Capital bool      `json:"capital,omitempty"`
	AsOf    time.Time `json:"as_of"`

	Stocks     Amounts `json:"stocks"`
	Caps       Amounts `json:"caps"`
	Production Amounts `json:"production_per_hour"` // gross
	Upkeep     int64   `json:"upkeep_per_hour"`
	NetCrop    int64   `json:"net_crop_per_hour"`
	Silver     int64   `json:"silver"`

	Population  int64 `json:"population"`
	Loyalty     int64 `json:"loyalty"`
	Starving    bool  `json:"starving,omitempty"`
	CropDeficit int64 `json:"crop_deficit,omitempty"` // whole units since starvation began

	Buildings   []BuildingView       `json:"buildings"`
	BuildQueue  []JobView            `json:"build_queue,omitempty"`
	TrainQueues map[string][]JobView `json:"train_queues,omitempty"`

	Troops     map[string]int64 `json:"troops,omitempty"`
	InTraining map[string]int64 `json:"in_training,omitempty"`

	Armies []ArmyView  `json:"armies,omitempty"` // in flight, touching this village
	Orders []OrderView `json:"orders,omitempty"` // open, placed by this village

	Rev uint64 `json:"rev"`
}

type BuildingView struct {
	Slot  int    `json:"slot"`
	Type  string `json:"type,omitempty"`
	Level int    `json:"level"`
}

type JobView struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	StartAt  time.Time `json:"start_at"`
	EndsAt   time.Time `json:"ends_at"`
	Slot     int       `json:"slot,omitempty"`
	Building string    `json:"building,omitempty"`
	ToLevel  int       `json:"to_level,omitempty"`
	Unit     string    `json:"unit,omitempty"`
	Count    int64     `json:"count,omitempty"`
	Done     int64     `json:"done,omitempty"`
}

// ArmyView hides unit composition and cargo unless the viewer owns the
// army; incoming hostiles show only mission and timing.
type ArmyView struct {
	ID         string           `json:"id"`
	Mission    string           `json:"mission"`
	OwnerID    string           `json:"owner_id"`
	HomeID     string           `json:"home_id"`
	TargetID   string           `json:"target_id,omitempty"`
	TargetX    int              `json:"target_x"`
	TargetY    int              `json:"target_y"`
	State      string           `json:"state"`
	Units      map[string]int64 `json:"units,omitempty"`
	Carry      Amounts          `json:"carry,omitempty"`
	DepartedAt time.Time        `json:"departed_at"`
	ArrivesAt  time.Time        `json:"arrives_at"`
	ReturnsAt  time.Time        `json:"returns_at,omitempty"`
}

type OrderView struct {
	ID        string    `json:"id"`
	VillageID string    `json:"village_id"`
	OwnerID   string    `json:"owner_id"`
	Side      string    `json:"side"`
	Resource  string    `json:"resource"`
	Price     int64     `json:"price"`
	Quantity  int64     `json:"quantity"`
	Remaining int64     `json:"remaining"`
	Status    string    `json:"status"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func jobView(j Job) JobView {
	return JobView{
		ID:       j.ID,
		Kind:     j.Kind,
		StartAt:  j.StartAt,
		EndsAt:   j.EndsAt,
		Slot:     j.Slot,
		Building: j.Building,
		ToLevel:  j.ToLevel,
		Unit:     j.Unit,
		Count:    j.Count,
		Done:     j.Done,
	}
}

func (r *Realm) armyView(a *Army) ArmyView {
	return ArmyView{
		ID:         a.ID,
		Mission:    a.Mission,
		OwnerID:    a.OwnerID,
		HomeID:     a.HomeID,
		TargetID:   a.TargetID,
		TargetX:    a.TargetX,
		TargetY:    a.TargetY,
		State:      a.State,
		Units:      copyCounts(a.Units),
		Carry:      a.Carry,
		DepartedAt: a.DepartedAt,
		ArrivesAt:  a.ArrivesAt,
		ReturnsAt:  a.ReturnsAt,
	}
}

func (r *Realm) redactedArmyView(a *Army) ArmyView {
	av := r.armyView(a)
	av.Units = nil
	av.Carry = Amounts{}
	return av
}

// armiesTouching snapshots in-flight armies with an endpoint at the
// village, ordered by due instant. Foreign armies are redacted unless
// all is set.
func (r *Realm) armiesTouching(villageID, viewerID string, all bool) []ArmyView {
	r.armyMu.Lock()
	defer r.armyMu.Unlock()
	r.mu.RLock()
	picked := make([]*Army, 0, 4)
	for _, a := range r.armies {
		if a.touches(villageID) {
			picked = append(picked, a)
		}
	}
	r.mu.RUnlock()
	sort.Slice(picked, func(i, j int) bool {
		ki := armyKey{at: picked[i].dueAt(), id: picked[i].ID}
		kj := armyKey{at: picked[j].dueAt(), id: picked[j].ID}
		return ki.before(kj)
	})

	views := make([]ArmyView, 0, len(picked))
	for _, a := range picked {
		if all || a.OwnerID == viewerID {
			views = append(views, r.armyView(a))
		} else {
			views = append(views, r.redactedArmyView(a))
		}
	}
	return views
}

// ArmiesInFlight snapshots every undelivered army, unredacted, ordered
// by due instant. Operator surface; player reads go through
// armiesTouching.
func (r *Realm) ArmiesInFlight() []ArmyView {
	r.armyMu.Lock()
	defer r.armyMu.Unlock()
	r.mu.RLock()
	picked := make([]*Army, 0, len(r.armies))
	for _, a := range r.armies {
		picked = append(picked, a)
	}
	r.mu.RUnlock()
	sort.Slice(picked, func(i, j int) bool {
		ki := armyKey{at: picked[i].dueAt(), id: picked[i].ID}
		kj := armyKey{at: picked[j].dueAt(), id: picked[j].ID}
		return ki.before(kj)
	})
	views := make([]ArmyView, 0, len(picked))
	for _, a := range picked {
		views = append(views, r.armyView(a))
	}
	return views
}

func orderView(o *Order) OrderView {
	return OrderView{
		ID:        o.ID,
		VillageID: o.VillageID,
		OwnerID:   o.OwnerID,
		Side:      o.Side,
		Resource:  o.Resource,
		Price:     o.Price,
		Quantity:  o.Quantity,
		Remaining: o.Remaining,
		Status:    o.Status,
		Seq:       o.Seq,
		CreatedAt: o.CreatedAt,
		ExpiresAt: o.ExpiresAt,
	}
}

// openOrdersOfVillage snapshots the village's resting orders.
func (r *Realm) openOrdersOfVillage(villageID string) []OrderView {
	m := r.market
	m.mu.Lock()
	defer m.mu.Unlock()
	var views []OrderView
	for _, o := range m.orders {
		if o.open() && o.VillageID == villageID {
			views = append(views, orderView(o))
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Seq < views[j].Seq })
	return views
}

// viewLocked assembles the view from a settled village. Caller holds
// v.mu; armies and orders were snapshotted before locking because their
// guards come first in the lock order.
func (r *Realm) viewLocked(v *Village, now time.Time, armies []ArmyView, orders []OrderView) VillageView {
	prod := v.productionMilliPerHour(r.cats, r.tun, now)
	upkeep := v.population(r.cats) + v.troopUpkeepPerHour(r.cats) + r.armyUpkeepPerHour(v.ID)
	caps := v.capsMilli(r.cats, r.cfg.BaseStorageCap)

	view := VillageView{
		ID:      v.ID,
		Name:    v.Name,
		OwnerID: v.OwnerID,
		Tribe:   v.Tribe,
		X:       v.X,
		Y:       v.Y,
		Capital: v.Capital,
		AsOf:    v.CheckpointAt,

		Stocks:     v.StockMilli.Whole(),
		Caps:       caps.Whole(),
		Production: prod.Whole(),
		Upkeep:     upkeep,
		NetCrop:    (prod.Crop - upkeep*1000) / 1000,
		Silver:     v.Silver,

		Population:  v.population(r.cats),
		Loyalty:     v.LoyaltyMilli / 1000,
		Starving:    v.Starving,
		CropDeficit: v.CropDeficitMilli / 1000,

		Troops: copyCounts(v.Troops),

		Armies: armies,
		Orders: orders,

		Rev: v.Rev,
	}

	view.Buildings = make([]BuildingView, 0, len(v.Buildings))
	for _, b := range v.Buildings {
		view.Buildings = append(view.Buildings, BuildingView{Slot: b.Slot, Type: b.Type, Level: b.Level})
	}
	sort.Slice(view.Buildings, func(i, j int) bool { return view.Buildings[i].Slot < view.Buildings[j].Slot })

	for _, j := range v.BuildQueue.Jobs {
		view.BuildQueue = append(view.BuildQueue, jobView(j))
	}
	if len(v.TrainQueues) > 0 {
		view.TrainQueues = map[string][]JobView{}
		view.InTraining = map[string]int64{}
		for _, qid := range v.trainQueueIDsSorted() {
			q := v.TrainQueues[qid]
			if q.Len() == 0 {
				continue
			}
			jobs := make([]JobView, 0, q.Len())
			for _, j := range q.Jobs {
				jobs = append(jobs, jobView(j))
				view.InTraining[j.Unit] += j.Count - j.Done
			}
			view.TrainQueues[qid] = jobs
		}
		if len(view.TrainQueues) == 0 {
			view.TrainQueues = nil
			view.InTraining = nil
		}
	}
	return view
}

package realm

import (
	"math"
	"time"

	"gridholm.gg/internal/sim/catalogs"
)

// A village has 18 resource field slots from its starting layout plus
// room for town buildings.
const villageSlots = 40

// Training order size is bounded so one settle never replays an
// unbounded number of per-unit completions.
const maxTrainBatch = 1000

func costToAmounts(c catalogs.ResourceCost) Amounts {
	return Amounts{Wood: c.Wood, Clay: c.Clay, Iron: c.Iron, Crop: c.Crop}
}

// pendingSlotLocked is the slot's type and level once every queued job
// for it has completed.
func (v *Village) pendingSlotLocked(slot int) (string, int) {
	typ, lvl := "", 0
	if b := v.slotAt(slot); b != nil {
		typ, lvl = b.Type, b.Level
	}
	for _, j := range v.BuildQueue.Jobs {
		if j.Slot == slot {
			typ, lvl = j.Building, j.ToLevel
		}
	}
	return typ, lvl
}

// queuedAnywhereLocked reports whether the building type sits in any
// slot or queued job.
func (v *Village) queuedAnywhereLocked(buildingID string) bool {
	for _, b := range v.Buildings {
		if b.Type == buildingID {
			return true
		}
	}
	for _, j := range v.BuildQueue.Jobs {
		if j.Building == buildingID {
			return true
		}
	}
	return false
}

func (v *Village) requirementsMetLocked(reqs []catalogs.Requirement) error {
	for _, rq := range reqs {
		if !v.hasBuilding(rq.Building, rq.Level) {
			return errPrereq("requires %s level %d", rq.Building, rq.Level)
		}
	}
	return nil
}

// UpgradeBuilding queues one level of construction on a slot. Cost is
// debited now; the duration freezes at enqueue, including the main
// building speedup at its current level.
func (r *Realm) UpgradeBuilding(playerID, villageID string, slot int, buildingID string, now time.Time) (JobView, error) {
	def, ok := r.cats.Buildings.Defs[buildingID]
	if !ok {
		return JobView{}, errBadRequest("unknown building %q", buildingID)
	}
	if slot < 0 || slot >= villageSlots {
		return JobView{}, errBadRequest("slot %d out of range", slot)
	}

	if err := r.SettleVillage(villageID, now); err != nil {
		return JobView{}, err
	}
	v, err := r.village(villageID)
	if err != nil {
		return JobView{}, err
	}

	v.lock()
	defer v.unlock()
	if err := r.requireOwner(v, playerID); err != nil {
		return JobView{}, err
	}

	curType, curLvl := v.pendingSlotLocked(slot)
	switch {
	case curType == "" && def.Kind == catalogs.KindField:
		return JobView{}, errBadRequest("resource fields cannot be laid on empty slots")
	case curType != "" && curType != buildingID:
		return JobView{}, errBadRequest("slot %d holds %s", slot, curType)
	case curType == "" && def.Kind != catalogs.KindField && def.Kind != catalogs.KindStorage && v.queuedAnywhereLocked(buildingID):
		return JobView{}, errBadRequest("village already has a %s", buildingID)
	}
	next := curLvl + 1
	if next > def.MaxLevel {
		return JobView{}, errBadRequest("%s is already at its maximum level %d", buildingID, def.MaxLevel)
	}
	if err := v.requirementsMetLocked(def.Requires); err != nil {
		return JobView{}, err
	}
	if v.BuildQueue.Len() >= r.tun.ConstructionQueueDepth {
		return JobView{}, errQueueFull("construction queue holds %d jobs", r.tun.ConstructionQueueDepth)
	}

	if err := v.debitLocked(costToAmounts(def.CostAt(next))); err != nil {
		return JobView{}, err
	}

	mb := v.levelOf("main_building")
	secs := float64(def.BuildSecondsAt(next)) * math.Pow(r.tun.MainBuildingFactor, float64(mb))
	dur := time.Duration(math.Round(secs*1000)) * time.Millisecond

	startAt := v.BuildQueue.tailEndsAt(now)
	job := Job{
		ID:       r.nextID("J", &r.counters.job),
		Kind:     JobBuild,
		StartAt:  startAt,
		EndsAt:   startAt.Add(dur),
		Slot:     slot,
		Building: buildingID,
		ToLevel:  next,
	}
	v.BuildQueue.push(job)
	row := r.villageRowLocked(v)

	r.emitBatch(Batch{At: now, Villages: []VillageRow{row}})
	return jobView(job), nil
}

// TrainUnits queues a training order at the unit's training building.
// The whole batch is paid up front; units come out one by one.
func (r *Realm) TrainUnits(playerID, villageID, unitID string, count int64, now time.Time) (JobView, error) {
	def, ok := r.cats.Units.Defs[unitID]
	if !ok {
		return JobView{}, errBadRequest("unknown unit %q", unitID)
	}
	if count <= 0 {
		return JobView{}, errBadRequest("count must be positive")
	}
	if count > maxTrainBatch {
		return JobView{}, errBadRequest("at most %d units per order", maxTrainBatch)
	}

	if err := r.SettleVillage(villageID, now); err != nil {
		return JobView{}, err
	}
	v, err := r.village(villageID)
	if err != nil {
		return JobView{}, err
	}

	v.lock()
	defer v.unlock()
	if err := r.requireOwner(v, playerID); err != nil {
		return JobView{}, err
	}

	lvl := v.levelOf(def.TrainedAt)
	if lvl < 1 {
		return JobView{}, errPrereq("training %s needs a %s", unitID, def.TrainedAt)
	}
	if err := v.requirementsMetLocked(def.Requires); err != nil {
		return JobView{}, err
	}
	q := v.TrainQueues[def.TrainedAt]
	if q == nil {
		q = &JobQueue{}
		v.TrainQueues[def.TrainedAt] = q
	}
	if q.Len() >= r.tun.TrainingQueueDepth {
		return JobView{}, errQueueFull("%s queue holds %d orders", def.TrainedAt, r.tun.TrainingQueueDepth)
	}

	if err := v.debitLocked(costToAmounts(def.Cost).Times(count)); err != nil {
		return JobView{}, err
	}

	secs := float64(def.TrainSeconds) * math.Pow(r.tun.TrainTimeFactor, float64(lvl-1))
	perUnit := time.Duration(math.Round(secs*1000)) * time.Millisecond
	if perUnit < time.Millisecond {
		perUnit = time.Millisecond
	}

	startAt := q.tailEndsAt(now)
	job := Job{
		ID:      r.nextID("J", &r.counters.job),
		Kind:    JobTrain,
		StartAt: startAt,
		EndsAt:  startAt.Add(time.Duration(count) * perUnit),
		Unit:    unitID,
		Count:   count,
		PerUnit: perUnit,
	}
	q.push(job)
	row := r.villageRowLocked(v)

	r.emitBatch(Batch{At: now, Villages: []VillageRow{row}})
	return jobView(job), nil
}

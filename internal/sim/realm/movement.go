package realm

import (
	"math"
	"time"

	"gridholm.gg/internal/sim/catalogs"
)

// Missions.
const (
	MissionRaid    = "raid"
	MissionAttack  = "attack"
	MissionConquer = "conquer"
	MissionSupport = "support"
	MissionScout   = "scout"
	MissionSettle  = "settle"
)

// Army states.
const (
	ArmyOutbound  = "outbound"
	ArmyReturning = "returning"
)

func missionKnown(m string) bool {
	switch m {
	case MissionRaid, MissionAttack, MissionConquer, MissionSupport, MissionScout, MissionSettle:
		return true
	}
	return false
}

func hostileMission(m string) bool {
	switch m {
	case MissionRaid, MissionAttack, MissionConquer, MissionScout:
		return true
	}
	return false
}

// Army is a detachment in the field. Troops were debited from the home
// village at dispatch; they eat from home until resolved.
type Army struct {
	ID       string
	Mission  string
	OwnerID  string
	HomeID   string
	Tribe    string
	TargetID string
	TargetX  int
	TargetY  int

	Units map[string]int64
	Carry Amounts // whole units: support payload outbound, loot on return

	DepartedAt time.Time
	ArrivesAt  time.Time
	ReturnsAt  time.Time
	State      string
}

func (a *Army) dueAt() time.Time {
	if a.State == ArmyReturning {
		return a.ReturnsAt
	}
	return a.ArrivesAt
}

func (a *Army) touches(villageID string) bool {
	return a.HomeID == villageID || a.TargetID == villageID
}

func (a *Army) upkeepPerHour(cats *catalogs.Catalogs) int64 {
	var up int64
	for id, n := range a.Units {
		if def, ok := cats.Units.Defs[id]; ok {
			up += def.Upkeep * n
		}
	}
	return up
}

// slowestSpeed is the pace of the whole detachment, fields per hour.
func slowestSpeed(cats *catalogs.Catalogs, units map[string]int64) int {
	speed := 0
	for id, n := range units {
		if n <= 0 {
			continue
		}
		def, ok := cats.Units.Defs[id]
		if !ok {
			continue
		}
		if speed == 0 || def.Speed < speed {
			speed = def.Speed
		}
	}
	return speed
}

// travelDuration is Euclidean distance over the grid at the given
// speed, rounded to the millisecond.
func travelDuration(x1, y1, x2, y2, speed int) time.Duration {
	invariant(speed > 0, "travel at speed %d", speed)
	dist := math.Hypot(float64(x2-x1), float64(y2-y1))
	ms := math.Round(dist / float64(speed) * 3_600_000)
	return time.Duration(ms) * time.Millisecond
}

// Dispatch validates and launches a mission. Troops move from ready to
// the army atomically; the departure schedule is frozen here.
func (r *Realm) Dispatch(playerID, villageID, mission string, tx, ty int, units map[string]int64, carry Amounts, now time.Time) (ArmyView, error) {
	if !missionKnown(mission) {
		return ArmyView{}, errBadRequest("unknown mission %q", mission)
	}
	if len(units) == 0 {
		return ArmyView{}, errBadRequest("no units given")
	}
	for id, n := range units {
		if n <= 0 {
			return ArmyView{}, errBadRequest("unit count for %s must be positive", id)
		}
		if _, ok := r.cats.Units.Defs[id]; !ok {
			return ArmyView{}, errBadRequest("unknown unit %q", id)
		}
	}
	if !r.inGrid(tx, ty) {
		return ArmyView{}, errInvalidTarget("cell %d,%d outside the grid", tx, ty)
	}
	if !carry.IsZero() {
		if mission != MissionSupport {
			return ArmyView{}, errBadRequest("only support missions carry resources")
		}
		if !carry.NonNegative() {
			return ArmyView{}, errBadRequest("carry amounts must be non-negative")
		}
	}

	if err := r.SettleVillage(villageID, now); err != nil {
		return ArmyView{}, err
	}
	v, err := r.village(villageID)
	if err != nil {
		return ArmyView{}, err
	}

	target, occupied := r.villageAtCell(tx, ty)
	if occupied && target.ID == villageID {
		return ArmyView{}, errInvalidTarget("target is the origin village")
	}
	switch {
	case mission == MissionSettle:
		if occupied {
			return ArmyView{}, errInvalidTarget("cell %d,%d is occupied", tx, ty)
		}
	case !occupied:
		return ArmyView{}, errInvalidTarget("no village at %d,%d", tx, ty)
	}

	var targetOwner string
	var targetCapital bool
	if occupied {
		target.lock()
		targetOwner, targetCapital = target.OwnerID, target.Capital
		target.unlock()
	}

	if occupied && hostileMission(mission) {
		if targetOwner == playerID {
			return ArmyView{}, errInvalidTarget("cannot send a hostile mission against your own village")
		}
		switch r.cfg.Relations.Relation(playerID, targetOwner) {
		case RelationAlly, RelationNAP:
			return ArmyView{}, errInvalidTarget("target is protected by diplomacy")
		}
	}

	cats := r.cats
	switch mission {
	case MissionConquer:
		if targetCapital {
			return ArmyView{}, errInvalidTarget("capitals cannot be conquered")
		}
		if classCount(cats, units, catalogs.ClassChief) == 0 {
			return ArmyView{}, errPrereq("conquest needs a %s", catalogs.ClassChief)
		}
	case MissionScout:
		for id := range units {
			if cats.Units.Defs[id].Class != catalogs.ClassScout {
				return ArmyView{}, errPrereq("scout parties travel alone, %s cannot come", id)
			}
		}
	case MissionSettle:
		if classCount(cats, units, catalogs.ClassSettler) < int64(r.tun.NewVillageSettlers) {
			return ArmyView{}, errPrereq("founding a village needs %d settlers", r.tun.NewVillageSettlers)
		}
	}

	speed := slowestSpeed(cats, units)
	sent := copyCounts(units)

	v.lock()
	if err := r.requireOwner(v, playerID); err != nil {
		v.unlock()
		return ArmyView{}, err
	}
	reps := r.settleLocked(v, now)
	if !v.hasBuilding("rally_point", 1) {
		v.unlock()
		r.emitReports(reps)
		return ArmyView{}, errPrereq("village has no rally point")
	}
	for id, n := range sent {
		if v.Troops[id] < n {
			have := v.Troops[id]
			v.unlock()
			r.emitReports(reps)
			return ArmyView{}, errNoResource("need %d %s ready, have %d", n, id, have)
		}
	}
	if !carry.IsZero() {
		haul := carryCapacity(cats, sent)
		if carry.Total() > haul {
			v.unlock()
			r.emitReports(reps)
			return ArmyView{}, errOverCapacity("carrying %d exceeds capacity %d", carry.Total(), haul)
		}
		if err := v.debitLocked(carry); err != nil {
			v.unlock()
			r.emitReports(reps)
			return ArmyView{}, err
		}
	}
	for id, n := range sent {
		v.addTroops(id, -n)
	}
	tribe := v.Tribe
	row := r.villageRowLocked(v)
	v.unlock()

	travel := travelDuration(v.X, v.Y, tx, ty, speed)
	a := &Army{
		ID:         r.nextID("M", &r.counters.army),
		Mission:    mission,
		OwnerID:    playerID,
		HomeID:     villageID,
		Tribe:      tribe,
		TargetX:    tx,
		TargetY:    ty,
		Units:      sent,
		Carry:      carry,
		DepartedAt: now,
		ArrivesAt:  now.Add(travel),
		State:      ArmyOutbound,
	}
	if occupied {
		a.TargetID = target.ID
	}
	if mission == MissionRaid || mission == MissionScout {
		a.ReturnsAt = a.ArrivesAt.Add(travel)
	}

	r.mu.Lock()
	r.armies[a.ID] = a
	r.mu.Unlock()

	r.emitReports(reps)
	r.emitBatch(Batch{At: now, Villages: []VillageRow{row}, Armies: []ArmyRow{a.row(false)}})
	return r.armyView(a), nil
}

func classCount(cats *catalogs.Catalogs, units map[string]int64, class string) int64 {
	var n int64
	for id, c := range units {
		if cats.Units.Defs[id].Class == class {
			n += c
		}
	}
	return n
}

// ArmyStatus is the result of settling one army.
type ArmyStatus struct {
	ID      string    `json:"id"`
	State   string    `json:"state"` // outbound | returning | done
	DueAt   time.Time `json:"due_at,omitempty"`
	Settled bool      `json:"settled"`
}

// SettleArmy resolves the army if its next transition is due. Settling
// an already-resolved army reports done; nothing is applied twice.
func (r *Realm) SettleArmy(armyID string, now time.Time) (ArmyStatus, error) {
	r.armyMu.Lock()
	defer r.armyMu.Unlock()

	r.mu.RLock()
	a, ok := r.armies[armyID]
	r.mu.RUnlock()
	if !ok {
		return ArmyStatus{ID: armyID, State: "done", Settled: false}, nil
	}
	if a.dueAt().After(now) {
		return ArmyStatus{ID: armyID, State: a.State, DueAt: a.dueAt(), Settled: false}, nil
	}

	r.resolveOneLocked(a)

	r.mu.RLock()
	_, alive := r.armies[armyID]
	r.mu.RUnlock()
	if !alive {
		return ArmyStatus{ID: armyID, State: "done", Settled: true}, nil
	}
	return ArmyStatus{ID: armyID, State: a.State, DueAt: a.dueAt(), Settled: true}, nil
}

// settleArmiesTouching resolves every army transition involving the
// village that is due by upTo, in (due, id) order.
func (r *Realm) settleArmiesTouching(villageID string, upTo time.Time) {
	r.armyMu.Lock()
	defer r.armyMu.Unlock()
	r.resolveDueTouchingLocked(villageID, armyKey{at: upTo.Add(time.Nanosecond)})
}

// armyKey orders transitions by due time then id.
type armyKey struct {
	at time.Time
	id string
}

func (k armyKey) before(o armyKey) bool {
	if !k.at.Equal(o.at) {
		return k.at.Before(o.at)
	}
	return k.id < o.id
}

func (r *Realm) resolveDueTouchingLocked(villageID string, limit armyKey) {
	for {
		a := r.earliestDueTouching(villageID, limit)
		if a == nil {
			return
		}
		r.resolveOneLocked(a)
	}
}

func (r *Realm) earliestDueTouching(villageID string, limit armyKey) *Army {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Army
	var bestKey armyKey
	for _, a := range r.armies {
		if !a.touches(villageID) {
			continue
		}
		k := armyKey{at: a.dueAt(), id: a.ID}
		if !k.before(limit) {
			continue
		}
		if best == nil || k.before(bestKey) {
			best, bestKey = a, k
		}
	}
	return best
}

// resolveOneLocked applies one army transition. armyMu is held; no
// village locks are. Earlier transitions at either endpoint resolve
// first so every ledger advances through battle instants in order.
func (r *Realm) resolveOneLocked(a *Army) {
	due := a.dueAt()
	self := armyKey{at: due, id: a.ID}
	r.resolveDueTouchingLocked(a.HomeID, self)
	if a.TargetID != "" && a.TargetID != a.HomeID {
		r.resolveDueTouchingLocked(a.TargetID, self)
	}

	if a.State == ArmyReturning {
		r.resolveReturnLocked(a, due)
		return
	}
	switch a.Mission {
	case MissionSupport:
		r.resolveSupportLocked(a, due)
	case MissionSettle:
		r.resolveSettleLocked(a, due)
	case MissionScout:
		r.resolveScoutLocked(a, due)
	default:
		r.resolveCombatLocked(a, due)
	}
}

func (r *Realm) deleteArmy(id string) {
	r.mu.Lock()
	delete(r.armies, id)
	r.mu.Unlock()
}

func (a *Army) turnBack(due time.Time) {
	a.State = ArmyReturning
	if a.ReturnsAt.IsZero() {
		a.ReturnsAt = due.Add(due.Sub(a.DepartedAt))
	}
}

func (r *Realm) resolveReturnLocked(a *Army, due time.Time) {
	home, err := r.village(a.HomeID)
	invariant(err == nil, "returning army %s has no home %s", a.ID, a.HomeID)

	home.lock()
	reps := r.settleLocked(home, due)
	caps := home.capsMilli(r.cats, r.cfg.BaseStorageCap)
	home.creditLocked(a.Carry, caps)
	for id, n := range a.Units {
		home.addTroops(id, n)
	}
	row := r.villageRowLocked(home)
	home.unlock()

	r.deleteArmy(a.ID)
	r.emitReports(reps)
	r.emitBatch(Batch{At: due, Villages: []VillageRow{row}, Armies: []ArmyRow{a.row(true)}})
}

func (r *Realm) resolveSupportLocked(a *Army, due time.Time) {
	home, herr := r.village(a.HomeID)
	target, terr := r.village(a.TargetID)
	invariant(herr == nil && terr == nil, "support army %s endpoints missing", a.ID)

	lockPair(home, target)
	reps := r.settleLocked(home, due)
	reps = append(reps, r.settleLocked(target, due)...)
	caps := target.capsMilli(r.cats, r.cfg.BaseStorageCap)
	target.creditLocked(a.Carry, caps)
	for id, n := range a.Units {
		target.addTroops(id, n)
	}
	rows := []VillageRow{r.villageRowLocked(home), r.villageRowLocked(target)}
	unlockPair(home, target)

	r.deleteArmy(a.ID)
	r.emitReports(reps)
	r.emitBatch(Batch{At: due, Villages: rows, Armies: []ArmyRow{a.row(true)}})
}

func (r *Realm) resolveScoutLocked(a *Army, due time.Time) {
	home, herr := r.village(a.HomeID)
	target, terr := r.village(a.TargetID)
	invariant(herr == nil && terr == nil, "scout army %s endpoints missing", a.ID)

	lockPair(home, target)
	reps := r.settleLocked(home, due)
	reps = append(reps, r.settleLocked(target, due)...)

	countered := classCount(r.cats, target.Troops, catalogs.ClassScout) > 0
	body := ScoutReportBody{
		Origin:    a.HomeID,
		Target:    a.TargetID,
		Stocks:    target.StockMilli.Whole(),
		Troops:    copyCounts(target.Troops),
		WallLevel: target.wallLevel(r.cats),
		Countered: countered,
	}
	reps = append(reps, newReport(ReportScout, due, a.TargetID, []string{a.OwnerID}, body))
	if countered {
		reps = append(reps, newReport(ReportScout, due, a.TargetID, []string{target.OwnerID}, ScoutReportBody{
			Origin:    a.HomeID,
			Target:    a.TargetID,
			Countered: true,
		}))
	}
	rows := []VillageRow{r.villageRowLocked(home), r.villageRowLocked(target)}
	unlockPair(home, target)

	a.turnBack(due)
	r.emitReports(reps)
	r.emitBatch(Batch{At: due, Villages: rows, Armies: []ArmyRow{a.row(false)}})
}

func (r *Realm) resolveSettleLocked(a *Army, due time.Time) {
	home, err := r.village(a.HomeID)
	invariant(err == nil, "settle army %s has no home %s", a.ID, a.HomeID)

	home.lock()
	reps := r.settleLocked(home, due)
	homeRow := r.villageRowLocked(home)
	home.unlock()

	nv, err := r.createVillage(a.OwnerID, a.Tribe, "", a.TargetX, a.TargetY, false, due)
	if err != nil {
		// Someone took the cell while the settlers marched.
		a.turnBack(due)
		r.emitReports(reps)
		r.emitBatch(Batch{At: due, Villages: []VillageRow{homeRow}, Armies: []ArmyRow{a.row(false)}})
		return
	}

	// Settlers become the founding population; escorts garrison.
	nv.lock()
	for id, n := range a.Units {
		if r.cats.Units.Defs[id].Class != catalogs.ClassSettler {
			nv.addTroops(id, n)
		}
	}
	newRow := r.villageRowLocked(nv)
	name := nv.Name
	nv.unlock()

	r.deleteArmy(a.ID)
	reps = append(reps, newReport(ReportFounded, due, nv.ID, []string{a.OwnerID}, FoundedReportBody{
		VillageID: nv.ID, Name: name, X: a.TargetX, Y: a.TargetY,
	}))
	r.emitReports(reps)
	r.emitBatch(Batch{At: due, Villages: []VillageRow{homeRow, newRow}, Armies: []ArmyRow{a.row(true)}})
}

func (r *Realm) resolveCombatLocked(a *Army, due time.Time) {
	home, herr := r.village(a.HomeID)
	target, terr := r.village(a.TargetID)
	invariant(herr == nil && terr == nil, "combat army %s endpoints missing", a.ID)

	lockPair(home, target)
	reps := r.settleLocked(home, due)
	reps = append(reps, r.settleLocked(target, due)...)

	if target.OwnerID == a.OwnerID {
		// Conquered (or handed over) since dispatch: stand down.
		rows := []VillageRow{r.villageRowLocked(home), r.villageRowLocked(target)}
		unlockPair(home, target)
		a.turnBack(due)
		r.emitReports(reps)
		r.emitBatch(Batch{At: due, Villages: rows, Armies: []ArmyRow{a.row(false)}})
		return
	}

	warBonus := 1.0
	if r.cfg.Relations.Relation(a.OwnerID, target.OwnerID) == RelationEnemy {
		warBonus = 1.0 + r.tun.EnemyAttackBonus
	}
	bt := BattleTuning{
		LossExponent:      r.tun.BattleLossExponent,
		AttackMultiplier:  r.tun.Bonus(a.Tribe).Attack * warBonus,
		DefenseMultiplier: r.tun.Bonus(target.Tribe).Defense,
		WallBonus:         target.wallBonus(r.cats),
	}

	defOwner := target.OwnerID
	defenderHad := copyCounts(target.Troops)
	attackerSent := copyCounts(a.Units)
	out := ResolveBattle(r.cats, a.Units, target.Troops, bt)
	r.stats.battles.Add(1)

	for id, n := range out.DefenderLosses {
		target.addTroops(id, -n)
	}
	a.Units = out.AttackerSurvivors

	captured := false
	var loot Amounts
	if out.AttackerWon {
		switch a.Mission {
		case MissionConquer:
			chiefs := classCount(r.cats, a.Units, catalogs.ClassChief)
			if chiefs > 0 {
				invariant(!target.Capital, "conquer resolved against capital %s", target.ID)
				target.LoyaltyMilli -= int64(r.tun.LoyaltyHitPerChief) * 1000 * chiefs
				target.Rev++
				if target.LoyaltyMilli <= 0 {
					captured = true
					target.OwnerID = a.OwnerID
					target.Tribe = a.Tribe
					target.LoyaltyMilli = int64(r.tun.LoyaltyAfterConquer) * 1000
					for id, n := range a.Units {
						target.addTroops(id, n)
					}
				}
			}
		case MissionRaid:
			haul := carryCapacity(r.cats, a.Units)
			loot = ResolveLoot(haul, target.StockMilli.Whole())
			err := target.debitLocked(loot)
			invariant(err == nil, "loot exceeded settled stocks at %s", target.ID)
			a.Carry = loot
		}
	}

	body := BattleReportBody{
		Mission:       a.Mission,
		AttackerID:    a.OwnerID,
		DefenderID:    defOwner,
		Origin:        a.HomeID,
		Target:        target.ID,
		AttackerWon:   out.AttackerWon,
		AttackPoints:  out.AttackPoints,
		DefensePoints: out.DefensePoints,
		AttackerSent:  attackerSent,
		AttackerLost:  out.AttackerLosses,
		DefenderHad:   defenderHad,
		DefenderLost:  out.DefenderLosses,
		Loot:          loot,
		WallLevel:     target.wallLevel(r.cats),
		Loyalty:       target.LoyaltyMilli / 1000,
		Captured:      captured,
	}
	kind := ReportBattle
	if captured {
		kind = ReportConquest
	}
	reps = append(reps, newReport(kind, due, target.ID, []string{a.OwnerID, defOwner}, body))

	rows := []VillageRow{r.villageRowLocked(home), r.villageRowLocked(target)}
	unlockPair(home, target)

	deleted := false
	if captured || len(a.Units) == 0 {
		r.deleteArmy(a.ID)
		deleted = true
	} else {
		a.turnBack(due)
	}

	r.emitReports(reps)
	r.emitBatch(Batch{At: due, Villages: rows, Armies: []ArmyRow{a.row(deleted)}})
}

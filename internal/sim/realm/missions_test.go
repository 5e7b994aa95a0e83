package realm

import (
	"testing"
	"time"

	"gridholm.gg/internal/sim/tuning"
)

func TestRaid_LootsAndReturns(t *testing.T) {
	r, sink := newTestRealm(t)
	a := foundAt(t, r, "p1", 0, 0)
	raiseBuilding(a, 19, "rally_point", 1)
	setTroops(a, "raider", 10)
	b := foundAt(t, r, "p2", 3, 4)
	setStocks(b, Amounts{Wood: 100, Clay: 40, Iron: 20})

	if _, err := r.Dispatch("p1", a.ID, MissionRaid, 3, 4, map[string]int64{"raider": 10}, Amounts{}, testEpoch); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	setStocks(a, Amounts{})

	// Past the return leg: arrival and return both resolve.
	if err := r.SettleVillage(a.ID, testEpoch.Add(2_250_000*time.Millisecond)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	reps := sink.byKind(ReportBattle)
	if len(reps) != 1 {
		t.Fatalf("battle reports: got %d want 1", len(reps))
	}
	body := reps[0].Payload.(BattleReportBody)
	if body.Mission != MissionRaid || !body.AttackerWon {
		t.Fatalf("battle body: %+v", body)
	}
	// B had accrued 1125s of production on top of the seeded stocks.
	if want := (Amounts{Wood: 102, Clay: 42, Iron: 22, Crop: 3}); body.Loot != want {
		t.Fatalf("loot: got %+v want %+v", body.Loot, want)
	}
	if body.AttackPoints != 550 || body.DefensePoints != 0 {
		t.Fatalf("points: got %d/%d want 550/0", body.AttackPoints, body.DefensePoints)
	}
	if len(body.DefenderHad) != 0 || body.AttackerID != "p1" || body.DefenderID != "p2" {
		t.Fatalf("battle body: %+v", body)
	}
	if len(reps[0].For) != 2 || reps[0].For[0] != "p1" || reps[0].For[1] != "p2" {
		t.Fatalf("recipients: %v", reps[0].For)
	}

	// The raided stocks are gone down to the fractional remainder.
	if got := stocksOf(b); !got.IsZero() {
		t.Fatalf("target stocks: got %+v want zero", got)
	}
	if want := (Amounts{Wood: 500, Clay: 500, Iron: 500, Crop: 125}); b.StockMilli != want {
		t.Fatalf("target milli: got %+v want %+v", b.StockMilli, want)
	}

	// Home produced for 2250s, then banked the loot on top.
	if want := (Amounts{Wood: 107_000, Clay: 47_000, Iron: 27_000, Crop: 3_000}); a.StockMilli != want {
		t.Fatalf("home milli: got %+v want %+v", a.StockMilli, want)
	}
	if a.Starving || a.CropDeficitMilli != 0 {
		t.Fatalf("starvation cleared by loot: starving=%v deficit=%d", a.Starving, a.CropDeficitMilli)
	}
	if got := troopsOf(a, "raider"); got != 10 {
		t.Fatalf("raiders home: got %d want 10", got)
	}
	if got := r.Stats().Armies; got != 0 {
		t.Fatalf("armies left: got %d want 0", got)
	}
}

func TestAttack_DoesNotLoot(t *testing.T) {
	r, sink := newTestRealm(t)
	a := foundAt(t, r, "p1", 0, 0)
	raiseBuilding(a, 19, "rally_point", 1)
	setTroops(a, "clubman", 10)
	b := foundAt(t, r, "p2", 3, 4)
	setStocks(b, Amounts{Wood: 100, Clay: 100, Iron: 100})

	view, err := r.Dispatch("p1", a.ID, MissionAttack, 3, 4, map[string]int64{"clubman": 10}, Amounts{}, testEpoch)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// Attacks plan no return until the field resolves.
	if !view.ReturnsAt.IsZero() {
		t.Fatalf("attack precomputed a return: %v", view.ReturnsAt)
	}

	arrive := testEpoch.Add(2_571_429 * time.Millisecond)
	if err := r.SettleVillage(b.ID, arrive); err != nil {
		t.Fatalf("settle: %v", err)
	}

	reps := sink.byKind(ReportBattle)
	if len(reps) != 1 {
		t.Fatalf("battle reports: got %d want 1", len(reps))
	}
	body := reps[0].Payload.(BattleReportBody)
	if !body.AttackerWon || !body.Loot.IsZero() {
		t.Fatalf("attack looted: %+v", body)
	}
	if got := b.StockMilli.Wood; got != 105_714 {
		t.Fatalf("target wood: got %d want 105714", got)
	}

	// Return leg is mirrored from the outbound march.
	back := testEpoch.Add(5_142_858 * time.Millisecond)
	if err := r.SettleVillage(a.ID, back); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := troopsOf(a, "clubman"); got != 10 {
		t.Fatalf("clubmen home: got %d want 10", got)
	}
	if got := r.Stats().Armies; got != 0 {
		t.Fatalf("armies left: got %d want 0", got)
	}
}

func TestCombat_LossesOnBothSides(t *testing.T) {
	r, sink := newTestRealm(t)
	a := foundAt(t, r, "p1", 0, 0)
	raiseBuilding(a, 19, "rally_point", 1)
	setTroops(a, "clubman", 100)
	b := foundAt(t, r, "p2", 3, 4)
	setTroops(b, "militia", 40)

	if _, err := r.Dispatch("p1", a.ID, MissionRaid, 3, 4, map[string]int64{"clubman": 100}, Amounts{}, testEpoch); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := r.SettleVillage(b.ID, testEpoch.Add(2_571_429*time.Millisecond)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	body := sink.byKind(ReportBattle)[0].Payload.(BattleReportBody)
	if body.AttackerLost["clubman"] != 12 || body.DefenderLost["militia"] != 40 {
		t.Fatalf("losses: lost %v, defender lost %v", body.AttackerLost, body.DefenderLost)
	}
	if body.DefenderHad["militia"] != 40 || body.AttackerSent["clubman"] != 100 {
		t.Fatalf("rosters: %+v", body)
	}
	if got := troopsOf(b, "militia"); got != 0 {
		t.Fatalf("defenders left: got %d want 0", got)
	}

	if err := r.SettleVillage(a.ID, testEpoch.Add(5_142_858*time.Millisecond)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := troopsOf(a, "clubman"); got != 88 {
		t.Fatalf("survivors home: got %d want 88", got)
	}
}

func TestSupport_TransfersTroopsAndCargo(t *testing.T) {
	r, sink := newTestRealm(t)
	a := foundAt(t, r, "p1", 0, 0)
	raiseBuilding(a, 19, "rally_point", 1)
	setTroops(a, "raider", 5)
	b := foundAt(t, r, "p2", 3, 4)
	setStocks(b, Amounts{Wood: 100, Clay: 100, Iron: 100, Crop: 100})

	if _, err := r.Dispatch("p1", a.ID, MissionSupport, 3, 4, map[string]int64{"raider": 5}, Amounts{Wood: 50, Crop: 30}, testEpoch); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if want := (Amounts{Wood: 700, Clay: 750, Iron: 750, Crop: 720}); stocksOf(a) != want {
		t.Fatalf("home stocks after loading: got %+v want %+v", stocksOf(a), want)
	}

	arrive := testEpoch.Add(1_125_000 * time.Millisecond)
	if err := r.SettleVillage(b.ID, arrive); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if got := troopsOf(b, "raider"); got != 5 {
		t.Fatalf("garrisoned raiders: got %d want 5", got)
	}
	if want := (Amounts{Wood: 152_500, Clay: 102_500, Iron: 102_500, Crop: 133_125}); b.StockMilli != want {
		t.Fatalf("target milli: got %+v want %+v", b.StockMilli, want)
	}
	// Home settled through the same instant; the detachment ate from
	// home while marching, so net crop there was exactly zero.
	if want := (Amounts{Wood: 702_500, Clay: 752_500, Iron: 752_500, Crop: 720_000}); a.StockMilli != want {
		t.Fatalf("home milli: got %+v want %+v", a.StockMilli, want)
	}
	if got := troopsOf(a, "raider"); got != 0 {
		t.Fatalf("raiders home: got %d want 0", got)
	}
	if got := r.Stats().Armies; got != 0 {
		t.Fatalf("armies left: got %d want 0", got)
	}
	if got := len(sink.byKind(ReportBattle)); got != 0 {
		t.Fatalf("support fought a battle: %d reports", got)
	}
}

func TestScout_ReportsAndCounterReport(t *testing.T) {
	r, sink := newTestRealm(t)
	a := foundAt(t, r, "p1", 0, 0)
	raiseBuilding(a, 19, "rally_point", 1)
	setTroops(a, "scout", 3)
	b := foundAt(t, r, "p2", 3, 4)
	setTroops(b, "scout", 2)
	setStocks(b, Amounts{Wood: 123, Clay: 45, Iron: 67, Crop: 89})

	if _, err := r.Dispatch("p1", a.ID, MissionScout, 3, 4, map[string]int64{"scout": 3}, Amounts{}, testEpoch); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := r.SettleVillage(b.ID, testEpoch.Add(1_058_824*time.Millisecond)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	reps := sink.byKind(ReportScout)
	if len(reps) != 2 {
		t.Fatalf("scout reports: got %d want 2", len(reps))
	}
	espionage := reps[0].Payload.(ScoutReportBody)
	if want := (Amounts{Wood: 125, Clay: 47, Iron: 69, Crop: 91}); espionage.Stocks != want {
		t.Fatalf("spied stocks: got %+v want %+v", espionage.Stocks, want)
	}
	if espionage.Troops["scout"] != 2 || espionage.WallLevel != 0 || !espionage.Countered {
		t.Fatalf("espionage body: %+v", espionage)
	}
	if len(reps[0].For) != 1 || reps[0].For[0] != "p1" {
		t.Fatalf("espionage recipients: %v", reps[0].For)
	}

	// The defender only learns that someone looked.
	counter := reps[1].Payload.(ScoutReportBody)
	if !counter.Stocks.IsZero() || len(counter.Troops) != 0 || !counter.Countered {
		t.Fatalf("counter body: %+v", counter)
	}
	if len(reps[1].For) != 1 || reps[1].For[0] != "p2" {
		t.Fatalf("counter recipients: %v", reps[1].For)
	}

	// Nobody dies scouting.
	if got := troopsOf(b, "scout"); got != 2 {
		t.Fatalf("defending scouts: got %d want 2", got)
	}
	if err := r.SettleVillage(a.ID, testEpoch.Add(2_117_648*time.Millisecond)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := troopsOf(a, "scout"); got != 3 {
		t.Fatalf("scouts home: got %d want 3", got)
	}
	if got := len(sink.byKind(ReportBattle)); got != 0 {
		t.Fatalf("scouting fought a battle: %d reports", got)
	}
}

func TestScout_UncounteredWhenTargetHasNoScouts(t *testing.T) {
	r, sink := newTestRealm(t)
	a := foundAt(t, r, "p1", 0, 0)
	raiseBuilding(a, 19, "rally_point", 1)
	setTroops(a, "scout", 1)
	foundAt(t, r, "p2", 3, 4)

	if _, err := r.Dispatch("p1", a.ID, MissionScout, 3, 4, map[string]int64{"scout": 1}, Amounts{}, testEpoch); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := r.SettleVillage(a.ID, testEpoch.Add(time.Hour)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	reps := sink.byKind(ReportScout)
	if len(reps) != 1 {
		t.Fatalf("scout reports: got %d want 1", len(reps))
	}
	body := reps[0].Payload.(ScoutReportBody)
	if body.Countered || len(body.Troops) != 0 {
		t.Fatalf("uncountered body: %+v", body)
	}
}

func TestSettleMission_FoundsVillage(t *testing.T) {
	r, sink := newTestRealm(t)
	a := foundAt(t, r, "p1", 0, 0)
	raiseBuilding(a, 19, "rally_point", 1)
	setTroops(a, "settler", 3)
	setTroops(a, "clubman", 2)

	units := map[string]int64{"settler": 3, "clubman": 2}
	if _, err := r.Dispatch("p1", a.ID, MissionSettle, 3, 4, units, Amounts{}, testEpoch); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := r.SettleVillage(a.ID, testEpoch.Add(time.Hour)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	nv, ok := r.villageAtCell(3, 4)
	if !ok {
		t.Fatalf("no village founded at 3,4")
	}
	if nv.OwnerID != "p1" {
		t.Fatalf("owner: got %q want p1", nv.OwnerID)
	}
	// Settlers are consumed; the escort garrisons.
	if got := troopsOf(nv, "settler"); got != 0 {
		t.Fatalf("settlers in new village: got %d want 0", got)
	}
	if got := troopsOf(nv, "clubman"); got != 2 {
		t.Fatalf("escort garrison: got %d want 2", got)
	}
	if want := (Amounts{Wood: 750, Clay: 750, Iron: 750, Crop: 750}); stocksOf(nv) != want {
		t.Fatalf("starting stocks: got %+v want %+v", stocksOf(nv), want)
	}
	if !nv.CheckpointAt.Equal(testEpoch.Add(time.Hour)) {
		t.Fatalf("checkpoint: got %v", nv.CheckpointAt)
	}

	if got := r.VillagesOf("p1"); len(got) != 2 || got[0] != a.ID || got[1] != nv.ID {
		t.Fatalf("villages of p1: %v", got)
	}
	founded := sink.byKind(ReportFounded)
	last := founded[len(founded)-1].Payload.(FoundedReportBody)
	if last.VillageID != nv.ID || last.X != 3 || last.Y != 4 {
		t.Fatalf("founded report: %+v", last)
	}
	if got := r.Stats().Armies; got != 0 {
		t.Fatalf("armies left: got %d want 0", got)
	}
}

func TestSettleMission_CellTakenWhileMarching(t *testing.T) {
	r, sink := newTestRealm(t)
	a := foundAt(t, r, "p1", 0, 0)
	raiseBuilding(a, 19, "rally_point", 1)
	setTroops(a, "settler", 3)
	setTroops(a, "clubman", 2)

	units := map[string]int64{"settler": 3, "clubman": 2}
	if _, err := r.Dispatch("p1", a.ID, MissionSettle, 3, 4, units, Amounts{}, testEpoch); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// A rival claims the cell half an hour before the settlers arrive.
	if _, err := r.FoundVillage("p2", "", "", 3, 4, false, testEpoch.Add(30*time.Minute)); err != nil {
		t.Fatalf("rival founding: %v", err)
	}

	if err := r.SettleVillage(a.ID, testEpoch.Add(2*time.Hour)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	blocker, ok := r.villageAtCell(3, 4)
	if !ok || blocker.OwnerID != "p2" {
		t.Fatalf("cell at 3,4: ok=%v owner=%q", ok, blocker.OwnerID)
	}
	// Everyone marches home, settlers included.
	if got := troopsOf(a, "settler"); got != 3 {
		t.Fatalf("settlers home: got %d want 3", got)
	}
	if got := troopsOf(a, "clubman"); got != 2 {
		t.Fatalf("escort home: got %d want 2", got)
	}
	if got := len(r.VillagesOf("p1")); got != 1 {
		t.Fatalf("villages of p1: got %d want 1", got)
	}
	if got := len(sink.byKind(ReportFounded)); got != 2 {
		t.Fatalf("founded reports: got %d want 2", got)
	}
	if got := r.Stats().Armies; got != 0 {
		t.Fatalf("armies left: got %d want 0", got)
	}
}

func TestConquer_ErodesLoyalty(t *testing.T) {
	r, sink := newTestRealm(t)
	a := foundAt(t, r, "p1", 0, 0)
	raiseBuilding(a, 19, "rally_point", 1)
	setTroops(a, "chieftain", 1)
	setTroops(a, "clubman", 200)
	b := foundAt(t, r, "p2", 3, 4)

	units := map[string]int64{"chieftain": 1, "clubman": 200}
	if _, err := r.Dispatch("p1", a.ID, MissionConquer, 3, 4, units, Amounts{}, testEpoch); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Chieftains march at 4 fields/hour; 5 fields take 75 minutes.
	arrive := testEpoch.Add(4_500_000 * time.Millisecond)
	if err := r.SettleVillage(b.ID, arrive); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if b.OwnerID != "p2" {
		t.Fatalf("owner flipped on a single wave: %q", b.OwnerID)
	}
	if b.LoyaltyMilli != 75_000 {
		t.Fatalf("loyalty: got %d want 75000", b.LoyaltyMilli)
	}
	reps := sink.byKind(ReportBattle)
	if len(reps) != 1 {
		t.Fatalf("battle reports: got %d want 1", len(reps))
	}
	body := reps[0].Payload.(BattleReportBody)
	if body.Mission != MissionConquer || body.Captured || body.Loyalty != 75 {
		t.Fatalf("conquer body: %+v", body)
	}

	if err := r.SettleVillage(a.ID, testEpoch.Add(9_000_000*time.Millisecond)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if troopsOf(a, "chieftain") != 1 || troopsOf(a, "clubman") != 200 {
		t.Fatalf("wave home: chief=%d clubman=%d", troopsOf(a, "chieftain"), troopsOf(a, "clubman"))
	}

	// Loyalty crawls back at 2 points per hour.
	if err := r.SettleVillage(b.ID, arrive.Add(10*time.Hour)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if b.LoyaltyMilli != 95_000 {
		t.Fatalf("regenerated loyalty: got %d want 95000", b.LoyaltyMilli)
	}
}

func TestConquer_CapturesAtZeroLoyalty(t *testing.T) {
	r, sink := newTestRealm(t)
	aID, err := r.FoundVillage("p1", "north", "", 0, 0, false, testEpoch)
	if err != nil {
		t.Fatalf("found: %v", err)
	}
	a, err := r.village(aID)
	if err != nil {
		t.Fatalf("village: %v", err)
	}
	raiseBuilding(a, 19, "rally_point", 1)
	setTroops(a, "chieftain", 1)
	setTroops(a, "clubman", 200)
	b := foundAt(t, r, "p2", 3, 4)
	b.LoyaltyMilli = 20_000

	units := map[string]int64{"chieftain": 1, "clubman": 200}
	if _, err := r.Dispatch("p1", a.ID, MissionConquer, 3, 4, units, Amounts{}, testEpoch); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	arrive := testEpoch.Add(4_500_000 * time.Millisecond)
	if err := r.SettleVillage(b.ID, arrive); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// 20000 regenerated to 22500 over the march, then took the hit.
	if b.OwnerID != "p1" || b.Tribe != "north" {
		t.Fatalf("capture: owner=%q tribe=%q", b.OwnerID, b.Tribe)
	}
	if b.LoyaltyMilli != 25_000 {
		t.Fatalf("loyalty after capture: got %d want 25000", b.LoyaltyMilli)
	}
	// The wave garrisons instead of returning.
	if troopsOf(b, "chieftain") != 1 || troopsOf(b, "clubman") != 200 {
		t.Fatalf("garrison: chief=%d clubman=%d", troopsOf(b, "chieftain"), troopsOf(b, "clubman"))
	}
	if got := r.Stats().Armies; got != 0 {
		t.Fatalf("armies left: got %d want 0", got)
	}

	reps := sink.byKind(ReportConquest)
	if len(reps) != 1 {
		t.Fatalf("conquest reports: got %d want 1", len(reps))
	}
	body := reps[0].Payload.(BattleReportBody)
	if !body.Captured || body.Loyalty != 25 {
		t.Fatalf("conquest body: %+v", body)
	}

	if got := r.VillagesOf("p1"); len(got) != 2 {
		t.Fatalf("villages of p1: %v", got)
	}
	if got := r.VillagesOf("p2"); len(got) != 0 {
		t.Fatalf("villages of p2: %v", got)
	}
}

func TestCombat_StandsDownAgainstOwnVillage(t *testing.T) {
	r, sink := newTestRealm(t)
	a := foundAt(t, r, "p1", 0, 0)
	raiseBuilding(a, 19, "rally_point", 1)
	setTroops(a, "raider", 5)
	b := foundAt(t, r, "p2", 3, 4)
	setTroops(b, "militia", 5)

	if _, err := r.Dispatch("p1", a.ID, MissionRaid, 3, 4, map[string]int64{"raider": 5}, Amounts{}, testEpoch); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// The village changes hands while the raiders march.
	b.OwnerID = "p1"

	if err := r.SettleVillage(b.ID, testEpoch.Add(1_125_000*time.Millisecond)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := len(sink.byKind(ReportBattle)); got != 0 {
		t.Fatalf("battle against own village: %d reports", got)
	}
	if got := troopsOf(b, "militia"); got != 5 {
		t.Fatalf("garrison: got %d want 5", got)
	}

	if err := r.SettleVillage(a.ID, testEpoch.Add(2_250_000*time.Millisecond)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := troopsOf(a, "raider"); got != 5 {
		t.Fatalf("raiders home: got %d want 5", got)
	}
	if got := r.Stats().Armies; got != 0 {
		t.Fatalf("armies left: got %d want 0", got)
	}
}

func TestReturn_MergesAfterHomeChangesHands(t *testing.T) {
	r, _ := newTestRealm(t)
	a := foundAt(t, r, "p1", 0, 0)
	raiseBuilding(a, 19, "rally_point", 1)
	setTroops(a, "raider", 10)
	foundAt(t, r, "p2", 3, 4)

	if _, err := r.Dispatch("p1", a.ID, MissionRaid, 3, 4, map[string]int64{"raider": 10}, Amounts{}, testEpoch); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// Home is conquered while the raiders are out. They come back to the
	// walls they left, whoever now holds them.
	a.OwnerID = "p9"

	if err := r.SettleVillage(a.ID, testEpoch.Add(2_250_000*time.Millisecond)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := troopsOf(a, "raider"); got != 10 {
		t.Fatalf("raiders merged: got %d want 10", got)
	}
	if got := r.Stats().Armies; got != 0 {
		t.Fatalf("armies left: got %d want 0", got)
	}
}

func TestCombat_ResolvesWavesInOrder(t *testing.T) {
	r, sink := newTestRealm(t)
	b := foundAt(t, r, "p2", 0, 0)
	setTroops(b, "militia", 10)
	a := foundAt(t, r, "p1", 3, 0)
	raiseBuilding(a, 19, "rally_point", 1)
	setTroops(a, "clubman", 10)
	c := foundAt(t, r, "p3", 0, 4)
	raiseBuilding(c, 19, "rally_point", 1)
	setTroops(c, "clubman", 10)

	// Both waves launch together; the nearer one lands first.
	if _, err := r.Dispatch("p1", a.ID, MissionRaid, 0, 0, map[string]int64{"clubman": 10}, Amounts{}, testEpoch); err != nil {
		t.Fatalf("dispatch first wave: %v", err)
	}
	if _, err := r.Dispatch("p3", c.ID, MissionRaid, 0, 0, map[string]int64{"clubman": 10}, Amounts{}, testEpoch); err != nil {
		t.Fatalf("dispatch second wave: %v", err)
	}

	if err := r.SettleVillage(b.ID, testEpoch.Add(time.Hour)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	reps := sink.byKind(ReportBattle)
	if len(reps) != 2 {
		t.Fatalf("battle reports: got %d want 2", len(reps))
	}
	first := reps[0].Payload.(BattleReportBody)
	second := reps[1].Payload.(BattleReportBody)
	if first.AttackerID != "p1" || second.AttackerID != "p3" {
		t.Fatalf("wave order: %q then %q", first.AttackerID, second.AttackerID)
	}
	// The first wave fought the garrison; the second found it gone.
	if first.DefenderHad["militia"] != 10 || first.AttackerLost["clubman"] != 4 {
		t.Fatalf("first wave: %+v", first)
	}
	if len(second.DefenderHad) != 0 || len(second.AttackerLost) != 0 {
		t.Fatalf("second wave: %+v", second)
	}
	if got := troopsOf(b, "militia"); got != 0 {
		t.Fatalf("garrison: got %d want 0", got)
	}

	// The first wave's return was due within the hour as well.
	if got := troopsOf(a, "clubman"); got != 6 {
		t.Fatalf("first wave home: got %d want 6", got)
	}
	if got := r.Stats().Armies; got != 1 {
		t.Fatalf("armies left: got %d want 1", got)
	}
}

func TestCombat_WarBonusAgainstDeclaredEnemies(t *testing.T) {
	sink := &memReports{}
	r, err := NewRealm(Config{
		Catalogs:  loadTestCatalogs(t),
		Tuning:    tuning.Default(),
		Reports:   sink,
		Relations: stubRelations{rel: RelationEnemy},
	})
	if err != nil {
		t.Fatalf("realm: %v", err)
	}
	a := foundAt(t, r, "p1", 0, 0)
	raiseBuilding(a, 19, "rally_point", 1)
	setTroops(a, "clubman", 100)
	b := foundAt(t, r, "p2", 3, 4)

	if _, err := r.Dispatch("p1", a.ID, MissionRaid, 3, 4, map[string]int64{"clubman": 100}, Amounts{}, testEpoch); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := r.SettleVillage(b.ID, testEpoch.Add(time.Hour)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	body := sink.byKind(ReportBattle)[0].Payload.(BattleReportBody)
	if body.AttackPoints != 4400 {
		t.Fatalf("attack points at war: got %d want 4400", body.AttackPoints)
	}
	if !body.AttackerWon || len(body.AttackerLost) != 0 {
		t.Fatalf("walkover body: %+v", body)
	}
}

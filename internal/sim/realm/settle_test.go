package realm

import (
	"testing"
	"time"
)

func TestSettle_AccruesProductionMinusUpkeep(t *testing.T) {
	r, _ := newTestRealm(t)
	v := foundAt(t, r, "p1", 10, 10)

	// Starting layout: four level-0 fields per kind (2/h each), six
	// croplands, a level-1 main building eating 2 crop/h.
	view, err := r.VillageState("p1", v.ID, testEpoch.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("village state: %v", err)
	}
	want := Amounts{Wood: 754, Clay: 754, Iron: 754, Crop: 755}
	if view.Stocks != want {
		t.Fatalf("stocks after 30m: got %+v want %+v", view.Stocks, want)
	}
	if view.Production != (Amounts{Wood: 8, Clay: 8, Iron: 8, Crop: 12}) {
		t.Fatalf("production: got %+v", view.Production)
	}
	if view.Upkeep != 2 || view.NetCrop != 10 || view.Population != 2 {
		t.Fatalf("upkeep/net/pop: got %d/%d/%d want 2/10/2", view.Upkeep, view.NetCrop, view.Population)
	}
}

func TestSettle_StocksClampAtCapacity(t *testing.T) {
	r, _ := newTestRealm(t)
	v := foundAt(t, r, "p1", 10, 10)

	view, err := r.VillageState("p1", v.ID, testEpoch.Add(10*time.Hour))
	if err != nil {
		t.Fatalf("village state: %v", err)
	}
	if view.Caps != (Amounts{Wood: 800, Clay: 800, Iron: 800, Crop: 800}) {
		t.Fatalf("caps: got %+v", view.Caps)
	}
	if view.Stocks != view.Caps {
		t.Fatalf("stocks after 10h should sit at the caps: got %+v", view.Stocks)
	}
}

func TestSettle_CropDrainsToZeroThenDeficit(t *testing.T) {
	r, _ := newTestRealm(t)
	v := foundAt(t, r, "p1", 10, 10)
	setStocks(v, Amounts{Wood: 750, Clay: 750, Iron: 750, Crop: 10})
	setTroops(v, "militia", 22)

	// Net crop is 12 - (2 + 22) = -12/h: the 10 units in store last
	// exactly 50 minutes, then the shortfall starts counting.
	if err := r.SettleVillage(v.ID, testEpoch.Add(time.Hour)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	v.lock()
	if v.StockMilli.Crop != 0 {
		t.Fatalf("crop after 1h: got %d milli want 0", v.StockMilli.Crop)
	}
	if !v.Starving {
		t.Fatalf("village should be starving")
	}
	if v.CropDeficitMilli != 2_000 {
		t.Fatalf("deficit: got %d milli want 2000", v.CropDeficitMilli)
	}
	if want := testEpoch.Add(50 * time.Minute); !v.DeficitSince.Equal(want) {
		t.Fatalf("deficit since: got %v want %v", v.DeficitSince, want)
	}
	if v.StockMilli.Wood != 758_000 {
		t.Fatalf("wood keeps accruing during a crop deficit: got %d milli want 758000", v.StockMilli.Wood)
	}
	v.unlock()

	// No troop has died yet: the shortfall is below one starvation unit.
	if got := troopsOf(v, "militia"); got != 22 {
		t.Fatalf("militia after 1h: got %d want 22", got)
	}
}

func TestSettle_StarvationKillsUntilUpkeepBalances(t *testing.T) {
	r, sink := newTestRealm(t)
	v := foundAt(t, r, "p1", 10, 10)
	setStocks(v, Amounts{Wood: 750, Clay: 750, Iron: 750, Crop: 10})
	setTroops(v, "militia", 22)

	// 12 crop/h income against 24/h of mouths: one militia starves per
	// 10 units of shortfall until the remaining 10 eat exactly the
	// surplus over the population.
	if err := r.SettleVillage(v.ID, testEpoch.Add(100*time.Hour)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if got := troopsOf(v, "militia"); got != 10 {
		t.Fatalf("militia after starvation: got %d want 10", got)
	}
	v.lock()
	starving, crop := v.Starving, v.StockMilli.Crop
	v.unlock()
	if starving {
		t.Fatalf("starvation should end once upkeep balances")
	}
	if crop != 0 {
		t.Fatalf("crop at balance point: got %d milli want 0", crop)
	}

	died := int64(0)
	for _, rep := range sink.byKind(ReportStarvation) {
		died += rep.Payload.(StarvationReportBody).Died["militia"]
	}
	if died != 12 {
		t.Fatalf("starvation reports account for %d militia, want 12", died)
	}
}

func TestSettle_StarvationKillsCostliestUpkeepFirst(t *testing.T) {
	r, sink := newTestRealm(t)
	v := foundAt(t, r, "p1", 10, 10)
	setStocks(v, Amounts{Wood: 750, Clay: 750, Iron: 750, Crop: 0})
	setTroops(v, "knight", 2)
	setTroops(v, "raider", 3)
	setTroops(v, "militia", 5)

	// Net -7/h: the first starvation unit completes after 10/7 hours
	// and takes a knight, the heaviest eater.
	if err := r.SettleVillage(v.ID, testEpoch.Add(2*time.Hour)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := troopsOf(v, "knight"); got != 1 {
		t.Fatalf("knights after 2h: got %d want 1", got)
	}
	if troopsOf(v, "raider") != 3 || troopsOf(v, "militia") != 5 {
		t.Fatalf("only the knight should have starved so far")
	}

	// Deaths walk down the upkeep order until net crop turns positive:
	// both knights and one raider starve, then 2 raiders + 5 militia
	// eat 9/h against 10/h of surplus.
	if err := r.SettleVillage(v.ID, testEpoch.Add(50*time.Hour)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := troopsOf(v, "knight"); got != 0 {
		t.Fatalf("knights after 50h: got %d want 0", got)
	}
	if got := troopsOf(v, "raider"); got != 2 {
		t.Fatalf("raiders after 50h: got %d want 2", got)
	}
	if got := troopsOf(v, "militia"); got != 5 {
		t.Fatalf("militia after 50h: got %d want 5", got)
	}
	v.lock()
	if v.Starving {
		t.Fatalf("recovery should clear the starvation flag")
	}
	if v.StockMilli.Crop <= 0 {
		t.Fatalf("crop should accrue again after recovery")
	}
	v.unlock()

	if got := len(sink.byKind(ReportStarvation)); got != 2 {
		t.Fatalf("starvation reports: got %d want 2", got)
	}
}

func TestSettle_BuildCompletionChangesRateMidInterval(t *testing.T) {
	r, sink := newTestRealm(t)
	v := foundAt(t, r, "p1", 10, 10)

	job, err := r.UpgradeBuilding("p1", v.ID, 0, "woodcutter", testEpoch)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	// 260s base, sped up by the level-1 main building.
	if want := testEpoch.Add(250640 * time.Millisecond); !job.EndsAt.Equal(want) {
		t.Fatalf("ends at: got %v want %v", job.EndsAt, want)
	}

	if err := r.SettleVillage(v.ID, testEpoch.Add(time.Hour)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	v.lock()
	if b := v.slotAt(0); b == nil || b.Level != 1 {
		t.Fatalf("slot 0 should be level 1 after the settle")
	}
	if v.BuildQueue.Len() != 0 {
		t.Fatalf("build queue should be empty")
	}
	// 710 wood after the debit, 8/h until completion, 11/h after.
	if v.StockMilli.Wood != 720_790 {
		t.Fatalf("wood after upgrade settles: got %d milli want 720790", v.StockMilli.Wood)
	}
	v.unlock()

	reps := sink.byKind(ReportBuild)
	if len(reps) != 1 {
		t.Fatalf("build reports: got %d want 1", len(reps))
	}
	body := reps[0].Payload.(BuildReportBody)
	if body.Slot != 0 || body.Building != "woodcutter" || body.Level != 1 {
		t.Fatalf("build report: %+v", body)
	}
}

func TestSettle_ProductionBonusExpiresMidInterval(t *testing.T) {
	r, _ := newTestRealm(t)
	v := foundAt(t, r, "p1", 10, 10)

	if _, err := r.AddProductionBonus(v.ID, Wood, 2.0, testEpoch.Add(time.Hour), testEpoch); err != nil {
		t.Fatalf("add bonus: %v", err)
	}
	if err := r.SettleVillage(v.ID, testEpoch.Add(2*time.Hour)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	v.lock()
	defer v.unlock()
	// One hour doubled (16/h), one hour plain (8/h).
	if v.StockMilli.Wood != 774_000 {
		t.Fatalf("wood: got %d milli want 774000", v.StockMilli.Wood)
	}
	// The bonus names wood only; crop stays at its plain net rate.
	if v.StockMilli.Crop != 770_000 {
		t.Fatalf("crop: got %d milli want 770000", v.StockMilli.Crop)
	}
	if len(v.Bonuses) != 0 {
		t.Fatalf("expired bonuses should be dropped, got %d", len(v.Bonuses))
	}
}

func TestSettle_MultiYearGapConverges(t *testing.T) {
	r, _ := newTestRealm(t)
	v := foundAt(t, r, "p1", 10, 10)

	if err := r.SettleVillage(v.ID, testEpoch.Add(3*8760*time.Hour)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	got := stocksOf(v)
	if got != (Amounts{Wood: 800, Clay: 800, Iron: 800, Crop: 800}) {
		t.Fatalf("stocks after three years: got %+v", got)
	}
}

func TestSettle_Idempotent(t *testing.T) {
	r, _ := newTestRealm(t)
	v := foundAt(t, r, "p1", 10, 10)
	setTroops(v, "militia", 22)
	at := testEpoch.Add(37 * time.Minute)

	if err := r.SettleVillage(v.ID, at); err != nil {
		t.Fatalf("settle: %v", err)
	}
	v.lock()
	first, rev, checkpoint := v.StockMilli, v.Rev, v.CheckpointAt
	v.unlock()

	if err := r.SettleVillage(v.ID, at); err != nil {
		t.Fatalf("second settle: %v", err)
	}
	v.lock()
	defer v.unlock()
	if v.StockMilli != first || v.Rev != rev || !v.CheckpointAt.Equal(checkpoint) {
		t.Fatalf("settling twice at the same instant moved state")
	}
}

func TestSettle_LoyaltyRegenerates(t *testing.T) {
	r, _ := newTestRealm(t)
	v := foundAt(t, r, "p1", 10, 10)
	v.lock()
	v.LoyaltyMilli = 50_000
	v.unlock()

	view, err := r.VillageState("p1", v.ID, testEpoch.Add(10*time.Hour))
	if err != nil {
		t.Fatalf("village state: %v", err)
	}
	if view.Loyalty != 70 {
		t.Fatalf("loyalty after 10h: got %d want 70", view.Loyalty)
	}

	view, err = r.VillageState("p1", v.ID, testEpoch.Add(100*time.Hour))
	if err != nil {
		t.Fatalf("village state: %v", err)
	}
	if view.Loyalty != 100 {
		t.Fatalf("loyalty caps at 100: got %d", view.Loyalty)
	}
}

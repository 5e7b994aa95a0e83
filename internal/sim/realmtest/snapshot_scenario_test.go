package realmtest

import (
	"maps"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"gridholm.gg/internal/persistence/snapshot"
	"gridholm.gg/internal/sim/realm"
)

// A realm exported with a build job, an army, and an order all in
// flight must resolve them identically after a file round trip.
func TestSnapshotRoundTripMidFlight(t *testing.T) {
	h := New(t)
	market := h.MarketVillage("p2", 5, 0)
	attacker := h.RallyVillage("p1", 0, 0)
	h.Grant(attacker, realm.Amounts{}, 0, map[string]int64{"raider": 5})

	ask := h.Place("p2", market, realm.SideSell, realm.Iron, 40, 7)
	h.TopUp(attacker)
	job := h.Upgrade("p1", attacker, 0, "woodcutter")
	army := h.Dispatch("p1", attacker, realm.MissionRaid, 5, 0, map[string]int64{"raider": 5}, realm.Amounts{})
	if !job.EndsAt.Before(army.ArrivesAt) {
		t.Fatalf("scenario drift: job ends %v, army arrives %v", job.EndsAt, army.ArrivesAt)
	}

	st := h.R.ExportState()
	if len(st.Armies) != 1 || len(st.Orders) != 1 {
		t.Fatalf("exported %d armies %d orders", len(st.Armies), len(st.Orders))
	}
	snap := snapshot.Capture(st)
	if snap.Header.Version != snapshot.Version || snap.Header.RealmID != h.R.ID() {
		t.Fatalf("header: %+v", snap.Header)
	}

	path := filepath.Join(t.TempDir(), "realm.snap.zst")
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	loaded, err := snapshot.ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}

	h2 := New(t)
	if err := h2.R.ImportState(loaded.State); err != nil {
		t.Fatalf("ImportState: %v", err)
	}
	h2.Now = h.Now
	h.Reports.Reset()

	restored := h2.R.ArmiesInFlight()
	if len(restored) != 1 || restored[0].ID != army.ID {
		t.Fatalf("armies after import: %+v", restored)
	}

	// Both realms run the job, the battle, and the homecoming forward.
	wake := army.ReturnsAt.Add(time.Hour)
	h.AdvanceTo(wake)
	h2.AdvanceTo(wake)

	for _, vid := range []string{attacker, market} {
		assertVillagesMatch(t, h.ViewAdmin(vid), h2.ViewAdmin(vid))
	}

	b1 := h.Reports.Kind(realm.ReportBattle)
	b2 := h2.Reports.Kind(realm.ReportBattle)
	if len(b1) != 1 || len(b2) != 1 {
		t.Fatalf("battle reports: %d vs %d", len(b1), len(b2))
	}
	loot1 := b1[0].Payload.(realm.BattleReportBody).Loot
	loot2 := b2[0].Payload.(realm.BattleReportBody).Loot
	if loot1 != loot2 {
		t.Fatalf("loot diverged: %+v vs %+v", loot1, loot2)
	}

	book1, _ := h.R.ListOrders("", "", 0)
	book2, _ := h2.R.ListOrders("", "", 0)
	if len(book1) != 1 || len(book2) != 1 {
		t.Fatalf("books: %d vs %d", len(book1), len(book2))
	}
	if book1[0].ID != ask.ID || book2[0].ID != ask.ID || book1[0].Seq != book2[0].Seq {
		t.Fatalf("ask diverged: %+v vs %+v", book1[0], book2[0])
	}
	if !book1[0].ExpiresAt.Equal(book2[0].ExpiresAt) {
		t.Fatalf("ask expiry diverged: %v vs %v", book1[0].ExpiresAt, book2[0].ExpiresAt)
	}

	// Restored counters mint the same ids as the original would.
	id1 := h.Found("p3", 9, 9)
	id2 := h2.Found("p3", 9, 9)
	if id1 != id2 {
		t.Fatalf("counters diverged: %s vs %s", id1, id2)
	}
}

func assertVillagesMatch(t *testing.T, a, b realm.VillageView) {
	t.Helper()
	if a.ID != b.ID || a.OwnerID != b.OwnerID || a.Rev != b.Rev {
		t.Fatalf("village identity: %s rev %d vs %s rev %d", a.ID, a.Rev, b.ID, b.Rev)
	}
	if !a.AsOf.Equal(b.AsOf) {
		t.Fatalf("%s settled to %v vs %v", a.ID, a.AsOf, b.AsOf)
	}
	if a.Stocks != b.Stocks || a.Silver != b.Silver {
		t.Fatalf("%s ledger: %+v/%d vs %+v/%d", a.ID, a.Stocks, a.Silver, b.Stocks, b.Silver)
	}
	if a.Loyalty != b.Loyalty || a.Starving != b.Starving {
		t.Fatalf("%s loyalty %d/%v vs %d/%v", a.ID, a.Loyalty, a.Starving, b.Loyalty, b.Starving)
	}
	if !maps.Equal(a.Troops, b.Troops) || !maps.Equal(a.InTraining, b.InTraining) {
		t.Fatalf("%s troops %+v vs %+v", a.ID, a.Troops, b.Troops)
	}
	if !slices.Equal(a.Buildings, b.Buildings) {
		t.Fatalf("%s buildings %+v vs %+v", a.ID, a.Buildings, b.Buildings)
	}
	if len(a.BuildQueue) != len(b.BuildQueue) || len(a.Armies) != len(b.Armies) {
		t.Fatalf("%s queues %d/%d vs %d/%d", a.ID, len(a.BuildQueue), len(a.Armies), len(b.BuildQueue), len(b.Armies))
	}
}

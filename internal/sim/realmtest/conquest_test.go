package realmtest

import (
	"testing"
	"time"

	"gridholm.gg/internal/protocol"
	"gridholm.gg/internal/sim/realm"
)

func TestConquestLoyaltyAndCapture(t *testing.T) {
	h := New(t)
	attacker := h.RallyVillage("atk", 0, 0)
	h.Grant(attacker, realm.Amounts{}, 0, map[string]int64{"chieftain": 6})
	defender := h.Found("def", 5, 0)
	h.Reports.Reset()

	// First strike: two chiefs knock loyalty to 50 but cannot flip it.
	depart := h.Now
	first := h.Dispatch("atk", attacker, realm.MissionConquer, 5, 0, map[string]int64{"chieftain": 2}, realm.Amounts{})
	if !first.ArrivesAt.Equal(depart.Add(4500 * time.Second)) {
		t.Fatalf("chiefs arrive %v", first.ArrivesAt)
	}

	h.AdvanceTo(first.ArrivesAt)
	reps := h.Reports.Kind(realm.ReportBattle)
	if len(reps) != 1 {
		t.Fatalf("battle reports: %d", len(reps))
	}
	body := reps[0].Payload.(realm.BattleReportBody)
	if !body.AttackerWon || body.Captured || body.Loyalty != 50 {
		t.Fatalf("first strike: %+v", body)
	}
	if got := h.ViewAdmin(defender); got.OwnerID != "def" || got.Loyalty != 50 {
		t.Fatalf("defender after first strike: owner %s loyalty %d", got.OwnerID, got.Loyalty)
	}

	// Loyalty regenerates 2 per hour while the chiefs march home.
	h.Advance(3*time.Hour + 45*time.Minute)
	if got := h.ViewAdmin(defender).Loyalty; got != 57 {
		t.Fatalf("loyalty after regen %d, want 57", got)
	}
	if got := h.ViewAdmin(attacker).Troops["chieftain"]; got != 6 {
		t.Fatalf("chiefs home: %d", got)
	}

	// Second strike: four chiefs against 60 loyalty at arrival flips the
	// village, garrisons the survivors, and resets loyalty to 25.
	h.Reports.Reset()
	second := h.Dispatch("atk", attacker, realm.MissionConquer, 5, 0, map[string]int64{"chieftain": 4}, realm.Amounts{})
	h.AdvanceTo(second.ArrivesAt)

	conq := h.Reports.Kind(realm.ReportConquest)
	if len(conq) != 1 {
		t.Fatalf("conquest reports: %d", len(conq))
	}
	body = conq[0].Payload.(realm.BattleReportBody)
	if !body.Captured || body.Loyalty != 25 {
		t.Fatalf("capture body: %+v", body)
	}

	def := h.ViewAdmin(defender)
	if def.OwnerID != "atk" || def.Loyalty != 25 || def.Troops["chieftain"] != 4 {
		t.Fatalf("captured village: owner %s loyalty %d troops %+v", def.OwnerID, def.Loyalty, def.Troops)
	}
	if got := h.R.VillagesOf("def"); len(got) != 0 {
		t.Fatalf("loser still owns %v", got)
	}
	if got := h.R.VillagesOf("atk"); len(got) != 2 {
		t.Fatalf("winner owns %v", got)
	}
	if got := h.ViewAdmin(attacker).Troops["chieftain"]; got != 2 {
		t.Fatalf("chiefs left home: %d", got)
	}
	if inFlight := h.R.ArmiesInFlight(); len(inFlight) != 0 {
		t.Fatalf("armies after capture: %+v", inFlight)
	}
	if st := h.R.Stats(); st.Battles != 2 {
		t.Fatalf("battles counted: %d", st.Battles)
	}

	// The new holding regenerates back to full loyalty, capped at 100.
	h.Advance(40 * time.Hour)
	if got := h.ViewAdmin(defender).Loyalty; got != 100 {
		t.Fatalf("loyalty after 40h %d, want 100", got)
	}
}

func TestConquestTargetRules(t *testing.T) {
	h := New(t)
	attacker := h.RallyVillage("atk", 0, 0)
	h.Grant(attacker, realm.Amounts{}, 0, map[string]int64{"chieftain": 1, "militia": 5})
	h.FoundCapital("carol", 20, 0)
	h.Found("dave", 25, 0)

	// Capitals never change hands.
	_, err := h.R.Dispatch("atk", attacker, realm.MissionConquer, 20, 0, map[string]int64{"chieftain": 1}, realm.Amounts{}, h.Now)
	if realm.CodeOf(err) != protocol.ErrInvalidTarget {
		t.Fatalf("conquer a capital: %v", err)
	}

	// A conquest without a chief in the column is refused at dispatch.
	_, err = h.R.Dispatch("atk", attacker, realm.MissionConquer, 25, 0, map[string]int64{"militia": 5}, realm.Amounts{}, h.Now)
	if realm.CodeOf(err) != protocol.ErrPrereq {
		t.Fatalf("conquer without chief: %v", err)
	}
}

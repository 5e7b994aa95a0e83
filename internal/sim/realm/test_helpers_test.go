package realm

import (
	"sync"
	"testing"
	"time"

	"gridholm.gg/internal/sim/catalogs"
	"gridholm.gg/internal/sim/tuning"
)

var testEpoch = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

func loadTestCatalogs(t *testing.T) *catalogs.Catalogs {
	t.Helper()
	cats, err := catalogs.Load("../../../configs")
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	return cats
}

// memReports keeps every emitted report for assertions.
type memReports struct {
	mu   sync.Mutex
	reps []Report
}

func (m *memReports) Record(rep Report) error {
	m.mu.Lock()
	m.reps = append(m.reps, rep)
	m.mu.Unlock()
	return nil
}

func (m *memReports) byKind(kind string) []Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Report
	for _, rep := range m.reps {
		if rep.Kind == kind {
			out = append(out, rep)
		}
	}
	return out
}

func newTestRealm(t *testing.T) (*Realm, *memReports) {
	t.Helper()
	sink := &memReports{}
	r, err := NewRealm(Config{
		Catalogs: loadTestCatalogs(t),
		Tuning:   tuning.Default(),
		Reports:  sink,
	})
	if err != nil {
		t.Fatalf("realm: %v", err)
	}
	return r, sink
}

func foundAt(t *testing.T, r *Realm, owner string, x, y int) *Village {
	t.Helper()
	id, err := r.FoundVillage(owner, "", "", x, y, false, testEpoch)
	if err != nil {
		t.Fatalf("found village at %d,%d: %v", x, y, err)
	}
	v, err := r.village(id)
	if err != nil {
		t.Fatalf("village %s: %v", id, err)
	}
	return v
}

// setStocks pins the settled stocks, whole units. The checkpoint is
// untouched, so later settles accrue on top of these values.
func setStocks(v *Village, a Amounts) {
	v.lock()
	v.StockMilli = a.Milli()
	v.unlock()
}

func setTroops(v *Village, unit string, n int64) {
	v.lock()
	if v.Troops == nil {
		v.Troops = map[string]int64{}
	}
	if n == 0 {
		delete(v.Troops, unit)
	} else {
		v.Troops[unit] = n
	}
	v.unlock()
}

func setSilver(v *Village, n int64) {
	v.lock()
	v.Silver = n
	v.unlock()
}

// raiseBuilding force-sets a slot, bypassing cost and build time.
func raiseBuilding(v *Village, slot int, typ string, level int) {
	v.lock()
	if b := v.slotAt(slot); b != nil {
		b.Type, b.Level = typ, level
	} else {
		v.Buildings = append(v.Buildings, Building{Slot: slot, Type: typ, Level: level})
	}
	v.unlock()
}

func stocksOf(v *Village) Amounts {
	v.lock()
	defer v.unlock()
	return v.StockMilli.Whole()
}

func stockMilliOf(v *Village) Amounts {
	v.lock()
	defer v.unlock()
	return v.StockMilli
}

func troopsOf(v *Village, unit string) int64 {
	v.lock()
	defer v.unlock()
	return v.Troops[unit]
}

func silverOf(v *Village) int64 {
	v.lock()
	defer v.unlock()
	return v.Silver
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if got := CodeOf(err); got != code {
		t.Fatalf("error code: got %s want %s (%v)", got, code, err)
	}
}

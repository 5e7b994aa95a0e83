package catalogs

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func configDir(t *testing.T) string {
	t.Helper()
	return filepath.Join("..", "..", "..", "configs")
}

func TestLoad_ShippedCatalogs(t *testing.T) {
	c, err := Load(configDir(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(c.Units.Defs) == 0 || len(c.Buildings.Defs) == 0 {
		t.Fatalf("empty catalogs: units=%d buildings=%d", len(c.Units.Defs), len(c.Buildings.Defs))
	}
	if c.Units.DefsDigest == "" || c.Buildings.DefsDigest == "" {
		t.Fatalf("missing digests")
	}
	if !sort.StringsAreSorted(c.Units.Palette) {
		t.Fatalf("units palette not sorted")
	}
	if !sort.StringsAreSorted(c.Buildings.Palette) {
		t.Fatalf("buildings palette not sorted")
	}
	for i, id := range c.Units.Palette {
		if c.Units.Index[id] != uint16(i) {
			t.Fatalf("unit index mismatch for %s: got %d want %d", id, c.Units.Index[id], i)
		}
	}

	// Every field produces a resource and carries a production table.
	for id, b := range c.Buildings.Defs {
		if b.Kind == KindField {
			if b.Produces == "" {
				t.Fatalf("field %s missing produces", id)
			}
			if len(b.Production) != b.MaxLevel+1 {
				t.Fatalf("field %s production table: got %d want %d", id, len(b.Production), b.MaxLevel+1)
			}
		}
	}
}

func TestLoad_DigestStableAcrossReloads(t *testing.T) {
	a, err := Load(configDir(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := Load(configDir(t))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if a.Units.DefsDigest != b.Units.DefsDigest {
		t.Fatalf("units digest changed across reloads")
	}
	if a.Buildings.PaletteDigest != b.Buildings.PaletteDigest {
		t.Fatalf("buildings palette digest changed across reloads")
	}
}

func TestBuildingDef_Curves(t *testing.T) {
	d := BuildingDef{
		ID:          "woodcutter",
		Kind:        KindField,
		MaxLevel:    3,
		BaseCost:    ResourceCost{Wood: 40, Clay: 100, Iron: 50, Crop: 60},
		CostFactor:  1.67,
		BaseSeconds: 260,
		TimeFactor:  1.45,
		Production:  []int64{2, 5, 9, 15},
	}

	if got := d.CostAt(1); got != d.BaseCost {
		t.Fatalf("CostAt(1): got %+v want base", got)
	}
	c2 := d.CostAt(2)
	if c2.Wood != 67 || c2.Clay != 167 {
		t.Fatalf("CostAt(2): got wood=%d clay=%d want 67/167", c2.Wood, c2.Clay)
	}
	if got := d.BuildSecondsAt(1); got != 260 {
		t.Fatalf("BuildSecondsAt(1): got %d want 260", got)
	}
	if got := d.BuildSecondsAt(2); got != 377 {
		t.Fatalf("BuildSecondsAt(2): got %d want 377", got)
	}

	if got := d.ProductionAt(0); got != 2 {
		t.Fatalf("ProductionAt(0): got %d want 2", got)
	}
	if got := d.ProductionAt(3); got != 15 {
		t.Fatalf("ProductionAt(3): got %d want 15", got)
	}
	// Beyond the table holds at the last entry.
	if got := d.ProductionAt(9); got != 15 {
		t.Fatalf("ProductionAt(9): got %d want 15", got)
	}

	if got := d.PopulationAt(4); got != 4 {
		t.Fatalf("PopulationAt without table: got %d want 4", got)
	}
}

func TestBuildingDef_WallBonus(t *testing.T) {
	w := BuildingDef{ID: "wall", Kind: KindWall, WallFactor: 1.03}
	if got := w.WallBonusAt(0); got != 1.0 {
		t.Fatalf("WallBonusAt(0): got %v want 1.0", got)
	}
	b := w.WallBonusAt(10)
	if b < 1.34 || b > 1.35 {
		t.Fatalf("WallBonusAt(10): got %v want ~1.3439", b)
	}
	plain := BuildingDef{ID: "barracks", Kind: KindMilitary}
	if got := plain.WallBonusAt(10); got != 1.0 {
		t.Fatalf("non-wall bonus: got %v want 1.0", got)
	}
}

func TestLoad_RejectsBadRefs(t *testing.T) {
	dir := t.TempDir()
	units := `[{"id":"ghost","class":"infantry","attack":1,"defense_infantry":1,"defense_cavalry":1,"speed":5,"carry":10,"upkeep":1,"train_seconds":100,"trained_at":"nowhere","cost":{"wood":1,"clay":1,"iron":1,"crop":1}}]`
	buildings := `[{"id":"hut","kind":"infrastructure","max_level":5,"base_cost":{"wood":1,"clay":1,"iron":1,"crop":1},"cost_factor":1.28,"base_seconds":100,"time_factor":1.16}]`
	if err := os.WriteFile(filepath.Join(dir, "units.json"), []byte(units), 0o644); err != nil {
		t.Fatalf("write units: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "buildings.json"), []byte(buildings), 0o644); err != nil {
		t.Fatalf("write buildings: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected trained_at reference error")
	}
}

func TestShippedCatalogs_MatchSchemas(t *testing.T) {
	validateFile := func(schemaName, dataName string) {
		t.Helper()
		// The schemas cross-reference each other through their https
		// $id URLs; register the local files under those URLs so the
		// compiler resolves refs without a network loader.
		compiler := jsonschema.NewCompiler()
		for _, name := range []string{"units.schema.json", "buildings.schema.json"} {
			raw, err := os.ReadFile(filepath.Join("..", "..", "..", "schemas", name))
			if err != nil {
				t.Fatalf("read schema %s: %v", name, err)
			}
			if err := compiler.AddResource("https://gridholm.gg/schemas/"+name, bytes.NewReader(raw)); err != nil {
				t.Fatalf("add schema %s: %v", name, err)
			}
		}
		s, err := compiler.Compile("https://gridholm.gg/schemas/" + schemaName)
		if err != nil {
			t.Fatalf("compile %s: %v", schemaName, err)
		}
		raw, err := os.ReadFile(filepath.Join(configDir(t), dataName))
		if err != nil {
			t.Fatalf("read %s: %v", dataName, err)
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			t.Fatalf("parse %s: %v", dataName, err)
		}
		if err := s.Validate(v); err != nil {
			t.Fatalf("%s does not match %s: %v", dataName, schemaName, err)
		}
	}
	validateFile("units.schema.json", "units.json")
	validateFile("buildings.schema.json", "buildings.json")
}

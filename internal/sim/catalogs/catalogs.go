package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
)

type Catalogs struct {
	Units     UnitCatalog
	Buildings BuildingCatalog
}

// Unit classes.
const (
	ClassInfantry = "infantry"
	ClassCavalry  = "cavalry"
	ClassScout    = "scout"
	ClassSiege    = "siege"
	ClassChief    = "chief"
	ClassSettler  = "settler"
)

// Building kinds.
const (
	KindField          = "field"
	KindStorage        = "storage"
	KindInfrastructure = "infrastructure"
	KindMilitary       = "military"
	KindWall           = "wall"
)

type UnitCatalog struct {
	Palette       []string
	Index         map[string]uint16
	Defs          map[string]UnitDef
	PaletteDigest string
	DefsDigest    string
}

type UnitDef struct {
	ID              string        `json:"id"`
	Class           string        `json:"class"`
	Attack          int           `json:"attack"`
	DefenseInfantry int           `json:"defense_infantry"`
	DefenseCavalry  int           `json:"defense_cavalry"`
	Speed           int           `json:"speed"` // fields per hour
	Carry           int64         `json:"carry"`
	Upkeep          int64         `json:"upkeep"` // crop per hour
	TrainSeconds    int           `json:"train_seconds"`
	TrainedAt       string        `json:"trained_at"`
	Cost            ResourceCost  `json:"cost"`
	Requires        []Requirement `json:"requires,omitempty"`
}

type ResourceCost struct {
	Wood int64 `json:"wood"`
	Clay int64 `json:"clay"`
	Iron int64 `json:"iron"`
	Crop int64 `json:"crop"`
}

type Requirement struct {
	Building string `json:"building"`
	Level    int    `json:"level"`
}

type BuildingCatalog struct {
	Palette       []string
	Index         map[string]uint16
	Defs          map[string]BuildingDef
	PaletteDigest string
	DefsDigest    string
}

type BuildingDef struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind"`
	Produces    string        `json:"produces,omitempty"` // resource id for fields
	MaxLevel    int           `json:"max_level"`
	BaseCost    ResourceCost  `json:"base_cost"`
	CostFactor  float64       `json:"cost_factor"`
	BaseSeconds int           `json:"base_seconds"`
	TimeFactor  float64       `json:"time_factor"`
	Production  []int64       `json:"production,omitempty"` // units/hour by level
	Capacity    []int64       `json:"capacity,omitempty"`   // storage cap by level
	Population  []int64       `json:"population,omitempty"` // cumulative pop by level
	WallFactor  float64       `json:"wall_factor,omitempty"`
	Requires    []Requirement `json:"requires,omitempty"`
}

// CostAt returns the cost of raising the building to level next
// (next >= 1): base cost scaled by cost_factor^(next-1), rounded.
func (d BuildingDef) CostAt(next int) ResourceCost {
	f := math.Pow(d.CostFactor, float64(next-1))
	return ResourceCost{
		Wood: int64(math.Round(float64(d.BaseCost.Wood) * f)),
		Clay: int64(math.Round(float64(d.BaseCost.Clay) * f)),
		Iron: int64(math.Round(float64(d.BaseCost.Iron) * f)),
		Crop: int64(math.Round(float64(d.BaseCost.Crop) * f)),
	}
}

// BuildSecondsAt returns the base duration of the upgrade to level next,
// before main-building speedups.
func (d BuildingDef) BuildSecondsAt(next int) int {
	f := math.Pow(d.TimeFactor, float64(next-1))
	return int(math.Round(float64(d.BaseSeconds) * f))
}

// ProductionAt returns units/hour at the given level. Levels beyond the
// table hold at the last entry.
func (d BuildingDef) ProductionAt(level int) int64 {
	return tableAt(d.Production, level)
}

func (d BuildingDef) CapacityAt(level int) int64 {
	return tableAt(d.Capacity, level)
}

// PopulationAt returns the cumulative population the building occupies at
// the given level. Defs without a table count one per level.
func (d BuildingDef) PopulationAt(level int) int64 {
	if len(d.Population) == 0 {
		return int64(level)
	}
	return tableAt(d.Population, level)
}

// WallBonusAt returns the defense multiplier of a wall at the given
// level, 1.0 for non-walls.
func (d BuildingDef) WallBonusAt(level int) float64 {
	if d.WallFactor <= 1 || level <= 0 {
		return 1.0
	}
	return math.Pow(d.WallFactor, float64(level))
}

func tableAt(table []int64, level int) int64 {
	if len(table) == 0 || level < 0 {
		return 0
	}
	if level >= len(table) {
		return table[len(table)-1]
	}
	return table[level]
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs

	if err := loadUnits(filepath.Join(configDir, "units.json"), &c.Units); err != nil {
		return nil, err
	}
	if err := loadBuildings(filepath.Join(configDir, "buildings.json"), &c.Buildings); err != nil {
		return nil, err
	}
	if err := c.validateRefs(); err != nil {
		return nil, err
	}
	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

var knownClasses = map[string]struct{}{
	ClassInfantry: {},
	ClassCavalry:  {},
	ClassScout:    {},
	ClassSiege:    {},
	ClassChief:    {},
	ClassSettler:  {},
}

var knownKinds = map[string]struct{}{
	KindField:          {},
	KindStorage:        {},
	KindInfrastructure: {},
	KindMilitary:       {},
	KindWall:           {},
}

func loadUnits(path string, out *UnitCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.DefsDigest = sha256Hex(raw)

	var defs []UnitDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("units.json: %w", err)
	}
	out.Defs = map[string]UnitDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("units.json: empty id")
		}
		if _, ok := knownClasses[d.Class]; !ok {
			return fmt.Errorf("units.json: %s: unknown class %q", d.ID, d.Class)
		}
		if d.Speed <= 0 {
			return fmt.Errorf("units.json: %s: speed must be positive", d.ID)
		}
		if d.TrainSeconds <= 0 {
			return fmt.Errorf("units.json: %s: train_seconds must be positive", d.ID)
		}
		if d.Upkeep <= 0 {
			return fmt.Errorf("units.json: %s: upkeep must be positive", d.ID)
		}
		if _, dup := out.Defs[d.ID]; dup {
			return fmt.Errorf("units.json: duplicate id %q", d.ID)
		}
		out.Defs[d.ID] = d
	}

	ids := make([]string, 0, len(out.Defs))
	for id := range out.Defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out.Palette = ids
	out.Index = make(map[string]uint16, len(ids))
	for i, id := range ids {
		out.Index[id] = uint16(i)
	}
	palJSON, _ := json.Marshal(ids)
	out.PaletteDigest = sha256Hex(palJSON)
	return nil
}

func loadBuildings(path string, out *BuildingCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.DefsDigest = sha256Hex(raw)

	var defs []BuildingDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("buildings.json: %w", err)
	}
	out.Defs = map[string]BuildingDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("buildings.json: empty id")
		}
		if _, ok := knownKinds[d.Kind]; !ok {
			return fmt.Errorf("buildings.json: %s: unknown kind %q", d.ID, d.Kind)
		}
		if d.MaxLevel <= 0 {
			return fmt.Errorf("buildings.json: %s: max_level must be positive", d.ID)
		}
		if d.CostFactor < 1 {
			return fmt.Errorf("buildings.json: %s: cost_factor must be >= 1", d.ID)
		}
		if d.TimeFactor < 1 {
			return fmt.Errorf("buildings.json: %s: time_factor must be >= 1", d.ID)
		}
		if len(d.Production) > 0 && len(d.Production) != d.MaxLevel+1 {
			return fmt.Errorf("buildings.json: %s: production table needs %d entries", d.ID, d.MaxLevel+1)
		}
		if len(d.Capacity) > 0 && len(d.Capacity) != d.MaxLevel+1 {
			return fmt.Errorf("buildings.json: %s: capacity table needs %d entries", d.ID, d.MaxLevel+1)
		}
		if _, dup := out.Defs[d.ID]; dup {
			return fmt.Errorf("buildings.json: duplicate id %q", d.ID)
		}
		out.Defs[d.ID] = d
	}

	ids := make([]string, 0, len(out.Defs))
	for id := range out.Defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out.Palette = ids
	out.Index = make(map[string]uint16, len(ids))
	for i, id := range ids {
		out.Index[id] = uint16(i)
	}
	palJSON, _ := json.Marshal(ids)
	out.PaletteDigest = sha256Hex(palJSON)
	return nil
}

// validateRefs checks cross-catalog references after both files loaded.
func (c *Catalogs) validateRefs() error {
	for id, u := range c.Units.Defs {
		if _, ok := c.Buildings.Defs[u.TrainedAt]; !ok {
			return fmt.Errorf("units.json: %s: trained_at %q not in buildings", id, u.TrainedAt)
		}
		for _, r := range u.Requires {
			if _, ok := c.Buildings.Defs[r.Building]; !ok {
				return fmt.Errorf("units.json: %s: requires unknown building %q", id, r.Building)
			}
		}
	}
	for id, b := range c.Buildings.Defs {
		for _, r := range b.Requires {
			if _, ok := c.Buildings.Defs[r.Building]; !ok {
				return fmt.Errorf("buildings.json: %s: requires unknown building %q", id, r.Building)
			}
		}
	}
	return nil
}

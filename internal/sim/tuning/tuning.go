package tuning

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning holds the balance constants of a realm. Zero values are filled
// with defaults on load so a partial tuning.yaml stays valid.
type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	GridWidth  int `yaml:"grid_width"`
	GridHeight int `yaml:"grid_height"`

	BattleLossExponent  float64 `yaml:"battle_loss_exponent"`
	EnemyAttackBonus    float64 `yaml:"enemy_attack_bonus"`
	LoyaltyHitPerChief  int     `yaml:"loyalty_hit_per_chief"`
	LoyaltyAfterConquer int     `yaml:"loyalty_after_conquer"`
	LoyaltyRegenPerHour int     `yaml:"loyalty_regen_per_hour"`

	StarvationUnitDeficit int `yaml:"starvation_unit_deficit"`
	NewVillageSettlers    int `yaml:"new_village_settlers"`

	TrainTimeFactor    float64 `yaml:"train_time_factor"`
	MainBuildingFactor float64 `yaml:"main_building_factor"`

	ConstructionQueueDepth int `yaml:"construction_queue_depth"`
	TrainingQueueDepth     int `yaml:"training_queue_depth"`

	OrdersPerMarketLevel int     `yaml:"orders_per_market_level"`
	OrderTTLHours        int     `yaml:"order_ttl_hours"`
	MarketFeePct         float64 `yaml:"market_fee_pct"`

	StartingStock  int64 `yaml:"starting_stock"`
	StartingSilver int64 `yaml:"starting_silver"`

	TribeBonuses map[string]TribeBonus `yaml:"tribe_bonuses"`

	SnapshotEveryMinutes int `yaml:"snapshot_every_minutes"`
	SweepEverySeconds    int `yaml:"sweep_every_seconds"`

	RateLimits RateLimits `yaml:"rate_limits"`

	// sha256 of the raw file, for the WELCOME digest.
	Digest string `yaml:"-"`
}

// TribeBonus multipliers; 1.0 means no effect.
type TribeBonus struct {
	Production float64 `yaml:"production"`
	Attack     float64 `yaml:"attack"`
	Defense    float64 `yaml:"defense"`
}

type RateLimits struct {
	CmdWindowSeconds      int `yaml:"cmd_window_seconds"`
	CmdMax                int `yaml:"cmd_max"`
	DispatchWindowSeconds int `yaml:"dispatch_window_seconds"`
	DispatchMax           int `yaml:"dispatch_max"`
}

func Default() Tuning {
	var t Tuning
	t.applyDefaults()
	return t
}

// Normalize fills the zero fields of a hand-built Tuning. Idempotent.
func Normalize(t Tuning) Tuning {
	t.applyDefaults()
	return t
}

func Load(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	sum := sha256.Sum256(raw)
	t.Digest = hex.EncodeToString(sum[:])
	t.applyDefaults()
	return t, nil
}

func (t *Tuning) applyDefaults() {
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = "1.0"
	}
	if t.GridWidth <= 0 {
		t.GridWidth = 400
	}
	if t.GridHeight <= 0 {
		t.GridHeight = 400
	}
	if t.BattleLossExponent <= 0 {
		t.BattleLossExponent = 1.5
	}
	if t.EnemyAttackBonus <= 0 {
		t.EnemyAttackBonus = 0.10
	}
	if t.LoyaltyHitPerChief <= 0 {
		t.LoyaltyHitPerChief = 25
	}
	if t.LoyaltyAfterConquer <= 0 {
		t.LoyaltyAfterConquer = 25
	}
	if t.LoyaltyRegenPerHour <= 0 {
		t.LoyaltyRegenPerHour = 2
	}
	if t.StarvationUnitDeficit <= 0 {
		t.StarvationUnitDeficit = 10
	}
	if t.NewVillageSettlers <= 0 {
		t.NewVillageSettlers = 3
	}
	if t.TrainTimeFactor <= 0 || t.TrainTimeFactor > 1 {
		t.TrainTimeFactor = 0.96
	}
	if t.MainBuildingFactor <= 0 || t.MainBuildingFactor > 1 {
		t.MainBuildingFactor = 0.964
	}
	if t.ConstructionQueueDepth <= 0 {
		t.ConstructionQueueDepth = 4
	}
	if t.TrainingQueueDepth <= 0 {
		t.TrainingQueueDepth = 6
	}
	if t.OrdersPerMarketLevel <= 0 {
		t.OrdersPerMarketLevel = 2
	}
	if t.OrderTTLHours <= 0 {
		t.OrderTTLHours = 48
	}
	if t.MarketFeePct < 0 {
		t.MarketFeePct = 0
	}
	if t.StartingStock <= 0 {
		t.StartingStock = 750
	}
	if t.StartingSilver <= 0 {
		t.StartingSilver = 100
	}
	if len(t.TribeBonuses) == 0 {
		t.TribeBonuses = map[string]TribeBonus{
			"north": {Production: 1.0, Attack: 1.05, Defense: 1.0},
			"west":  {Production: 1.05, Attack: 1.0, Defense: 1.0},
			"east":  {Production: 1.0, Attack: 1.0, Defense: 1.05},
		}
	}
	if t.SnapshotEveryMinutes <= 0 {
		t.SnapshotEveryMinutes = 10
	}
	if t.SweepEverySeconds <= 0 {
		t.SweepEverySeconds = 30
	}
	if t.RateLimits.CmdWindowSeconds <= 0 {
		t.RateLimits.CmdWindowSeconds = 10
	}
	if t.RateLimits.CmdMax <= 0 {
		t.RateLimits.CmdMax = 40
	}
	if t.RateLimits.DispatchWindowSeconds <= 0 {
		t.RateLimits.DispatchWindowSeconds = 60
	}
	if t.RateLimits.DispatchMax <= 0 {
		t.RateLimits.DispatchMax = 20
	}
}

// Bonus returns the tribe's multipliers, identity for unknown tribes.
func (t Tuning) Bonus(tribe string) TribeBonus {
	b, ok := t.TribeBonuses[tribe]
	if !ok {
		return TribeBonus{Production: 1.0, Attack: 1.0, Defense: 1.0}
	}
	if b.Production <= 0 {
		b.Production = 1.0
	}
	if b.Attack <= 0 {
		b.Attack = 1.0
	}
	if b.Defense <= 0 {
		b.Defense = 1.0
	}
	return b
}

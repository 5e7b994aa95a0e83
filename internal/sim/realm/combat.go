package realm

import (
	"math"
	"sort"

	"gridholm.gg/internal/sim/catalogs"
)

// BattleTuning carries every knob the resolver needs so the function
// itself stays free of realm state and clocks.
type BattleTuning struct {
	LossExponent      float64
	AttackMultiplier  float64 // tribe attack bonus times any war bonus
	DefenseMultiplier float64 // tribe defense bonus
	WallBonus         float64
}

type BattleOutcome struct {
	AttackerWon   bool
	AttackPoints  int64
	DefensePoints int64

	AttackerLosses    map[string]int64
	DefenderLosses    map[string]int64
	AttackerSurvivors map[string]int64
	DefenderSurvivors map[string]int64
}

func sortedUnitIDs(m map[string]int64) []string {
	ids := make([]string, 0, len(m))
	for id, n := range m {
		if n > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ResolveBattle adjudicates one engagement. Deterministic: same inputs,
// same outcome. The loser is annihilated; the winner loses
// (loser/winner)^exponent of each unit type, floored toward survivors.
// Defense weighs infantry and cavalry values by the attacker's
// attack-point composition and is scaled by the wall bonus.
func ResolveBattle(cats *catalogs.Catalogs, attacker, defender map[string]int64, bt BattleTuning) BattleOutcome {
	if bt.LossExponent <= 0 {
		bt.LossExponent = 1.5
	}
	if bt.AttackMultiplier <= 0 {
		bt.AttackMultiplier = 1.0
	}
	if bt.DefenseMultiplier <= 0 {
		bt.DefenseMultiplier = 1.0
	}
	if bt.WallBonus <= 0 {
		bt.WallBonus = 1.0
	}

	var attInf, attCav int64
	for _, id := range sortedUnitIDs(attacker) {
		def := cats.Units.Defs[id]
		pts := int64(def.Attack) * attacker[id]
		if def.Class == catalogs.ClassCavalry {
			attCav += pts
		} else {
			attInf += pts
		}
	}
	attackRaw := attInf + attCav
	attack := float64(attackRaw) * bt.AttackMultiplier

	infShare, cavShare := 0.5, 0.5
	if attackRaw > 0 {
		infShare = float64(attInf) / float64(attackRaw)
		cavShare = float64(attCav) / float64(attackRaw)
	}

	var defenseRaw float64
	for _, id := range sortedUnitIDs(defender) {
		def := cats.Units.Defs[id]
		perUnit := float64(def.DefenseInfantry)*infShare + float64(def.DefenseCavalry)*cavShare
		defenseRaw += perUnit * float64(defender[id])
	}
	defense := defenseRaw * bt.DefenseMultiplier * bt.WallBonus

	out := BattleOutcome{
		AttackPoints:      int64(math.Round(attack)),
		DefensePoints:     int64(math.Round(defense)),
		AttackerLosses:    map[string]int64{},
		DefenderLosses:    map[string]int64{},
		AttackerSurvivors: map[string]int64{},
		DefenderSurvivors: map[string]int64{},
	}

	var attFrac, defFrac float64
	switch {
	case defense <= 0 && attack <= 0:
		// Nobody can hurt anybody.
		attFrac, defFrac = 0, 0
	case defense <= 0:
		out.AttackerWon = true
		attFrac, defFrac = 0, 1
	case attack <= 0:
		attFrac, defFrac = 1, 0
	case attack > defense:
		out.AttackerWon = true
		defFrac = 1
		attFrac = math.Pow(defense/attack, bt.LossExponent)
	default:
		attFrac = 1
		defFrac = math.Pow(attack/defense, bt.LossExponent)
	}

	applyLosses(attacker, attFrac, out.AttackerLosses, out.AttackerSurvivors)
	applyLosses(defender, defFrac, out.DefenderLosses, out.DefenderSurvivors)
	return out
}

func applyLosses(units map[string]int64, frac float64, losses, survivors map[string]int64) {
	for _, id := range sortedUnitIDs(units) {
		n := units[id]
		lost := int64(math.Floor(float64(n) * frac))
		if frac >= 1 {
			lost = n
		}
		if lost > n {
			lost = n
		}
		if lost > 0 {
			losses[id] = lost
		}
		if n-lost > 0 {
			survivors[id] = n - lost
		}
	}
}

// ResolveLoot fills carry capacity from available stocks, proportional
// per kind with the remainder handed out wood, clay, iron, crop.
func ResolveLoot(carry int64, avail Amounts) Amounts {
	if carry <= 0 || !avail.NonNegative() {
		return Amounts{}
	}
	total := avail.Total()
	if total <= 0 {
		return Amounts{}
	}
	if total <= carry {
		return avail
	}

	var loot Amounts
	for _, kind := range ResourceKinds {
		loot.Set(kind, carry*avail.Get(kind)/total)
	}
	rest := carry - loot.Total()
	for rest > 0 {
		gave := false
		for _, kind := range ResourceKinds {
			if rest == 0 {
				break
			}
			if loot.Get(kind) < avail.Get(kind) {
				loot.AddKind(kind, 1)
				rest--
				gave = true
			}
		}
		if !gave {
			break
		}
	}
	return loot
}

// carryCapacity sums the haul of the given units.
func carryCapacity(cats *catalogs.Catalogs, units map[string]int64) int64 {
	var c int64
	for id, n := range units {
		if def, ok := cats.Units.Defs[id]; ok {
			c += def.Carry * n
		}
	}
	return c
}

package realm

import "time"

// Resource kinds. Crop is special: troops and population eat it.
const (
	Wood = "wood"
	Clay = "clay"
	Iron = "iron"
	Crop = "crop"
)

var ResourceKinds = [4]string{Wood, Clay, Iron, Crop}

// Amounts is a per-kind quantity vector. The same shape carries whole
// units (costs, loot) and milli-units (stocks); field names say which.
type Amounts struct {
	Wood int64 `json:"wood"`
	Clay int64 `json:"clay"`
	Iron int64 `json:"iron"`
	Crop int64 `json:"crop"`
}

func (a Amounts) Plus(b Amounts) Amounts {
	return Amounts{a.Wood + b.Wood, a.Clay + b.Clay, a.Iron + b.Iron, a.Crop + b.Crop}
}

func (a Amounts) Minus(b Amounts) Amounts {
	return Amounts{a.Wood - b.Wood, a.Clay - b.Clay, a.Iron - b.Iron, a.Crop - b.Crop}
}

func (a Amounts) Times(n int64) Amounts {
	return Amounts{a.Wood * n, a.Clay * n, a.Iron * n, a.Crop * n}
}

// GTE reports a >= b on every kind.
func (a Amounts) GTE(b Amounts) bool {
	return a.Wood >= b.Wood && a.Clay >= b.Clay && a.Iron >= b.Iron && a.Crop >= b.Crop
}

func (a Amounts) NonNegative() bool {
	return a.Wood >= 0 && a.Clay >= 0 && a.Iron >= 0 && a.Crop >= 0
}

func (a Amounts) IsZero() bool {
	return a == Amounts{}
}

func (a Amounts) Total() int64 {
	return a.Wood + a.Clay + a.Iron + a.Crop
}

// Milli converts whole units to milli-units.
func (a Amounts) Milli() Amounts {
	return a.Times(1000)
}

// Whole floors milli-units to whole units.
func (a Amounts) Whole() Amounts {
	return Amounts{a.Wood / 1000, a.Clay / 1000, a.Iron / 1000, a.Crop / 1000}
}

func (a Amounts) Get(kind string) int64 {
	switch kind {
	case Wood:
		return a.Wood
	case Clay:
		return a.Clay
	case Iron:
		return a.Iron
	case Crop:
		return a.Crop
	}
	return 0
}

func (a *Amounts) Set(kind string, v int64) {
	switch kind {
	case Wood:
		a.Wood = v
	case Clay:
		a.Clay = v
	case Iron:
		a.Iron = v
	case Crop:
		a.Crop = v
	}
}

func (a *Amounts) AddKind(kind string, v int64) {
	a.Set(kind, a.Get(kind)+v)
}

// clampTo caps each kind at the matching cap, never below zero.
func (a Amounts) clampTo(caps Amounts) Amounts {
	out := a
	if out.Wood > caps.Wood {
		out.Wood = caps.Wood
	}
	if out.Clay > caps.Clay {
		out.Clay = caps.Clay
	}
	if out.Iron > caps.Iron {
		out.Iron = caps.Iron
	}
	if out.Crop > caps.Crop {
		out.Crop = caps.Crop
	}
	if out.Wood < 0 {
		out.Wood = 0
	}
	if out.Clay < 0 {
		out.Clay = 0
	}
	if out.Iron < 0 {
		out.Iron = 0
	}
	if out.Crop < 0 {
		out.Crop = 0
	}
	return out
}

// accrueMilli is rate (milli-units/hour) times elapsed, floored toward
// zero. Safe for multi-year gaps at realistic rates.
func accrueMilli(rateMilliPerHour int64, elapsed time.Duration) int64 {
	ms := elapsed.Milliseconds()
	if ms <= 0 || rateMilliPerHour == 0 {
		return 0
	}
	return rateMilliPerHour * ms / 3_600_000
}

// debitLocked removes cost (whole units) from settled stocks,
// all-or-nothing. Caller holds the village lock and has settled v.
func (v *Village) debitLocked(cost Amounts) error {
	invariant(cost.NonNegative(), "debit with negative cost %+v on %s", cost, v.ID)
	need := cost.Milli()
	if !v.StockMilli.GTE(need) {
		have := v.StockMilli.Whole()
		return errNoResource("need %d/%d/%d/%d, have %d/%d/%d/%d",
			cost.Wood, cost.Clay, cost.Iron, cost.Crop,
			have.Wood, have.Clay, have.Iron, have.Crop)
	}
	v.StockMilli = v.StockMilli.Minus(need)
	v.Rev++
	return nil
}

// creditLocked adds whole units to settled stocks, clamped at caps.
// Overflow beyond storage is lost.
func (v *Village) creditLocked(add Amounts, caps Amounts) {
	invariant(add.NonNegative(), "credit with negative amount %+v on %s", add, v.ID)
	v.StockMilli = v.StockMilli.Plus(add.Milli()).clampTo(caps)
	if v.Starving && v.StockMilli.Crop > 0 {
		v.clearStarvation()
	}
	v.Rev++
}

func (v *Village) clearStarvation() {
	v.Starving = false
	v.CropDeficitMilli = 0
	v.starveAccumMilli = 0
	v.DeficitSince = time.Time{}
}

// creditSilverLocked adjusts the silver balance; silver has no cap.
func (v *Village) creditSilverLocked(delta int64) {
	next := v.Silver + delta
	invariant(next >= 0, "silver balance of %s would go negative: %d%+d", v.ID, v.Silver, delta)
	v.Silver = next
	v.Rev++
}

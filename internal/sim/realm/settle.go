package realm

import (
	"sort"
	"time"
)

// durationForMilli returns how long deltaMilli takes to accrue at
// rateMilliPerHour, rounded up to the next millisecond so the condition
// has definitely been reached at the returned offset.
func durationForMilli(deltaMilli, rateMilliPerHour int64) time.Duration {
	invariant(rateMilliPerHour > 0, "durationForMilli with rate %d", rateMilliPerHour)
	if deltaMilli < 0 {
		deltaMilli = 0
	}
	ms := (deltaMilli*3_600_000 + rateMilliPerHour - 1) / rateMilliPerHour
	return time.Duration(ms) * time.Millisecond
}

func (v *Village) trainQueueIDsSorted() []string {
	ids := make([]string, 0, len(v.TrainQueues))
	for id := range v.TrainQueues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (v *Village) nextBonusExpiry(after time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, bn := range v.Bonuses {
		if !bn.ExpiresAt.After(after) {
			continue
		}
		if !found || bn.ExpiresAt.Before(best) {
			best = bn.ExpiresAt
			found = true
		}
	}
	return best, found
}

func (r *Realm) starveThresholdMilli() int64 {
	return int64(r.tun.StarvationUnitDeficit) * 1000
}

// settleLocked advances one village from its checkpoint to now. The
// interval is cut at every instant a rate can change (job completion,
// trained unit, bonus expiry, crop hitting zero, starvation death) so
// each segment accrues under constant rates. Work is proportional to
// the number of such events, not to elapsed time. Caller holds v.mu.
func (r *Realm) settleLocked(v *Village, now time.Time) []Report {
	if !now.After(v.CheckpointAt) {
		return nil
	}

	var reports []Report
	died := map[string]int64{}
	threshold := r.starveThresholdMilli()

	const maxSegments = 4_000_000
	for seg := 0; v.CheckpointAt.Before(now); seg++ {
		invariant(seg < maxSegments, "settle of %s did not converge", v.ID)
		t0 := v.CheckpointAt

		prod := v.productionMilliPerHour(r.cats, r.tun, t0)
		upkeep := v.population(r.cats) + v.troopUpkeepPerHour(r.cats) + r.armyUpkeepPerHour(v.ID)
		netCrop := prod.Crop - upkeep*1000
		caps := v.capsMilli(r.cats, r.cfg.BaseStorageCap)

		// Earliest rate-changing instant after t0, capped at now.
		te := now
		consider := func(t time.Time, ok bool) {
			if ok && t.After(t0) && t.Before(te) {
				te = t
			}
		}
		consider(v.BuildQueue.nextCompletionAt())
		for _, qid := range v.trainQueueIDsSorted() {
			consider(v.TrainQueues[qid].nextCompletionAt())
		}
		consider(v.nextBonusExpiry(t0))
		if netCrop < 0 {
			if v.StockMilli.Crop > 0 {
				consider(t0.Add(durationForMilli(v.StockMilli.Crop, -netCrop)), true)
			} else if len(v.Troops) > 0 {
				need := threshold - v.starveAccumMilli
				if need < 1 {
					need = 1
				}
				consider(t0.Add(durationForMilli(need, -netCrop)), true)
			}
		}

		dt := te.Sub(t0)
		next := v.StockMilli
		next.Wood = min(caps.Wood, next.Wood+accrueMilli(prod.Wood, dt))
		next.Clay = min(caps.Clay, next.Clay+accrueMilli(prod.Clay, dt))
		next.Iron = min(caps.Iron, next.Iron+accrueMilli(prod.Iron, dt))

		rawCrop := next.Crop + accrueMilli(netCrop, dt)
		if rawCrop < 0 {
			short := -rawCrop
			if !v.Starving {
				v.Starving = true
				v.DeficitSince = t0
			}
			v.CropDeficitMilli += short
			v.starveAccumMilli += short
			rawCrop = 0
		}
		if rawCrop > caps.Crop {
			rawCrop = caps.Crop
		}
		next.Crop = rawCrop
		v.StockMilli = next

		if v.Starving && (rawCrop > 0 || netCrop >= 0) {
			v.clearStarvation()
		}

		if v.LoyaltyMilli < loyaltyMaxMilli {
			regen := int64(r.tun.LoyaltyRegenPerHour) * 1000
			v.LoyaltyMilli = min(loyaltyMaxMilli, v.LoyaltyMilli+accrueMilli(regen, dt))
		}

		v.CheckpointAt = te

		// Apply everything due exactly at te.
		for {
			t, ok := v.BuildQueue.nextCompletionAt()
			if !ok || t.After(te) {
				break
			}
			res := v.BuildQueue.completeHead()
			b := v.slotAt(res.Job.Slot)
			if b == nil {
				v.Buildings = append(v.Buildings, Building{Slot: res.Job.Slot})
				b = &v.Buildings[len(v.Buildings)-1]
			}
			b.Type = res.Job.Building
			b.Level = res.Job.ToLevel
			v.Rev++
			reports = append(reports, newReport(ReportBuild, te, v.ID, []string{v.OwnerID}, BuildReportBody{
				VillageID: v.ID,
				Slot:      res.Job.Slot,
				Building:  res.Job.Building,
				Level:     res.Job.ToLevel,
			}))
		}
		for _, qid := range v.trainQueueIDsSorted() {
			q := v.TrainQueues[qid]
			for {
				t, ok := q.nextCompletionAt()
				if !ok || t.After(te) {
					break
				}
				res := q.completeHead()
				v.addTroops(res.Unit, 1)
				if res.Finished {
					reports = append(reports, newReport(ReportTrain, te, v.ID, []string{v.OwnerID}, TrainReportBody{
						VillageID: v.ID,
						Unit:      res.Job.Unit,
						Count:     res.Job.Count,
					}))
				}
			}
		}
		for v.Starving && v.starveAccumMilli >= threshold {
			order := v.starveKillOrder(r.cats)
			if len(order) == 0 {
				break
			}
			v.addTroops(order[0], -1)
			died[order[0]]++
			v.starveAccumMilli -= threshold
		}
	}

	if len(v.Bonuses) > 0 {
		v.dropExpiredBonuses(now)
	}

	if len(died) > 0 {
		reports = append(reports, newReport(ReportStarvation, now, v.ID, []string{v.OwnerID}, StarvationReportBody{
			VillageID:    v.ID,
			Died:         died,
			DeficitUnits: v.CropDeficitMilli / 1000,
		}))
	}
	return reports
}

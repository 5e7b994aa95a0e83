package realm

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Order sides and statuses.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderOpen     = "open"
	OrderPartial  = "partially_filled"
	OrderFilled   = "filled"
	OrderCanceled = "canceled"
	OrderExpired  = "expired"
)

// Order is a resting limit order. The backing escrow was debited from
// the village at placement and travels with the order: sell orders hold
// resource units, buy orders hold silver. While an order is open,
// EscrowRes == Remaining on the sell side and
// EscrowSil == Remaining*Price on the buy side.
type Order struct {
	ID        string
	VillageID string
	OwnerID   string
	Side      string
	Resource  string
	Price     int64 // silver per whole unit
	Quantity  int64
	Remaining int64
	EscrowRes int64
	EscrowSil int64
	Status    string
	Seq       uint64
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (o *Order) open() bool {
	return o.Status == OrderOpen || o.Status == OrderPartial
}

func (o *Order) row() OrderRow {
	return OrderRow{
		ID:        o.ID,
		VillageID: o.VillageID,
		OwnerID:   o.OwnerID,
		Side:      o.Side,
		Resource:  o.Resource,
		Price:     o.Price,
		Quantity:  o.Quantity,
		Remaining: o.Remaining,
		Status:    o.Status,
		CreatedAt: o.CreatedAt,
		ExpiresAt: o.ExpiresAt,
	}
}

func (o *Order) snap() OrderSnap {
	return OrderSnap{
		ID:        o.ID,
		VillageID: o.VillageID,
		OwnerID:   o.OwnerID,
		Side:      o.Side,
		Resource:  o.Resource,
		Price:     o.Price,
		Quantity:  o.Quantity,
		Remaining: o.Remaining,
		EscrowRes: o.EscrowRes,
		EscrowSil: o.EscrowSil,
		Status:    o.Status,
		Seq:       o.Seq,
		CreatedAt: o.CreatedAt,
		ExpiresAt: o.ExpiresAt,
	}
}

// Market is the realm-wide order book. One mutex serializes placement,
// matching and release; each fill then locks the two villages in id
// order like any other cross-village flow.
type Market struct {
	r      *Realm
	mu     sync.Mutex
	orders map[string]*Order
	seq    uint64
}

func newMarket(r *Realm) *Market {
	return &Market{r: r, orders: map[string]*Order{}}
}

func (m *Market) nextSeqLocked() uint64 {
	m.seq++
	return m.seq
}

func (m *Market) openByVillageLocked(villageID string) int {
	n := 0
	for _, o := range m.orders {
		if o.open() && o.VillageID == villageID {
			n++
		}
	}
	return n
}

func (m *Market) openCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.orders {
		if o.open() {
			n++
		}
	}
	return n
}

// PlaceOrder escrows the offered side and matches the order against the
// book. Fills execute at the resting order's price; price improvement
// refunds to the buyer immediately. The remainder rests until filled,
// canceled or expired.
func (r *Realm) PlaceOrder(playerID, villageID, side, resource string, quantity, price int64, now time.Time) (OrderView, error) {
	if side != SideBuy && side != SideSell {
		return OrderView{}, errBadRequest("side must be %q or %q", SideBuy, SideSell)
	}
	switch resource {
	case Wood, Clay, Iron, Crop:
	default:
		return OrderView{}, errBadRequest("unknown resource %q", resource)
	}
	if quantity <= 0 {
		return OrderView{}, errBadRequest("quantity must be positive")
	}
	if price <= 0 {
		return OrderView{}, errBadRequest("price must be positive")
	}

	if err := r.SettleVillage(villageID, now); err != nil {
		return OrderView{}, err
	}
	v, err := r.village(villageID)
	if err != nil {
		return OrderView{}, err
	}

	m := r.market
	m.mu.Lock()

	v.lock()
	if err := r.requireOwner(v, playerID); err != nil {
		v.unlock()
		m.mu.Unlock()
		return OrderView{}, err
	}
	lvl := v.levelOf("marketplace")
	if lvl < 1 {
		v.unlock()
		m.mu.Unlock()
		return OrderView{}, errPrereq("village has no marketplace")
	}
	if quota := r.tun.OrdersPerMarketLevel * lvl; m.openByVillageLocked(villageID) >= quota {
		v.unlock()
		m.mu.Unlock()
		return OrderView{}, errQueueFull("marketplace level %d allows %d open orders", lvl, quota)
	}

	o := &Order{
		ID:        r.nextID("O", &r.counters.order),
		VillageID: villageID,
		OwnerID:   playerID,
		Side:      side,
		Resource:  resource,
		Price:     price,
		Quantity:  quantity,
		Remaining: quantity,
		Status:    OrderOpen,
		Seq:       m.nextSeqLocked(),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(r.tun.OrderTTLHours) * time.Hour),
	}
	switch side {
	case SideSell:
		var offer Amounts
		offer.Set(resource, quantity)
		if err := v.debitLocked(offer); err != nil {
			v.unlock()
			m.mu.Unlock()
			return OrderView{}, err
		}
		o.EscrowRes = quantity
	case SideBuy:
		need := quantity * price
		if v.Silver < need {
			have := v.Silver
			v.unlock()
			m.mu.Unlock()
			return OrderView{}, errNoResource("need %d silver, have %d", need, have)
		}
		v.creditSilverLocked(-need)
		o.EscrowSil = need
	}
	v.unlock()
	m.orders[o.ID] = o

	batch := Batch{At: now}
	reps := m.matchLocked(o, now, &batch)
	batch.Orders = append(batch.Orders, o.row())
	if len(batch.Villages) == 0 {
		v.lock()
		batch.Villages = []VillageRow{r.villageRowLocked(v)}
		v.unlock()
	}
	view := orderView(o)
	m.mu.Unlock()

	r.emitReports(reps)
	r.emitBatch(batch)
	return view, nil
}

// matchLocked crosses the taker against the best-priced counter orders
// until the book no longer crosses or the taker is filled.
func (m *Market) matchLocked(taker *Order, now time.Time, batch *Batch) []Report {
	var reps []Report
	for taker.Remaining > 0 {
		maker := m.bestCounterLocked(taker, now)
		if maker == nil {
			break
		}
		reps = append(reps, m.fillLocked(taker, maker, now, batch)...)
	}
	return reps
}

// bestCounterLocked picks the counter order by price-time priority:
// cheapest ask for a buyer, dearest bid for a seller, earliest sequence
// within a price.
func (m *Market) bestCounterLocked(taker *Order, now time.Time) *Order {
	var best *Order
	for _, o := range m.orders {
		if !o.open() || o.Resource != taker.Resource || o.Side == taker.Side {
			continue
		}
		if !o.ExpiresAt.After(now) {
			continue
		}
		if taker.Side == SideBuy {
			if o.Price > taker.Price {
				continue
			}
			if best == nil || o.Price < best.Price || (o.Price == best.Price && o.Seq < best.Seq) {
				best = o
			}
		} else {
			if o.Price < taker.Price {
				continue
			}
			if best == nil || o.Price > best.Price || (o.Price == best.Price && o.Seq < best.Seq) {
				best = o
			}
		}
	}
	return best
}

// fillLocked executes one fill at the maker's price and moves escrow to
// the counterparties. Escrow identities are asserted after every fill.
func (m *Market) fillLocked(taker, maker *Order, now time.Time, batch *Batch) []Report {
	r := m.r
	qty := taker.Remaining
	if maker.Remaining < qty {
		qty = maker.Remaining
	}
	price := maker.Price

	buy, sell := taker, maker
	if taker.Side == SideSell {
		buy, sell = maker, taker
	}

	buyerV, berr := r.village(buy.VillageID)
	sellerV, serr := r.village(sell.VillageID)
	invariant(berr == nil && serr == nil, "order villages missing for %s/%s", buy.ID, sell.ID)

	silver := qty * price
	refund := qty*buy.Price - silver // buyer bid above the maker ask
	fee := int64(float64(silver) * r.tun.MarketFeePct)

	var goods Amounts
	goods.Set(taker.Resource, qty)

	lockPair(buyerV, sellerV)
	reps := r.settleLocked(buyerV, now)
	if sellerV != buyerV {
		reps = append(reps, r.settleLocked(sellerV, now)...)
	}
	buyerV.creditLocked(goods, buyerV.capsMilli(r.cats, r.cfg.BaseStorageCap))
	if refund > 0 {
		buyerV.creditSilverLocked(refund)
	}
	sellerV.creditSilverLocked(silver - fee)
	buyRow, sellRow := r.villageRowLocked(buyerV), r.villageRowLocked(sellerV)
	unlockPair(buyerV, sellerV)

	sell.EscrowRes -= qty
	sell.Remaining -= qty
	buy.EscrowSil -= silver + refund
	buy.Remaining -= qty
	for _, o := range [...]*Order{buy, sell} {
		if o.Remaining == 0 {
			o.Status = OrderFilled
		} else {
			o.Status = OrderPartial
		}
	}
	invariant(sell.EscrowRes == sell.Remaining,
		"sell escrow drift on %s: %d held, %d remaining", sell.ID, sell.EscrowRes, sell.Remaining)
	invariant(buy.EscrowSil == buy.Remaining*buy.Price,
		"buy escrow drift on %s: %d held, %d due", buy.ID, buy.EscrowSil, buy.Remaining*buy.Price)

	tradeID := r.nextID("T", &r.counters.trade)
	r.stats.trades.Add(1)
	batch.Villages = append(batch.Villages, buyRow, sellRow)
	batch.Orders = append(batch.Orders, buy.row(), sell.row())
	batch.Trades = append(batch.Trades, TradeRow{
		ID:            tradeID,
		Resource:      taker.Resource,
		Quantity:      qty,
		Price:         price,
		BuyOrderID:    buy.ID,
		SellOrderID:   sell.ID,
		BuyerVillage:  buy.VillageID,
		SellerVillage: sell.VillageID,
		At:            now,
	})

	body := TradeReportBody{
		TradeID:  tradeID,
		Resource: taker.Resource,
		Quantity: qty,
		Price:    price,
		BuyerID:  buy.VillageID,
		SellerID: sell.VillageID,
	}
	return append(reps, newReport(ReportTrade, now, "", recipients(buy.OwnerID, sell.OwnerID), body))
}

func recipients(a, b string) []string {
	if a == b {
		return []string{a}
	}
	return []string{a, b}
}

// CancelOrder releases the remaining escrow back to the order's
// village. Owner only; a closed order stays closed.
func (r *Realm) CancelOrder(playerID, orderID string, now time.Time) (OrderView, error) {
	m := r.market
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return OrderView{}, errNotFound("no order %s", orderID)
	}
	if o.OwnerID != playerID {
		m.mu.Unlock()
		return OrderView{}, errNoPermission("order %s is not yours", orderID)
	}
	if !o.open() {
		status := o.Status
		m.mu.Unlock()
		return OrderView{}, errOrderClosed("order %s is %s", orderID, status)
	}

	batch := Batch{At: now}
	reps := m.releaseLocked(o, OrderCanceled, now, &batch)
	view := orderView(o)
	m.mu.Unlock()

	r.emitReports(reps)
	r.emitBatch(batch)
	return view, nil
}

// releaseLocked hands remaining escrow back exactly once and closes the
// order. Caller holds m.mu and has checked the order is open.
func (m *Market) releaseLocked(o *Order, status string, now time.Time, batch *Batch) []Report {
	r := m.r
	v, err := r.village(o.VillageID)
	invariant(err == nil, "order %s village %s missing", o.ID, o.VillageID)

	v.lock()
	reps := r.settleLocked(v, now)
	if o.EscrowRes > 0 {
		var goods Amounts
		goods.Set(o.Resource, o.EscrowRes)
		v.creditLocked(goods, v.capsMilli(r.cats, r.cfg.BaseStorageCap))
	}
	if o.EscrowSil > 0 {
		v.creditSilverLocked(o.EscrowSil)
	}
	row := r.villageRowLocked(v)
	v.unlock()

	o.EscrowRes, o.EscrowSil = 0, 0
	o.Status = status
	batch.Villages = append(batch.Villages, row)
	batch.Orders = append(batch.Orders, o.row())
	return reps
}

// SweepExpired closes every overdue open order, then forgets closed
// orders old enough that no client still holds their id.
func (m *Market) SweepExpired(now time.Time) {
	ttl := time.Duration(m.r.tun.OrderTTLHours) * time.Hour

	m.mu.Lock()
	var due []*Order
	for id, o := range m.orders {
		if o.open() {
			if !o.ExpiresAt.After(now) {
				due = append(due, o)
			}
			continue
		}
		if !o.ExpiresAt.Add(ttl).After(now) {
			delete(m.orders, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Seq < due[j].Seq })

	batch := Batch{At: now}
	var reps []Report
	for _, o := range due {
		reps = append(reps, m.releaseLocked(o, OrderExpired, now, &batch)...)
	}
	m.mu.Unlock()

	m.r.emitReports(reps)
	m.r.emitBatch(batch)
}

// ListOrders returns the open book, best price first within each
// resource and side.
func (r *Realm) ListOrders(resource, side string, limit int) ([]OrderView, error) {
	if resource != "" {
		switch resource {
		case Wood, Clay, Iron, Crop:
		default:
			return nil, errBadRequest("unknown resource %q", resource)
		}
	}
	if side != "" && side != SideBuy && side != SideSell {
		return nil, errBadRequest("side must be %q or %q", SideBuy, SideSell)
	}

	m := r.market
	m.mu.Lock()
	picked := make([]*Order, 0, len(m.orders))
	for _, o := range m.orders {
		if !o.open() {
			continue
		}
		if resource != "" && o.Resource != resource {
			continue
		}
		if side != "" && o.Side != side {
			continue
		}
		picked = append(picked, o)
	}
	sort.Slice(picked, func(i, j int) bool {
		a, b := picked[i], picked[j]
		if a.Resource != b.Resource {
			return a.Resource < b.Resource
		}
		if a.Side != b.Side {
			return a.Side < b.Side
		}
		if a.Price != b.Price {
			if a.Side == SideBuy {
				return a.Price > b.Price
			}
			return a.Price < b.Price
		}
		return a.Seq < b.Seq
	})
	views := make([]OrderView, 0, len(picked))
	for _, o := range picked {
		views = append(views, orderView(o))
	}
	m.mu.Unlock()

	if limit > 0 && len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

// OrdersOf returns every order of one player, open or closed, newest
// first.
func (r *Realm) OrdersOf(playerID string) []OrderView {
	m := r.market
	m.mu.Lock()
	var views []OrderView
	for _, o := range m.orders {
		if o.OwnerID == playerID {
			views = append(views, orderView(o))
		}
	}
	m.mu.Unlock()
	sort.Slice(views, func(i, j int) bool { return views[i].Seq > views[j].Seq })
	return views
}

// exportLocked snapshots the book. Caller holds m.mu.
func (m *Market) exportLocked() []OrderSnap {
	out := make([]OrderSnap, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o.snap())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// importOrders rebuilds the book from a snapshot, checking the escrow
// identities the matcher relies on.
func (m *Market) importOrders(snaps []OrderSnap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = make(map[string]*Order, len(snaps))
	m.seq = 0
	for _, s := range snaps {
		o := &Order{
			ID:        s.ID,
			VillageID: s.VillageID,
			OwnerID:   s.OwnerID,
			Side:      s.Side,
			Resource:  s.Resource,
			Price:     s.Price,
			Quantity:  s.Quantity,
			Remaining: s.Remaining,
			EscrowRes: s.EscrowRes,
			EscrowSil: s.EscrowSil,
			Status:    s.Status,
			Seq:       s.Seq,
			CreatedAt: s.CreatedAt,
			ExpiresAt: s.ExpiresAt,
		}
		if o.open() {
			if o.Side == SideSell && o.EscrowRes != o.Remaining {
				return fmt.Errorf("market: order %s holds %d, %d remaining", o.ID, o.EscrowRes, o.Remaining)
			}
			if o.Side == SideBuy && o.EscrowSil != o.Remaining*o.Price {
				return fmt.Errorf("market: order %s holds %d silver, %d due", o.ID, o.EscrowSil, o.Remaining*o.Price)
			}
		}
		m.orders[o.ID] = o
		if s.Seq > m.seq {
			m.seq = s.Seq
		}
	}
	return nil
}

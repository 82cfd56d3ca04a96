package book

import "container/list"

// orderEntry ties a resting order to its queue position and level so cancels
// and fills never scan.
type orderEntry struct {
	order   *Order
	element *list.Element
	level   *level
}

// Orderbook is the matching core for a single instrument: a bid ladder, an
// ask ladder, and an id index over every resting order. Matching is strict
// price-time priority and executes at the resting order's price.
//
// The book is not safe for concurrent use. Callers serialize access so that
// exactly one operation is in flight at a time; a total order of operations
// is what makes time priority meaningful.
type Orderbook struct {
	bids   *ladder
	asks   *ladder
	orders map[OrderID]*orderEntry
}

// New returns an empty book.
func New() *Orderbook {
	return &Orderbook{
		bids:   newLadder(SideBuy),
		asks:   newLadder(SideSell),
		orders: make(map[OrderID]*orderEntry),
	}
}

// Size returns the number of resting orders.
func (ob *Orderbook) Size() int {
	return len(ob.orders)
}

// Contains reports whether id is currently resting.
func (ob *Orderbook) Contains(id OrderID) bool {
	_, ok := ob.orders[id]
	return ok
}

// BestBid returns the highest resting bid price. ok is false when no bids rest.
func (ob *Orderbook) BestBid() (Price, bool) {
	return ob.bids.bestPrice(), ob.bids.hasLevels()
}

// BestAsk returns the lowest resting ask price. ok is false when no asks rest.
func (ob *Orderbook) BestAsk() (Price, bool) {
	return ob.asks.bestPrice(), ob.asks.hasLevels()
}

func (ob *Orderbook) ladderFor(side Side) *ladder {
	if side == SideBuy {
		return ob.bids
	}
	return ob.asks
}

// canMatch reports whether an order on side at price could trade immediately
// against the opposite side's best level.
func (ob *Orderbook) canMatch(side Side, price Price) bool {
	if side == SideBuy {
		return ob.asks.hasLevels() && price >= ob.asks.bestPrice()
	}
	return ob.bids.hasLevels() && price <= ob.bids.bestPrice()
}

// Submit places an order on the book and resolves any resulting cross into
// trades.
//
// Submitting an id that is already resting is a silent no-op. A FillAndKill
// order that cannot trade immediately is discarded without resting. A
// non-nil error is always a wrapped ErrInvalidFill and means the book state
// can no longer be trusted.
func (ob *Orderbook) Submit(order *Order) ([]Trade, error) {
	if _, ok := ob.orders[order.id]; ok {
		return nil, nil
	}

	if order.kind == KindFillAndKill && !ob.canMatch(order.side, order.price) {
		return nil, nil
	}

	ob.insert(order)
	return ob.matchOrders()
}

// Cancel removes a resting order. Unknown ids are a silent no-op.
func (ob *Orderbook) Cancel(id OrderID) {
	entry, ok := ob.orders[id]
	if !ok {
		return
	}
	ob.remove(entry)
}

// Modify cancels a resting order and resubmits it with the same id and kind
// under new terms. The replacement joins the back of its level, forfeiting
// the original's time priority. Unknown ids are a silent no-op.
func (ob *Orderbook) Modify(id OrderID, side Side, price Price, quantity Quantity) ([]Trade, error) {
	entry, ok := ob.orders[id]
	if !ok {
		return nil, nil
	}

	kind := entry.order.kind
	ob.remove(entry)
	return ob.Submit(NewOrder(kind, id, side, price, quantity))
}

// Levels aggregates the resting quantity per price: bids descending, asks
// ascending. Read-only.
func (ob *Orderbook) Levels() LevelInfos {
	return LevelInfos{
		Bids: ob.bids.levelInfos(),
		Asks: ob.asks.levelInfos(),
	}
}

// insert appends the order to the tail of its price level and indexes it.
func (ob *Orderbook) insert(order *Order) {
	lvl := ob.ladderFor(order.side).getOrCreate(order.price)
	lvl.volume += order.remaining
	elem := lvl.orders.PushBack(order)

	ob.orders[order.id] = &orderEntry{
		order:   order,
		element: elem,
		level:   lvl,
	}
}

// remove unlinks an order from its level and the index, dropping the level
// if it empties.
func (ob *Orderbook) remove(entry *orderEntry) {
	lvl := entry.level
	lvl.orders.Remove(entry.element)
	lvl.volume -= entry.order.remaining
	delete(ob.orders, entry.order.id)

	if lvl.empty() {
		ob.ladderFor(entry.order.side).removeLevel(lvl.price)
	}
}

// unlink detaches a filled order from its level and the index. The matching
// loop removes drained levels itself, so none happens here.
func (ob *Orderbook) unlink(id OrderID) {
	entry := ob.orders[id]
	entry.level.orders.Remove(entry.element)
	delete(ob.orders, id)
}

// matchOrders crosses the best bid level against the best ask level until
// the book uncrosses, then sweeps FillAndKill leftovers off the top of the
// book.
//
// The crossing condition is re-evaluated from the new best prices on every
// pass, so one aggressive order walks through as many opposing levels as
// remain crossed.
func (ob *Orderbook) matchOrders() ([]Trade, error) {
	var trades []Trade

	for {
		if !ob.bids.hasLevels() || !ob.asks.hasLevels() {
			break
		}

		bidLevel := ob.bids.bestLevel()
		askLevel := ob.asks.bestLevel()
		if bidLevel.price < askLevel.price {
			break // uncrossed
		}

		// FIFO within each level: the front orders arrived first.
		for !bidLevel.empty() && !askLevel.empty() {
			bid := bidLevel.front()
			ask := askLevel.front()
			quantity := min(bid.remaining, ask.remaining)

			if err := bid.Fill(quantity); err != nil {
				return trades, err
			}
			if err := ask.Fill(quantity); err != nil {
				return trades, err
			}
			bidLevel.volume -= quantity
			askLevel.volume -= quantity

			trades = append(trades, Trade{
				Bid: TradeInfo{OrderID: bid.id, Price: bid.price, Quantity: quantity},
				Ask: TradeInfo{OrderID: ask.id, Price: ask.price, Quantity: quantity},
			})

			if bid.IsFilled() {
				ob.unlink(bid.id)
			}
			if ask.IsFilled() {
				ob.unlink(ask.id)
			}
		}

		if bidLevel.empty() {
			ob.bids.removeLevel(bidLevel.price)
		}
		if askLevel.empty() {
			ob.asks.removeLevel(askLevel.price)
		}
	}

	// A FillAndKill order left at the top of the book after the pass must
	// not remain resting.
	ob.sweepFillAndKill(ob.bids)
	ob.sweepFillAndKill(ob.asks)

	return trades, nil
}

// sweepFillAndKill cancels the front order of the side's best level if it is
// FillAndKill.
func (ob *Orderbook) sweepFillAndKill(ld *ladder) {
	lvl := ld.bestLevel()
	if lvl == nil {
		return
	}
	if order := lvl.front(); order != nil && order.kind == KindFillAndKill {
		ob.Cancel(order.id)
	}
}

package book

import (
	"container/list"
	"sort"
)

// level owns the FIFO queue of orders resting at one price. The order at the
// front arrived first and matches first.
type level struct {
	price  Price
	volume Quantity   // sum of remaining quantities at this price
	orders *list.List // of *Order, oldest at the front
}

func newLevel(price Price) *level {
	return &level{
		price:  price,
		orders: list.New(),
	}
}

// front returns the oldest resting order at this price, or nil when empty.
func (l *level) front() *Order {
	if e := l.orders.Front(); e != nil {
		return e.Value.(*Order)
	}
	return nil
}

func (l *level) empty() bool {
	return l.orders.Len() == 0
}

// ladder is one side's set of price levels with the best price tracked.
// Levels are dropped the moment they empty, so every mapped level holds at
// least one order.
type ladder struct {
	side      Side
	levels    map[Price]*level
	best      Price
	hasOrders bool
}

func newLadder(side Side) *ladder {
	return &ladder{
		side:   side,
		levels: make(map[Price]*level),
	}
}

// hasLevels reports whether any orders rest on this side.
func (ld *ladder) hasLevels() bool {
	return ld.hasOrders
}

// bestPrice returns the highest bid or lowest ask. Only meaningful while
// hasLevels is true.
func (ld *ladder) bestPrice() Price {
	return ld.best
}

// bestLevel returns the level at the best price, or nil when the side is empty.
func (ld *ladder) bestLevel() *level {
	if !ld.hasOrders {
		return nil
	}
	return ld.levels[ld.best]
}

// better reports whether price a beats price b on this side.
func (ld *ladder) better(a, b Price) bool {
	if ld.side == SideBuy {
		return a > b
	}
	return a < b
}

// getOrCreate returns the level at price, creating it if absent.
func (ld *ladder) getOrCreate(price Price) *level {
	lvl, ok := ld.levels[price]
	if !ok {
		lvl = newLevel(price)
		ld.levels[price] = lvl
		if !ld.hasOrders || ld.better(price, ld.best) {
			ld.best = price
		}
		ld.hasOrders = true
	}
	return lvl
}

// removeLevel drops the level at price and refreshes the best price if the
// best level was the one removed.
func (ld *ladder) removeLevel(price Price) {
	delete(ld.levels, price)
	if price == ld.best {
		ld.refreshBest()
	}
}

// refreshBest rescans the remaining levels for the best price.
func (ld *ladder) refreshBest() {
	if len(ld.levels) == 0 {
		ld.hasOrders = false
		ld.best = 0
		return
	}

	first := true
	for price := range ld.levels {
		if first || ld.better(price, ld.best) {
			ld.best = price
			first = false
		}
	}
	ld.hasOrders = true
}

// levelInfos aggregates this side's levels best-first.
func (ld *ladder) levelInfos() []LevelInfo {
	prices := make([]Price, 0, len(ld.levels))
	for price := range ld.levels {
		prices = append(prices, price)
	}
	sort.Slice(prices, func(i, j int) bool { return ld.better(prices[i], prices[j]) })

	infos := make([]LevelInfo, len(prices))
	for i, price := range prices {
		infos[i] = LevelInfo{
			Price:    price,
			Quantity: ld.levels[price].volume,
		}
	}
	return infos
}

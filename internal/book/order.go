package book

import "github.com/pkg/errors"

// OrderID identifies one order. Callers supply ids and must not reuse an id
// while its order is resting.
type OrderID uint64

// Price is a limit price in ticks. Signed, so synthetic instruments that
// quote below zero are representable.
type Price int64

// Quantity is an order size in units of the instrument.
type Quantity uint64

// Side marks which half of the book an order belongs to.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderKind controls what happens to an order that cannot trade on arrival.
type OrderKind string

const (
	// KindGoodTillCancel rests on the book until filled or canceled.
	KindGoodTillCancel OrderKind = "good_till_cancel"
	// KindFillAndKill trades whatever is immediately available and is
	// discarded instead of resting.
	KindFillAndKill OrderKind = "fill_and_kill"
)

// Valid reports whether k is a known order kind.
func (k OrderKind) Valid() bool {
	return k == KindGoodTillCancel || k == KindFillAndKill
}

// ErrInvalidFill reports a fill larger than an order's remaining quantity.
// Well-formed matching can never produce it, so seeing it means the book's
// own bookkeeping is broken; callers must treat it as fatal rather than
// swallow it.
var ErrInvalidFill = errors.New("fill exceeds remaining quantity")

// Order is one order's mutable resting state. The book owns the order once
// it has been submitted; callers must not mutate it afterwards. Remaining
// quantity is only ever reduced, and only by the matching loop.
type Order struct {
	id        OrderID
	side      Side
	kind      OrderKind
	price     Price
	initial   Quantity
	remaining Quantity
}

// NewOrder builds an order ready for submission. Quantity must be positive;
// the book trusts its callers on that and does not re-validate.
func NewOrder(kind OrderKind, id OrderID, side Side, price Price, quantity Quantity) *Order {
	return &Order{
		id:        id,
		side:      side,
		kind:      kind,
		price:     price,
		initial:   quantity,
		remaining: quantity,
	}
}

// ID returns the caller-supplied order id.
func (o *Order) ID() OrderID { return o.id }

// Side returns the order's side.
func (o *Order) Side() Side { return o.side }

// Kind returns the order's kind.
func (o *Order) Kind() OrderKind { return o.kind }

// Price returns the limit price.
func (o *Order) Price() Price { return o.price }

// InitialQuantity returns the quantity the order was submitted with.
func (o *Order) InitialQuantity() Quantity { return o.initial }

// RemainingQuantity returns the quantity still available to trade.
func (o *Order) RemainingQuantity() Quantity { return o.remaining }

// FilledQuantity returns how much of the order has traded so far.
func (o *Order) FilledQuantity() Quantity { return o.initial - o.remaining }

// Fill reduces the remaining quantity by quantity. Filling more than remains
// returns a wrapped ErrInvalidFill.
func (o *Order) Fill(quantity Quantity) error {
	if quantity > o.remaining {
		return errors.Wrapf(ErrInvalidFill, "order %d: fill %d, remaining %d", o.id, quantity, o.remaining)
	}
	o.remaining -= quantity
	return nil
}

// IsFilled reports whether nothing remains to trade.
func (o *Order) IsFilled() bool { return o.remaining == 0 }

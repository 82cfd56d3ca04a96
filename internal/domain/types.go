package domain

import (
	"time"

	"github.com/nathanyu/matching-engine/internal/book"
)

// ExecutionReport is the feed-facing record of one match event. The price is
// the maker's (resting order's) limit price, which is the price the trade
// effectively executed at.
type ExecutionReport struct {
	ExecID       string        `json:"exec_id"`
	Symbol       string        `json:"symbol"`
	SequenceID   uint64        `json:"sequence_id"`
	MakerOrderID book.OrderID  `json:"maker_order_id"`
	TakerOrderID book.OrderID  `json:"taker_order_id"`
	TakerSide    book.Side     `json:"taker_side"`
	Price        book.Price    `json:"price"`
	Quantity     book.Quantity `json:"quantity"`
	ExecutedAt   time.Time     `json:"executed_at"`
}

// PriceLevel is one aggregated depth entry.
type PriceLevel struct {
	Price    book.Price    `json:"price"`
	Quantity book.Quantity `json:"quantity"`
}

// DepthSnapshot is the wire form of the book's level aggregation: bids
// descending, asks ascending, both capped at the publisher's depth limit.
type DepthSnapshot struct {
	Symbol     string       `json:"symbol"`
	SequenceID uint64       `json:"sequence_id"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	CapturedAt time.Time    `json:"captured_at"`
}

// Candle is OHLCV data for one time bucket of executions.
type Candle struct {
	Symbol    string        `json:"symbol"`
	Open      book.Price    `json:"open"`
	High      book.Price    `json:"high"`
	Low       book.Price    `json:"low"`
	Close     book.Price    `json:"close"`
	Volume    book.Quantity `json:"volume"`
	Timestamp time.Time     `json:"timestamp"`
	Interval  string        `json:"interval"` // e.g. "1m"
}

// CommandAction names an order operation carried by a transport envelope.
type CommandAction string

const (
	ActionSubmit CommandAction = "submit"
	ActionCancel CommandAction = "cancel"
	ActionModify CommandAction = "modify"
)

// OrderCommand is the transport-neutral envelope for order operations, used
// by the message gateway. Submit and modify use all fields; cancel only
// needs the order id.
type OrderCommand struct {
	Action   CommandAction  `json:"action"`
	OrderID  book.OrderID   `json:"order_id"`
	Side     book.Side      `json:"side,omitempty"`
	Kind     book.OrderKind `json:"kind,omitempty"`
	Price    book.Price     `json:"price,omitempty"`
	Quantity book.Quantity  `json:"quantity,omitempty"`
}

// CommandResult is the reply payload for an OrderCommand.
type CommandResult struct {
	Status     string       `json:"status"` // "ok", "not_found" or "error"
	Error      string       `json:"error,omitempty"`
	SequenceID uint64       `json:"sequence_id,omitempty"`
	Resting    bool         `json:"resting"`
	Trades     []book.Trade `json:"trades,omitempty"`
}

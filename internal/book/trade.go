package book

// TradeInfo is one side's half of a match event: which order traded, at its
// own limit price, for the matched quantity.
type TradeInfo struct {
	OrderID  OrderID  `json:"order_id"`
	Price    Price    `json:"price"`
	Quantity Quantity `json:"quantity"`
}

// Trade pairs the bid and ask halves of one match event. Both halves carry
// the same quantity; the effective execution price is the resting order's.
// Trades are never mutated after the matching loop emits them.
type Trade struct {
	Bid TradeInfo `json:"bid"`
	Ask TradeInfo `json:"ask"`
}

// LevelInfo is the total resting quantity at one price.
type LevelInfo struct {
	Price    Price    `json:"price"`
	Quantity Quantity `json:"quantity"`
}

// LevelInfos is the aggregated two-sided depth view. Bids are ordered best
// first (descending price), asks best first (ascending price).
type LevelInfos struct {
	Bids []LevelInfo `json:"bids"`
	Asks []LevelInfo `json:"asks"`
}

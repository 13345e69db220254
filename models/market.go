package models

import "time"

// Quote is a single last-price observation for a symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// OrderBookLevel is one price level of an order book side.
type OrderBookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is a depth snapshot. Bids are sorted best first.
type OrderBook struct {
	Symbol       string           `json:"symbol"`
	LastUpdateID int64            `json:"last_update_id"`
	Bids         []OrderBookLevel `json:"bids"`
	Asks         []OrderBookLevel `json:"asks"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Trade is a single executed trade.
type Trade struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	Time       time.Time `json:"time"`
	BuyerMaker bool      `json:"buyer_maker"`
}

package models

import (
	"fmt"
	"time"
)

// DataType identifies the kind of market data a request asks for.
type DataType string

const (
	DataTypeQuote        DataType = "quote"
	DataTypeOHLCV        DataType = "ohlcv"
	DataTypeOrderbook    DataType = "orderbook"
	DataTypeTrades       DataType = "trades"
	DataTypeFundamentals DataType = "fundamentals"
)

// KnownDataTypes lists every data type the gateway accepts.
var KnownDataTypes = []DataType{
	DataTypeQuote,
	DataTypeOHLCV,
	DataTypeOrderbook,
	DataTypeTrades,
	DataTypeFundamentals,
}

// Valid reports whether the data type is one the gateway understands.
func (d DataType) Valid() bool {
	for _, known := range KnownDataTypes {
		if d == known {
			return true
		}
	}
	return false
}

// DataRequest describes one fetch against the gateway. Requests are built
// once and treated as read-only by the whole pipeline.
type DataRequest struct {
	Symbol    string            `json:"symbol"`
	DataType  DataType          `json:"data_type"`
	Frequency string            `json:"frequency,omitempty"`
	StartTime *time.Time        `json:"start_time,omitempty"`
	EndTime   *time.Time        `json:"end_time,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	Fields    []string          `json:"fields,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
	UseCache  bool              `json:"use_cache"`
	CacheTTL  time.Duration     `json:"cache_ttl,omitempty"`
}

// Validate checks the request shape before any routing or cache work
// happens. A failed validation must produce no side effects upstream.
func (r *DataRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !r.DataType.Valid() {
		return fmt.Errorf("unknown data type %q", r.DataType)
	}
	if r.StartTime != nil && r.EndTime != nil && r.StartTime.After(*r.EndTime) {
		return fmt.Errorf("start_time %s is after end_time %s", r.StartTime.Format(time.RFC3339), r.EndTime.Format(time.RFC3339))
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit must be positive, got %d", r.Limit)
	}
	return nil
}

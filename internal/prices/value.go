// Package prices defines the value model shared by the cache, the fetch
// pipeline, and the HTTP surface: which keys exist, what shape their values
// take, and how fetch failures are classified.
package prices

// Key identifies one configured price, e.g. "btc" or "MSTR".
type Key string

// Value is the price shape served under data[key]. A value is either a
// Scalar or a Quote; the two shapes are distinct types rather than one
// struct with optional fields, so a consumer can switch on what it got.
type Value interface {
	isValue()
}

// Scalar is a plain numeric price, used for crypto spot prices and FX rates.
// It marshals as a bare JSON number.
type Scalar float64

func (Scalar) isValue() {}

// Quote is a market-data record. Price is always present; the remaining
// fields are omitted from JSON when the vendor did not supply them.
type Quote struct {
	Price  float64  `json:"price"`
	High   *float64 `json:"high,omitempty"`
	Low    *float64 `json:"low,omitempty"`
	Volume *int64   `json:"volume,omitempty"`
}

func (Quote) isValue() {}

// Package wire defines the JSON shapes that cross process boundaries:
// the tick payload published to the broker and the client-facing
// websocket protocol envelopes.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zerodha/gokiteconnect/v4/models"
)

// TimeLayout is the canonical string form for all timestamps on the wire.
// The broker transports text, not native time values.
const TimeLayout = "2006-01-02 15:04:05"

// Time marshals as a TimeLayout string; the zero value marshals as null.
type Time struct {
	time.Time
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.Format(TimeLayout) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("wire: invalid time %q", s)
	}
	parsed, err := time.Parse(TimeLayout, s[1:len(s)-1])
	if err != nil {
		return fmt.Errorf("wire: parse time: %w", err)
	}
	t.Time = parsed
	return nil
}

// OHLC is the open/high/low/close block of a tick.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// DepthItem is one level of the order book.
type DepthItem struct {
	Price    float64 `json:"price"`
	Quantity uint32  `json:"quantity"`
	Orders   uint32  `json:"orders"`
}

// Depth holds the five best bid and offer levels.
type Depth struct {
	Buy  [5]DepthItem `json:"buy"`
	Sell [5]DepthItem `json:"sell"`
}

// Tick is the published form of one market update. Field names follow the
// vendor's own tick dictionary so existing consumers of the old feed keep
// working unchanged.
type Tick struct {
	Mode               string  `json:"mode"`
	InstrumentToken    uint32  `json:"instrument_token"`
	Tradable           bool    `json:"tradable"`
	LastPrice          float64 `json:"last_price"`
	LastTradedQuantity uint32  `json:"last_traded_quantity"`
	AverageTradePrice  float64 `json:"average_traded_price"`
	VolumeTraded       uint32  `json:"volume_traded"`
	TotalBuyQuantity   uint32  `json:"total_buy_quantity"`
	TotalSellQuantity  uint32  `json:"total_sell_quantity"`
	Change             float64 `json:"change"`
	OI                 uint32  `json:"oi"`
	OIDayHigh          uint32  `json:"oi_day_high"`
	OIDayLow           uint32  `json:"oi_day_low"`
	Timestamp          Time    `json:"timestamp"`
	LastTradeTime      Time    `json:"last_trade_time"`
	OHLC               OHLC    `json:"ohlc"`
	Depth              Depth   `json:"depth"`
}

// FromTick converts a vendor tick into its wire form.
func FromTick(t models.Tick) Tick {
	out := Tick{
		Mode:               t.Mode,
		InstrumentToken:    t.InstrumentToken,
		Tradable:           t.IsTradable,
		LastPrice:          t.LastPrice,
		LastTradedQuantity: t.LastTradedQuantity,
		AverageTradePrice:  t.AverageTradePrice,
		VolumeTraded:       t.VolumeTraded,
		TotalBuyQuantity:   t.TotalBuyQuantity,
		TotalSellQuantity:  t.TotalSellQuantity,
		Change:             t.NetChange,
		OI:                 t.OI,
		OIDayHigh:          t.OIDayHigh,
		OIDayLow:           t.OIDayLow,
		Timestamp:          Time{t.Timestamp.Time},
		LastTradeTime:      Time{t.LastTradeTime.Time},
		OHLC: OHLC{
			Open:  t.OHLC.Open,
			High:  t.OHLC.High,
			Low:   t.OHLC.Low,
			Close: t.OHLC.Close,
		},
	}
	for i, d := range t.Depth.Buy {
		out.Depth.Buy[i] = DepthItem{Price: d.Price, Quantity: d.Quantity, Orders: d.Orders}
	}
	for i, d := range t.Depth.Sell {
		out.Depth.Sell[i] = DepthItem{Price: d.Price, Quantity: d.Quantity, Orders: d.Orders}
	}
	return out
}

// MarshalTick serializes a vendor tick for publishing.
func MarshalTick(t models.Tick) ([]byte, error) {
	return json.Marshal(FromTick(t))
}

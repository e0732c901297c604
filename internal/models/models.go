// Package models defines the domain types shared across the alert pipeline.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Channel identifies one logical streaming channel: a (symbol, interval) pair.
type Channel struct {
	Symbol   string
	Interval string
}

// StreamName returns the provider-side channel name, e.g. "btcusdt@kline_1m".
func (c Channel) StreamName() string {
	return fmt.Sprintf("%s@kline_%s", strings.ToLower(c.Symbol), c.Interval)
}

func (c Channel) String() string {
	return c.Symbol + "/" + c.Interval
}

// Preset is a user-owned alert configuration.
type Preset struct {
	ID        int64
	UserID    int64
	Name      string
	Symbols   []string
	Intervals []string
	// Threshold is the percent-change trigger, valid range 0.1-100.
	Threshold float64
	Active    bool
}

// Channels expands the preset into its (symbol, interval) channel set.
func (p *Preset) Channels() []Channel {
	channels := make([]Channel, 0, len(p.Symbols)*len(p.Intervals))
	for _, symbol := range p.Symbols {
		for _, interval := range p.Intervals {
			channels = append(channels, Channel{Symbol: symbol, Interval: interval})
		}
	}
	return channels
}

// CandleEvent is a normalized closed-bar event produced by the normalizer.
type CandleEvent struct {
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
	// PercentChange is (close-open)/open*100, derived at normalization.
	PercentChange float64 `json:"percent_change"`
}

// DedupKey identifies "the same potential alert" across presets.
type DedupKey struct {
	UserID    int64
	Symbol    string
	Interval  string
	CloseTime int64
}

// AlertMessage is one deduplicated alert for one user, collapsing every
// preset of theirs that matched the same candle.
type AlertMessage struct {
	UserID        int64
	Symbol        string
	Interval      string
	Price         float64
	PercentChange float64
	CloseTime     int64
	// PresetNames lists every preset that triggered this alert.
	PresetNames []string
	CreatedAt   time.Time
}

// Key returns the alert's dedup key.
func (m *AlertMessage) Key() DedupKey {
	return DedupKey{
		UserID:    m.UserID,
		Symbol:    m.Symbol,
		Interval:  m.Interval,
		CloseTime: m.CloseTime,
	}
}

// Priority is the dispatch priority: larger absolute moves go first.
func (m *AlertMessage) Priority() float64 {
	if m.PercentChange < 0 {
		return -m.PercentChange
	}
	return m.PercentChange
}

package binance

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/overloewner/trade-bot/internal/models"
)

// ParseKlineFrame decodes a raw stream frame into a normalized candle event.
// It returns (nil, nil) for frames that are valid but not closed bars:
// in-progress klines and non-kline control messages are simply skipped.
func ParseKlineFrame(frame []byte) (*models.CandleEvent, error) {
	var event KlineEvent
	if err := json.Unmarshal(frame, &event); err != nil {
		return nil, fmt.Errorf("decode kline frame: %w", err)
	}

	if event.EventType != "kline" {
		return nil, nil
	}
	if !event.Kline.Closed {
		return nil, nil
	}

	return klineToEvent(&event.Kline)
}

func klineToEvent(k *Kline) (*models.CandleEvent, error) {
	if k.Symbol == "" || k.Interval == "" {
		return nil, fmt.Errorf("kline missing symbol or interval")
	}

	open, err := parsePrice(k.Open)
	if err != nil {
		return nil, fmt.Errorf("kline open: %w", err)
	}
	high, err := parsePrice(k.High)
	if err != nil {
		return nil, fmt.Errorf("kline high: %w", err)
	}
	low, err := parsePrice(k.Low)
	if err != nil {
		return nil, fmt.Errorf("kline low: %w", err)
	}
	closePrice, err := parsePrice(k.Close)
	if err != nil {
		return nil, fmt.Errorf("kline close: %w", err)
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("kline volume: %w", err)
	}

	if open == 0 {
		return nil, fmt.Errorf("kline open price is zero")
	}

	return &models.CandleEvent{
		Symbol:        k.Symbol,
		Interval:      k.Interval,
		Open:          open,
		High:          high,
		Low:           low,
		Close:         closePrice,
		Volume:        volume,
		CloseTime:     k.CloseTime,
		PercentChange: (closePrice - open) / open * 100,
	}, nil
}

// parsePrice parses a wire price and rejects corrupted numeric data.
func parsePrice(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("invalid price %q", s)
	}
	return v, nil
}

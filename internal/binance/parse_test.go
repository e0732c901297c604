package binance

import (
	"fmt"
	"testing"
)

func klineFrame(symbol, interval, open, close string, closed bool) []byte {
	return fmt.Appendf(nil,
		`{"e":"kline","E":1700000060000,"s":"%s","k":{"t":1700000000000,"T":1700000059999,"s":"%s","i":"%s","o":"%s","c":"%s","h":"%s","l":"%s","v":"1250.5","x":%t}}`,
		symbol, symbol, interval, open, close, close, open, closed,
	)
}

func TestParseKlineFrameClosedBar(t *testing.T) {
	event, err := ParseKlineFrame(klineFrame("BTCUSDT", "1m", "40000", "41000", true))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if event == nil {
		t.Fatal("Expected event for closed bar")
	}

	if event.Symbol != "BTCUSDT" {
		t.Errorf("Expected symbol BTCUSDT, got %s", event.Symbol)
	}
	if event.Interval != "1m" {
		t.Errorf("Expected interval 1m, got %s", event.Interval)
	}
	if event.CloseTime != 1700000059999 {
		t.Errorf("Expected close time 1700000059999, got %d", event.CloseTime)
	}
	if event.PercentChange != 2.5 {
		t.Errorf("Expected percent change 2.5, got %f", event.PercentChange)
	}
}

func TestParseKlineFrameNegativeChange(t *testing.T) {
	event, err := ParseKlineFrame(klineFrame("ETHUSDT", "5m", "2000", "1900", true))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if event.PercentChange != -5 {
		t.Errorf("Expected percent change -5, got %f", event.PercentChange)
	}
}

func TestParseKlineFrameSkipsInProgress(t *testing.T) {
	event, err := ParseKlineFrame(klineFrame("BTCUSDT", "1m", "40000", "41000", false))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if event != nil {
		t.Error("Expected nil event for in-progress bar")
	}
}

func TestParseKlineFrameSkipsNonKline(t *testing.T) {
	event, err := ParseKlineFrame([]byte(`{"result":null,"id":1}`))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if event != nil {
		t.Error("Expected nil event for non-kline frame")
	}
}

func TestParseKlineFrameRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"Malformed JSON", []byte(`{"e":"kline"`)},
		{"Zero open", klineFrame("BTCUSDT", "1m", "0", "100", true)},
		{"Negative price", klineFrame("BTCUSDT", "1m", "-1", "100", true)},
		{"Non-numeric price", klineFrame("BTCUSDT", "1m", "abc", "100", true)},
		{"Missing symbol", klineFrame("", "1m", "100", "101", true)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := ParseKlineFrame(tt.frame)
			if err == nil {
				t.Errorf("Expected error, got event %+v", event)
			}
		})
	}
}

package normalizer

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/overloewner/trade-bot/configs"
)

func frame(symbol string, closed bool) []byte {
	return fmt.Appendf(nil,
		`{"e":"kline","E":1,"s":"%s","k":{"t":0,"T":59999,"s":"%s","i":"1m","o":"100","c":"105","h":"106","l":"99","v":"10","x":%t}}`,
		symbol, symbol, closed,
	)
}

func TestNormalizerEmitsClosedBars(t *testing.T) {
	frames := make(chan []byte, 16)
	n := New(configs.NormalizerConfig{
		WorkerCount:  2,
		BatchSize:    4,
		BatchTimeout: 10 * time.Millisecond,
		EventBuffer:  16,
	}, frames, nil, slog.Default())

	frames <- frame("BTCUSDT", true)
	frames <- frame("ETHUSDT", false)
	frames <- []byte("not json")
	frames <- frame("XRPUSDT", true)
	close(frames)

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(context.Background())
	}()

	symbols := make(map[string]bool)
	for event := range n.Events() {
		symbols[event.Symbol] = true
		if event.PercentChange != 5 {
			t.Errorf("Expected percent change 5, got %f", event.PercentChange)
		}
	}
	<-done

	if len(symbols) != 2 || !symbols["BTCUSDT"] || !symbols["XRPUSDT"] {
		t.Errorf("Expected closed bars for BTCUSDT and XRPUSDT, got %v", symbols)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Normalizer did not stop after frame channel close")
	}
}

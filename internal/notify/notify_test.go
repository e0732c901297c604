package notify

import (
	"strings"
	"testing"

	"github.com/overloewner/trade-bot/internal/models"
)

func TestFormatAlertsEmpty(t *testing.T) {
	if got := FormatAlerts(nil); got != "" {
		t.Errorf("Expected empty payload, got %q", got)
	}
}

func TestFormatAlertsGroupsBySymbol(t *testing.T) {
	payload := FormatAlerts([]*models.AlertMessage{
		{Symbol: "ETHUSDT", Interval: "5m", Price: 2000, PercentChange: -3.1, PresetNames: []string{"dump watch"}},
		{Symbol: "BTCUSDT", Interval: "1m", Price: 40000, PercentChange: 2.54, PresetNames: []string{"pump", "scalp"}},
		{Symbol: "BTCUSDT", Interval: "15m", Price: 40000, PercentChange: 4, PresetNames: []string{"swing"}},
	})

	btc := strings.Index(payload, "BTCUSDT")
	eth := strings.Index(payload, "ETHUSDT")
	if btc == -1 || eth == -1 {
		t.Fatalf("Expected both symbols in payload:\n%s", payload)
	}
	if btc > eth {
		t.Errorf("Expected symbols sorted, BTCUSDT after ETHUSDT:\n%s", payload)
	}

	if !strings.Contains(payload, "▲ 1m: +2.54%") {
		t.Errorf("Expected formatted positive move:\n%s", payload)
	}
	if !strings.Contains(payload, "▼ 5m: -3.10%") {
		t.Errorf("Expected formatted negative move:\n%s", payload)
	}
	if !strings.Contains(payload, "pump, scalp") {
		t.Errorf("Expected preset names joined:\n%s", payload)
	}
	if strings.Count(payload, "BTCUSDT") != 1 {
		t.Errorf("Expected one symbol header per symbol:\n%s", payload)
	}
}

func TestResultString(t *testing.T) {
	tests := []struct {
		result Result
		want   string
	}{
		{ResultSent, "sent"},
		{ResultThrottled, "throttled"},
		{ResultPermanentFailure, "permanent_failure"},
	}
	for _, tt := range tests {
		if got := tt.result.String(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}

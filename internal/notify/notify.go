// Package notify defines the outbound notification boundary and its
// Telegram implementation.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/overloewner/trade-bot/internal/models"
)

// Result classifies a delivery attempt for the dispatcher's retry policy.
type Result int

const (
	// ResultSent means the payload was accepted by the channel.
	ResultSent Result = iota
	// ResultThrottled means the channel rejected the send transiently;
	// the dispatcher may retry with backoff.
	ResultThrottled
	// ResultPermanentFailure means retrying cannot help (blocked bot,
	// unknown chat). The message is dropped.
	ResultPermanentFailure
)

func (r Result) String() string {
	switch r {
	case ResultSent:
		return "sent"
	case ResultThrottled:
		return "throttled"
	default:
		return "permanent_failure"
	}
}

// Notifier delivers one payload to one user.
type Notifier interface {
	Send(ctx context.Context, userID int64, payload string) (Result, error)
}

// FormatAlerts renders a batch of alerts for one user into a single
// payload, grouped by symbol and interval for readability.
func FormatAlerts(msgs []*models.AlertMessage) string {
	if len(msgs) == 0 {
		return ""
	}

	grouped := make(map[string][]*models.AlertMessage)
	symbols := make([]string, 0)
	for _, m := range msgs {
		if _, ok := grouped[m.Symbol]; !ok {
			symbols = append(symbols, m.Symbol)
		}
		grouped[m.Symbol] = append(grouped[m.Symbol], m)
	}
	sort.Strings(symbols)

	var b strings.Builder
	b.WriteString("Market alerts\n")
	for _, symbol := range symbols {
		alerts := grouped[symbol]
		sort.Slice(alerts, func(i, j int) bool {
			return alerts[i].Interval < alerts[j].Interval
		})

		fmt.Fprintf(&b, "\n%s\n", symbol)
		for _, a := range alerts {
			direction := "▲"
			if a.PercentChange < 0 {
				direction = "▼"
			}
			fmt.Fprintf(&b, "%s %s: %+.2f%% ($%.4f) — %s\n",
				direction, a.Interval, a.PercentChange, a.Price,
				strings.Join(a.PresetNames, ", "),
			)
		}
	}
	fmt.Fprintf(&b, "\n%s", time.Now().UTC().Format("15:04:05"))
	return b.String()
}

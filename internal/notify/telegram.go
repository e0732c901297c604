package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramNotifier sends alert payloads through the Telegram Bot API.
type TelegramNotifier struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewTelegramNotifier creates a notifier using the given bot token.
func NewTelegramNotifier(token string) *TelegramNotifier {
	return &TelegramNotifier{
		token:      token,
		baseURL:    telegramAPIBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Send delivers one payload. Classification drives the dispatcher's retry
// policy: 429 and server-side trouble are throttled (retryable), other
// client errors are permanent.
func (t *TelegramNotifier) Send(ctx context.Context, userID int64, payload string) (Result, error) {
	body, err := json.Marshal(sendMessageRequest{ChatID: userID, Text: payload})
	if err != nil {
		return ResultPermanentFailure, fmt.Errorf("serialize sendMessage: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ResultPermanentFailure, fmt.Errorf("build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return ResultThrottled, fmt.Errorf("sendMessage request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ResultThrottled, fmt.Errorf("decode sendMessage response: %w", err)
	}

	switch {
	case decoded.OK:
		return ResultSent, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return ResultThrottled, fmt.Errorf("telegram throttled: %s", decoded.Description)
	case resp.StatusCode >= 500:
		return ResultThrottled, fmt.Errorf("telegram server error %d: %s", resp.StatusCode, decoded.Description)
	default:
		return ResultPermanentFailure, fmt.Errorf("telegram rejected send (%d): %s", decoded.ErrorCode, decoded.Description)
	}
}

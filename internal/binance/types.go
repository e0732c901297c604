// Package binance adapts the Binance futures streaming and REST APIs to the
// alert pipeline's domain types.
package binance

// SubscribeRequest is the live subscription frame for kline streams.
type SubscribeRequest struct {
	Method string   `json:"method"` // SUBSCRIBE or UNSUBSCRIBE
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// SubscribeAck is the provider's response to a SubscribeRequest.
// Result stays null on success; error payloads carry Code/Msg.
type SubscribeAck struct {
	Result *struct{} `json:"result"`
	ID     int64     `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// KlineEvent is the kline payload pushed on a subscribed stream.
type KlineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     Kline  `json:"k"`
}

// Kline is one candlestick. Numeric fields arrive as strings on the wire.
type Kline struct {
	StartTime int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	Closed    bool   `json:"x"`
}

// exchangeInfo is the subset of the REST exchangeInfo response we consume.
type exchangeInfo struct {
	Symbols []struct {
		Symbol string `json:"symbol"`
		Status string `json:"status"`
	} `json:"symbols"`
}

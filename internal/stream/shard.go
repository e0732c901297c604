package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/overloewner/trade-bot/internal/binance"
	"github.com/overloewner/trade-bot/internal/metrics"
	"github.com/overloewner/trade-bot/internal/models"
)

// ShardState is the connection state of one shard.
type ShardState int32

const (
	StateDisconnected ShardState = iota
	StateConnecting
	StateSubscribed
	StateDegraded
)

func (s ShardState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

const (
	handshakeTimeout = 10 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 10 * time.Second
	pingInterval     = 30 * time.Second
	resubInterval    = 30 * time.Second
	ackTimeout       = 15 * time.Second
)

// shard owns one websocket connection carrying a fixed channel assignment.
type shard struct {
	id       int
	name     string
	channels []models.Channel
	manager  *Manager
	logger   *slog.Logger

	state  atomic.Int32
	nextID atomic.Int64
}

func newShard(id int, channels []models.Channel, m *Manager) *shard {
	s := &shard{
		id:       id,
		name:     fmt.Sprintf("shard-%d", id),
		channels: channels,
		manager:  m,
		logger:   m.logger.With("shard", id),
	}
	s.setState(StateDisconnected)
	return s
}

// State reports the shard's current connection state.
func (s *shard) State() ShardState {
	return ShardState(s.state.Load())
}

func (s *shard) setState(state ShardState) {
	s.state.Store(int32(state))
	metrics.ShardState.WithLabelValues(s.name).Set(float64(state))
}

// run keeps the shard connected until the context is cancelled.
// Connection errors retry forever with exponential backoff.
func (s *shard) run(ctx context.Context) {
	reconnectDelay := s.manager.cfg.ReconnectBase

	for {
		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return
		default:
		}

		sessionStart := time.Now()
		err := s.session(ctx)
		s.setState(StateDisconnected)

		if ctx.Err() != nil {
			return
		}

		// A session that survived a while earns a fresh backoff.
		if time.Since(sessionStart) > time.Minute {
			reconnectDelay = s.manager.cfg.ReconnectBase
		}

		metrics.ReconnectsTotal.Inc()
		s.logger.Warn("Shard disconnected, reconnecting",
			"error", err,
			"delay", reconnectDelay,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		reconnectDelay *= 2
		if reconnectDelay > s.manager.cfg.ReconnectMax {
			reconnectDelay = s.manager.cfg.ReconnectMax
		}
	}
}

// session runs one connect-subscribe-read cycle and returns on any error.
func (s *shard) session(ctx context.Context) error {
	s.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.manager.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	s.logger.Info("Shard connected", "channels", len(s.channels))
	conn.SetPongHandler(func(string) error { return nil })

	// pending tracks subscribe requests awaiting their ack; missing holds
	// channels whose subscribe failed and must be retried.
	pending := make(map[int64]pendingSub)
	var missing []string

	if err := s.subscribe(ctx, conn, streamNames(s.channels), pending); err != nil {
		return err
	}

	return s.readLoop(ctx, conn, pending, &missing)
}

type pendingSub struct {
	params []string
	sentAt time.Time
}

// subscribe sends SUBSCRIBE frames in provider-paced batches.
func (s *shard) subscribe(ctx context.Context, conn *websocket.Conn, params []string, pending map[int64]pendingSub) error {
	batchSize := s.manager.cfg.SubscribeBatchSize
	for i := 0; i < len(params); i += batchSize {
		end := min(i+batchSize, len(params))
		batch := params[i:end]

		if err := s.manager.subLimiter.Wait(ctx); err != nil {
			return err
		}

		id := s.nextID.Add(1)
		req := binance.SubscribeRequest{Method: "SUBSCRIBE", Params: batch, ID: id}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("subscribe write failed: %w", err)
		}
		pending[id] = pendingSub{params: batch, sentAt: time.Now()}
	}
	return nil
}

// readLoop consumes frames until the connection dies or the context ends.
// Subscribe acks update the shard state; everything else is handed off to
// the normalizer through the manager's bounded channel.
func (s *shard) readLoop(ctx context.Context, conn *websocket.Conn, pending map[int64]pendingSub, missing *[]string) error {
	frames := make(chan []byte, 128)
	readErr := make(chan error, 1)

	go func() {
		defer close(frames)
		for {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, frame, err := conn.ReadMessage()
			if err != nil {
				select {
				case readErr <- err:
				default:
				}
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	resubTicker := time.NewTicker(resubInterval)
	defer resubTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			return fmt.Errorf("read error: %w", err)

		case frame := <-frames:
			if s.handleAck(frame, pending, missing) {
				s.refreshState(pending, *missing)
				continue
			}
			metrics.FramesRead.Inc()
			s.manager.enqueue(ctx, frame)

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}

		case <-resubTicker.C:
			s.expirePending(pending, missing)
			if len(*missing) > 0 {
				s.logger.Warn("Retrying failed subscriptions", "channels", len(*missing))
				retry := *missing
				*missing = nil
				if err := s.subscribe(ctx, conn, retry, pending); err != nil {
					return err
				}
			}
			s.refreshState(pending, *missing)
		}
	}
}

// handleAck reports whether the frame was a subscribe ack and records the
// outcome. Kline data frames carry an "e" event type and no "id".
func (s *shard) handleAck(frame []byte, pending map[int64]pendingSub, missing *[]string) bool {
	var ack binance.SubscribeAck
	if err := json.Unmarshal(frame, &ack); err != nil || ack.ID == 0 {
		return false
	}

	sub, ok := pending[ack.ID]
	if !ok {
		return true
	}
	delete(pending, ack.ID)

	if ack.Error != nil {
		s.logger.Warn("Subscribe batch rejected",
			"code", ack.Error.Code,
			"msg", ack.Error.Msg,
			"channels", len(sub.params),
		)
		*missing = append(*missing, sub.params...)
	}
	return true
}

// expirePending moves subscribe requests without an ack into the retry set.
func (s *shard) expirePending(pending map[int64]pendingSub, missing *[]string) {
	for id, sub := range pending {
		if time.Since(sub.sentAt) > ackTimeout {
			delete(pending, id)
			*missing = append(*missing, sub.params...)
		}
	}
}

// refreshState derives the shard state from outstanding subscriptions:
// everything acked means Subscribed, partial failure means Degraded.
func (s *shard) refreshState(pending map[int64]pendingSub, missing []string) {
	switch {
	case len(missing) > 0:
		s.setState(StateDegraded)
	case len(pending) == 0:
		s.setState(StateSubscribed)
	}
}

func streamNames(channels []models.Channel) []string {
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = ch.StreamName()
	}
	return names
}

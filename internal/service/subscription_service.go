package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// NotificationSource is a LISTEN/NOTIFY connection; *pq.Listener satisfies it.
type NotificationSource interface {
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

var _ NotificationSource = (*pq.Listener)(nil)

type sourcePinger interface {
	Ping() error
}

// ChangeEvent is the JSON payload published by the backend change triggers.
type ChangeEvent struct {
	Table     string          `json:"table"`
	Type      string          `json:"type"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// ChangeHandler consumes one change event.
type ChangeHandler func(ctx context.Context, event ChangeEvent) error

type subscription struct {
	channel string
	handler ChangeHandler
}

// SubscriptionService fans change feed notifications out to registered handlers.
type SubscriptionService struct {
	source       NotificationSource
	metrics      *MetricsService
	logger       *zap.Logger
	pingInterval time.Duration

	mu          sync.RWMutex
	subs        map[string]subscription
	byChannel   map[string]map[string]struct{}
	onReconnect []func()
}

// NewSubscriptionService constructs the service over source.
func NewSubscriptionService(source NotificationSource, metrics *MetricsService, logger *zap.Logger) *SubscriptionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionService{
		source:       source,
		metrics:      metrics,
		logger:       logger,
		pingInterval: 90 * time.Second,
		subs:         make(map[string]subscription),
		byChannel:    make(map[string]map[string]struct{}),
	}
}

// OnReconnect registers fn to run after the feed reconnects, since notifications
// sent while disconnected are lost.
func (s *SubscriptionService) OnReconnect(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.onReconnect = append(s.onReconnect, fn)
	s.mu.Unlock()
}

// Subscribe registers handler on channel and returns the subscription id. The
// first subscription on a channel starts listening to it.
func (s *SubscriptionService) Subscribe(channel string, handler ChangeHandler) (string, error) {
	if channel == "" || handler == nil {
		return "", errors.New("channel and handler are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.byChannel[channel]
	if !ok {
		if err := s.source.Listen(channel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			return "", fmt.Errorf("listen %s: %w", channel, err)
		}
		ids = make(map[string]struct{})
		s.byChannel[channel] = ids
	}
	id := uuid.NewString()
	ids[id] = struct{}{}
	s.subs[id] = subscription{channel: channel, handler: handler}
	s.logger.Debug("subscribed", zap.String("channel", channel), zap.String("subscription_id", id))
	return id, nil
}

// Unsubscribe removes a subscription; the last one on a channel stops listening.
func (s *SubscriptionService) Unsubscribe(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(s.subs, id)
	ids := s.byChannel[sub.channel]
	delete(ids, id)
	if len(ids) > 0 {
		return nil
	}
	delete(s.byChannel, sub.channel)
	if err := s.source.Unlisten(sub.channel); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
		return fmt.Errorf("unlisten %s: %w", sub.channel, err)
	}
	return nil
}

// Channels lists channels with at least one subscription.
func (s *SubscriptionService) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byChannel))
	for ch := range s.byChannel {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Run dispatches notifications until ctx is done or the source closes.
func (s *SubscriptionService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	notifications := s.source.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p, ok := s.source.(sourcePinger); ok {
				if err := p.Ping(); err != nil {
					s.logger.Debug("change feed ping failed", zap.Error(err))
				}
			}
		case n, ok := <-notifications:
			if !ok {
				s.logger.Warn("change feed closed")
				return
			}
			if n == nil {
				s.reconnected()
				continue
			}
			s.Dispatch(ctx, n.Channel, n.Extra)
		}
	}
}

// Dispatch decodes a payload and hands it to every handler on channel.
func (s *SubscriptionService) Dispatch(ctx context.Context, channel, payload string) {
	var event ChangeEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		s.metrics.RecordNotification(channel, false)
		s.logger.Warn("undecodable change notification", zap.String("channel", channel), zap.Error(err))
		return
	}

	s.mu.RLock()
	handlers := make([]ChangeHandler, 0, len(s.byChannel[channel]))
	for id := range s.byChannel[channel] {
		handlers = append(handlers, s.subs[id].handler)
	}
	s.mu.RUnlock()

	ok := true
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			ok = false
			s.logger.Warn("change handler failed",
				zap.String("channel", channel),
				zap.String("table", event.Table),
				zap.String("type", event.Type),
				zap.Error(err))
		}
	}
	s.metrics.RecordNotification(channel, ok)
}

func (s *SubscriptionService) reconnected() {
	s.logger.Info("change feed reconnected")
	s.mu.RLock()
	hooks := append([]func(){}, s.onReconnect...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

// Close releases the underlying connection.
func (s *SubscriptionService) Close() error {
	return s.source.Close()
}

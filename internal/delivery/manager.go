// Package delivery relays committed realtime events to the outside world: the
// workspace webhook, a global webhook and RabbitMQ. Every channel is tried in
// parallel and failed channels are retried a bounded number of times.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"wuzapi-relay/internal/metrics"
	"wuzapi-relay/internal/realtime"
	"wuzapi-relay/pkg/httputil"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Delivery channels.
const (
	ChannelWebhook       = "webhook"
	ChannelGlobalWebhook = "global_webhook"
	ChannelRabbitMQ      = "rabbitmq"
)

const (
	defaultMaxRetries   = 3
	defaultRetryBackoff = 2 * time.Second
	defaultTimeout      = 10 * time.Second
	finishedTTL         = time.Hour
)

// Event is one realtime event queued for outward delivery.
type Event struct {
	ID             string          `json:"id"`
	WorkspaceID    string          `json:"workspaceId"`
	ConversationID string          `json:"conversationId"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastAttemptAt  time.Time       `json:"lastAttemptAt,omitempty"`
	AttemptCount   int             `json:"attemptCount"`
	Status         Status          `json:"status"`
	LastError      string          `json:"lastError,omitempty"`
	Results        []Result        `json:"results,omitempty"`

	delivered map[string]bool
	inFlight  bool
}

// Result is the outcome of one delivery attempt on one channel.
type Result struct {
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Duration  int64     `json:"durationMs"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookLookup finds the webhook configured for a conversation's channel.
// An empty URL means none.
type WebhookLookup interface {
	WebhookURL(ctx context.Context, conversationID string) (string, error)
}

type Options struct {
	GlobalWebhook string
	Webhooks      WebhookLookup
	Broker        Broker
	MaxRetries    int
	RetryBackoff  time.Duration
	Timeout       time.Duration
	Metrics       *metrics.Metrics
}

// Stats summarises the manager's activity since start.
type Stats struct {
	Pending   int   `json:"pending"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// Manager delivers events to every configured channel. It implements
// realtime.Publisher; Publish never blocks on delivery.
type Manager struct {
	mu       sync.RWMutex
	pending  map[string]*Event
	finished *cache.Cache
	stats    Stats

	globalWebhook string
	webhooks      WebhookLookup
	broker        Broker
	client        *resty.Client
	metrics       *metrics.Metrics

	maxRetries   int
	retryBackoff time.Duration
	timeout      time.Duration

	wg sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		pending:       make(map[string]*Event),
		finished:      cache.New(finishedTTL, 10*time.Minute),
		globalWebhook: opts.GlobalWebhook,
		webhooks:      opts.Webhooks,
		broker:        opts.Broker,
		metrics:       opts.Metrics,
		maxRetries:    opts.MaxRetries,
		retryBackoff:  opts.RetryBackoff,
		timeout:       opts.Timeout,
	}
	if m.maxRetries <= 0 {
		m.maxRetries = defaultMaxRetries
	}
	if m.retryBackoff <= 0 {
		m.retryBackoff = defaultRetryBackoff
	}
	if m.timeout <= 0 {
		m.timeout = defaultTimeout
	}
	m.client = httputil.NewClient("", m.timeout/2)

	log.Info().
		Int("maxRetries", m.maxRetries).
		Dur("timeout", m.timeout).
		Bool("globalWebhook", m.globalWebhook != "").
		Bool("rabbitmq", m.broker != nil).
		Msg("Delivery manager initialized")
	return m
}

// Run retries pending events until ctx is done, then waits for in-flight
// deliveries.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.retryBackoff)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return
		case <-ticker.C:
			m.retryPending()
		}
	}
}

// Publish queues e for delivery to every configured channel.
func (m *Manager) Publish(e realtime.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("table", e.Table).Msg("Failed to encode event for delivery")
		return
	}
	ev := &Event{
		ID:             uuid.NewString(),
		WorkspaceID:    e.WorkspaceID,
		ConversationID: e.ConversationID,
		EventType:      e.Table + "." + string(e.Type),
		Payload:        payload,
		CreatedAt:      time.Now(),
		Status:         StatusPending,
		delivered:      make(map[string]bool),
		inFlight:       true,
	}

	m.mu.Lock()
	m.pending[ev.ID] = ev
	m.mu.Unlock()

	log.Debug().
		Str("eventID", ev.ID).
		Str("eventType", ev.EventType).
		Str("conversationID", ev.ConversationID).
		Msg("Starting parallel delivery")

	m.wg.Add(1)
	go m.process(ev)
}

// envelope is the body sent to webhooks and RabbitMQ.
type envelope struct {
	ID             string          `json:"id"`
	EventType      string          `json:"eventType"`
	WorkspaceID    string          `json:"workspaceId"`
	ConversationID string          `json:"conversationId"`
	CreatedAt      time.Time       `json:"createdAt"`
	Event          json.RawMessage `json:"event"`
}

func (m *Manager) process(ev *Event) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.RLock()
	done := make(map[string]bool, len(ev.delivered))
	for k, v := range ev.delivered {
		done[k] = v
	}
	m.mu.RUnlock()

	body, err := json.Marshal(envelope{
		ID:             ev.ID,
		EventType:      ev.EventType,
		WorkspaceID:    ev.WorkspaceID,
		ConversationID: ev.ConversationID,
		CreatedAt:      ev.CreatedAt,
		Event:          ev.Payload,
	})
	if err != nil {
		log.Error().Err(err).Str("eventID", ev.ID).Msg("Failed to encode delivery envelope")
		m.finish(ev, nil, false)
		return
	}

	var wg sync.WaitGroup
	results := make(chan Result, 3)
	deliver := func(channel string, fn func() error) {
		if done[channel] {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := fn()
			res := Result{Channel: channel, Success: err == nil, Duration: time.Since(start).Milliseconds(), Timestamp: start}
			if err != nil {
				res.Error = err.Error()
			}
			results <- res
		}()
	}

	if m.webhooks != nil && ev.ConversationID != "" {
		url, err := m.webhooks.WebhookURL(ctx, ev.ConversationID)
		if err != nil {
			log.Warn().Err(err).Str("eventID", ev.ID).Msg("Failed to resolve workspace webhook")
			deliver(ChannelWebhook, func() error { return err })
		} else if url != "" {
			deliver(ChannelWebhook, func() error { return m.postWebhook(ctx, url, ev, body) })
		}
	}
	if m.globalWebhook != "" {
		deliver(ChannelGlobalWebhook, func() error { return m.postWebhook(ctx, m.globalWebhook, ev, body) })
	}
	if m.broker != nil {
		deliver(ChannelRabbitMQ, func() error { return m.broker.Publish(ctx, ev.EventType, body) })
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var collected []Result
	allSuccess := true
	for res := range results {
		collected = append(collected, res)
		m.metrics.Delivered(res.Channel, res.Success)
		if !res.Success {
			allSuccess = false
		}
		log.Debug().
			Str("eventID", ev.ID).
			Str("channel", res.Channel).
			Bool("success", res.Success).
			Int64("durationMs", res.Duration).
			Str("error", res.Error).
			Msg("Channel delivery result")
	}
	m.finish(ev, collected, allSuccess)
}

func (m *Manager) postWebhook(ctx context.Context, url string, ev *Event, body []byte) error {
	resp, err := m.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Relay-Event", ev.EventType).
		SetHeader("X-Relay-Event-Id", ev.ID).
		SetBody(body).
		Post(url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned %d", resp.StatusCode())
	}
	return nil
}

func (m *Manager) finish(ev *Event, results []Result, allSuccess bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev.inFlight = false
	ev.LastAttemptAt = time.Now()
	ev.Results = append(ev.Results, results...)
	for _, r := range results {
		if r.Success {
			ev.delivered[r.Channel] = true
		} else {
			ev.LastError = r.Error
		}
	}

	if allSuccess {
		ev.Status = StatusDelivered
		delete(m.pending, ev.ID)
		m.finished.SetDefault(ev.ID, *ev)
		m.stats.Delivered++
		log.Debug().
			Str("eventID", ev.ID).
			Int("channelsDelivered", len(ev.delivered)).
			Msg("Event delivered to all channels")
		return
	}

	ev.AttemptCount++
	if ev.AttemptCount >= m.maxRetries {
		ev.Status = StatusFailed
		delete(m.pending, ev.ID)
		m.finished.SetDefault(ev.ID, *ev)
		m.stats.Failed++
		log.Error().
			Str("eventID", ev.ID).
			Int("attemptCount", ev.AttemptCount).
			Str("lastError", ev.LastError).
			Msg("Event delivery failed permanently")
		return
	}
	log.Warn().
		Str("eventID", ev.ID).
		Int("attemptCount", ev.AttemptCount).
		Int("maxRetries", m.maxRetries).
		Msg("Event delivery partially failed, will retry")
}

func (m *Manager) retryPending() {
	now := time.Now()
	var due []*Event

	m.mu.Lock()
	for _, ev := range m.pending {
		if ev.inFlight || ev.Status != StatusPending {
			continue
		}
		if now.Sub(ev.LastAttemptAt) >= m.retryBackoff {
			ev.inFlight = true
			due = append(due, ev)
		}
	}
	m.mu.Unlock()

	for _, ev := range due {
		log.Info().Str("eventID", ev.ID).Int("attemptCount", ev.AttemptCount).Msg("Retrying event delivery")
		m.wg.Add(1)
		go m.process(ev)
	}
}

// Retry starts another attempt for a pending event right away. It reports
// false when the event is unknown, finished or already being delivered.
func (m *Manager) Retry(eventID string) bool {
	m.mu.Lock()
	ev, ok := m.pending[eventID]
	if !ok || ev.inFlight {
		m.mu.Unlock()
		return false
	}
	ev.inFlight = true
	m.mu.Unlock()

	log.Info().Str("eventID", eventID).Msg("Forced event delivery retry")
	m.wg.Add(1)
	go m.process(ev)
	return true
}

// RetryAll forces a retry of every pending event and returns how many were
// started.
func (m *Manager) RetryAll() int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if m.Retry(id) {
			n++
		}
	}
	return n
}

// Settings reports the effective retry policy.
func (m *Manager) Settings() (maxRetries int, retryBackoff, timeout time.Duration) {
	return m.maxRetries, m.retryBackoff, m.timeout
}

func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// EventStatus returns a snapshot of a pending or recently finished event.
func (m *Manager) EventStatus(eventID string) (Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ev, ok := m.pending[eventID]; ok {
		snapshot := *ev
		snapshot.Results = append([]Result(nil), ev.Results...)
		return snapshot, true
	}
	if v, found := m.finished.Get(eventID); found {
		return v.(Event), true
	}
	return Event{}, false
}

// PendingEvents returns snapshots of every event still awaiting delivery.
func (m *Manager) PendingEvents() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, 0, len(m.pending))
	for _, ev := range m.pending {
		snapshot := *ev
		snapshot.Results = append([]Result(nil), ev.Results...)
		out = append(out, snapshot)
	}
	return out
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	s.Pending = len(m.pending)
	return s
}

// Wait blocks until every in-flight delivery has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

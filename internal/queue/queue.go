package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"relay/internal/config"
	"relay/internal/metrics"
	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// MaxAttempts bounds delivery attempts per item. Fixed by the protocol,
// not configuration.
const MaxAttempts = 3

// Item is one pending outbound delivery. An item is popped exactly once
// per attempt and is either consumed or re-enqueued with an incremented
// attempt counter, never duplicated.
type Item struct {
	ID        string         `json:"id"`
	Payload   any            `json:"-"`
	Strategy  types.Strategy `json:"strategy"`
	Target    string         `json:"target,omitempty"`
	Priority  types.Priority `json:"priority"`
	CreatedAt time.Time      `json:"created_at"`
	Attempts  int            `json:"attempts"`
}

// Queue decouples "decide to send" from "actually deliver": accepted
// items wait in priority order until the drain loop resolves their
// addressing against the registries. Acceptance is not a delivery
// guarantee — delivery is best effort with at most MaxAttempts tries,
// and zero live recipients counts as a successful delivery of zero.
type Queue struct {
	cfg      *config.QueueConfig
	log      zerolog.Logger
	met      *metrics.Metrics
	conns    interfaces.ConnectionSender
	sessions interfaces.SessionSender

	mu      sync.Mutex
	pending [types.PriorityCount][]*Item
	size    int

	// draining is the reentrancy guard: one drain pass at a time, but
	// Route keeps appending to the tail while a pass runs.
	draining  atomic.Bool
	startOnce sync.Once

	delivered atomic.Int64
	retried   atomic.Int64
	exhausted atomic.Int64
	rejected  atomic.Int64
}

// New creates a stopped queue; Start launches the drain loop.
func New(cfg *config.QueueConfig, conns interfaces.ConnectionSender, sessions interfaces.SessionSender, log zerolog.Logger, met *metrics.Metrics) *Queue {
	return &Queue{
		cfg:      cfg,
		log:      log.With().Str("component", "routing_queue").Logger(),
		met:      met,
		conns:    conns,
		sessions: sessions,
	}
}

// Start launches the drain loop. Idempotent; stopped by cancelling ctx.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		go q.drainLoop(ctx)
	})
}

// Route accepts a message for asynchronous delivery and returns its
// generated message id. Rejects with a capacity error when the pending
// count is at the configured maximum.
func (q *Queue) Route(payload any, strategy types.Strategy, target string, priority types.Priority) (string, error) {
	if !strategy.IsValid() {
		return "", fmt.Errorf("%w: %s", types.ErrInvalidStrategy, strategy)
	}
	if strategy.RequiresTarget() && target == "" {
		return "", fmt.Errorf("%w: strategy %s requires a target", types.ErrInvalidStrategy, strategy)
	}
	if !priority.IsValid() {
		return "", fmt.Errorf("%w: %d", types.ErrInvalidPriority, priority)
	}

	item := &Item{
		ID:        uuid.New().String(),
		Payload:   payload,
		Strategy:  strategy,
		Target:    target,
		Priority:  priority,
		CreatedAt: time.Now(),
	}

	q.mu.Lock()
	if q.size >= q.cfg.MaxPending {
		q.mu.Unlock()
		q.rejected.Add(1)
		q.met.QueueRejected.Inc()
		return "", fmt.Errorf("%w: limit %d", interfaces.ErrQueueFull, q.cfg.MaxPending)
	}
	q.pending[item.Priority] = append(q.pending[item.Priority], item)
	q.size++
	q.mu.Unlock()

	q.met.QueueDepth.Inc()
	return item.ID, nil
}

// Broadcast queues a message for every live connection.
func (q *Queue) Broadcast(payload any, priority types.Priority) (string, error) {
	return q.Route(payload, types.StrategyBroadcast, "", priority)
}

// SendToSession queues a message for a session's live connections.
func (q *Queue) SendToSession(sessionID string, payload any, priority types.Priority) (string, error) {
	return q.Route(payload, types.StrategySession, sessionID, priority)
}

// SendToGroup queues a message for a group's members.
func (q *Queue) SendToGroup(group string, payload any, priority types.Priority) (string, error) {
	return q.Route(payload, types.StrategyGroup, group, priority)
}

// SendToUser queues a message for every session the user owns — a
// multi-device fan-out across sessions, not a single-connection send.
func (q *Queue) SendToUser(userID string, payload any, priority types.Priority) (string, error) {
	return q.Route(payload, types.StrategyUser, userID, priority)
}

// SendDirect queues a message for a single connection id.
func (q *Queue) SendDirect(connectionID string, payload any, priority types.Priority) (string, error) {
	return q.Route(payload, types.StrategyDirect, connectionID, priority)
}

func (q *Queue) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.drainOnce()
		case <-ctx.Done():
			q.log.Debug().Msg("drain loop stopped")
			return
		}
	}
}

// drainOnce runs a single exclusive drain pass: pops up to BatchSize
// items in priority order and resolves each synchronously. Overlapping
// passes are skipped, not queued.
func (q *Queue) drainOnce() {
	if !q.draining.CompareAndSwap(false, true) {
		return
	}
	defer q.draining.Store(false)

	batch := q.pop(q.cfg.BatchSize)
	for _, item := range batch {
		recipients, err := q.deliver(item)
		if err == nil {
			q.delivered.Add(1)
			q.met.QueueDelivered.Inc()
			q.log.Debug().
				Str("message_id", item.ID).
				Str("strategy", string(item.Strategy)).
				Int("recipients", recipients).
				Msg("delivered")
			continue
		}

		item.Attempts++
		if item.Attempts >= MaxAttempts {
			q.exhausted.Add(1)
			q.met.QueueExhausted.Inc()
			q.log.Error().
				Str("message_id", item.ID).
				Str("strategy", string(item.Strategy)).
				Str("target", item.Target).
				Int("attempts", item.Attempts).
				Err(err).
				Msg("delivery attempts exhausted, dropping message")
			continue
		}

		q.retried.Add(1)
		q.met.QueueRetried.Inc()
		q.requeue(item)
		q.log.Warn().
			Str("message_id", item.ID).
			Int("attempt", item.Attempts).
			Err(err).
			Msg("delivery failed, re-enqueued")
	}
}

// pop removes up to n items from the head of the ordered pending list:
// strict priority class order, FIFO within a class.
func (q *Queue) pop(n int) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Item, 0, min(n, q.size))
	for p := 0; p < types.PriorityCount && len(out) < n; p++ {
		take := min(n-len(out), len(q.pending[p]))
		if take == 0 {
			continue
		}
		out = append(out, q.pending[p][:take]...)
		q.pending[p] = append(q.pending[p][:0:0], q.pending[p][take:]...)
	}
	q.size -= len(out)
	q.met.QueueDepth.Sub(float64(len(out)))
	return out
}

// requeue puts a failed item back at the tail of its original priority
// class. Capacity is not re-checked: a retry never outlives the
// acceptance it already received.
func (q *Queue) requeue(item *Item) {
	q.mu.Lock()
	q.pending[item.Priority] = append(q.pending[item.Priority], item)
	q.size++
	q.mu.Unlock()
	q.met.QueueDepth.Inc()
}

// deliver resolves one item against the registries. Zero recipients is a
// successful delivery of zero messages. A panic in a resolver is the
// delivery failure that triggers retry.
func (q *Queue) deliver(item *Item) (recipients int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panic: %v", r)
		}
	}()

	switch item.Strategy {
	case types.StrategyBroadcast:
		return q.conns.Broadcast(item.Payload, nil), nil
	case types.StrategySession:
		return q.sessions.SendToSession(item.Target, item.Payload), nil
	case types.StrategyGroup:
		return q.conns.SendToGroup(item.Target, item.Payload), nil
	case types.StrategyUser:
		// Fan out to every session the user owns. Quiet sessions still
		// count: eviction is the cleanup loop's job, not the router's.
		total := 0
		for _, s := range q.sessions.GetUserSessions(item.Target) {
			total += q.sessions.SendToSession(s.ID, item.Payload)
		}
		return total, nil
	case types.StrategyDirect:
		if q.conns.SendToConnection(item.Target, item.Payload) {
			return 1, nil
		}
		// Absent connection or failed write: delivered to zero.
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %s", types.ErrInvalidStrategy, item.Strategy)
	}
}

// Depth returns the number of pending items.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats returns queue statistics.
func (q *Queue) Stats() map[string]any {
	q.mu.Lock()
	byPriority := make(map[string]int, types.PriorityCount)
	for p := 0; p < types.PriorityCount; p++ {
		byPriority[types.Priority(p).String()] = len(q.pending[p])
	}
	size := q.size
	q.mu.Unlock()

	return map[string]any{
		"pending":     size,
		"max_pending": q.cfg.MaxPending,
		"by_priority": byPriority,
		"delivered":   q.delivered.Load(),
		"retried":     q.retried.Load(),
		"exhausted":   q.exhausted.Load(),
		"rejected":    q.rejected.Load(),
	}
}

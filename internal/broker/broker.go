// Package broker fans out run status changes to in-process subscribers and,
// when a relay is configured, to other nodes through Postgres
// LISTEN/NOTIFY.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shikake/internal/model"
	"github.com/ashita-ai/shikake/internal/storage"
)

// subscriberBuffer is the per-subscriber channel capacity. Changes published
// to a full subscriber are dropped for that subscriber.
const subscriberBuffer = 64

// Relay carries changes between nodes. *storage.DB implements it.
type Relay interface {
	NotifyRunStatus(ctx context.Context, n storage.RunStatusNotice) error
	ListenRunStatus(ctx context.Context) error
	WaitForRunStatus(ctx context.Context) (storage.RunStatusNotice, error)
}

// Filter narrows a subscription. Zero fields match everything.
type Filter struct {
	UserID string
	UnitID uuid.UUID
	RunID  uuid.UUID
}

func (f Filter) matches(c model.RunStatusChange) bool {
	if f.UserID != "" && f.UserID != c.UserID {
		return false
	}
	if f.UnitID != uuid.Nil && f.UnitID != c.UnitID {
		return false
	}
	if f.RunID != uuid.Nil && f.RunID != c.RunID {
		return false
	}
	return true
}

// Subscription receives the changes matching its filter on C.
type Subscription struct {
	C      <-chan model.RunStatusChange
	ch     chan model.RunStatusChange
	filter Filter
}

// Broker is safe for concurrent use.
type Broker struct {
	logger *slog.Logger
	relay  Relay
	nodeID uuid.UUID

	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
}

// New creates a broker. relay may be nil for a single-node deployment.
func New(relay Relay, logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		relay:       relay,
		nodeID:      uuid.New(),
		subscribers: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber. The caller must call Unsubscribe when
// done.
func (b *Broker) Subscribe(f Filter) *Subscription {
	ch := make(chan model.RunStatusChange, subscriberBuffer)
	s := &Subscription{C: ch, ch: ch, filter: f}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its channel. Calling it twice is safe.
func (b *Broker) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[s]; !ok {
		return
	}
	delete(b.subscribers, s)
	close(s.ch)
}

// Subscribers returns the number of active subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish delivers c to local subscribers and forwards it to the relay.
// Relay failures are logged; local delivery never blocks.
func (b *Broker) Publish(ctx context.Context, c model.RunStatusChange) {
	b.broadcast(c)

	if b.relay == nil {
		return
	}
	if err := b.relay.NotifyRunStatus(ctx, storage.RunStatusNotice{Origin: b.nodeID, Change: c}); err != nil {
		b.logger.Warn("broker: relay notify failed", "run_id", c.RunID, "error", err)
	}
}

// Start listens for changes published by other nodes and delivers them to
// local subscribers. It blocks until ctx is cancelled; call it in a
// goroutine. Without a relay it returns immediately.
func (b *Broker) Start(ctx context.Context) {
	if b.relay == nil {
		return
	}
	if err := b.relay.ListenRunStatus(ctx); err != nil {
		b.logger.Error("broker: listen", "channel", storage.RunStatusChannel, "error", err)
		return
	}
	b.logger.Info("broker: listening for run status changes", "channel", storage.RunStatusChannel)

	for {
		notice, err := b.relay.WaitForRunStatus(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, storage.ErrMalformedNotice) {
				b.logger.Warn("broker: malformed notification", "error", err)
				continue
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if notice.Origin == b.nodeID {
			continue
		}
		b.broadcast(notice.Change)
	}
}

// broadcast sends c to every matching subscriber. A subscriber whose
// buffer is full misses c.
func (b *Broker) broadcast(c model.RunStatusChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subscribers {
		if !s.filter.matches(c) {
			continue
		}
		select {
		case s.ch <- c:
		default:
		}
	}
}

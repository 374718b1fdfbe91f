package access

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tyemirov/streamgate/pkg/statussync"
	"go.uber.org/zap"
)

var (
	ErrHubClosed          = errors.New("change_hub.closed")
	ErrSubscriberNotFound = errors.New("change_hub.subscriber_not_found")
)

const defaultSubscriberBuffer = 16

// Change announces a new access_control row.
type Change struct {
	Table  string `json:"table"`
	Record Record `json:"record"`
	Source string `json:"source"`
}

// Event converts the change into the engine's change-feed payload.
func (change Change) Event() statussync.ChangeEvent {
	return statussync.ChangeEvent{Table: change.Table, Email: change.Record.Email}
}

// HubStats counts published and dropped changes.
type HubStats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

type hubSubscriber struct {
	channel chan Change
	dropped uint64
}

// ChangeHub fans changes out to subscribers without blocking publishers.
// A subscriber whose buffer is full misses the change.
type ChangeHub struct {
	mutex       sync.RWMutex
	subscribers map[string]*hubSubscriber
	published   uint64
	dropped     uint64
	closed      bool
	logger      *zap.Logger
}

// NewChangeHub constructs an open hub.
func NewChangeHub(logger *zap.Logger) *ChangeHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeHub{
		subscribers: make(map[string]*hubSubscriber),
		logger:      logger,
	}
}

// Subscribe registers a buffered receiver and returns its id.
func (hub *ChangeHub) Subscribe(buffer int) (string, <-chan Change, error) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if hub.closed {
		return "", nil, ErrHubClosed
	}
	subscriberID := uuid.NewString()
	subscriber := &hubSubscriber{channel: make(chan Change, buffer)}
	hub.subscribers[subscriberID] = subscriber
	return subscriberID, subscriber.channel, nil
}

// Unsubscribe removes the subscriber and closes its channel.
func (hub *ChangeHub) Unsubscribe(subscriberID string) error {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	subscriber, ok := hub.subscribers[subscriberID]
	if !ok {
		return ErrSubscriberNotFound
	}
	delete(hub.subscribers, subscriberID)
	close(subscriber.channel)
	return nil
}

// Publish delivers the change to every subscriber with room in its buffer.
func (hub *ChangeHub) Publish(change Change) {
	if change.Table == "" {
		change.Table = statussync.AccessControlTable
	}
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	if hub.closed {
		return
	}
	atomic.AddUint64(&hub.published, 1)
	for subscriberID, subscriber := range hub.subscribers {
		select {
		case subscriber.channel <- change:
		default:
			atomic.AddUint64(&subscriber.dropped, 1)
			atomic.AddUint64(&hub.dropped, 1)
			hub.logger.Warn("change dropped for slow subscriber",
				zap.String("code", "access.hub.dropped"),
				zap.String("subscriber_id", subscriberID),
				zap.String("email", change.Record.Email))
		}
	}
}

// Stats returns the hub counters.
func (hub *ChangeHub) Stats() HubStats {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return HubStats{
		Subscribers: len(hub.subscribers),
		Published:   atomic.LoadUint64(&hub.published),
		Dropped:     atomic.LoadUint64(&hub.dropped),
	}
}

// Close unsubscribes everyone. Publish becomes a no-op.
func (hub *ChangeHub) Close() {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if hub.closed {
		return
	}
	hub.closed = true
	for subscriberID, subscriber := range hub.subscribers {
		close(subscriber.channel)
		delete(hub.subscribers, subscriberID)
	}
}

// Feed adapts the hub to statussync.ChangeFeed for in-process engines.
func (hub *ChangeHub) Feed() statussync.ChangeFeed {
	return hubFeed{hub: hub}
}

type hubFeed struct {
	hub *ChangeHub
}

func (feed hubFeed) Subscribe(listener func(statussync.ChangeEvent)) (func(), error) {
	subscriberID, changes, err := feed.hub.Subscribe(defaultSubscriberBuffer)
	if err != nil {
		return nil, err
	}
	go func() {
		for change := range changes {
			listener(change.Event())
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { _ = feed.hub.Unsubscribe(subscriberID) })
	}, nil
}

// NotifyingStore publishes a change after every successful Put.
type NotifyingStore struct {
	Store
	hub    *ChangeHub
	source string
}

// NewNotifyingStore wraps store so writes reach hub subscribers.
func NewNotifyingStore(store Store, hub *ChangeHub, source string) *NotifyingStore {
	return &NotifyingStore{Store: store, hub: hub, source: source}
}

func (store *NotifyingStore) Put(ctx context.Context, update Update) (Record, error) {
	record, err := store.Store.Put(ctx, update)
	if err != nil {
		return Record{}, err
	}
	store.hub.Publish(Change{Table: statussync.AccessControlTable, Record: record, Source: store.source})
	return record, nil
}

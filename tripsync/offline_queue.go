package tripsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

var queueLog = LogFn(LogLevelInfo, "oq")

// a recorded field-level write queued while the session is disconnected
type PendingMutation struct {
	CollectionName string    `json:"collection_name"`
	Mutation       *Mutation `json:"mutation"`
	EnqueueTime    time.Time `json:"enqueue_time"`
}

type OfflineQueueSettings struct {
	// past this many queued mutations, new enqueues fail with `ErrQueueFull`.
	// the failure is local to the one mutation, not the session
	MaxQueueSize int
}

func DefaultOfflineQueueSettings() *OfflineQueueSettings {
	return &OfflineQueueSettings{
		MaxQueueSize: 256,
	}
}

// per-session FIFO buffer of mutations awaiting reconnection.
// replay preserves enqueue order and removes an item only after the
// store acknowledges it.
type OfflineQueue struct {
	settings *OfflineQueueSettings

	mutex sync.Mutex
	items []*PendingMutation
}

func NewOfflineQueueWithDefaults() *OfflineQueue {
	return NewOfflineQueue(DefaultOfflineQueueSettings())
}

func NewOfflineQueue(settings *OfflineQueueSettings) *OfflineQueue {
	return &OfflineQueue{
		settings: settings,
	}
}

func (self *OfflineQueue) Enqueue(collectionName string, mutation *Mutation) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.settings.MaxQueueSize <= len(self.items) {
		return ErrQueueFull
	}
	self.items = append(self.items, &PendingMutation{
		CollectionName: collectionName,
		Mutation:       mutation,
		EnqueueTime:    time.Now(),
	})
	return nil
}

func (self *OfflineQueue) Size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.items)
}

func (self *OfflineQueue) PeekFirst() *PendingMutation {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.items) == 0 {
		return nil
	}
	return self.items[0]
}

func (self *OfflineQueue) removeFirst() *PendingMutation {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.items) == 0 {
		return nil
	}
	item := self.items[0]
	self.items[0] = nil
	self.items = self.items[1:]
	return item
}

func (self *OfflineQueue) snapshot() []*PendingMutation {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]*PendingMutation{}, self.items...)
}

func (self *OfflineQueue) clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.items = nil
}

// replays every queued mutation in enqueue order. each item is removed
// only after `apply` acknowledges it, so a cancellation between items
// leaves the remainder queued (checkpoint after each, never mid-mutation).
// if the trip is gone server-side, the remainder is discarded and
// `ErrTripGone` is returned.
func (self *OfflineQueue) Flush(ctx context.Context, apply func(item *PendingMutation) error) error {
	replayLog := SubLogFn(LogLevelDebug, queueLog, "replay")

	replayed := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item := self.PeekFirst()
		if item == nil {
			if 0 < replayed {
				queueLog("replayed %d queued mutations", replayed)
			}
			return nil
		}
		if err := apply(item); err != nil {
			if errors.Is(err, ErrTripNotFound) {
				queueLog("discarding %d queued mutations, trip gone", self.Size())
				self.clear()
				return ErrTripGone
			}
			return err
		}
		replayLog("%s (queued %s)", item.CollectionName, item.EnqueueTime.Format(time.RFC3339))
		self.removeFirst()
		replayed += 1
	}
}

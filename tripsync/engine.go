package tripsync

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
)

type EngineSettings struct {
	// attempts against fresh random codes before giving up with
	// `ErrIdSpaceExhausted`
	CreateRetryCount int

	SessionSettings *SyncSessionSettings
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		CreateRetryCount: 5,
		SessionSettings:  DefaultSyncSessionSettings(),
	}
}

// the inbound surface of the sync core: create/join trips and open
// sessions against them. one engine per client process; the engine keeps
// each trip's offline queue across session opens so that mutations
// queued before a close replay on the next open.
type Engine struct {
	ctx context.Context

	store       DocumentStore
	broadcaster *Broadcaster

	settings *EngineSettings

	mutex  sync.Mutex
	queues map[TripCode]*OfflineQueue
}

func NewEngineWithDefaults(ctx context.Context, store DocumentStore) *Engine {
	return NewEngine(ctx, store, NewBroadcasterWithDefaults(ctx, store), DefaultEngineSettings())
}

func NewEngine(ctx context.Context, store DocumentStore, broadcaster *Broadcaster, settings *EngineSettings) *Engine {
	return &Engine{
		ctx:         ctx,
		store:       store,
		broadcaster: broadcaster,
		settings:    settings,
		queues:      map[TripCode]*OfflineQueue{},
	}
}

func (self *Engine) Store() DocumentStore {
	return self.store
}

func (self *Engine) Broadcaster() *Broadcaster {
	return self.broadcaster
}

// creates a trip seeded with the default collections under a fresh
// random code. retries code collisions a bounded number of times
func (self *Engine) CreateTrip(ctx context.Context, name string) (*Document, error) {
	for i := 0; i < self.settings.CreateRetryCount; i += 1 {
		code := NewTripCode()
		document, err := self.store.Create(ctx, NewDocument(code, name))
		if err == nil {
			glog.V(1).Infof("[en]created %s (%s)\n", code, name)
			return document, nil
		}
		if !errors.Is(err, ErrTripExists) {
			return nil, err
		}
		// collision. try a fresh code
	}
	return nil, ErrIdSpaceExhausted
}

func (self *Engine) JoinTrip(ctx context.Context, code TripCode) (*Document, error) {
	return self.store.Get(ctx, code)
}

func (self *Engine) OpenSession(ctx context.Context, code TripCode, callbacks *SessionCallbacks) (*SyncSession, error) {
	return NewSyncSession(
		ctx,
		self.store,
		self.broadcaster,
		code,
		callbacks,
		self.queue(code),
		self.settings.SessionSettings,
	)
}

func (self *Engine) Close() {
	self.broadcaster.Close()
}

func (self *Engine) queue(code TripCode) *OfflineQueue {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	queue, ok := self.queues[code]
	if !ok {
		queue = NewOfflineQueue(self.settings.SessionSettings.QueueSettings)
		self.queues[code] = queue
	}
	return queue
}

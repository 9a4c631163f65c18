package tripsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testSessionSettings() *SyncSessionSettings {
	settings := DefaultSyncSessionSettings()
	settings.ReconnectMinTimeout = 10 * time.Millisecond
	settings.ReconnectMaxTimeout = 50 * time.Millisecond
	return settings
}

type sessionRecorder struct {
	mutex    sync.Mutex
	versions []Version
	events   chan SessionEvent
}

func newSessionRecorder() *sessionRecorder {
	return &sessionRecorder{
		events: make(chan SessionEvent, 64),
	}
}

func (self *sessionRecorder) callbacks() *SessionCallbacks {
	return &SessionCallbacks{
		Update: func(document *Document, version Version) {
			self.mutex.Lock()
			defer self.mutex.Unlock()
			self.versions = append(self.versions, version)
		},
		Event: func(event SessionEvent) {
			self.events <- event
		},
	}
}

func (self *sessionRecorder) lastVersion() Version {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.versions) == 0 {
		return 0
	}
	return self.versions[len(self.versions)-1]
}

func (self *sessionRecorder) awaitEvent(t *testing.T, eventType SessionEventType) SessionEvent {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event := <-self.events:
			if event.Type == eventType {
				return event
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s event", eventType)
		}
	}
}

func awaitVersion(t *testing.T, session *SyncSession, version Version) {
	timeout := time.After(5 * time.Second)
	for session.LastVersion() < version {
		select {
		case <-timeout:
			t.Fatalf("timeout waiting for v%d (at v%d)", version, session.LastVersion())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSessionOpenUnknownTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	defer store.Close()
	engine := NewEngineWithDefaults(ctx, store)
	defer engine.Close()

	_, err := engine.OpenSession(ctx, NewTripCode(), nil)
	assert.Equal(t, ErrTripNotFound, err)
}

func TestSessionMutateConnected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	defer store.Close()
	engine := NewEngineWithDefaults(ctx, store)
	defer engine.Close()

	document, err := engine.CreateTrip(ctx, "Lisbon")
	assert.Equal(t, nil, err)

	recorder := newSessionRecorder()
	session, err := engine.OpenSession(ctx, document.Code, recorder.callbacks())
	assert.Equal(t, nil, err)
	defer session.Close()

	assert.Equal(t, SessionStateConnected, session.State())

	entry := NewEntry(Fields{"title": "tram 28"})
	err = session.Mutate("schedule", AppendEntry(entry))
	assert.Equal(t, nil, err)

	// the echo from the broadcaster advances the session
	awaitVersion(t, session, 2)

	stored, err := store.Get(ctx, document.Code)
	assert.Equal(t, nil, err)
	assert.Equal(t, Version(2), stored.Version)
	assert.NotEqual(t, nil, stored.Collection("schedule").Entry(entry.EntryId))
}

func TestSessionMutateClosed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	defer store.Close()
	engine := NewEngineWithDefaults(ctx, store)
	defer engine.Close()

	document, err := engine.CreateTrip(ctx, "Lisbon")
	assert.Equal(t, nil, err)

	session, err := engine.OpenSession(ctx, document.Code, nil)
	assert.Equal(t, nil, err)

	session.Close()
	assert.Equal(t, SessionStateClosed, session.State())

	err = session.Mutate("schedule", AppendEntry(NewEntry(Fields{})))
	assert.Equal(t, ErrSessionClosed, err)

	// close is idempotent
	session.Close()
}

func TestSessionEchoDeduplication(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	defer store.Close()
	engine := NewEngineWithDefaults(ctx, store)
	defer engine.Close()

	document, err := engine.CreateTrip(ctx, "Lisbon")
	assert.Equal(t, nil, err)

	recorder := newSessionRecorder()
	session, err := engine.OpenSession(ctx, document.Code, recorder.callbacks())
	assert.Equal(t, nil, err)
	defer session.Close()

	err = session.Mutate("journal", AppendEntry(NewEntry(Fields{"note": "arrived"})))
	assert.Equal(t, nil, err)
	awaitVersion(t, session, 2)

	// a stale or duplicate notification must not regress the session
	stale := document.Clone()
	engine.Broadcaster().Forward(&Notification{
		Code:     document.Code,
		Version:  1,
		Document: stale,
	})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Version(2), session.LastVersion())
	assert.Equal(t, Version(2), recorder.lastVersion())
}

func TestSessionOfflineReplay(t *testing.T) {
	// mutations made while disconnected replay in order on reconnect
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	defer store.Close()

	online := &atomic.Bool{}
	online.Store(true)

	settings := DefaultEngineSettings()
	settings.SessionSettings = testSessionSettings()
	settings.SessionSettings.ProbeFunction = func(ctx context.Context) error {
		if !online.Load() {
			return errors.New("offline")
		}
		return nil
	}
	engine := NewEngine(ctx, store, NewBroadcasterWithDefaults(ctx, store), settings)
	defer engine.Close()

	document, err := engine.CreateTrip(ctx, "Lisbon")
	assert.Equal(t, nil, err)

	recorder := newSessionRecorder()
	session, err := engine.OpenSession(ctx, document.Code, recorder.callbacks())
	assert.Equal(t, nil, err)
	defer session.Close()

	online.Store(false)
	session.Disconnect()
	recorder.awaitEvent(t, SessionEventDisconnected)
	assert.Equal(t, SessionStateDisconnected, session.State())

	entries := []*Entry{}
	for i := 0; i < 3; i += 1 {
		entry := NewEntry(Fields{"i": i})
		entries = append(entries, entry)
		err := session.Mutate("journal", AppendEntry(entry))
		assert.Equal(t, nil, err)
	}
	assert.Equal(t, 3, session.QueueSize())

	// the optimistic view already shows the queued entries
	assert.Equal(t, entries[0].EntryId, session.localDocument.Collection("journal").Entries[0].EntryId)

	online.Store(true)
	recorder.awaitEvent(t, SessionEventReconnected)
	awaitVersion(t, session, 4)

	assert.Equal(t, 0, session.QueueSize())
	assert.Equal(t, SessionStateConnected, session.State())

	stored, err := store.Get(ctx, document.Code)
	assert.Equal(t, nil, err)
	assert.Equal(t, Version(4), stored.Version)
	journal := stored.Collection("journal")
	for i, entry := range entries {
		assert.Equal(t, entry.EntryId, journal.Entries[i].EntryId)
	}
}

func TestSessionQueuePersistsAcrossOpens(t *testing.T) {
	// the engine keeps the offline queue per trip, so mutations queued
	// before a close replay when the trip is opened again
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	defer store.Close()

	online := &atomic.Bool{}
	online.Store(true)

	settings := DefaultEngineSettings()
	settings.SessionSettings = testSessionSettings()
	settings.SessionSettings.ProbeFunction = func(ctx context.Context) error {
		if !online.Load() {
			return errors.New("offline")
		}
		return nil
	}
	engine := NewEngine(ctx, store, NewBroadcasterWithDefaults(ctx, store), settings)
	defer engine.Close()

	document, err := engine.CreateTrip(ctx, "Lisbon")
	assert.Equal(t, nil, err)

	session, err := engine.OpenSession(ctx, document.Code, nil)
	assert.Equal(t, nil, err)

	online.Store(false)
	session.Disconnect()
	entry := NewEntry(Fields{"note": "offline note"})
	err = session.Mutate("journal", AppendEntry(entry))
	assert.Equal(t, nil, err)
	session.Close()

	online.Store(true)
	recorder := newSessionRecorder()
	next, err := engine.OpenSession(ctx, document.Code, recorder.callbacks())
	assert.Equal(t, nil, err)
	defer next.Close()

	awaitVersion(t, next, 2)
	stored, err := store.Get(ctx, document.Code)
	assert.Equal(t, nil, err)
	assert.NotEqual(t, nil, stored.Collection("journal").Entry(entry.EntryId))
}

// a store wrapper that can make a trip disappear, as if deleted on a
// peer node while this client was offline
type goneStore struct {
	DocumentStore
	gone *atomic.Bool
}

func (self *goneStore) Get(ctx context.Context, code TripCode) (*Document, error) {
	if self.gone.Load() {
		return nil, ErrTripNotFound
	}
	return self.DocumentStore.Get(ctx, code)
}

func (self *goneStore) ApplyMutation(ctx context.Context, code TripCode, collectionName string, mutation *Mutation) (*Commit, error) {
	if self.gone.Load() {
		return nil, ErrTripNotFound
	}
	return self.DocumentStore.ApplyMutation(ctx, code, collectionName, mutation)
}

func TestSessionTripGone(t *testing.T) {
	ctx := context.Background()
	memoryStore := NewMemoryStore(ctx)
	defer memoryStore.Close()
	store := &goneStore{
		DocumentStore: memoryStore,
		gone:          &atomic.Bool{},
	}

	online := &atomic.Bool{}
	online.Store(true)

	settings := DefaultEngineSettings()
	settings.SessionSettings = testSessionSettings()
	settings.SessionSettings.ProbeFunction = func(ctx context.Context) error {
		if !online.Load() {
			return errors.New("offline")
		}
		return nil
	}
	engine := NewEngine(ctx, store, NewBroadcasterWithDefaults(ctx, store), settings)
	defer engine.Close()

	document, err := engine.CreateTrip(ctx, "Lisbon")
	assert.Equal(t, nil, err)

	recorder := newSessionRecorder()
	session, err := engine.OpenSession(ctx, document.Code, recorder.callbacks())
	assert.Equal(t, nil, err)
	defer session.Close()

	online.Store(false)
	session.Disconnect()
	recorder.awaitEvent(t, SessionEventDisconnected)

	err = session.Mutate("journal", AppendEntry(NewEntry(Fields{"note": "too late"})))
	assert.Equal(t, nil, err)

	// the trip disappears while offline. the reconnect probe still
	// succeeds at the transport level, then replay discovers the trip
	// is gone and the session terminates
	store.gone.Store(true)
	online.Store(true)

	recorder.awaitEvent(t, SessionEventTripGone)

	timeout := time.After(5 * time.Second)
	for session.State() != SessionStateClosed {
		select {
		case <-timeout:
			t.FailNow()
		case <-time.After(10 * time.Millisecond):
		}
	}
	assert.Equal(t, 0, session.QueueSize())
}

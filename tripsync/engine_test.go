package tripsync

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEngineCreateJoin(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	defer store.Close()
	engine := NewEngineWithDefaults(ctx, store)
	defer engine.Close()

	document, err := engine.CreateTrip(ctx, "Porto")
	assert.Equal(t, nil, err)
	assert.Equal(t, TripCodeLength, len(document.Code))
	assert.Equal(t, Version(1), document.Version)

	joined, err := engine.JoinTrip(ctx, document.Code)
	assert.Equal(t, nil, err)
	assert.Equal(t, "Porto", joined.Name)

	_, err = engine.JoinTrip(ctx, NewTripCode())
	assert.Equal(t, ErrTripNotFound, err)
}

// a store where every code is already taken
type collidingStore struct {
	DocumentStore
	createCount atomic.Int64
}

func (self *collidingStore) Create(ctx context.Context, document *Document) (*Document, error) {
	self.createCount.Add(1)
	return nil, ErrTripExists
}

func TestEngineCreateRetry(t *testing.T) {
	ctx := context.Background()
	memoryStore := NewMemoryStore(ctx)
	defer memoryStore.Close()
	store := &collidingStore{
		DocumentStore: memoryStore,
	}

	settings := DefaultEngineSettings()
	settings.CreateRetryCount = 3
	engine := NewEngine(ctx, store, NewBroadcasterWithDefaults(ctx, store), settings)
	defer engine.Close()

	_, err := engine.CreateTrip(ctx, "Porto")
	assert.Equal(t, ErrIdSpaceExhausted, err)
	assert.Equal(t, int64(3), store.createCount.Load())
}

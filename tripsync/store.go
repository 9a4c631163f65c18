package tripsync

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// one accepted mutation. the snapshot is the full document state
// immediately after the commit.
type Commit struct {
	Code           TripCode
	Version        Version
	CollectionName string
	Document       *Document
	MergedFields   []string
}

type CommitFunction func(commit *Commit)

// durable source of truth for trip documents.
// the unit of atomicity is a single named collection: mutations to the
// same (trip, collection) pair are strictly ordered, mutations to
// different collections of the same trip may proceed concurrently.
type DocumentStore interface {
	// no side effects
	Get(ctx context.Context, code TripCode) (*Document, error)
	// fails with `ErrTripExists` if the code is taken.
	// code generation and collision retry are the caller's responsibility
	Create(ctx context.Context, document *Document) (*Document, error)
	// resolves the mutation against the committed state, bumps the
	// document version and invokes the commit callbacks in commit order
	ApplyMutation(ctx context.Context, code TripCode, collectionName string, mutation *Mutation) (*Commit, error)
	// commit callbacks are invoked in per-trip commit order and must not block
	AddCommitCallback(callback CommitFunction) func()
	Codes(ctx context.Context) ([]TripCode, error)
	Close()
}

// in-memory `DocumentStore`. the default for tests and single-process use
type MemoryStore struct {
	ctx context.Context

	resolver *ConflictResolver

	commitCallbacks *CallbackList[CommitFunction]

	mutex sync.Mutex
	trips map[TripCode]*memoryTrip
}

type memoryTrip struct {
	// guards the document, its version counter and commit fan-out
	mutex sync.Mutex
	// serializes mutations per collection so that long merge queues on one
	// collection do not starve writers of unrelated collections
	collectionLocks map[string]*sync.Mutex
	document        *Document
}

func NewMemoryStore(ctx context.Context) *MemoryStore {
	return &MemoryStore{
		ctx:             ctx,
		resolver:        NewConflictResolver(),
		commitCallbacks: NewCallbackList[CommitFunction](),
		trips:           map[TripCode]*memoryTrip{},
	}
}

func (self *MemoryStore) Get(ctx context.Context, code TripCode) (*Document, error) {
	trip, err := self.trip(code)
	if err != nil {
		return nil, err
	}

	trip.mutex.Lock()
	defer trip.mutex.Unlock()
	return trip.document.Clone(), nil
}

func (self *MemoryStore) Create(ctx context.Context, document *Document) (*Document, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.trips[document.Code]; ok {
		return nil, ErrTripExists
	}
	trip := &memoryTrip{
		collectionLocks: map[string]*sync.Mutex{},
		document:        document.Clone(),
	}
	self.trips[document.Code] = trip
	glog.V(1).Infof("[st]create %s v%d\n", document.Code, document.Version)
	return trip.document.Clone(), nil
}

func (self *MemoryStore) ApplyMutation(ctx context.Context, code TripCode, collectionName string, mutation *Mutation) (*Commit, error) {
	trip, err := self.trip(code)
	if err != nil {
		return nil, err
	}

	collectionLock := trip.collectionLock(collectionName)
	collectionLock.Lock()
	defer collectionLock.Unlock()

	trip.mutex.Lock()
	defer trip.mutex.Unlock()

	collection, ok := trip.document.Collections[collectionName]
	if !ok {
		if mutation.Op != MutationReplaceCollection {
			return nil, ErrCollectionNotFound
		}
		// replace creates the collection
		collection = &Collection{}
		trip.document.Collections[collectionName] = collection
	}

	nextVersion := trip.document.Version + 1
	outcome, err := self.resolver.Resolve(collection, mutation, nextVersion)
	if err != nil {
		return nil, err
	}

	trip.document.Version = nextVersion
	commit := &Commit{
		Code:           code,
		Version:        nextVersion,
		CollectionName: collectionName,
		Document:       trip.document.Clone(),
		MergedFields:   outcome.MergedFields,
	}
	glog.V(2).Infof("[st]commit %s/%s v%d merged=%d\n", code, collectionName, nextVersion, len(commit.MergedFields))

	// fired under the trip lock so that subscribers observe commits for a
	// trip in version order. callbacks only enqueue
	self.commit(commit)

	return commit, nil
}

func (self *MemoryStore) AddCommitCallback(callback CommitFunction) func() {
	callbackId := self.commitCallbacks.Add(callback)
	return func() {
		self.commitCallbacks.Remove(callbackId)
	}
}

func (self *MemoryStore) Codes(ctx context.Context) ([]TripCode, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	codes := maps.Keys(self.trips)
	slices.Sort(codes)
	return codes, nil
}

func (self *MemoryStore) Close() {
}

func (self *MemoryStore) commit(commit *Commit) {
	for _, commitCallback := range self.commitCallbacks.Get() {
		func() {
			defer recover()
			commitCallback(commit)
		}()
	}
}

func (self *MemoryStore) trip(code TripCode) (*memoryTrip, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	trip, ok := self.trips[code]
	if !ok {
		return nil, ErrTripNotFound
	}
	return trip, nil
}

func (self *memoryTrip) collectionLock(collectionName string) *sync.Mutex {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	collectionLock, ok := self.collectionLocks[collectionName]
	if !ok {
		collectionLock = &sync.Mutex{}
		self.collectionLocks[collectionName] = collectionLock
	}
	return collectionLock
}

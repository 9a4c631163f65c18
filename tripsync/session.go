package tripsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type SessionState int

const (
	SessionStateConnecting SessionState = iota
	SessionStateConnected
	SessionStateDisconnected
	SessionStateClosed
)

func (self SessionState) String() string {
	switch self {
	case SessionStateConnecting:
		return "connecting"
	case SessionStateConnected:
		return "connected"
	case SessionStateDisconnected:
		return "disconnected"
	case SessionStateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type SessionEventType string

const (
	SessionEventDisconnected SessionEventType = "disconnected"
	SessionEventReconnected  SessionEventType = "reconnected"
	SessionEventTripGone     SessionEventType = "trip_gone"
	SessionEventError        SessionEventType = "error"
	SessionEventMerged       SessionEventType = "merged"
)

type SessionEvent struct {
	Type   SessionEventType `json:"type"`
	Detail string           `json:"detail,omitempty"`
}

type UpdateFunction func(document *Document, version Version)
type SessionEventFunction func(event SessionEvent)

// note all callbacks are wrapped to check for nil and recover from errors
type SessionCallbacks struct {
	Update UpdateFunction
	Event  SessionEventFunction
}

type SyncSessionSettings struct {
	ConnectTimeout time.Duration
	MutateTimeout  time.Duration

	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration

	QueueSettings *OfflineQueueSettings

	// connectivity probe used by the reconnect loop.
	// nil probes the store directly
	ProbeFunction func(ctx context.Context) error
}

func DefaultSyncSessionSettings() *SyncSessionSettings {
	return &SyncSessionSettings{
		ConnectTimeout:      10 * time.Second,
		MutateTimeout:       5 * time.Second,
		ReconnectMinTimeout: 1 * time.Second,
		ReconnectMaxTimeout: 30 * time.Second,
		QueueSettings:       DefaultOfflineQueueSettings(),
	}
}

// a client's live handle to one trip's change stream.
//
// state machine: connecting -> connected <-> disconnected -> closed.
// while connected, mutations are forwarded to the store and the local
// view is updated speculatively before the authoritative echo arrives.
// while disconnected, mutations queue in the offline queue and the
// reconnect loop replays them in order once the store is reachable again.
// closed is terminal.
//
// the session holds no authoritative state. the local document is an
// optimistic view: the last authoritative snapshot with any still queued
// mutations re-applied on top.
type SyncSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	store       DocumentStore
	broadcaster *Broadcaster
	code        TripCode
	callbacks   *SessionCallbacks

	settings *SyncSessionSettings

	resolver *ConflictResolver
	queue    *OfflineQueue

	subscription *Subscription

	mutex         sync.Mutex
	state         SessionState
	lastVersion   Version
	localDocument *Document
}

func NewSyncSessionWithDefaults(
	ctx context.Context,
	store DocumentStore,
	broadcaster *Broadcaster,
	code TripCode,
	callbacks *SessionCallbacks,
) (*SyncSession, error) {
	return NewSyncSession(ctx, store, broadcaster, code, callbacks, NewOfflineQueueWithDefaults(), DefaultSyncSessionSettings())
}

// performs the initial read and subscribes to the trip's change stream.
// fails with `ErrTripNotFound` if the trip does not exist and
// `ErrConnectTimeout` if the store does not answer in time.
func NewSyncSession(
	ctx context.Context,
	store DocumentStore,
	broadcaster *Broadcaster,
	code TripCode,
	callbacks *SessionCallbacks,
	queue *OfflineQueue,
	settings *SyncSessionSettings,
) (*SyncSession, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &SyncSession{
		ctx:         cancelCtx,
		cancel:      cancel,
		store:       store,
		broadcaster: broadcaster,
		code:        code,
		callbacks:   callbacks,
		settings:    settings,
		resolver:    NewConflictResolver(),
		queue:       queue,
		state:       SessionStateConnecting,
	}

	connectCtx, connectCancel := context.WithTimeout(cancelCtx, settings.ConnectTimeout)
	defer connectCancel()
	document, err := store.Get(connectCtx, code)
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrConnectTimeout
		}
		return nil, err
	}

	subscription, err := broadcaster.Subscribe(cancelCtx, code, session.receive)
	if err != nil {
		cancel()
		return nil, err
	}

	session.mutex.Lock()
	session.subscription = subscription
	session.state = SessionStateConnected
	session.localDocument = document
	session.mutex.Unlock()

	// mutations queued by a previous session for this trip replay first
	if 0 < queue.Size() {
		go session.flushQueue()
	}

	return session, nil
}

func (self *SyncSession) Code() TripCode {
	return self.code
}

func (self *SyncSession) State() SessionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *SyncSession) LastVersion() Version {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.lastVersion
}

func (self *SyncSession) QueueSize() int {
	return self.queue.Size()
}

// forwards the mutation to the store when connected, or queues it when
// disconnected. either way the caller's view is updated speculatively
// before the authoritative update arrives.
func (self *SyncSession) Mutate(collectionName string, mutation *Mutation) error {
	if err := mutation.Validate(); err != nil {
		return err
	}

	self.mutex.Lock()
	state := self.state
	if state == SessionStateClosed {
		self.mutex.Unlock()
		return ErrSessionClosed
	}
	mutation.ObservedVersion = self.lastVersion
	self.applyOptimisticLocked(collectionName, mutation)
	optimistic := self.localDocument
	version := self.lastVersion
	self.mutex.Unlock()

	self.update(optimistic, version)

	if state != SessionStateConnected {
		return self.queue.Enqueue(collectionName, mutation)
	}

	mutateCtx, mutateCancel := context.WithTimeout(self.ctx, self.settings.MutateTimeout)
	defer mutateCancel()
	_, err := self.store.ApplyMutation(mutateCtx, self.code, collectionName, mutation)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// treat as if the session had gone offline: queue for replay
		glog.Infof("[ss]%s mutate timeout, going offline\n", self.code)
		if queueErr := self.queue.Enqueue(collectionName, mutation); queueErr != nil {
			return queueErr
		}
		self.setDisconnected("mutate timeout")
		return nil
	}
	return err
}

// unsubscribes and tears the session down. queued offline mutations
// remain in the queue for a future session on the same trip.
func (self *SyncSession) Close() {
	self.mutex.Lock()
	if self.state == SessionStateClosed {
		self.mutex.Unlock()
		return
	}
	self.state = SessionStateClosed
	subscription := self.subscription
	self.mutex.Unlock()

	if subscription != nil {
		self.broadcaster.Unsubscribe(subscription)
	}
	self.cancel()
}

// forces the session offline. used by transports when the link drops
// and by callers that want to batch mutations locally
func (self *SyncSession) Disconnect() {
	self.setDisconnected("transport disconnected")
}

// NotifyFunction
func (self *SyncSession) receive(notification *Notification) {
	self.mutex.Lock()
	if self.state == SessionStateClosed {
		self.mutex.Unlock()
		return
	}
	if notification.Version <= self.lastVersion {
		// own echo or an already observed version
		self.mutex.Unlock()
		return
	}
	self.lastVersion = notification.Version

	// authoritative state wins. still queued local mutations are
	// re-applied on top so the optimistic view is not rolled back
	localDocument := notification.Document.Clone()
	for _, item := range self.queue.snapshot() {
		if collection, ok := localDocument.Collections[item.CollectionName]; ok {
			self.resolver.Resolve(collection, item.Mutation, localDocument.Version)
		}
	}
	self.localDocument = localDocument
	self.mutex.Unlock()

	self.update(localDocument, notification.Version)
	if 0 < len(notification.MergedFields) {
		self.event(SessionEvent{
			Type:   SessionEventMerged,
			Detail: fmt.Sprintf("merged fields: %v", notification.MergedFields),
		})
	}
}

func (self *SyncSession) applyOptimisticLocked(collectionName string, mutation *Mutation) {
	localDocument := self.localDocument.Clone()
	collection, ok := localDocument.Collections[collectionName]
	if !ok {
		if mutation.Op != MutationReplaceCollection {
			return
		}
		collection = &Collection{}
		localDocument.Collections[collectionName] = collection
	}
	self.resolver.Resolve(collection, mutation.Clone(), localDocument.Version)
	self.localDocument = localDocument
}

func (self *SyncSession) setDisconnected(reason string) {
	self.mutex.Lock()
	if self.state != SessionStateConnected {
		self.mutex.Unlock()
		return
	}
	self.state = SessionStateDisconnected
	self.mutex.Unlock()

	self.event(SessionEvent{
		Type:   SessionEventDisconnected,
		Detail: reason,
	})
	go self.reconnect()
}

func (self *SyncSession) reconnect() {
	reconnect := NewReconnect(self.settings.ReconnectMinTimeout, self.settings.ReconnectMaxTimeout)
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}

		if err := self.probe(); err != nil {
			glog.V(1).Infof("[ss]%s probe error = %s\n", self.code, err)
			continue
		}

		self.mutex.Lock()
		if self.state != SessionStateDisconnected {
			self.mutex.Unlock()
			return
		}
		self.state = SessionStateConnected
		self.mutex.Unlock()

		self.event(SessionEvent{
			Type: SessionEventReconnected,
		})
		self.flushQueue()
		return
	}
}

func (self *SyncSession) probe() error {
	if self.settings.ProbeFunction != nil {
		return self.settings.ProbeFunction(self.ctx)
	}
	probeCtx, probeCancel := context.WithTimeout(self.ctx, self.settings.ConnectTimeout)
	defer probeCancel()
	_, err := self.store.Get(probeCtx, self.code)
	return err
}

// replays the offline queue in enqueue order, checkpointing after each
// acknowledged mutation
func (self *SyncSession) flushQueue() {
	err := self.queue.Flush(self.ctx, func(item *PendingMutation) error {
		mutateCtx, mutateCancel := context.WithTimeout(self.ctx, self.settings.MutateTimeout)
		defer mutateCancel()
		_, err := self.store.ApplyMutation(mutateCtx, self.code, item.CollectionName, item.Mutation)
		glog.V(2).Infof("[ss]%s replay %s (%s)\n", self.code, item.CollectionName, err)
		return err
	})
	if err == nil {
		return
	}
	if errors.Is(err, ErrTripGone) {
		// the trip disappeared server-side during the offline period.
		// terminal for this session
		self.event(SessionEvent{
			Type: SessionEventTripGone,
		})
		self.Close()
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	glog.Infof("[ss]%s replay error = %s\n", self.code, err)
	self.setDisconnected(fmt.Sprintf("replay error: %s", err))
}

func (self *SyncSession) update(document *Document, version Version) {
	if self.callbacks == nil || self.callbacks.Update == nil {
		return
	}
	func() {
		defer recover()
		self.callbacks.Update(document, version)
	}()
}

func (self *SyncSession) event(event SessionEvent) {
	if self.callbacks == nil || self.callbacks.Event == nil {
		return
	}
	func() {
		defer recover()
		self.callbacks.Event(event)
	}()
}

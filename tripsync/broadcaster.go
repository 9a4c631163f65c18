package tripsync

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// the new committed state pushed to a subscriber.
// the originating session receives its own echo and de-duplicates by version.
type Notification struct {
	Code               TripCode
	Version            Version
	Document           *Document
	ChangedCollections []string
	MergedFields       []string
}

type NotifyFunction func(notification *Notification)

type BroadcasterSettings struct {
	// past this many undelivered notifications, older ones are dropped
	// in favor of newer versions. a subscriber only needs the latest state
	SubscriberQueueMaxLen int
}

func DefaultBroadcasterSettings() *BroadcasterSettings {
	return &BroadcasterSettings{
		SubscriberQueueMaxLen: 32,
	}
}

// maintains the set of active subscriptions per trip and fans out each
// committed mutation. notifications for one trip are delivered to every
// subscriber in commit order. the subscriber set has its own lock so
// subscribe/unsubscribe never block on slow document writes.
type Broadcaster struct {
	ctx   context.Context
	store DocumentStore

	settings *BroadcasterSettings

	storeUnsub func()

	mutex         sync.Mutex
	subscriptions map[TripCode]map[*Subscription]bool
}

func NewBroadcasterWithDefaults(ctx context.Context, store DocumentStore) *Broadcaster {
	return NewBroadcaster(ctx, store, DefaultBroadcasterSettings())
}

func NewBroadcaster(ctx context.Context, store DocumentStore, settings *BroadcasterSettings) *Broadcaster {
	broadcaster := &Broadcaster{
		ctx:           ctx,
		store:         store,
		settings:      settings,
		subscriptions: map[TripCode]map[*Subscription]bool{},
	}
	broadcaster.storeUnsub = store.AddCommitCallback(broadcaster.notify)
	return broadcaster
}

// registers a subscriber and immediately queues the current full document
// as the first notification, so a newly connected client is never left
// waiting for the next commit.
func (self *Broadcaster) Subscribe(ctx context.Context, code TripCode, deliver NotifyFunction) (*Subscription, error) {
	subscription := newSubscription(self, code, deliver, self.settings.SubscriberQueueMaxLen)

	self.mutex.Lock()
	subscriptions, ok := self.subscriptions[code]
	if !ok {
		subscriptions = map[*Subscription]bool{}
		self.subscriptions[code] = subscriptions
	}
	subscriptions[subscription] = true
	self.mutex.Unlock()

	// registered before the read so no commit is missed.
	// a commit that lands in between is queued ahead of the snapshot with a
	// version at most the snapshot's, and subscribers de-duplicate by version
	document, err := self.store.Get(ctx, code)
	if err != nil {
		self.Unsubscribe(subscription)
		return nil, err
	}
	subscription.enqueue(&Notification{
		Code:               code,
		Version:            document.Version,
		Document:           document,
		ChangedCollections: document.CollectionNames(),
	})

	go subscription.run(self.ctx)

	return subscription, nil
}

// idempotent
func (self *Broadcaster) Unsubscribe(subscription *Subscription) {
	self.mutex.Lock()
	if subscriptions, ok := self.subscriptions[subscription.code]; ok {
		delete(subscriptions, subscription)
		if len(subscriptions) == 0 {
			delete(self.subscriptions, subscription.code)
		}
	}
	self.mutex.Unlock()

	subscription.close()
}

func (self *Broadcaster) SubscriberCount(code TripCode) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.subscriptions[code])
}

func (self *Broadcaster) Close() {
	self.storeUnsub()

	self.mutex.Lock()
	subscriptions := []*Subscription{}
	for _, codeSubscriptions := range self.subscriptions {
		for subscription := range codeSubscriptions {
			subscriptions = append(subscriptions, subscription)
		}
	}
	self.subscriptions = map[TripCode]map[*Subscription]bool{}
	self.mutex.Unlock()

	for _, subscription := range subscriptions {
		subscription.close()
	}
}

// CommitFunction
func (self *Broadcaster) notify(commit *Commit) {
	self.Forward(&Notification{
		Code:               commit.Code,
		Version:            commit.Version,
		Document:           commit.Document,
		ChangedCollections: []string{commit.CollectionName},
		MergedFields:       commit.MergedFields,
	})
}

// fans a notification out to the trip's subscribers. used for local
// commits and for commits relayed from peer nodes
func (self *Broadcaster) Forward(notification *Notification) {
	self.mutex.Lock()
	subscriptions := make([]*Subscription, 0, len(self.subscriptions[notification.Code]))
	for subscription := range self.subscriptions[notification.Code] {
		subscriptions = append(subscriptions, subscription)
	}
	self.mutex.Unlock()

	for _, subscription := range subscriptions {
		subscription.enqueue(notification)
	}
}

// one subscriber's ordered delivery queue with its own pump goroutine,
// so a slow subscriber never blocks the committing writer or its peers
type Subscription struct {
	broadcaster *Broadcaster
	code        TripCode
	deliver     NotifyFunction

	queueMaxLen int

	updateMonitor *Monitor

	mutex  sync.Mutex
	queue  []*Notification
	closed bool
}

func newSubscription(broadcaster *Broadcaster, code TripCode, deliver NotifyFunction, queueMaxLen int) *Subscription {
	return &Subscription{
		broadcaster:   broadcaster,
		code:          code,
		deliver:       deliver,
		queueMaxLen:   queueMaxLen,
		updateMonitor: NewMonitor(),
	}
}

func (self *Subscription) Code() TripCode {
	return self.code
}

func (self *Subscription) enqueue(notification *Notification) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return
	}
	self.queue = append(self.queue, notification)
	if self.queueMaxLen < len(self.queue) {
		// keep the newest. versions stay increasing for the subscriber
		drop := len(self.queue) - self.queueMaxLen
		glog.Infof("[br]drop %s %d notifications (backpressure)\n", self.code, drop)
		self.queue = self.queue[drop:]
	}
	self.updateMonitor.NotifyAll()
}

func (self *Subscription) run(ctx context.Context) {
	for {
		notify := self.updateMonitor.NotifyChannel()
		notification := self.poll()
		if notification == nil {
			self.mutex.Lock()
			closed := self.closed
			self.mutex.Unlock()
			if closed {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-notify:
			}
			continue
		}

		func() {
			defer recover()
			self.deliver(notification)
		}()
	}
}

func (self *Subscription) poll() *Notification {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.queue) == 0 {
		return nil
	}
	notification := self.queue[0]
	self.queue[0] = nil
	self.queue = self.queue[1:]
	return notification
}

func (self *Subscription) close() {
	self.mutex.Lock()
	self.closed = true
	self.queue = nil
	self.mutex.Unlock()
	self.updateMonitor.NotifyAll()
}

package tripsync

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// broadcast-style notification. `NotifyAll` closes the current update
// channel and replaces it, waking every waiter on `NotifyChannel`.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex       sync.Mutex
	nextId      int
	callbackIds []int
	callbacks   map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbackIds = append(slices.Clone(self.callbackIds), callbackId)
	nextCallbacks := map[int]T{}
	maps.Copy(nextCallbacks, self.callbacks)
	nextCallbacks[callbackId] = callback
	self.callbacks = nextCallbacks
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	nextCallbacks := map[int]T{}
	maps.Copy(nextCallbacks, self.callbacks)
	delete(nextCallbacks, callbackId)
	self.callbacks = nextCallbacks
}

// context that can additionally be canceled by os signals
type Event struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *Event) Ctx() context.Context {
	return self.ctx
}

func (self *Event) SetOnSignals(signals ...os.Signal) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, signals...)
	go func() {
		defer signal.Stop(c)
		select {
		case <-self.ctx.Done():
		case <-c:
			self.cancel()
		}
	}()
}

func (self *Event) Cancel() {
	self.cancel()
}

// exponential backoff between reconnect attempts, bounded by [min, max]
type Reconnect struct {
	minTimeout time.Duration
	maxTimeout time.Duration
	timeout    time.Duration
}

func NewReconnect(minTimeout time.Duration, maxTimeout time.Duration) *Reconnect {
	return &Reconnect{
		minTimeout: minTimeout,
		maxTimeout: maxTimeout,
		timeout:    minTimeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	timeout := self.timeout
	self.timeout = min(2*self.timeout, self.maxTimeout)
	return time.After(timeout)
}

func (self *Reconnect) Reset() {
	self.timeout = self.minTimeout
}

package tripsync

import (
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()

	n := 4
	wg := sync.WaitGroup{}
	woken := make(chan struct{}, n)
	for i := 0; i < n; i += 1 {
		notify := monitor.NotifyChannel()
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-notify:
				woken <- struct{}{}
			case <-time.After(5 * time.Second):
			}
		}()
	}

	// one notify wakes every waiter
	monitor.NotifyAll()
	wg.Wait()
	assert.Equal(t, n, len(woken))

	// the channel is replaced, later waiters need a later notify
	notify := monitor.NotifyChannel()
	select {
	case <-notify:
		t.FailNow()
	default:
	}
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()

	aId := callbacks.Add(func() int { return 1 })
	bId := callbacks.Add(func() int { return 2 })
	cId := callbacks.Add(func() int { return 3 })

	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	// insertion order
	assert.Equal(t, []int{1, 2, 3}, values)

	callbacks.Remove(bId)
	values = []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, []int{1, 3}, values)

	// removing twice is a no-op
	callbacks.Remove(bId)
	callbacks.Remove(aId)
	callbacks.Remove(cId)
	assert.Equal(t, 0, len(callbacks.Get()))
}

func TestReconnect(t *testing.T) {
	reconnect := NewReconnect(10*time.Millisecond, 40*time.Millisecond)

	// the backoff doubles per attempt up to the max
	assert.Equal(t, 10*time.Millisecond, reconnect.timeout)
	reconnect.After()
	assert.Equal(t, 20*time.Millisecond, reconnect.timeout)
	reconnect.After()
	assert.Equal(t, 40*time.Millisecond, reconnect.timeout)
	reconnect.After()
	assert.Equal(t, 40*time.Millisecond, reconnect.timeout)

	reconnect.Reset()
	assert.Equal(t, 10*time.Millisecond, reconnect.timeout)
}

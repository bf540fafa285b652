package store

import (
	"context"
	"sync"
	"time"
)

const subscriberBuffer = 256

// LocalFeed fans change events out to in-process subscribers. A subscriber
// whose buffer overflows gets a RESYNC before its next delivered event.
type LocalFeed struct {
	mu     sync.Mutex
	subs   map[string]map[*localSub]struct{}
	closed bool
	stop   chan struct{}
}

// NewLocalFeed creates a feed. A positive heartbeat publishes HEARTBEAT
// events to every subscriber at that period.
func NewLocalFeed(heartbeat time.Duration) *LocalFeed {
	f := &LocalFeed{
		subs: make(map[string]map[*localSub]struct{}),
		stop: make(chan struct{}),
	}
	if heartbeat > 0 {
		go f.heartbeatLoop(heartbeat)
	}
	return f
}

func (f *LocalFeed) heartbeatLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case t := <-ticker.C:
			f.Broadcast(ChangeEvent{Type: EventHeartbeat, CommitTime: t.UTC()})
		}
	}
}

// Publish delivers ev to every subscriber of ev.Table
func (f *LocalFeed) Publish(_ context.Context, ev ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return newError(CodeUnavailable, "publish", ev.Table, nil)
	}
	for s := range f.subs[ev.Table] {
		s.deliver(ev)
	}
	return nil
}

// Broadcast delivers a control event to every subscriber of every table
func (f *LocalFeed) Broadcast(ev ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, set := range f.subs {
		for s := range set {
			s.deliver(ev)
		}
	}
}

// Subscribe registers a subscriber for one table
func (f *LocalFeed) Subscribe(_ context.Context, table string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, newError(CodeUnavailable, "subscribe", table, nil)
	}
	s := &localSub{feed: f, table: table, ch: make(chan ChangeEvent, subscriberBuffer)}
	if f.subs[table] == nil {
		f.subs[table] = make(map[*localSub]struct{})
	}
	f.subs[table][s] = struct{}{}
	return s, nil
}

// Close closes every subscription and stops the heartbeat
func (f *LocalFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.stop)
	for _, set := range f.subs {
		for s := range set {
			close(s.ch)
		}
	}
	f.subs = nil
	return nil
}

func (f *LocalFeed) remove(s *localSub) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.subs[s.table]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	close(s.ch)
}

type localSub struct {
	feed   *LocalFeed
	table  string
	ch     chan ChangeEvent
	lagged bool
	once   sync.Once
}

// deliver never blocks; it runs under the feed lock.
func (s *localSub) deliver(ev ChangeEvent) {
	if s.lagged {
		select {
		case s.ch <- ChangeEvent{Table: s.table, Type: EventResync, CommitTime: time.Now().UTC()}:
			s.lagged = false
		default:
			return
		}
	}
	select {
	case s.ch <- ev:
	default:
		s.lagged = true
	}
}

func (s *localSub) Events() <-chan ChangeEvent { return s.ch }

func (s *localSub) Close() error {
	s.once.Do(func() { s.feed.remove(s) })
	return nil
}

package store

import (
	"context"
	"sync"
)

// Admit decides whether a data event may reach the subscriber
type Admit func(ctx context.Context, ev ChangeEvent) bool

type filteredSub struct {
	src    Subscription
	out    chan ChangeEvent
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// Filtered forwards the events of src that match filters (and admit, when
// set) until ctx ends or the subscription is closed. Control events always
// pass.
func Filtered(ctx context.Context, src Subscription, filters []Filter, admit Admit) Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &filteredSub{
		src:    src,
		out:    make(chan ChangeEvent, subscriberBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, filters, admit)
	return s
}

func (s *filteredSub) run(ctx context.Context, filters []Filter, admit Admit) {
	defer close(s.done)
	defer close(s.out)
	defer s.src.Close()

	in := s.src.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if !ev.IsControl() {
				if !MatchAll(ev.Record(), filters) {
					continue
				}
				if admit != nil && !admit(ctx, ev) {
					continue
				}
			}
			select {
			case s.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *filteredSub) Events() <-chan ChangeEvent { return s.out }

func (s *filteredSub) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

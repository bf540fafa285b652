package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/store"
	"go.uber.org/zap"
)

// applier receives the change events of one user, one at a time
type applier interface {
	applyMessage(ctx context.Context, ev store.ChangeEvent) error
	applyParticipant(ctx context.Context, ev store.ChangeEvent) error
	applyWatermark(ctx context.Context, ev store.ChangeEvent) error
	applyMembership(ctx context.Context, ev store.ChangeEvent) error

	// resync refetches everything the subscriptions may have missed
	resync(ctx context.Context) error
	// conversationIDs is the current subscription scope; no I/O
	conversationIDs() []uuid.UUID
	// connection reports the realtime link going down or coming back
	connection(up bool)
}

type stream int

const (
	streamMessages stream = iota
	streamParticipants
	streamWatermarks
	streamMembership
	streamCount
)

func (k stream) String() string {
	return [...]string{"messages", "participants", "reads", "membership"}[k]
}

type pumpExit int

const (
	exitStopped pumpExit = iota
	exitReconnect
	exitResubscribe
)

// Coordinator keeps one user's subscriptions alive and feeds their events,
// serially, to the session. A silent or broken link is torn down, re-opened
// with exponential backoff and followed by a refetch.
type Coordinator struct {
	store   store.Store
	userID  uuid.UUID
	applier applier
	cfg     RealtimeConfig
	log     *zap.Logger

	resub   chan struct{}
	refetch chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newCoordinator(s store.Store, userID uuid.UUID, a applier, cfg RealtimeConfig, log *zap.Logger) *Coordinator {
	return &Coordinator{
		store:   s,
		userID:  userID,
		applier: a,
		cfg:     cfg.withDefaults(),
		log:     log.Named("coordinator"),
		resub:   make(chan struct{}, 1),
		refetch: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start opens the subscriptions, then dispatches from a goroutine. The
// first thing dispatched is a refetch, covering whatever happened between
// the initial load and the subscriptions going live.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	ids := c.applier.conversationIDs()
	subs, err := c.subscribe(ctx, ids)
	if err != nil {
		c.cancel()
		close(c.done)
		return err
	}
	go c.run(ctx, ids, subs)
	return nil
}

// Resubscribe asks for the subscriptions to be re-opened with the current
// conversation set
func (c *Coordinator) Resubscribe() { signal(c.resub) }

// Refetch schedules a full refetch on the dispatch goroutine
func (c *Coordinator) Refetch() { signal(c.refetch) }

// Close stops dispatching and closes every subscription
func (c *Coordinator) Close() {
	c.once.Do(func() {
		if c.cancel == nil {
			close(c.done)
			return
		}
		c.cancel()
		<-c.done
	})
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *Coordinator) run(ctx context.Context, ids []uuid.UUID, subs []store.Subscription) {
	defer close(c.done)

	backoff := c.cfg.MinBackoff
	retry := func(what string, err error) bool {
		if ctx.Err() != nil {
			return false
		}
		c.applier.connection(false)
		c.log.Warn(what+" failed, retrying",
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if !sleep(ctx, backoff) {
			return false
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
		return true
	}

	for {
		if subs == nil {
			ids = c.applier.conversationIDs()
			var err error
			if subs, err = c.subscribe(ctx, ids); err != nil {
				if !retry("subscribe", err) {
					return
				}
				continue
			}
		}

		if err := c.applier.resync(ctx); err != nil {
			closeAll(subs)
			subs = nil
			if !retry("resync", err) {
				return
			}
			continue
		}
		backoff = c.cfg.MinBackoff
		c.applier.connection(true)
		if !sameIDs(ids, c.applier.conversationIDs()) {
			// the refetch changed the conversation set
			closeAll(subs)
			subs = nil
			continue
		}

		exit := c.pump(ctx, subs, ids)
		closeAll(subs)
		subs = nil
		switch exit {
		case exitStopped:
			return
		case exitReconnect:
			c.applier.connection(false)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, c.cfg.MaxBackoff)
		}
	}
}

func (c *Coordinator) subscribe(ctx context.Context, ids []uuid.UUID) ([]store.Subscription, error) {
	self := store.Eq("user_id", c.userID)
	inScope := store.In("conversation_id", ids)

	streams := [streamCount]struct {
		table  string
		filter store.Filter
	}{
		streamMessages:     {store.TableMessages, inScope},
		streamParticipants: {store.TableParticipants, inScope},
		streamWatermarks:   {store.TableReads, self},
		streamMembership:   {store.TableParticipants, self},
	}

	subs := make([]store.Subscription, 0, streamCount)
	for _, s := range streams {
		sub, err := c.store.Subscribe(ctx, s.table, s.filter)
		if err != nil {
			closeAll(subs)
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func closeAll(subs []store.Subscription) {
	for _, s := range subs {
		_ = s.Close()
	}
}

// pump dispatches until the link needs to be re-opened or ctx ends
func (c *Coordinator) pump(ctx context.Context, subs []store.Subscription, ids []uuid.UUID) pumpExit {
	var watchdog <-chan time.Time
	var timer *time.Timer
	if c.cfg.HeartbeatTimeout > 0 {
		timer = time.NewTimer(c.cfg.HeartbeatTimeout)
		defer timer.Stop()
		watchdog = timer.C
	}
	alive := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.cfg.HeartbeatTimeout)
	}

	for {
		var (
			ev   store.ChangeEvent
			ok   bool
			from stream
		)
		select {
		case <-ctx.Done():
			return exitStopped
		case <-watchdog:
			c.log.Warn("realtime link silent, reconnecting",
				zap.Duration("timeout", c.cfg.HeartbeatTimeout))
			return exitReconnect
		case <-c.resub:
			return exitResubscribe
		case <-c.refetch:
			if err := c.applier.resync(ctx); err != nil {
				c.log.Warn("refetch failed", zap.Error(err))
				return exitReconnect
			}
			if !sameIDs(ids, c.applier.conversationIDs()) {
				return exitResubscribe
			}
			continue
		case ev, ok = <-subs[streamMessages].Events():
			from = streamMessages
		case ev, ok = <-subs[streamParticipants].Events():
			from = streamParticipants
		case ev, ok = <-subs[streamWatermarks].Events():
			from = streamWatermarks
		case ev, ok = <-subs[streamMembership].Events():
			from = streamMembership
		}
		if !ok {
			c.log.Warn("subscription closed, reconnecting", zap.Stringer("stream", from))
			return exitReconnect
		}
		alive()

		switch ev.Type {
		case store.EventHeartbeat:
			continue
		case store.EventResync:
			c.log.Info("feed asked for resync", zap.Stringer("stream", from))
			signal(c.refetch)
			continue
		}

		if err := c.dispatch(ctx, from, ev); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return exitStopped
			}
			c.log.Warn("applying change failed, scheduling refetch",
				zap.Stringer("stream", from),
				zap.String("type", string(ev.Type)),
				zap.Error(err))
			signal(c.refetch)
		}
		if !sameIDs(ids, c.applier.conversationIDs()) {
			return exitResubscribe
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, from stream, ev store.ChangeEvent) error {
	switch from {
	case streamMessages:
		return c.applier.applyMessage(ctx, ev)
	case streamParticipants:
		return c.applier.applyParticipant(ctx, ev)
	case streamWatermarks:
		return c.applier.applyWatermark(ctx, ev)
	case streamMembership:
		return c.applier.applyMembership(ctx, ev)
	}
	return nil
}

func sameIDs(a, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[uuid.UUID]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

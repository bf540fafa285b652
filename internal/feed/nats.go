package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/quocanhngo/convo/internal/store"
	"go.uber.org/zap"
)

const natsSubjectPrefix = "convo.changes."

// NATSConfig holds the connection settings of the NATS feed
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
	Heartbeat     time.Duration
}

// NATS is a store.Feed over core NATS subjects, one per table
type NATS struct {
	nc        *nats.Conn
	heartbeat time.Duration
	log       *zap.Logger

	mu   sync.Mutex
	subs map[*natsSub]struct{}
}

// ConnectNATS dials the NATS server. Reconnection is unbounded; every
// successful reconnect sends RESYNC to all open subscriptions.
func ConnectNATS(cfg NATSConfig, log *zap.Logger) (*NATS, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	n := &NATS{
		heartbeat: cfg.Heartbeat,
		log:       log.Named("feed.nats"),
		subs:      make(map[*natsSub]struct{}),
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
			n.resyncAll()
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, unavailable("connect", "", err)
	}
	n.nc = nc
	return n, nil
}

// Publish implements store.Feed
func (n *NATS) Publish(_ context.Context, ev store.ChangeEvent) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(natsSubjectPrefix+ev.Table, data); err != nil {
		return unavailable("publish", ev.Table, err)
	}
	return nil
}

// Subscribe implements store.Feed
func (n *NATS) Subscribe(_ context.Context, table string) (store.Subscription, error) {
	msgs := make(chan *nats.Msg, 256)
	sub, err := n.nc.ChanSubscribe(natsSubjectPrefix+table, msgs)
	if err != nil {
		return nil, unavailable("subscribe", table, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &natsSub{
		feed:   n,
		table:  table,
		sub:    sub,
		msgs:   msgs,
		resync: make(chan struct{}, 1),
		out:    make(chan store.ChangeEvent, 256),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	n.mu.Lock()
	n.subs[s] = struct{}{}
	n.mu.Unlock()

	go s.run(ctx)
	return s, nil
}

// Close drains the connection
func (n *NATS) Close() error {
	if n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}

func (n *NATS) resyncAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for s := range n.subs {
		select {
		case s.resync <- struct{}{}:
		default:
		}
	}
}

type natsSub struct {
	feed   *NATS
	table  string
	sub    *nats.Subscription
	msgs   chan *nats.Msg
	resync chan struct{}
	out    chan store.ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *natsSub) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)

	var tick <-chan time.Time
	if s.feed.heartbeat > 0 {
		ticker := time.NewTicker(s.feed.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		var ev store.ChangeEvent
		select {
		case <-ctx.Done():
			return
		case <-s.resync:
			ev = control(s.table, store.EventResync)
		case <-tick:
			if _, err := s.feed.nc.RTT(); err != nil {
				continue
			}
			ev = control(s.table, store.EventHeartbeat)
		case m := <-s.msgs:
			decoded, err := decode(m.Data)
			if err != nil {
				s.feed.log.Error("dropping malformed change event", zap.String("subject", m.Subject), zap.Error(err))
				continue
			}
			ev = decoded
		}

		select {
		case s.out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *natsSub) Events() <-chan store.ChangeEvent { return s.out }

func (s *natsSub) Close() error {
	var err error
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		s.feed.mu.Unlock()

		err = s.sub.Unsubscribe()
		s.cancel()
		<-s.done
	})
	return err
}

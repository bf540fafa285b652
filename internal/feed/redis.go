package feed

import (
	"context"
	"sync"
	"time"

	"github.com/quocanhngo/convo/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisChannelPrefix = "convo:changes:"

// Redis is a store.Feed over Redis Pub/Sub, so every API instance sees the
// writes of every other instance.
type Redis struct {
	rdb       *redis.Client
	heartbeat time.Duration
	log       *zap.Logger
}

// NewRedis creates a Redis feed. A positive heartbeat pings Redis at that
// period and emits HEARTBEAT events on success.
func NewRedis(rdb *redis.Client, heartbeat time.Duration, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{rdb: rdb, heartbeat: heartbeat, log: log.Named("feed.redis")}
}

// Publish implements store.Feed
func (r *Redis) Publish(ctx context.Context, ev store.ChangeEvent) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, redisChannelPrefix+ev.Table, data).Err(); err != nil {
		return unavailable("publish", ev.Table, err)
	}
	return nil
}

// Subscribe implements store.Feed
func (r *Redis) Subscribe(ctx context.Context, table string) (store.Subscription, error) {
	pubsub := r.rdb.Subscribe(ctx, redisChannelPrefix+table)
	// Wait for confirmation that subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, unavailable("subscribe", table, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &redisSub{
		feed:   r,
		table:  table,
		pubsub: pubsub,
		out:    make(chan store.ChangeEvent, 256),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

// Close is a no-op; the Redis client is owned by the caller
func (r *Redis) Close() error { return nil }

type redisSub struct {
	feed   *Redis
	table  string
	pubsub *redis.PubSub
	out    chan store.ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSub) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)

	var tick <-chan time.Time
	if s.feed.heartbeat > 0 {
		ticker := time.NewTicker(s.feed.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	msgs := s.pubsub.ChannelWithSubscriptions(redis.WithChannelSize(256))
	for {
		var ev store.ChangeEvent
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if err := s.feed.rdb.Ping(ctx).Err(); err != nil {
				s.feed.log.Warn("redis ping failed", zap.String("table", s.table), zap.Error(err))
				continue
			}
			ev = control(s.table, store.EventHeartbeat)
		case m, ok := <-msgs:
			if !ok {
				return
			}
			switch v := m.(type) {
			case *redis.Subscription:
				// a fresh subscribe confirmation means the connection was
				// re-established and messages may have been missed
				if v.Kind != "subscribe" {
					continue
				}
				s.feed.log.Info("redis subscription restored", zap.String("table", s.table))
				ev = control(s.table, store.EventResync)
			case *redis.Message:
				decoded, err := decode([]byte(v.Payload))
				if err != nil {
					s.feed.log.Error("dropping malformed change event", zap.String("channel", v.Channel), zap.Error(err))
					continue
				}
				ev = decoded
			default:
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

func (s *redisSub) Events() <-chan store.ChangeEvent { return s.out }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"sync"
	"time"
)

// RedisPresence is a PresenceSource keeping channel membership in a redis hash and announcing
// joins and leaves with PUBLISH. Every subscriber reads the hash after each announcement to
// deliver the sync, so the snapshot is authoritative even if an announcement was missed.
//
// Each member holds a lease key that expires unless the process tracking it renews it from Run.
// Members of a process that died lose their lease and are dropped from the next snapshot.
type RedisPresence struct {
	logger  *zap.SugaredLogger
	client  *redis.Client
	prefix  string
	lease   time.Duration
	parsers fastjson.ParserPool

	mu    sync.Mutex
	owned map[member]Payload
}

type member struct {
	channel string
	key     string
}

// NewRedisPresence returns RedisPresence storing keys under prefix with member leases of lease
func NewRedisPresence(logger *zap.SugaredLogger, client *redis.Client, prefix string, lease time.Duration) *RedisPresence {
	if prefix == "" {
		prefix = "barmatch"
	}
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &RedisPresence{
		logger: logger,
		client: client,
		prefix: prefix,
		lease:  lease,
		owned:  make(map[member]Payload),
	}
}

func (r *RedisPresence) stateKey(channel string) string {
	return r.prefix + ":presence:" + channel
}

func (r *RedisPresence) eventsKey(channel string) string {
	return r.stateKey(channel) + ":events"
}

func (r *RedisPresence) leaseKey(channel, key string) string {
	return r.stateKey(channel) + ":lease:" + key
}

type announcement struct {
	Event   string          `json:"event"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// Track implements PresenceSource
func (r *RedisPresence) Track(ctx context.Context, channel, key string, payload Payload) error {
	if err := fastjson.ValidateBytes(payload); err != nil {
		return fmt.Errorf("presence payload must be valid JSON: %w", err)
	}
	msg, err := json.Marshal(announcement{Event: "join", Key: key, Payload: json.RawMessage(payload)})
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.stateKey(channel), key, []byte(payload))
		pipe.Set(ctx, r.leaseKey(channel, key), 1, r.lease)
		pipe.Publish(ctx, r.eventsKey(channel), msg)
		return nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.owned[member{channel, key}] = append(Payload(nil), payload...)
	r.mu.Unlock()
	return nil
}

// Untrack implements PresenceSource
func (r *RedisPresence) Untrack(ctx context.Context, channel, key string) error {
	r.mu.Lock()
	delete(r.owned, member{channel, key})
	r.mu.Unlock()

	payload, err := r.client.HGet(ctx, r.stateKey(channel), key).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}

	msg, err := json.Marshal(announcement{Event: "leave", Key: key, Payload: json.RawMessage(payload)})
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.stateKey(channel), key)
		pipe.Del(ctx, r.leaseKey(channel, key))
		pipe.Publish(ctx, r.eventsKey(channel), msg)
		return nil
	})
	return err
}

// Snapshot returns the members of channel holding a lease. Members whose lease expired are removed.
func (r *RedisPresence) Snapshot(ctx context.Context, channel string) (State, error) {
	members, err := r.client.HGetAll(ctx, r.stateKey(channel)).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return State{}, nil
	}

	leases := make(map[string]*redis.IntCmd, len(members))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for k := range members {
			leases[k] = pipe.Exists(ctx, r.leaseKey(channel, k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	state := make(State, len(members))
	var expired []string
	for k, v := range members {
		if leases[k].Val() == 0 {
			expired = append(expired, k)
			continue
		}
		state[k] = Payload(v)
	}

	if len(expired) > 0 {
		r.logger.Infof("Dropping %d presence members of %s with expired leases", len(expired), channel)
		if err := r.client.HDel(ctx, r.stateKey(channel), expired...).Err(); err != nil {
			r.logger.Warnf("Removing expired presence members of %s: %v", channel, err)
		}
	}

	return state, nil
}

// Run renews the leases of members tracked by this process until ctx is done
func (r *RedisPresence) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.renew(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warnf("Renewing presence leases: %v", err)
			}
		}
	}
}

// renew extends the leases of owned members. A member whose lease already lapsed is tracked again.
func (r *RedisPresence) renew(ctx context.Context) error {
	r.mu.Lock()
	owned := make(map[member]Payload, len(r.owned))
	for m, p := range r.owned {
		owned[m] = p
	}
	r.mu.Unlock()

	if len(owned) == 0 {
		return nil
	}

	renewed := make(map[member]*redis.BoolCmd, len(owned))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for m := range owned {
			renewed[m] = pipe.SetXX(ctx, r.leaseKey(m.channel, m.key), 1, r.lease)
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return err
	}

	for m, cmd := range renewed {
		if cmd.Val() {
			continue
		}
		r.mu.Lock()
		_, stillOwned := r.owned[m]
		r.mu.Unlock()
		if !stillOwned {
			continue
		}
		r.logger.Warnf("Presence lease of %s on %s lapsed, tracking again", m.key, m.channel)
		if err := r.Track(ctx, m.channel, m.key, owned[m]); err != nil {
			return err
		}
	}
	return nil
}

// SubscribePresence implements PresenceSource
func (r *RedisPresence) SubscribePresence(ctx context.Context, channel string, deliver func(PresenceEvent)) (<-chan error, error) {
	ps := r.client.Subscribe(ctx, r.eventsKey(channel))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	state, err := r.Snapshot(ctx, channel)
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("reading presence of %s: %w", channel, err)
	}
	deliver(PresenceEvent{Kind: PresenceSync, State: state})

	// Receive does not watch ctx once blocked on the socket
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ps.Close()
		case <-stop:
		}
	}()

	done := make(chan error, 1)
	go func() {
		defer close(done)
		defer close(stop)
		defer ps.Close()

		for {
			msg, err := ps.Receive(ctx)
			if err != nil {
				if ctx.Err() == nil {
					done <- err
				}
				return
			}

			switch m := msg.(type) {
			case *redis.Message:
				e, err := r.decode([]byte(m.Payload))
				if err != nil {
					r.logger.Errorf("Dropping undecodable presence announcement on %s: %v", channel, err)
				} else {
					deliver(e)
				}
			case *redis.Subscription:
				// confirmation after go-redis reconnected, the hash may have changed meanwhile
			default:
				continue
			}

			state, err := r.Snapshot(ctx, channel)
			if err != nil {
				if ctx.Err() == nil {
					done <- err
				}
				return
			}
			deliver(PresenceEvent{Kind: PresenceSync, State: state})
		}
	}()

	return done, nil
}

func (r *RedisPresence) decode(raw []byte) (PresenceEvent, error) {
	p := r.parsers.Get()
	defer r.parsers.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return PresenceEvent{}, err
	}

	e := PresenceEvent{Key: string(v.GetStringBytes("key"))}
	switch string(v.GetStringBytes("event")) {
	case "join":
		e.Kind = PresenceJoin
	case "leave":
		e.Kind = PresenceLeave
	default:
		return PresenceEvent{}, fmt.Errorf("unknown presence event %q", v.GetStringBytes("event"))
	}
	if pv := v.Get("payload"); pv != nil {
		e.Payload = pv.MarshalTo(nil)
	}

	return e, nil
}

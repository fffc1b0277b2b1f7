package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/matst80/natpunch/internal/obs"
)

const redisPrefix = "natpunch:"

func sessionKey(id uuid.UUID) string          { return redisPrefix + "session:" + id.String() }
func publicKey(public netip.AddrPort) string { return redisPrefix + "public:" + public.String() }

// redisStore implements StateStore on Redis so several service instances share
// host registrations. Keys carry a TTL of keyTTL, refreshed on every write; the
// local cache only remembers which sessions this instance has seen, for Expire
// and Stats.
type redisStore struct {
	client *redis.Client
	keyTTL time.Duration

	mu      sync.Mutex
	cache   map[uuid.UUID]Registration
	closing bool
	ready   bool
}

// NewRedisStore connects to Redis and verifies it with a PING.
func NewRedisStore(ctx context.Context, opts *redis.Options, keyTTL time.Duration) (StateStore, error) {
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisStore{
		client: rdb,
		keyTTL: keyTTL,
		cache:  make(map[uuid.UUID]Registration),
	}, nil
}

var _ StateStore = (*redisStore)(nil)

func (r *redisStore) SetClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *redisStore) SetReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *redisStore) IsClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *redisStore) IsReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }
func (r *redisStore) Close() error            { return r.client.Close() }

func (r *redisStore) remember(reg Registration) {
	r.mu.Lock()
	r.cache[reg.SessionID] = reg
	r.mu.Unlock()
}

func (r *redisStore) forget(id uuid.UUID) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

func (r *redisStore) load(ctx context.Context, id uuid.UUID) (Registration, error) {
	val, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Registration{}, ErrUnknownSession
	}
	if err != nil {
		return Registration{}, fmt.Errorf("redis get session: %w", err)
	}
	var reg Registration
	if err := json.Unmarshal(val, &reg); err != nil {
		return Registration{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return reg, nil
}

// The public index is owned by one session at a time. These scripts only touch
// it when it still names the caller.
var (
	releaseIndex = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`)
	refreshIndex = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) end return 0`)
)

// save writes the session record and refreshes the TTL of the public index
// entry if reg still owns it. It never claims the index; see RegisterHost.
func (r *redisStore) save(ctx context.Context, reg Registration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(reg.SessionID), data, r.keyTTL).Err(); err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}
	if reg.Public.IsValid() {
		err := refreshIndex.Run(ctx, r.client, []string{publicKey(reg.Public)}, reg.SessionID.String(), r.keyTTL.Milliseconds()).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			obs.Warn("redis.index.refresh", obs.Fields{"err": err.Error(), "session": reg.SessionID.String()})
		}
	}
	r.remember(reg)
	return nil
}

// release drops the public index entry of reg unless another session owns it.
func (r *redisStore) release(ctx context.Context, reg Registration) {
	if !reg.Public.IsValid() {
		return
	}
	err := releaseIndex.Run(ctx, r.client, []string{publicKey(reg.Public)}, reg.SessionID.String()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		obs.Error("redis.index.release", obs.Fields{"err": err.Error(), "session": reg.SessionID.String(), "public": reg.Public.String()})
	}
}

// evict takes public away from its previous owner, as the memory store does
// when a newer session registers the same endpoint.
func (r *redisStore) evict(ctx context.Context, public netip.AddrPort, newOwner uuid.UUID) error {
	val, err := r.client.Get(ctx, publicKey(public)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get public: %w", err)
	}
	prev, err := uuid.Parse(val)
	if err != nil || prev == newOwner {
		return nil
	}
	old, err := r.load(ctx, prev)
	if errors.Is(err, ErrUnknownSession) {
		return nil
	}
	if err != nil {
		return err
	}
	if old.Public != public {
		return nil
	}
	old.Public = netip.AddrPort{}
	data, err := json.Marshal(old)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(prev), data, r.keyTTL).Err(); err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}
	r.remember(old)
	return nil
}

func (r *redisStore) OpenChannel(ctx context.Context, id uuid.UUID, notify netip.AddrPort, now time.Time) error {
	reg, err := r.load(ctx, id)
	switch {
	case errors.Is(err, ErrUnknownSession):
		reg = Registration{SessionID: id, Opened: now}
	case err != nil:
		return err
	}
	reg.Notify = notify
	reg.LastSeen = now
	return r.save(ctx, reg)
}

func (r *redisStore) RegisterHost(ctx context.Context, id uuid.UUID, public, private netip.AddrPort, now time.Time) (Registration, error) {
	reg, err := r.load(ctx, id)
	if err != nil {
		return Registration{}, err
	}
	if reg.Public.IsValid() && reg.Public != public {
		r.release(ctx, reg)
	}
	// A newer session claiming the same public endpoint wins.
	if err := r.evict(ctx, public, id); err != nil {
		return Registration{}, err
	}
	reg.Public = public
	reg.Private = private
	reg.LastSeen = now

	data, err := json.Marshal(reg)
	if err != nil {
		return Registration{}, fmt.Errorf("marshal session: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(id), data, r.keyTTL)
		pipe.Set(ctx, publicKey(public), id.String(), r.keyTTL)
		return nil
	})
	if err != nil {
		return Registration{}, fmt.Errorf("redis register host: %w", err)
	}
	r.remember(reg)
	return reg, nil
}

func (r *redisStore) Touch(ctx context.Context, id uuid.UUID, now time.Time) error {
	reg, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	reg.LastSeen = now
	return r.save(ctx, reg)
}

func (r *redisStore) Session(ctx context.Context, id uuid.UUID) (Registration, error) {
	return r.load(ctx, id)
}

func (r *redisStore) HostByPublic(ctx context.Context, public netip.AddrPort) (Registration, error) {
	val, err := r.client.Get(ctx, publicKey(public)).Result()
	if errors.Is(err, redis.Nil) {
		return Registration{}, ErrHostNotFound
	}
	if err != nil {
		return Registration{}, fmt.Errorf("redis get public: %w", err)
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return Registration{}, fmt.Errorf("redis public index: %w", err)
	}
	reg, err := r.load(ctx, id)
	if errors.Is(err, ErrUnknownSession) || (err == nil && reg.Public != public) {
		return Registration{}, ErrHostNotFound
	}
	return reg, err
}

// Expire checks the sessions this instance has seen. Keys that Redis already
// dropped are reported from the cache; live keys older than cutoff are deleted.
// While closing only the cache is dropped, other instances keep serving.
func (r *redisStore) Expire(ctx context.Context, cutoff time.Time) ([]Registration, error) {
	r.mu.Lock()
	closing := r.closing
	known := make([]Registration, 0, len(r.cache))
	for _, reg := range r.cache {
		known = append(known, reg)
	}
	if closing {
		r.cache = make(map[uuid.UUID]Registration)
	}
	r.mu.Unlock()
	if closing {
		return known, nil
	}

	var expired []Registration
	for _, cached := range known {
		reg, err := r.load(ctx, cached.SessionID)
		if errors.Is(err, ErrUnknownSession) {
			r.forget(cached.SessionID)
			expired = append(expired, cached)
			continue
		}
		if err != nil {
			obs.Error("redis.expire.load", obs.Fields{"err": err.Error(), "session": cached.SessionID.String()})
			continue
		}
		if !reg.LastSeen.Before(cutoff) {
			r.remember(reg)
			continue
		}
		if err := r.client.Del(ctx, sessionKey(reg.SessionID)).Err(); err != nil {
			obs.Error("redis.expire.del", obs.Fields{"err": err.Error(), "session": reg.SessionID.String()})
			continue
		}
		r.release(ctx, reg)
		r.forget(reg.SessionID)
		expired = append(expired, reg)
	}
	r.gauges()
	return expired, nil
}

// Stats counts only sessions this instance has seen; a SCAN over the shared
// keyspace is not worth it for a dashboard.
func (r *redisStore) Stats(context.Context) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Channels: len(r.cache)}
	for _, reg := range r.cache {
		if reg.Hosted() {
			st.Hosts++
		}
	}
	return st, nil
}

func (r *redisStore) gauges() {
	st, _ := r.Stats(context.Background())
	obs.OpenChannels.Set(float64(st.Channels))
	obs.RegisteredHosts.Set(float64(st.Hosts))
}

package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/psds-microservice/support-chat/internal/metrics"
	"github.com/psds-microservice/support-chat/internal/model"
)

// AdminKey is the presence key shared by every admin connection.
const AdminKey = "admin"

// PresenceKey maps an actor to its presence record: admins aggregate, users are tracked by id.
func PresenceKey(a model.Actor) string {
	if a.IsAdmin() {
		return AdminKey
	}
	return a.UserID
}

// Mirror publishes presence outside the process. Calls are best-effort.
type Mirror interface {
	SetOnline(ctx context.Context, key string, online bool) error
	Refresh(ctx context.Context, key string) error
}

// mirrorQueue bounds the writes waiting for the mirror; beyond it updates are dropped.
const mirrorQueue = 256

// Presence counts live authenticated connections per key and reports only 0→1 and 1→0 transitions.
// Mirror writes go through a single worker in the order the transitions happened.
type Presence struct {
	mu     sync.Mutex
	counts map[string]int
	mirror Mirror
	ops    chan func(ctx context.Context) error
	done   chan struct{}
	closed bool
	log    zerolog.Logger
}

func NewPresence(mirror Mirror, log zerolog.Logger) *Presence {
	p := &Presence{counts: make(map[string]int), mirror: mirror, log: log}
	if mirror != nil {
		p.ops = make(chan func(ctx context.Context) error, mirrorQueue)
		p.done = make(chan struct{})
		go p.drain()
	}
	return p
}

// Connect returns true when the key just came online.
func (p *Presence) Connect(a model.Actor) bool {
	key := PresenceKey(a)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[key]++
	first := p.counts[key] == 1
	if first {
		metrics.PresenceOnline.WithLabelValues(string(a.Role)).Inc()
		p.mirrorLocked(func(ctx context.Context) error { return p.mirror.SetOnline(ctx, key, true) })
	}
	return first
}

// Disconnect returns true when the key just went offline.
func (p *Presence) Disconnect(a model.Actor) bool {
	key := PresenceKey(a)
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.counts[key]
	if !ok {
		return false
	}
	last := n <= 1
	if last {
		delete(p.counts, key)
		metrics.PresenceOnline.WithLabelValues(string(a.Role)).Dec()
		p.mirrorLocked(func(ctx context.Context) error { return p.mirror.SetOnline(ctx, key, false) })
	} else {
		p.counts[key] = n - 1
	}
	return last
}

// Touch refreshes the mirror TTL on heartbeat.
func (p *Presence) Touch(a model.Actor) {
	key := PresenceKey(a)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counts[key] == 0 {
		return
	}
	p.mirrorLocked(func(ctx context.Context) error { return p.mirror.Refresh(ctx, key) })
}

func (p *Presence) IsOnline(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[key] > 0
}

// OnlineUsers returns the ids of end-users with at least one live connection, sorted.
func (p *Presence) OnlineUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.counts))
	for k := range p.counts {
		if k != AdminKey {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Close flushes pending mirror writes and stops the worker.
func (p *Presence) Close() {
	p.mu.Lock()
	if p.ops == nil || p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ops)
	p.mu.Unlock()
	<-p.done
}

// mirrorLocked queues fn behind earlier writes. Callers hold p.mu, so queue order
// matches transition order.
func (p *Presence) mirrorLocked(fn func(ctx context.Context) error) {
	if p.ops == nil || p.closed {
		return
	}
	select {
	case p.ops <- fn:
	default:
		p.log.Warn().Msg("presence mirror queue full, update dropped")
	}
}

func (p *Presence) drain() {
	defer close(p.done)
	for fn := range p.ops {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := fn(ctx); err != nil {
			p.log.Warn().Err(err).Msg("presence mirror")
		}
		cancel()
	}
}

// RedisMirror keeps presence:{key} with a TTL so other services can read who is online.
type RedisMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisMirror(rdb *redis.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{rdb: rdb, ttl: ttl}
}

func redisKey(key string) string { return "presence:" + key }

func (m *RedisMirror) SetOnline(ctx context.Context, key string, online bool) error {
	if online {
		return m.rdb.Set(ctx, redisKey(key), time.Now().Unix(), m.ttl).Err()
	}
	return m.rdb.Del(ctx, redisKey(key)).Err()
}

func (m *RedisMirror) Refresh(ctx context.Context, key string) error {
	return m.rdb.Set(ctx, redisKey(key), time.Now().Unix(), m.ttl).Err()
}

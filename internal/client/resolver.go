package client

import (
	"context"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const signedLookupTimeout = 10 * time.Second

// Resolver turns raw attachment references into URLs a viewer can open.
//
// Results are cached per epoch, fallbacks included, so a reference resolves to the
// same string until Reset. Concurrent misses for one reference share a single lookup.
type Resolver struct {
	apiBase string
	origin  *url.URL
	session *Session
	signer  SignedURLer
	log     zerolog.Logger

	group singleflight.Group

	mu    sync.Mutex
	epoch uint64
	cache map[string]string
}

// NewResolver builds a resolver. origin stands for the page the attachments are shown
// on; when empty it is taken from apiBase.
func NewResolver(apiBase, origin string, session *Session, signer SignedURLer, log zerolog.Logger) *Resolver {
	apiBase = strings.TrimRight(apiBase, "/")
	if origin == "" {
		origin = apiBase
	}
	o, err := url.Parse(origin)
	if err != nil || o.Host == "" {
		o = &url.URL{Scheme: "http", Host: "localhost"}
	}
	return &Resolver{
		apiBase: apiBase,
		origin:  o,
		session: session,
		signer:  signer,
		log:     log.With().Str("component", "resolver").Logger(),
		cache:   make(map[string]string),
	}
}

// Reset starts a new cache epoch. Lookups still in flight from the old epoch are not cached.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.epoch++
	r.cache = make(map[string]string)
	r.mu.Unlock()
}

// Resolve never fails: a reference that cannot be signed degrades to an unsigned URL
// under the API base.
func (r *Resolver) Resolve(ctx context.Context, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	r.mu.Lock()
	if u, ok := r.cache[raw]; ok {
		r.mu.Unlock()
		return u
	}
	epoch := r.epoch
	r.mu.Unlock()

	key := strconv.FormatUint(epoch, 10) + "|" + raw
	v, _, _ := r.group.Do(key, func() (interface{}, error) {
		return r.resolve(ctx, raw), nil
	})
	u := v.(string)

	r.mu.Lock()
	if r.epoch == epoch {
		if cached, ok := r.cache[raw]; ok {
			u = cached
		} else {
			r.cache[raw] = u
		}
	}
	r.mu.Unlock()
	return u
}

func (r *Resolver) resolve(ctx context.Context, raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://"):
		return r.absolute(raw)
	case strings.HasPrefix(raw, ":"):
		return r.origin.Scheme + "://" + hostOnly(r.origin) + raw
	case strings.HasPrefix(raw, "/"):
		fallback := r.apiBase + raw
		if r.signer == nil || r.session == nil || !r.session.Privileged() {
			return fallback
		}
		// Lookup outlives the caller: its result is shared and cached for the epoch.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), signedLookupTimeout)
		defer cancel()
		signed, err := r.signer.SignedURL(lctx, path.Base(raw))
		if err != nil || signed == "" {
			r.log.Debug().Err(err).Str("ref", raw).Msg("signed url lookup failed, using unsigned url")
			return fallback
		}
		return signed
	default:
		return r.apiBase + "/" + strings.TrimLeft(raw, "/")
	}
}

// absolute keeps remote URLs untouched. Loopback URLs get the origin's scheme so a
// local http/https mix does not break.
func (r *Resolver) absolute(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || !isLoopback(u.Hostname()) {
		return raw
	}
	u.Scheme = r.origin.Scheme
	return u.String()
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func hostOnly(u *url.URL) string {
	h := u.Hostname()
	if strings.Contains(h, ":") {
		return "[" + h + "]"
	}
	return h
}

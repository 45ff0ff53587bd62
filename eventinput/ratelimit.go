package eventinput

import (
	"context"
	"sync"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"golang.org/x/time/rate"
)

// rateLimitedFetcher wraps a Fetcher with a per-origin-server token
// bucket, complementing Inputer's semaphore-capped concurrency: the
// semaphore bounds how many fetches run at once, this bounds how fast
// new ones are allowed to start against any single peer.
type rateLimitedFetcher struct {
	inner Fetcher
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[spec.ServerName]*rate.Limiter
}

// NewRateLimitedFetcher returns a Fetcher that paces outbound fetches to
// at most rps requests per second (with the given burst) per origin
// server, delegating the actual network call to inner once a token is
// available. Pass servers[0] (set by fetchOrder as the offering peer)
// as the rate-limited key; servers beyond the first are only consulted
// on fallback and are not separately throttled here.
func NewRateLimitedFetcher(inner Fetcher, rps float64, burst int) Fetcher {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimitedFetcher{inner: inner, rps: rate.Limit(rps), burst: burst, limiters: make(map[spec.ServerName]*rate.Limiter)}
}

func (f *rateLimitedFetcher) FetchEvent(ctx context.Context, roomVersion gomatrixserverlib.RoomVersion, servers []spec.ServerName, eventID string) ([]byte, error) {
	if len(servers) > 0 {
		if err := f.limiterFor(servers[0]).Wait(ctx); err != nil {
			return nil, err
		}
	}
	return f.inner.FetchEvent(ctx, roomVersion, servers, eventID)
}

func (f *rateLimitedFetcher) limiterFor(server spec.ServerName) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[server]
	if !ok {
		l = rate.NewLimiter(f.rps, f.burst)
		f.limiters[server] = l
	}
	return l
}

package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter keeps one token bucket per client address.
type ClientLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter allows rps requests per second per client with the given
// burst.
func NewClientLimiter(rps float64, burst int) *ClientLimiter {
	return &ClientLimiter{
		clients: make(map[string]*client),
		limit:   rate.Limit(rps),
		burst:   burst,
		idle:    3 * time.Minute,
		now:     time.Now,
	}
}

func (cl *ClientLimiter) get(addr string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	c, ok := cl.clients[addr]
	if !ok {
		c = &client{limiter: rate.NewLimiter(cl.limit, cl.burst)}
		cl.clients[addr] = c
	}
	c.lastSeen = cl.now()
	return c.limiter
}

// prune drops clients idle for longer than the idle window.
func (cl *ClientLimiter) prune() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for addr, c := range cl.clients {
		if cl.now().Sub(c.lastSeen) > cl.idle {
			delete(cl.clients, addr)
		}
	}
}

// Run prunes idle clients every minute until ctx is done.
func (cl *ClientLimiter) Run(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cl.prune()
		}
	}
}

// Middleware rejects requests over the client's budget with 429.
func (cl *ClientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			addr = strings.Trim(r.RemoteAddr, "[]")
		}
		if !cl.get(addr).Allow() {
			w.Header().Set("Retry-After", "1")
			WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

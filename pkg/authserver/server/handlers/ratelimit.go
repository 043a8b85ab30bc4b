// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"container/list"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultMaxTrackedClients = 10000

type clientLimiterEntry struct {
	client  string
	limiter *rate.Limiter
}

// clientRateLimiter keeps one token bucket per client address. The least
// recently seen client is evicted once maxEntries buckets exist.
type clientRateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*list.Element
	lru        *list.List
	limit      rate.Limit
	burst      int
	maxEntries int
}

func newClientRateLimiter(perMinute, maxEntries int) *clientRateLimiter {
	return &clientRateLimiter{
		limiters:   make(map[string]*list.Element),
		lru:        list.New(),
		limit:      rate.Every(time.Minute / time.Duration(perMinute)),
		burst:      perMinute,
		maxEntries: maxEntries,
	}
}

// Allow reports whether client may proceed. A nil limiter allows everything.
func (l *clientRateLimiter) Allow(client string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.limiters[client]; ok {
		l.lru.MoveToFront(elem)
		return elem.Value.(*clientLimiterEntry).limiter.Allow()
	}

	if len(l.limiters) >= l.maxEntries {
		if oldest := l.lru.Back(); oldest != nil {
			delete(l.limiters, oldest.Value.(*clientLimiterEntry).client)
			l.lru.Remove(oldest)
		}
	}

	entry := &clientLimiterEntry{client: client, limiter: rate.NewLimiter(l.limit, l.burst)}
	l.limiters[client] = l.lru.PushFront(entry)
	return entry.limiter.Allow()
}

// clientAddress returns the request's remote host. middleware.RealIP has
// already replaced RemoteAddr when a trusted proxy header was present.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

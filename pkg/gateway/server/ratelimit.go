// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiters holds one token bucket per session.
type limiters struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newLimiters(perSecond float64, burst int) *limiters {
	if burst <= 0 {
		burst = max(1, int(perSecond))
	}
	return &limiters{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *limiters) enabled() bool {
	return l.limit > 0
}

// allow reports whether the session may make another request now.
func (l *limiters) allow(sessionID string) bool {
	if !l.enabled() {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[sessionID]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[sessionID] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

func (l *limiters) remove(sessionID string) {
	l.mu.Lock()
	delete(l.buckets, sessionID)
	l.mu.Unlock()
}

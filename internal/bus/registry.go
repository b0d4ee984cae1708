package bus

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/ksi/internal/router"
)

// Subscriber receives matched envelopes. Deliver must not block; a returned
// error marks the subscriber dead and the registry drops it.
type Subscriber interface {
	ID() string
	Deliver(env *Envelope) error
}

// subscription is one (subscriber, pattern) tuple.
type subscription struct {
	subscriberID string
	pattern      string
	sub          Subscriber
	limiter      *rate.Limiter // nil = unlimited
	createdAt    time.Time
}

// Registry maintains pattern → subscriber tuples with an exact-name index
// and a wildcard list, unioned on publish. Single-writer-many-reader.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string][]*subscription // pattern without wildcards
	wildcard []*subscription
	bySubID  map[string][]*subscription

	rateLimit rate.Limit // per-subscription delivery cap, 0 = unlimited
}

// NewRegistry creates a subscription registry. ratePerSec of 0 disables
// per-subscription rate limiting.
func NewRegistry(ratePerSec int) *Registry {
	r := &Registry{
		exact:   make(map[string][]*subscription),
		bySubID: make(map[string][]*subscription),
	}
	if ratePerSec > 0 {
		r.rateLimit = rate.Limit(ratePerSec)
	}
	return r
}

// Subscribe adds patterns for a subscriber. Re-subscribing to the same
// pattern is duplicate-suppressed: exactly one tuple per (subscriber, pattern).
func (r *Registry) Subscribe(sub Subscriber, patterns []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range patterns {
		if r.hasLocked(sub.ID(), p) {
			continue
		}
		s := &subscription{
			subscriberID: sub.ID(),
			pattern:      p,
			sub:          sub,
			createdAt:    time.Now().UTC(),
		}
		if r.rateLimit > 0 {
			s.limiter = rate.NewLimiter(r.rateLimit, int(r.rateLimit))
		}
		if router.IsPattern(p) {
			r.wildcard = append(r.wildcard, s)
		} else {
			r.exact[p] = append(r.exact[p], s)
		}
		r.bySubID[sub.ID()] = append(r.bySubID[sub.ID()], s)
	}
}

// Unsubscribe removes specific patterns, or every tuple of the subscriber
// when patterns is empty.
func (r *Registry) Unsubscribe(subscriberID string, patterns []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(patterns) == 0 {
		for _, s := range r.bySubID[subscriberID] {
			r.removeLocked(s)
		}
		delete(r.bySubID, subscriberID)
		return
	}
	for _, p := range patterns {
		kept := r.bySubID[subscriberID][:0]
		for _, s := range r.bySubID[subscriberID] {
			if s.pattern == p {
				r.removeLocked(s)
			} else {
				kept = append(kept, s)
			}
		}
		r.bySubID[subscriberID] = kept
	}
	if len(r.bySubID[subscriberID]) == 0 {
		delete(r.bySubID, subscriberID)
	}
}

// Patterns returns the patterns held by one subscriber.
func (r *Registry) Patterns(subscriberID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySubID[subscriberID]))
	for _, s := range r.bySubID[subscriberID] {
		out = append(out, s.pattern)
	}
	return out
}

// Matching snapshots the subscriptions matching an event name.
func (r *Registry) Matching(event string) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*subscription, 0, len(r.exact[event]))
	out = append(out, r.exact[event]...)
	for _, s := range r.wildcard {
		if router.Match(s.pattern, event) {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of live subscription tuples.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.wildcard)
	for _, subs := range r.exact {
		n += len(subs)
	}
	return n
}

func (r *Registry) hasLocked(subscriberID, pattern string) bool {
	for _, s := range r.bySubID[subscriberID] {
		if s.pattern == pattern {
			return true
		}
	}
	return false
}

func (r *Registry) removeLocked(target *subscription) {
	if router.IsPattern(target.pattern) {
		for i, s := range r.wildcard {
			if s == target {
				r.wildcard = append(r.wildcard[:i], r.wildcard[i+1:]...)
				return
			}
		}
		return
	}
	subs := r.exact[target.pattern]
	for i, s := range subs {
		if s == target {
			r.exact[target.pattern] = append(subs[:i], subs[i+1:]...)
			if len(r.exact[target.pattern]) == 0 {
				delete(r.exact, target.pattern)
			}
			return
		}
	}
}

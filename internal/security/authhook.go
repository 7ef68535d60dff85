package security

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"columnist/internal/domain"
)

// Auth-hook failure rate limiting: each client has a budget of 10 hook
// failures that refills at one per 90 seconds (10 per 15 minutes). The
// failure that finds the budget empty blocks the client for 15 minutes.
const (
	failureBudget = 10
	failureWindow = 15 * time.Minute
)

// HookGate runs every registered auth hook before a mutating operation and
// tracks per-client failures with a token-bucket limiter.
type HookGate struct {
	mu      sync.RWMutex
	hooks   map[string]domain.AuthHook
	clients map[string]*clientState
}

type clientState struct {
	limiter      *rate.Limiter
	blockedUntil time.Time
	lastSeen     time.Time
}

// NewHookGate creates an empty gate; with no hooks registered every
// operation passes.
func NewHookGate() *HookGate {
	return &HookGate{
		hooks:   make(map[string]domain.AuthHook),
		clients: make(map[string]*clientState),
	}
}

// Register installs a named hook and returns a deregistration closure.
func (g *HookGate) Register(name string, hook domain.AuthHook) func() {
	g.mu.Lock()
	g.hooks[name] = hook
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.hooks, name)
		g.mu.Unlock()
	}
}

// Check runs all hooks for (operation, table, data) on behalf of client.
// Every hook must pass; the first rejection fails the operation and counts
// toward the client's failure budget.
func (g *HookGate) Check(client, operation, table string, data domain.Record) error {
	g.mu.RLock()
	if len(g.hooks) == 0 {
		g.mu.RUnlock()
		return nil
	}
	hooks := make(map[string]domain.AuthHook, len(g.hooks))
	for name, h := range g.hooks {
		hooks[name] = h
	}
	g.mu.RUnlock()

	if until, blocked := g.blocked(client); blocked {
		return fmt.Errorf("%w: client %s blocked until %s",
			domain.ErrRateLimited, client, until.Format(time.RFC3339))
	}

	for name, hook := range hooks {
		if !hook(operation, table, data) {
			if g.recordFailure(client) {
				return fmt.Errorf("%w: client %s exceeded failure budget",
					domain.ErrRateLimited, client)
			}
			return fmt.Errorf("%w: hook %q rejected %s on %s",
				domain.ErrAuthentication, name, operation, table)
		}
	}
	return nil
}

func (g *HookGate) blocked(client string) (time.Time, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st, ok := g.clients[client]
	if !ok {
		return time.Time{}, false
	}
	if time.Now().Before(st.blockedUntil) {
		return st.blockedUntil, true
	}
	return time.Time{}, false
}

// recordFailure counts one hook rejection; it returns true when the
// client's failure budget is exhausted and the block engaged.
func (g *HookGate) recordFailure(client string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.clients[client]
	if !ok {
		// Budget of failureBudget tokens refilling over failureWindow.
		st = &clientState{
			limiter: rate.NewLimiter(rate.Every(failureWindow/failureBudget), failureBudget),
		}
		g.clients[client] = st
	}
	st.lastSeen = time.Now()
	blocked := false
	if !st.limiter.Allow() {
		st.blockedUntil = time.Now().Add(failureWindow)
		blocked = true
	}
	g.sweepLocked()
	return blocked
}

// sweepLocked drops client entries idle for more than two windows.
func (g *HookGate) sweepLocked() {
	cutoff := time.Now().Add(-2 * failureWindow)
	for id, st := range g.clients {
		if st.lastSeen.Before(cutoff) && time.Now().After(st.blockedUntil) {
			delete(g.clients, id)
		}
	}
}

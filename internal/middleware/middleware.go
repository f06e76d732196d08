// Package middleware implements Cyre's ordered per-channel middleware chain
// (spec §6) plus the group-level inheritance supplement pulled from
// original_source/: a channel registered into a group runs the group's
// middlewares before its own, in registration order.
package middleware

import (
	"fmt"
	"sync"

	"github.com/neuralline/cyre-sub007/internal/core"
)

// Registry holds named middlewares and per-group middleware lists, and
// resolves the effective chain for a channel given its own Middlewares list
// and Group.
type Registry struct {
	mu         sync.RWMutex
	byName     map[string]core.Middleware
	groupChain map[string][]string // group -> ordered middleware names
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:     make(map[string]core.Middleware),
		groupChain: make(map[string][]string),
	}
}

// Register adds or replaces a named middleware.
func (r *Registry) Register(name string, mw core.Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = mw
}

// UseGroup appends a middleware to a group's chain, applied to every channel
// registered into that group ahead of the channel's own middlewares.
func (r *Registry) UseGroup(group, middlewareName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groupChain[group] = append(r.groupChain[group], middlewareName)
}

// Resolve builds the ordered list of middlewares for a channel: its group's
// chain first, then its own Middlewares list, each resolved by name. An
// unknown name returns an error rather than silently skipping, since a typo
// here would otherwise silently disable a protection the caller expects.
func (r *Registry) Resolve(cfg core.ChannelConfig) ([]core.Middleware, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	if cfg.Group != "" {
		names = append(names, r.groupChain[cfg.Group]...)
	}
	names = append(names, cfg.Middlewares...)

	chain := make([]core.Middleware, 0, len(names))
	for _, name := range names {
		mw, ok := r.byName[name]
		if !ok {
			return nil, fmt.Errorf("middleware: unknown middleware %q", name)
		}
		chain = append(chain, mw)
	}
	return chain, nil
}

// Run executes chain in order around final, the way an HTTP middleware
// stack wraps a handler: chain[0] is outermost and calls next to reach
// chain[1], and so on until final is reached.
func Run(chain []core.Middleware, payload any, final core.Next) (any, error) {
	next := final
	for i := len(chain) - 1; i >= 0; i-- {
		mw := chain[i]
		captured := next
		next = func(p any) (any, error) { return mw(p, captured) }
	}
	return next(payload)
}

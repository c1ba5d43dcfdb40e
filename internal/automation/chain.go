package automation

import (
	"context"
	"sync"
)

type chainKey struct{}

// chainSet records the (rule, trigger) pairs currently running on the call
// stack of one causal chain of triggers. It is shared by every frame of the chain.
type chainSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// chainFrame is one nesting level of a trigger chain.
type chainFrame struct {
	set   *chainSet
	depth int
}

func guardKey(ruleID string, trigger TriggerType) string {
	return ruleID + "|" + string(trigger)
}

// enterChain returns a context carrying the next frame of the chain found in
// ctx, or a fresh chain when ctx has none.
func enterChain(ctx context.Context) (context.Context, *chainFrame) {
	if parent, ok := ctx.Value(chainKey{}).(*chainFrame); ok && parent != nil {
		f := &chainFrame{set: parent.set, depth: parent.depth + 1}
		return context.WithValue(ctx, chainKey{}, f), f
	}
	f := &chainFrame{set: &chainSet{seen: map[string]struct{}{}}}
	return context.WithValue(ctx, chainKey{}, f), f
}

// freshChain starts a new chain seeded with keys, ignoring any chain in ctx.
// Delayed continuations use it so they keep protection against themselves.
func freshChain(ctx context.Context, keys ...string) context.Context {
	set := &chainSet{seen: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		set.seen[k] = struct{}{}
	}
	return context.WithValue(ctx, chainKey{}, &chainFrame{set: set})
}

// claim marks key as running. It returns false when the key is already on
// the stack of the chain.
func (f *chainFrame) claim(key string) bool {
	f.set.mu.Lock()
	defer f.set.mu.Unlock()
	if _, ok := f.set.seen[key]; ok {
		return false
	}
	f.set.seen[key] = struct{}{}
	return true
}

// ChainDepth reports the trigger nesting depth carried by ctx (0 at top level).
func ChainDepth(ctx context.Context) int {
	if f, ok := ctx.Value(chainKey{}).(*chainFrame); ok && f != nil {
		return f.depth
	}
	return 0
}

// release takes key off the stack once its rule and cascade have returned.
func (f *chainFrame) release(key string) {
	f.set.mu.Lock()
	defer f.set.mu.Unlock()
	delete(f.set.seen, key)
}

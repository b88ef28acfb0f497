// Package hooks provides instrumentation hooks for the actor cycle.
// Hooks allow injecting custom logic at fixed points of the acquisition
// algorithm: before each blocking wait, after a back-off, after both
// resources are taken, and when an iteration fails or an actor starves.
package hooks

import (
	"context"
	"sync"
	"time"
)

// HookManager manages all registered hooks.
type HookManager struct {
	mu sync.RWMutex

	preWaitHooks   []PreWaitHook
	backoffHooks   []BackoffHook
	mealHooks      []MealHook
	transientHooks []TransientHook
	starvedHooks   []StarvedHook
}

// NewHookManager creates a new hook manager.
func NewHookManager() *HookManager {
	return &HookManager{}
}

// WaitInfo describes an actor about to block, or just backed off.
type WaitInfo struct {
	Actor int
	// Resource is the id of the resource the actor is about to wait on.
	Resource int
	// HoldsLeft and HoldsRight report what the actor holds at that moment.
	HoldsLeft  bool
	HoldsRight bool
	// Attempt counts acquisition attempts in the current hungry phase.
	Attempt int
}

// MealInfo describes a successful acquisition of both resources.
type MealInfo struct {
	Actor    int
	Attempts int
	Backoffs int
	Timeouts int
	Waited   time.Duration
	At       time.Time
}

// PreWaitHook is called right before an actor blocks on a resource.
// Use cases: property checks, tracing. A hook may block; it must return
// when ctx is done.
type PreWaitHook func(ctx context.Context, info WaitInfo)

// BackoffHook is called after an actor released its left resource
// because the right one was busy.
type BackoffHook func(info WaitInfo)

// MealHook is called after an actor took both resources.
type MealHook func(info MealInfo)

// TransientHook is called when an actor abandons an iteration.
type TransientHook func(actor int, err error)

// StarvedHook is called once when an actor enters the starved state.
type StarvedHook func(actor int, sinceLastMeal time.Duration)

// RegisterPreWait adds a pre-wait hook.
func (m *HookManager) RegisterPreWait(hook PreWaitHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preWaitHooks = append(m.preWaitHooks, hook)
}

// RegisterBackoff adds a back-off hook.
func (m *HookManager) RegisterBackoff(hook BackoffHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backoffHooks = append(m.backoffHooks, hook)
}

// RegisterMeal adds a meal hook.
func (m *HookManager) RegisterMeal(hook MealHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mealHooks = append(m.mealHooks, hook)
}

// RegisterTransient adds a transient-failure hook.
func (m *HookManager) RegisterTransient(hook TransientHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transientHooks = append(m.transientHooks, hook)
}

// RegisterStarved adds a starvation hook.
func (m *HookManager) RegisterStarved(hook StarvedHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starvedHooks = append(m.starvedHooks, hook)
}

// RunPreWait executes all pre-wait hooks in registration order.
// A nil manager is valid and runs nothing.
func (m *HookManager) RunPreWait(ctx context.Context, info WaitInfo) {
	if m == nil {
		return
	}
	m.mu.RLock()
	hooks := m.preWaitHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, info)
	}
}

// RunBackoff executes all back-off hooks.
func (m *HookManager) RunBackoff(info WaitInfo) {
	if m == nil {
		return
	}
	m.mu.RLock()
	hooks := m.backoffHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		hook(info)
	}
}

// RunMeal executes all meal hooks.
func (m *HookManager) RunMeal(info MealInfo) {
	if m == nil {
		return
	}
	m.mu.RLock()
	hooks := m.mealHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		hook(info)
	}
}

// RunTransient executes all transient-failure hooks.
func (m *HookManager) RunTransient(actor int, err error) {
	if m == nil {
		return
	}
	m.mu.RLock()
	hooks := m.transientHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		hook(actor, err)
	}
}

// RunStarved executes all starvation hooks.
func (m *HookManager) RunStarved(actor int, sinceLastMeal time.Duration) {
	if m == nil {
		return
	}
	m.mu.RLock()
	hooks := m.starvedHooks
	m.mu.RUnlock()

	for _, hook := range hooks {
		hook(actor, sinceLastMeal)
	}
}

// --- Built-in hooks ---

// LoggingHook returns a meal hook that logs each meal through logFn.
func LoggingHook(logFn func(format string, args ...interface{})) MealHook {
	return func(info MealInfo) {
		logFn("actor %d dines after %d attempts (%d backoffs, %d timeouts, waited %s)",
			info.Actor, info.Attempts, info.Backoffs, info.Timeouts, info.Waited)
	}
}

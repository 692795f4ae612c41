package hooks

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/straycat-ai/straycat/internal/events"
)

// Callback is one extension hook. It receives the value threaded from
// the previous callback and the run's execution context, and returns a
// tagged Result.
type Callback func(value any, c *Context) Result

// DuplicateRegistrationError reports a second registration of the same
// (point, owner, callback name) triple.
type DuplicateRegistrationError struct {
	Point Point
	Owner string
	Name  string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("hook %q already registered at %q by plugin %q", e.Name, e.Point, e.Owner)
}

// HookError records one callback failure, kept against the owning
// plugin so a misbehaving extension is observable without aborting the
// pipeline.
type HookError struct {
	Point Point
	Owner string
	Name  string
	Err   error
	At    time.Time
}

// maxErrorsPerOwner bounds the per-plugin error history.
const maxErrorsPerOwner = 32

// registration is one entry at one point. seq is the global
// registration sequence used as the stable tie-break.
type registration struct {
	point    Point
	name     string
	owner    string
	priority int
	seq      int64
	cb       Callback
}

// RegistrationInfo describes one enabled registration in dispatch order.
type RegistrationInfo struct {
	Owner    string
	Name     string
	Priority int
}

// Registry holds hook registrations and dispatches them. Safe for
// concurrent use; dispatch within one task is strictly sequential.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	bus      *events.Bus
	points   map[Point][]*registration
	disabled map[string]bool
	errs     map[string][]HookError
	seq      int64
}

// NewRegistry creates an empty hook registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		logger:   logger,
		points:   make(map[Point][]*registration),
		disabled: make(map[string]bool),
		errs:     make(map[string][]HookError),
	}
}

// SetEventBus attaches a bus that receives a hook_error event for every
// recorded callback failure. A nil bus disables emission.
func (r *Registry) SetEventBus(bus *events.Bus) {
	r.mu.Lock()
	r.bus = bus
	r.mu.Unlock()
}

// Register adds a callback at a point. name is the callback's identity
// within its owner; registering the same (point, owner, name) twice
// returns a DuplicateRegistrationError. Higher priority runs earlier;
// equal priorities keep registration order.
func (r *Registry) Register(point Point, name, owner string, priority int, cb Callback) error {
	if cb == nil {
		return fmt.Errorf("nil callback for %q at %q", name, point)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, reg := range r.points[point] {
		if reg.owner == owner && reg.name == name {
			return &DuplicateRegistrationError{Point: point, Owner: owner, Name: name}
		}
	}

	r.seq++
	regs := append(r.points[point], &registration{
		point:    point,
		name:     name,
		owner:    owner,
		priority: priority,
		seq:      r.seq,
		cb:       cb,
	})
	// Priority descending, then registration sequence ascending. The
	// sort is stable by construction since seq values are unique.
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority > regs[j].priority
		}
		return regs[i].seq < regs[j].seq
	})
	r.points[point] = regs
	return nil
}

// Unregister removes all of owner's registrations for a point. Used on
// plugin deactivation.
func (r *Registry) Unregister(point Point, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.points[point][:0]
	for _, reg := range r.points[point] {
		if reg.owner != owner {
			regs = append(regs, reg)
		}
	}
	r.points[point] = regs
}

// UnregisterOwner removes all of owner's registrations at every point.
func (r *Registry) UnregisterOwner(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for point, regs := range r.points {
		kept := regs[:0]
		for _, reg := range regs {
			if reg.owner != owner {
				kept = append(kept, reg)
			}
		}
		r.points[point] = kept
	}
}

// SetEnabled toggles an owner's registrations. Disabled registrations
// are excluded from dispatch but stay in the registry, so re-enabling
// restores the original relative order. Takes effect on the next
// dispatch.
func (r *Registry) SetEnabled(owner string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if enabled {
		delete(r.disabled, owner)
	} else {
		r.disabled[owner] = true
	}
}

// Enabled reports whether an owner's registrations are dispatched.
func (r *Registry) Enabled(owner string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.disabled[owner]
}

// Registrations returns the enabled registrations for a point in
// dispatch order.
func (r *Registry) Registrations(point Point) []RegistrationInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []RegistrationInfo
	for _, reg := range r.points[point] {
		if r.disabled[reg.owner] {
			continue
		}
		out = append(out, RegistrationInfo{Owner: reg.owner, Name: reg.name, Priority: reg.priority})
	}
	return out
}

// Errors returns the recorded hook errors for an owner, oldest first.
func (r *Registry) Errors(owner string) []HookError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HookError, len(r.errs[owner]))
	copy(out, r.errs[owner])
	return out
}

func (r *Registry) recordError(reg *registration, err error) {
	r.mu.Lock()
	hist := append(r.errs[reg.owner], HookError{
		Point: reg.point,
		Owner: reg.owner,
		Name:  reg.name,
		Err:   err,
		At:    time.Now(),
	})
	if len(hist) > maxErrorsPerOwner {
		hist = hist[len(hist)-maxErrorsPerOwner:]
	}
	r.errs[reg.owner] = hist
	bus := r.bus
	r.mu.Unlock()

	r.logger.Warn("hook failed",
		"point", reg.point,
		"plugin", reg.owner,
		"hook", reg.name,
		"error", err,
	)
	bus.Emit(events.SourceHooks, events.KindHookError, "", map[string]any{
		"point":  string(reg.point),
		"plugin": reg.owner,
		"hook":   reg.name,
		"error":  err.Error(),
	})
}

// snapshot returns the enabled registrations for a point at this
// moment. Dispatch runs over the snapshot, so toggles and removals take
// effect on the next dispatch.
func (r *Registry) snapshot(point Point) []*registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*registration, 0, len(r.points[point]))
	for _, reg := range r.points[point] {
		if !r.disabled[reg.owner] {
			out = append(out, reg)
		}
	}
	return out
}

package satip

import (
	"strings"
	"sync"
	"time"
)

// ServerRegistry is an ordered set of unique ServerRecords. Uniqueness and
// lookup are by the case-insensitive (address, model, description) tuple.
type ServerRegistry struct {
	mu       sync.Mutex
	byID     map[string]*ServerRecord
	order    []*ServerRecord
	disabled []string // glob patterns from Config, consulted before Assign
}

// NewServerRegistry returns an empty registry.
func NewServerRegistry() *ServerRegistry {
	return &ServerRegistry{byID: make(map[string]*ServerRecord)}
}

// SetDisabledSources installs the operator's glob-pattern disabled-source
// list, consulted by Assign ahead of any per-server filter.
func (r *ServerRegistry) SetDisabledSources(patterns []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled = patterns
}

// Add inserts rec if its identity tuple is not already present; returns
// false if a record with the same identity already exists.
func (r *ServerRegistry) Add(rec *ServerRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := rec.Identity()
	if _, ok := r.byID[id]; ok {
		return false
	}
	r.byID[id] = rec
	r.order = append(r.order, rec)
	return true
}

// FindByIdentity returns the record with the given identity tuple, if
// present.
func (r *ServerRegistry) FindByIdentity(address, model, description string) (*ServerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := strings.ToLower(address) + "|" + strings.ToLower(model) + "|" + strings.ToLower(description)
	rec, ok := r.byID[id]
	return rec, ok
}

// Find returns the first active, registry-order record whose Matches(source,
// 0) is true: a read-only probe for the server Assign would pick for
// source, without allocating a frontend slot.
func (r *ServerRegistry) Find(source string) (*ServerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.order {
		if rec.Active() && rec.Matches(source, 0) {
			return rec, true
		}
	}
	return nil, false
}

// Update refreshes the last-seen timestamp of the record with the given
// identity tuple, if present.
func (r *ServerRegistry) Update(address, model, description string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := strings.ToLower(address) + "|" + strings.ToLower(model) + "|" + strings.ToLower(description)
	rec, ok := r.byID[id]
	if !ok {
		return false
	}
	rec.Touch(now)
	return true
}

// Activate sets the active flag of the record with the given identity
// tuple, if present.
func (r *ServerRegistry) Activate(address, model, description string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := strings.ToLower(address) + "|" + strings.ToLower(model) + "|" + strings.ToLower(description)
	rec, ok := r.byID[id]
	if !ok {
		return false
	}
	rec.Activate(active)
	return true
}

func (r *ServerRegistry) sourceDisabled(src string) bool {
	for _, pat := range r.disabled {
		g, err := compileGlobCached(pat)
		if err == nil && g.Match(src) {
			return true
		}
	}
	return false
}

// Assign probes records in insertion order and allocates a frontend slot
// on the first active record whose Assign(deviceID, source, system)
// succeeds. Disabled-source glob patterns are checked first.
func (r *ServerRegistry) Assign(deviceID int, source string, transponder, system int) (*ServerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sourceDisabled(source) {
		return nil, false
	}
	for _, rec := range r.order {
		if !rec.Active() {
			continue
		}
		if rec.Assign(deviceID, source, system) {
			return rec, true
		}
	}
	return nil, false
}

// Attach proxies to the named record's Attach.
func (r *ServerRegistry) Attach(rec *ServerRecord, deviceID int) bool {
	if rec == nil {
		return false
	}
	return rec.Attach(deviceID)
}

// Detach proxies to the named record's Detach.
func (r *ServerRegistry) Detach(rec *ServerRecord, deviceID int) bool {
	if rec == nil {
		return false
	}
	return rec.Detach(deviceID)
}

// Cleanup removes every record whose last-seen age exceeds intervalMs.
// intervalMs == 0 removes every record. Returns the number removed.
func (r *ServerRegistry) Cleanup(intervalMs int64, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if intervalMs == 0 {
		n := len(r.order)
		r.order = nil
		r.byID = make(map[string]*ServerRecord)
		return n
	}
	threshold := time.Duration(intervalMs) * time.Millisecond
	kept := r.order[:0:0]
	removed := 0
	for _, rec := range r.order {
		if now.Sub(rec.LastSeen()) > threshold {
			delete(r.byID, rec.Identity())
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	r.order = kept
	return removed
}

// List returns the records in registry order.
func (r *ServerRegistry) List() []*ServerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ServerRecord, len(r.order))
	copy(out, r.order)
	return out
}

// Listing renders every record's ListingLine, one per element, in
// registry order.
func (r *ServerRegistry) Listing() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	for i, rec := range r.order {
		out[i] = rec.ListingLine()
	}
	return out
}

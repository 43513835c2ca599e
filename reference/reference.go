// Package reference implements the per-(process, resource) handle at the
// heart of the coordination layer: a Reference owns a distributed lock over
// its resource and holds membership in the resource's reflist, the
// persisted mapping whose key set is the authoritative distributed
// reference count.
package reference

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"refhub/keys"
	"refhub/lock"
	"refhub/store"
)

// Owner is the capability a Reference needs from its owning Process, kept
// as an interface rather than an import of package process; a Reference
// never holds an owning back-pointer to the concrete Process.
type Owner interface {
	ID() string
	StoreClient() *store.Client
	LockFactory() *lock.Factory
	// RemoveFromRegistry drops resource from this owner's own registry once
	// a Reference on it has been fully dereferenced.
	RemoveFromRegistry(ctx context.Context, resource string) error
}

// A reflist entry older than expiryMultiple*TTL is considered abandoned by
// RemoveFailedProcesses. Callers supply TTL explicitly since Reference has no
// direct access to config.
const expiryMultiple = 2

// Reference is a live (process, resource) handle.
type Reference struct {
	owner            Owner
	resource         string
	reflistKey       string
	resourceKey      string
	timesModifiedKey string
	block            bool
	ttl              time.Duration
	namedLock        lock.NamedLock
	held             atomic.Bool
}

// AlreadyLocked re-exports the lock package's sentinel so callers of this
// package never need to import lock directly just to check it.
var AlreadyLocked = lock.ErrAlreadyLocked

// New creates a Reference bound to (owner, resource, block) and ensures
// owner.ID() is present in the resource's reflist.
func New(ctx context.Context, owner Owner, resource string, block bool, ttl time.Duration) (*Reference, error) {
	r := &Reference{
		owner:            owner,
		resource:         resource,
		reflistKey:       keys.Reflist(resource),
		resourceKey:      keys.Resource(resource),
		timesModifiedKey: keys.TimesModified(resource),
		block:            block,
		ttl:              ttl,
		namedLock:        owner.LockFactory().New(resource),
	}
	if err := r.CreateReference(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// CreateReference inserts owner.ID() -> now into the reflist. Idempotent.
func (r *Reference) CreateReference(ctx context.Context) error {
	return r.owner.StoreClient().HSet(ctx, r.reflistKey, r.owner.ID(), nowISO())
}

// Lock acquires the resource's distributed lock. Non-reentrant: a second
// call while already held fails fast with AlreadyLocked without a store
// round-trip.
func (r *Reference) Lock(ctx context.Context) (bool, error) {
	return r.lock(ctx, r.block)
}

// LockBlocking acquires the lock, overriding the Reference's default
// blocking mode for this one call.
func (r *Reference) LockBlocking(ctx context.Context, block bool) (bool, error) {
	return r.lock(ctx, block)
}

func (r *Reference) lock(ctx context.Context, block bool) (bool, error) {
	if r.held.Load() {
		return false, AlreadyLocked
	}
	ok, err := r.namedLock.Acquire(ctx, block)
	if err != nil {
		return false, err
	}
	if ok {
		r.held.Store(true)
	}
	return ok, nil
}

// Release releases the lock if held. Idempotent.
func (r *Reference) Release(ctx context.Context) error {
	if !r.held.CompareAndSwap(true, false) {
		return nil
	}
	return r.namedLock.Release(ctx)
}

// RefreshSession writes owner.ID() -> now into the reflist, extending this
// process's claim. Strictly advances the stored timestamp.
func (r *Reference) RefreshSession(ctx context.Context) error {
	return r.owner.StoreClient().HSet(ctx, r.reflistKey, r.owner.ID(), nowISO())
}

// Count returns the reflist cardinality after filtering out entries older
// than now-2*TTL.
func (r *Reference) Count(ctx context.Context) (int, error) {
	raw, err := r.owner.StoreClient().HGetAll(ctx, r.reflistKey)
	if err != nil {
		return 0, err
	}
	live := RemoveFailedProcesses(raw, r.ttl, time.Now())
	return len(live), nil
}

// RemoveFailedProcesses is a pure function, kept exported and free of store
// access for direct unit testing: given pid->ISO-timestamp, return the
// subset whose timestamp is more recent than now-2*TTL.
func RemoveFailedProcesses(pids map[string]string, ttl time.Duration, now time.Time) map[string]string {
	cutoff := now.Add(-expiryMultiple * ttl)
	live := make(map[string]string, len(pids))
	for pid, ts := range pids {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			continue
		}
		if t.After(cutoff) {
			live[pid] = ts
		}
	}
	return live
}

// GetTimesModified returns the monotonic modification counter for the
// resource.
func (r *Reference) GetTimesModified(ctx context.Context) (int64, error) {
	val, err := r.owner.StoreClient().Get(ctx, r.timesModifiedKey)
	if err != nil || val == "" {
		return 0, err
	}
	n, _ := strconv.ParseInt(val, 10, 64)
	return n, nil
}

// IncrementTimesModified atomically bumps the monotonic modification counter
// via the store's INCR, rather than a read-parse-write round trip that two
// concurrent callers could race on.
func (r *Reference) IncrementTimesModified(ctx context.Context) (int64, error) {
	return r.owner.StoreClient().Incr(ctx, r.timesModifiedKey)
}

// Dereference removes owner.ID() from the reflist, compacting out expired
// entries. If the reflist becomes empty it deletes reflistKey, resourceKey
// and timesModifiedKey and invokes callback exactly once. Either way, the
// resource is dropped from the owner's own registry.
func (r *Reference) Dereference(ctx context.Context, callback func()) error {
	if err := r.owner.StoreClient().HDel(ctx, r.reflistKey, r.owner.ID()); err != nil {
		return err
	}

	raw, err := r.owner.StoreClient().HGetAll(ctx, r.reflistKey)
	if err != nil {
		return err
	}
	live := RemoveFailedProcesses(raw, r.ttl, time.Now())

	stale := make([]string, 0, len(raw)-len(live))
	for pid := range raw {
		if _, ok := live[pid]; !ok {
			stale = append(stale, pid)
		}
	}
	if len(stale) > 0 {
		if err := r.owner.StoreClient().HDel(ctx, r.reflistKey, stale...); err != nil {
			return err
		}
	}

	if len(live) == 0 {
		if err := r.owner.StoreClient().Del(ctx, r.reflistKey, r.resourceKey, r.timesModifiedKey); err != nil {
			return err
		}
		if callback != nil {
			callback()
		}
	}

	return r.owner.RemoveFromRegistry(ctx, r.resource)
}

// Resource returns the logical resource name this Reference is bound to.
func (r *Reference) Resource() string { return r.resource }

// ReflistKey returns the key backing this resource's reflist.
func (r *Reference) ReflistKey() string { return r.reflistKey }

// nowISO stamps with nanosecond precision so back-to-back refreshes still
// strictly advance the stored timestamp. time.Parse with the plain RFC3339
// layout accepts the fractional seconds on read.
func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}


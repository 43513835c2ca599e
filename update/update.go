// Package update implements the write-aggregation abstraction: a
// resource-mutation descriptor that opens a Reference on construction and
// uses the reflist's live count to elect a single writer per logical
// session. Sharers that are not last only cache their deltas to the shared
// store; the last sharer's Execute flushes the fully merged document
// downstream.
package update

import (
	"context"
	"encoding/json"
	"fmt"

	"refhub/keys"
	"refhub/reference"
	"refhub/sink"
)

// Owner is the capability an Update needs from its creating Process: the
// ability to open a Reference on a resource id. Kept as an interface for the
// same reason reference.Owner is: to avoid an import cycle with package
// process.
type Owner interface {
	CreateReference(ctx context.Context, resource string, block bool) (*reference.Reference, error)
}

// StoreWriter is the subset of store.Client an Update needs: raw string
// get/set, used for the cache snapshot and the downstream write.
type StoreWriter interface {
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
}

// Doc is the mutation payload an Update carries and merges. Concrete field
// shapes are domain-specific; Update only requires it be mergeable,
// serializable, and able to decode a resident snapshot of itself.
type Doc interface {
	// Merge folds other's contribution into the receiver, in place.
	Merge(other Doc)
	// Decode parses data (this Doc's own JSON shape, as previously produced
	// by json.Marshal) into a fresh Doc of the same concrete type, so a
	// resident snapshot written by another process can be merged back in.
	Decode(data []byte) (Doc, error)
}

// Update is the contract the LruCache coalesces and flushes: Merge, Cache
// and Execute are supplied by a concrete implementation; EndSession applies
// the writer-election rule over them.
type Update interface {
	ResourceID() string
	Merge(other Update)
	Cache(ctx context.Context) error
	Execute(ctx context.Context) error
	EndSession(ctx context.Context) error
	Reference() *reference.Reference
}

// snapshot is the serialized form persisted by Cache and flushed by Execute.
type snapshot struct {
	Doc        json.RawMessage `json:"doc"`
	Spec       string          `json:"spec"`
	Collection string          `json:"collection"`
	Database   string          `json:"database"`
}

// UserUpdate is the canonical concrete Update: an additive, field-wise
// merge over an arbitrary JSON document.
type UserUpdate struct {
	resourceID string
	spec       string
	database   string
	collection string
	doc        Doc
	ref        *reference.Reference
	store      StoreWriter
	downstream sink.Sink
}

// New opens a Reference on resourceID via owner and returns an Update bound
// to it; the resource's reflist contains this process immediately after
// construction. downstream receives the flush on Execute; store backs the
// fast Cache path.
func New(ctx context.Context, owner Owner, store StoreWriter, downstream sink.Sink, resourceID, database, collection, spec string, doc Doc) (*UserUpdate, error) {
	ref, err := owner.CreateReference(ctx, resourceID, true)
	if err != nil {
		return nil, fmt.Errorf("update: open reference: %w", err)
	}
	if err := ref.RefreshSession(ctx); err != nil {
		return nil, fmt.Errorf("update: refresh session: %w", err)
	}
	return &UserUpdate{
		resourceID: resourceID,
		spec:       spec,
		database:   database,
		collection: collection,
		doc:        doc,
		ref:        ref,
		store:      store,
		downstream: downstream,
	}, nil
}

func (u *UserUpdate) ResourceID() string              { return u.resourceID }
func (u *UserUpdate) Reference() *reference.Reference { return u.ref }

// Merge folds other's document into this Update's resident document.
// Additive field-wise accumulation; idempotent collisions are the Doc
// implementation's responsibility.
func (u *UserUpdate) Merge(other Update) {
	o, ok := other.(*UserUpdate)
	if !ok || o == nil {
		return
	}
	u.doc.Merge(o.doc)
}

// mergeResident reads the resident snapshot (if any) at the resource's cache
// key and folds it into u.doc before this process writes its own view back.
// This is how the elected writer ends up flushing the fully merged document:
// caching peers wrote into the store before dereferencing, and two
// UserUpdates for the same resource in separate processes never share a Go
// object, only the store.
func (u *UserUpdate) mergeResident(ctx context.Context) error {
	raw, err := u.store.Get(ctx, keys.Resource(u.resourceID))
	if err != nil {
		return fmt.Errorf("update: read resident snapshot: %w", err)
	}
	if raw == "" {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return fmt.Errorf("update: unmarshal resident snapshot: %w", err)
	}
	resident, err := u.doc.Decode(snap.Doc)
	if err != nil {
		return fmt.Errorf("update: decode resident doc: %w", err)
	}
	u.doc.Merge(resident)
	return nil
}

// Cache persists a serialized snapshot to the shared store keyed by
// resource_id. Fast path, no downstream write. Merges in whatever a prior
// caching peer already left resident, so repeated Cache calls for the same
// resource accumulate rather than clobber each other.
func (u *UserUpdate) Cache(ctx context.Context) error {
	if err := u.mergeResident(ctx); err != nil {
		return err
	}
	payload, err := u.marshal()
	if err != nil {
		return fmt.Errorf("update: marshal snapshot: %w", err)
	}
	return u.store.Set(ctx, keys.Resource(u.resourceID), payload)
}

// Execute flushes the snapshot to the authoritative downstream
// (canonically the "{resource_id}.write" key). Called exactly once per
// logical session by the elected last sharer, after merging in whatever
// caching peers left resident.
func (u *UserUpdate) Execute(ctx context.Context) error {
	if err := u.mergeResident(ctx); err != nil {
		return err
	}
	docJSON, err := json.Marshal(u.doc)
	if err != nil {
		return fmt.Errorf("update: marshal doc: %w", err)
	}
	return u.downstream.Flush(ctx, u.resourceID, docJSON)
}

func (u *UserUpdate) marshal() (string, error) {
	docJSON, err := json.Marshal(u.doc)
	if err != nil {
		return "", err
	}
	snap := snapshot{
		Doc:        docJSON,
		Spec:       u.spec,
		Collection: u.collection,
		Database:   u.database,
	}
	out, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// EndSession applies the writer-election rule on termination: if more than
// one sharer remains, cache; otherwise this process is the last sharer and
// executes the flush. Either way the Reference is dereferenced afterward.
func (u *UserUpdate) EndSession(ctx context.Context) error {
	if err := u.ref.RefreshSession(ctx); err != nil {
		return fmt.Errorf("update: refresh session: %w", err)
	}

	count, err := u.ref.Count(ctx)
	if err != nil {
		return fmt.Errorf("update: count reflist: %w", err)
	}

	if count > 1 {
		if err := u.Cache(ctx); err != nil {
			return err
		}
	} else {
		if err := u.Execute(ctx); err != nil {
			return err
		}
	}

	return u.ref.Dereference(ctx, nil)
}

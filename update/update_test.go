package update

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"refhub/keys"
	"refhub/lock"
	"refhub/reference"
	"refhub/store"
)

// fieldDoc is an additive, field-wise mergeable document: merging sums
// values per field.
type fieldDoc map[string]int

func (d fieldDoc) Merge(other Doc) {
	o, ok := other.(fieldDoc)
	if !ok {
		return
	}
	for k, v := range o {
		d[k] += v
	}
}

func (d fieldDoc) Decode(data []byte) (Doc, error) {
	out := make(fieldDoc)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// fakeProcess is a minimal stand-in for process.Process implementing both
// reference.Owner and update.Owner, avoiding an import cycle with the real
// process package (which already depends on reference and would need to
// depend on update too).
type fakeProcess struct {
	id    string
	store *store.Client
	locks *lock.Factory
	ttl   time.Duration
}

func (p *fakeProcess) ID() string                 { return p.id }
func (p *fakeProcess) StoreClient() *store.Client { return p.store }
func (p *fakeProcess) LockFactory() *lock.Factory { return p.locks }
func (p *fakeProcess) RemoveFromRegistry(ctx context.Context, resource string) error {
	return p.store.HDel(ctx, "refhub_"+p.id, resource)
}
func (p *fakeProcess) CreateReference(ctx context.Context, resource string, block bool) (*reference.Reference, error) {
	if err := p.store.HSet(ctx, "refhub_"+p.id, resource, "1"); err != nil {
		return nil, err
	}
	return reference.New(ctx, p, resource, block, p.ttl)
}

func newHarness(t *testing.T) (*store.Client, *lock.Factory, time.Duration) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sc := store.WrapForTest(raw)
	ttl := 2 * time.Second
	lf := lock.NewFactory(raw, ttl, 20*time.Millisecond, 200*time.Millisecond)
	return sc, lf, ttl
}

type recordingSink struct {
	flushed map[string]json.RawMessage
}

func newRecordingSink() *recordingSink {
	return &recordingSink{flushed: make(map[string]json.RawMessage)}
}

func (s *recordingSink) Flush(ctx context.Context, resourceID string, doc json.RawMessage) error {
	s.flushed[resourceID] = doc
	return nil
}

func (s *recordingSink) Close() error { return nil }

// TestUpdateLastSharerExecutesMergedDoc: two processes sharing one
// resource, only the last dereference producing the downstream write, with
// the fully merged document. u1 and u2 are never visible to each other here,
// exactly as two independent Processes in separate address spaces would be,
// so the merge must happen purely through u1.Cache writing the shared store
// and u2.Execute reading it back.
func TestUpdateLastSharerExecutesMergedDoc(t *testing.T) {
	sc, lf, ttl := newHarness(t)
	ctx := context.Background()
	downstream := newRecordingSink()

	p1 := &fakeProcess{id: "p1", store: sc, locks: lf, ttl: ttl}
	p2 := &fakeProcess{id: "p2", store: sc, locks: lf, ttl: ttl}

	u1, err := New(ctx, p1, sc, downstream, "456", "db", "coll", "spec", fieldDoc{"d": 4, "e": 5, "f": 6})
	if err != nil {
		t.Fatalf("new update 1: %v", err)
	}
	u2, err := New(ctx, p2, sc, downstream, "456", "db", "coll", "spec", fieldDoc{"d": 4, "e": 5, "f": 6})
	if err != nil {
		t.Fatalf("new update 2: %v", err)
	}

	if count, _ := u1.Reference().Count(ctx); count != 2 {
		t.Fatalf("expected reflist count 2 before either session ends, got %d", count)
	}

	// p1 ends its session first: two sharers remain live, so it caches
	// rather than writing downstream.
	if err := u1.EndSession(ctx); err != nil {
		t.Fatalf("u1 end_session: %v", err)
	}
	if _, ok := downstream.flushed["456"]; ok {
		t.Fatal("expected no downstream write while a second sharer remains")
	}
	cached, err := sc.Get(ctx, keys.Resource("456"))
	if err != nil || cached == "" {
		t.Fatalf("expected a cached snapshot at the resource key, got %q err=%v", cached, err)
	}

	// p2 is now the last sharer: its EndSession must flush the fully-merged
	// document downstream. u2 never calls Merge directly; its Execute reads
	// back the resident snapshot u1.Cache wrote and folds it into u2's own
	// doc.
	if err := u2.EndSession(ctx); err != nil {
		t.Fatalf("u2 end_session: %v", err)
	}

	flushed, ok := downstream.flushed["456"]
	if !ok {
		t.Fatal("expected the last sharer to flush downstream")
	}

	var got fieldDoc
	if err := json.Unmarshal(flushed, &got); err != nil {
		t.Fatal(err)
	}
	want := fieldDoc{"d": 8, "e": 10, "f": 12}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("field %q: want %d, got %d (full doc %v)", k, v, got[k], got)
		}
	}
}

func TestUpdateMergeAccumulatesFieldwise(t *testing.T) {
	sc, lf, ttl := newHarness(t)
	ctx := context.Background()
	downstream := newRecordingSink()
	p1 := &fakeProcess{id: "p1", store: sc, locks: lf, ttl: ttl}

	u1, err := New(ctx, p1, sc, downstream, "789", "db", "coll", "spec", fieldDoc{"a": 1})
	if err != nil {
		t.Fatal(err)
	}
	u2, err := New(ctx, p1, sc, downstream, "789", "db", "coll", "spec", fieldDoc{"a": 2})
	if err != nil {
		t.Fatal(err)
	}

	u1.Merge(u2)

	doc := u1.doc.(fieldDoc)
	if doc["a"] != 3 {
		t.Fatalf("expected merged field to sum to 3, got %d", doc["a"])
	}
}

func TestUpdateSoleSharerExecutesImmediately(t *testing.T) {
	sc, lf, ttl := newHarness(t)
	ctx := context.Background()
	downstream := newRecordingSink()
	p1 := &fakeProcess{id: "solo", store: sc, locks: lf, ttl: ttl}

	u, err := New(ctx, p1, sc, downstream, "111", "db", "coll", "spec", fieldDoc{"x": 1})
	if err != nil {
		t.Fatal(err)
	}

	if err := u.EndSession(ctx); err != nil {
		t.Fatalf("end_session: %v", err)
	}

	if _, ok := downstream.flushed["111"]; !ok {
		t.Fatal("expected the sole sharer to flush downstream immediately")
	}

	if exists, _ := sc.Exists(ctx, keys.Reflist("111")); exists {
		t.Fatal("expected the reflist to be cleaned up once the sole sharer dereferenced")
	}
}

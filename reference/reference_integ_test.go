package reference

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"refhub/keys"
	"refhub/lock"
	"refhub/store"
)

// fakeOwner is a minimal reference.Owner backed by a real store.Client and
// lock.Factory, standing in for process.Process without importing it (that
// import would cycle back into this package).
type fakeOwner struct {
	id    string
	store *store.Client
	locks *lock.Factory
}

func (o *fakeOwner) ID() string                 { return o.id }
func (o *fakeOwner) StoreClient() *store.Client { return o.store }
func (o *fakeOwner) LockFactory() *lock.Factory { return o.locks }
func (o *fakeOwner) RemoveFromRegistry(ctx context.Context, resource string) error {
	return o.store.HDel(ctx, "refhub_"+o.id, resource)
}

func newHarness(t *testing.T) (*store.Client, *lock.Factory) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sc := store.WrapForTest(raw)
	lf := lock.NewFactory(raw, 2*time.Second, 20*time.Millisecond, 200*time.Millisecond)
	return sc, lf
}

func TestNewReferenceRegistersInReflist(t *testing.T) {
	sc, lf := newHarness(t)
	owner := &fakeOwner{id: "p1", store: sc, locks: lf}
	ctx := context.Background()

	ref, err := New(ctx, owner, "foo", true, 30*time.Minute)
	if err != nil {
		t.Fatalf("new reference: %v", err)
	}

	count, err := ref.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count < 1 {
		t.Fatalf("expected count >= 1, got %d", count)
	}

	all, err := sc.HGetAll(ctx, ref.ReflistKey())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := all["p1"]; !ok {
		t.Fatalf("expected owner id in reflist, got %v", all)
	}
}

func TestCountAcrossMultipleOwners(t *testing.T) {
	sc, lf := newHarness(t)
	ctx := context.Background()

	var refs []*Reference
	for _, id := range []string{"p1", "p2", "p3"} {
		owner := &fakeOwner{id: id, store: sc, locks: lf}
		ref, err := New(ctx, owner, "shared", true, 30*time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		refs = append(refs, ref)
	}

	for _, r := range refs {
		count, err := r.Count(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if count != 3 {
			t.Fatalf("expected count == 3 from every reference's view, got %d", count)
		}
	}

	refs[0].Dereference(ctx, nil)
	if c, _ := refs[1].Count(ctx); c != 2 {
		t.Fatalf("expected count 2 after first dereference, got %d", c)
	}
	refs[1].Dereference(ctx, nil)
	if c, _ := refs[2].Count(ctx); c != 1 {
		t.Fatalf("expected count 1 after second dereference, got %d", c)
	}

	called := false
	refs[2].Dereference(ctx, func() { called = true })
	if !called {
		t.Fatal("expected the last dereference's callback to fire")
	}

	if exists, _ := sc.Exists(ctx, refs[2].ReflistKey()); exists {
		t.Fatal("expected reflist key to be deleted once the last reference left")
	}
}

func TestLockNonReentrant(t *testing.T) {
	sc, lf := newHarness(t)
	owner := &fakeOwner{id: "p1", store: sc, locks: lf}
	ctx := context.Background()

	ref, err := New(ctx, owner, "bar", false, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := ref.Lock(ctx)
	if err != nil || !ok {
		t.Fatalf("expected first lock to succeed, ok=%v err=%v", ok, err)
	}

	_, err = ref.Lock(ctx)
	if err != AlreadyLocked {
		t.Fatalf("expected AlreadyLocked on reentrant lock, got %v", err)
	}

	if err := ref.Release(ctx); err != nil {
		t.Fatal(err)
	}

	ok, err = ref.Lock(ctx)
	if err != nil || !ok {
		t.Fatalf("expected lock to succeed again after release, ok=%v err=%v", ok, err)
	}
}

func TestGetAndIncrementTimesModified(t *testing.T) {
	sc, lf := newHarness(t)
	owner := &fakeOwner{id: "p1", store: sc, locks: lf}
	ctx := context.Background()

	ref, err := New(ctx, owner, "counted", true, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	n, err := ref.GetTimesModified(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected a fresh counter to read 0, got %d", n)
	}

	if _, err := ref.IncrementTimesModified(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := ref.IncrementTimesModified(ctx); err != nil {
		t.Fatal(err)
	}

	n, err = ref.GetTimesModified(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected counter 2 after two increments, got %d", n)
	}

	// The counter dies with the resource: the last dereference deletes it.
	if err := ref.Dereference(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if exists, _ := sc.Exists(ctx, keys.TimesModified("counted")); exists {
		t.Fatal("expected the times-modified key to be deleted with the last reference")
	}
}

func TestRefreshSessionAdvancesTimestamp(t *testing.T) {
	sc, lf := newHarness(t)
	owner := &fakeOwner{id: "p1", store: sc, locks: lf}
	ctx := context.Background()

	ref, err := New(ctx, owner, "baz", true, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	before, _, err := sc.HGet(ctx, ref.ReflistKey(), "p1")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := ref.RefreshSession(ctx); err != nil {
		t.Fatal(err)
	}

	after, _, err := sc.HGet(ctx, ref.ReflistKey(), "p1")
	if err != nil {
		t.Fatal(err)
	}

	bt, _ := time.Parse(time.RFC3339, before)
	at, _ := time.Parse(time.RFC3339, after)
	if !at.After(bt) {
		t.Fatalf("expected refreshed timestamp %v to be after %v", at, bt)
	}
}

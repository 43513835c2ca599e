// Package process implements the Process identity, its resource registry,
// the heartbeat emitter, and the orphan-recovery sweep that redistributes
// references held by processes whose heartbeats have expired.
package process

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"refhub/config"
	"refhub/keys"
	"refhub/lock"
	"refhub/logger"
	"refhub/reference"
	"refhub/store"
)

// recoveryPoolSize bounds how many failed pids a single check_heartbeats
// pass reclaims concurrently.
const recoveryPoolSize = 8

// Process is one address space's coordination identity: a rotating id, its
// resource registry, and the heartbeat/orphan-recovery machinery that keeps
// the cluster's liveness view honest.
type Process struct {
	cfg   config.Config
	store *store.Client
	locks *lock.Factory

	idMu sync.RWMutex
	id   string

	heartbeatRef *reference.Reference
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup

	pool *ants.Pool
}

// New connects to the shared store, mints a fresh process id, registers in
// the heartbeat map, and starts the heartbeat emitter.
func New(ctx context.Context, cfg config.Config) (*Process, error) {
	sc, err := store.Connect(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("process: connect store: %w", err)
	}

	lf := lock.NewFactory(sc.Raw(), cfg.TTL, cfg.RetrySleep, cfg.Timeout)

	pool, err := ants.NewPool(recoveryPoolSize)
	if err != nil {
		return nil, fmt.Errorf("process: build recovery pool: %w", err)
	}

	p := &Process{
		cfg:    cfg,
		store:  sc,
		locks:  lf,
		id:     uuid.NewString(),
		stopCh: make(chan struct{}),
		pool:   pool,
	}

	p.heartbeatRef, err = reference.New(ctx, p, "heartbeat", true, cfg.TTL)
	if err != nil {
		pool.Release()
		return nil, fmt.Errorf("process: acquire heartbeat reference: %w", err)
	}

	if err := p.emitHeartbeat(ctx); err != nil {
		logger.Error("initial heartbeat emission failed", "error", err)
	}
	p.wg.Add(1)
	go p.heartbeatLoop(ctx)

	logger.Info("process started", "process_id", p.id)
	return p, nil
}

// ID satisfies reference.Owner. Safe to call while a recovery pass is
// rotating the id concurrently.
func (p *Process) ID() string {
	p.idMu.RLock()
	defer p.idMu.RUnlock()
	return p.id
}

// StoreClient satisfies reference.Owner.
func (p *Process) StoreClient() *store.Client { return p.store }

// LockFactory satisfies reference.Owner.
func (p *Process) LockFactory() *lock.Factory { return p.locks }

// RegistryKey returns the current registry key for this process's id.
func (p *Process) RegistryKey() string { return keys.Registry(p.ID()) }

// ListRegistry returns the resource names this process currently references.
func (p *Process) ListRegistry(ctx context.Context) ([]string, error) {
	return p.store.HKeys(ctx, p.RegistryKey())
}

// HeartbeatSnapshot returns the full pid -> last-seen-timestamp map.
func (p *Process) HeartbeatSnapshot(ctx context.Context) (map[string]string, error) {
	return p.store.HGetAll(ctx, keys.HeartbeatMap())
}

// ReflistSnapshot returns the pid -> last-refresh-timestamp map for resource.
func (p *Process) ReflistSnapshot(ctx context.Context, resource string) (map[string]string, error) {
	return p.store.HGetAll(ctx, keys.Reflist(resource))
}

// CreateReference adds resource to this process's registry and returns a
// Reference bound to it. Idempotent in the reflist: re-creating a reference
// this process already holds just refreshes its timestamp.
func (p *Process) CreateReference(ctx context.Context, resource string, block bool) (*reference.Reference, error) {
	if err := p.AddToRegistry(ctx, resource); err != nil {
		return nil, fmt.Errorf("process: add to registry: %w", err)
	}
	ref, err := reference.New(ctx, p, resource, block, p.cfg.TTL)
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// AddToRegistry records resource in this process's registry. Idempotent.
func (p *Process) AddToRegistry(ctx context.Context, resource string) error {
	return p.store.HSet(ctx, p.RegistryKey(), resource, "1")
}

// RemoveFromRegistry drops resource from this process's registry. Called
// once a Reference has been fully dereferenced. Idempotent.
func (p *Process) RemoveFromRegistry(ctx context.Context, resource string) error {
	return p.store.HDel(ctx, p.RegistryKey(), resource)
}

func (p *Process) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.emitHeartbeat(ctx); err != nil {
				logger.Error("heartbeat emission failed", "error", err)
			}
		case <-p.stopCh:
			return
		}
	}
}

// emitHeartbeat acquires the shared heartbeat Reference's lock, writes
// self.id -> now into the heartbeat map, then releases the lock.
func (p *Process) emitHeartbeat(ctx context.Context) error {
	ok, err := p.heartbeatRef.Lock(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer p.heartbeatRef.Release(ctx)

	return p.store.HSet(ctx, keys.HeartbeatMap(), p.ID(), time.Now().UTC().Format(time.RFC3339))
}

// Stop cancels the heartbeat timer, then locks, dereferences and releases
// the heartbeat Reference, then releases the recovery pool. Idempotent and
// safe to call during finalization.
func (p *Process) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()

		if _, lockErr := p.heartbeatRef.Lock(ctx); lockErr != nil {
			logger.Error("stop: lock heartbeat reference", "error", lockErr)
		}
		if derefErr := p.heartbeatRef.Dereference(ctx, nil); derefErr != nil {
			err = derefErr
		}
		if relErr := p.heartbeatRef.Release(ctx); relErr != nil && err == nil {
			err = relErr
		}
		p.pool.Release()
		logger.Info("process stopped", "process_id", p.ID())
	})
	return err
}

// CheckHeartbeats runs one orphan-detection/recovery pass: it partitions the
// heartbeat map into live and failed pids on the 5*heartbeat_interval
// threshold, then reclaims each failed pid's resources: a fair share for
// peers, the whole registry (followed by a self id rotation) when this
// process finds itself among the failed.
func (p *Process) CheckHeartbeats(ctx context.Context) error {
	raw, err := p.store.HGetAll(ctx, keys.HeartbeatMap())
	if err != nil {
		return fmt.Errorf("process: read heartbeat map: %w", err)
	}

	threshold := 5 * p.cfg.HeartbeatInterval
	now := time.Now().UTC()

	var live, failed []string
	for pid, ts := range raw {
		t, parseErr := time.Parse(time.RFC3339, ts)
		if parseErr != nil || now.Sub(t) > threshold {
			failed = append(failed, pid)
		} else {
			live = append(live, pid)
		}
	}

	if len(failed) == 0 {
		return nil
	}

	a := len(live)
	if a == 0 {
		a = 1
	}

	var wg sync.WaitGroup
	for _, pid := range failed {
		pid := pid
		wg.Add(1)
		submitErr := p.pool.Submit(func() {
			defer wg.Done()
			if err := p.reclaim(ctx, pid, a); err != nil {
				logger.Error("orphan recovery failed", "failed_process_id", pid, "error", err)
			}
		})
		if submitErr != nil {
			wg.Done()
			logger.Error("orphan recovery: submit to pool", "failed_process_id", pid, "error", submitErr)
		}
	}
	wg.Wait()
	return nil
}

// reclaim takes the distributed lock on the failed pid's registry key and
// redistributes its resources. Peers each claim a ceil(|R|/liveCount)-sized
// prefix of the sorted registry; overlap between two claimants is harmless
// because re-creating a reference is idempotent in the reflist. A contended
// registry lock means another survivor is already on it, so we skip.
func (p *Process) reclaim(ctx context.Context, failedPID string, liveCount int) error {
	registryKey := keys.Registry(failedPID)
	// The lock lives under its own name: the registry key itself holds a
	// hash, so a lock on that exact key could never be acquired.
	regLock := p.locks.New(registryKey + ".lock")

	ok, err := regLock.Acquire(ctx, false)
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("orphan recovery: registry lock contended, skipping", "failed_process_id", failedPID)
		return nil
	}
	defer regLock.Release(ctx)

	resources, err := p.store.HKeys(ctx, registryKey)
	if err != nil {
		return fmt.Errorf("list registry: %w", err)
	}
	if len(resources) == 0 {
		return p.retireRegistry(ctx, failedPID, registryKey)
	}

	isSelf := failedPID == p.ID()

	var claim []string
	if isSelf {
		claim = resources
	} else {
		sort.Strings(resources)
		share := int(math.Ceil(float64(len(resources)) / float64(liveCount)))
		if share > len(resources) {
			share = len(resources)
		}
		claim = resources[:share]
	}

	for _, r := range claim {
		if _, err := p.CreateReference(ctx, r, true); err != nil {
			logger.Error("orphan recovery: claim resource", "resource", r, "error", err)
			continue
		}
	}

	if err := p.store.HDel(ctx, registryKey, claim...); err != nil {
		return fmt.Errorf("trim claimed registry entries: %w", err)
	}

	if isSelf {
		p.rotateID()
	}

	remaining, err := p.store.HLen(ctx, registryKey)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return p.retireRegistry(ctx, failedPID, registryKey)
	}
	return nil
}

func (p *Process) retireRegistry(ctx context.Context, failedPID, registryKey string) error {
	if err := p.store.Del(ctx, registryKey); err != nil {
		return err
	}
	return p.store.HDel(ctx, keys.HeartbeatMap(), failedPID)
}

// rotateID replaces self.id with a fresh identity, used after a process
// discovers its own heartbeat entry looked dead to a peer's recovery pass.
func (p *Process) rotateID() {
	p.idMu.Lock()
	defer p.idMu.Unlock()
	old := p.id
	p.id = uuid.NewString()
	logger.Info("process rotated id after self-declared-dead recovery", "old_process_id", old, "new_process_id", p.id)
}

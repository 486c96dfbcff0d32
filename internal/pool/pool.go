// Package pool implements SandboxPool (spec.md §4.4): the scheduler
// that owns a set of live sandboxes on one node and enforces capacity,
// eviction priority, and idle sweep.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentorch/agentorch/internal/bridge"
	"github.com/agentorch/agentorch/internal/launcher"
	"github.com/agentorch/agentorch/internal/store"
)

// Named timeout constants (spec.md §5).
const (
	IdleTimeout   = 30 * time.Minute
	ShutdownGrace = 5 * time.Second
	sweepInterval = time.Minute
)

// CapacityExhausted is returned by Create when the pool is at max
// capacity and no sandbox is evictable (all running/warming).
var CapacityExhausted = errors.New("capacity exhausted")

// ErrShuttingDown is returned by Create once DestroyAll has started.
var ErrShuttingDown = errors.New("pool shutting down")

// BeforeEvictFunc lets the session manager snapshot a sandbox's
// workspace and mark its session paused before the sandbox is
// destroyed. It runs synchronously relative to the destroy.
type BeforeEvictFunc func(ctx context.Context, sandboxID, sessionID string) error

// CreateRequest describes the sandbox to admit.
type CreateRequest struct {
	AgentName    string
	AgentDir     string
	WorkspaceDir string
	SessionID    string // optional: bind immediately
	Env          map[string]string
	Limits       launcher.Limits
}

type liveSandbox struct {
	mu     sync.Mutex
	handle launcher.Handle
	client *bridge.Client
	state  string // mirrors store.Sandbox* constants
}

// Pool owns sandboxes for exactly one runner (node-local; two runners
// never host the same sandbox id, per spec.md §5).
type Pool struct {
	store       *store.Store
	launcher    launcher.Launcher
	runnerID    string
	maxCapacity int

	mu       sync.RWMutex
	live     map[string]*liveSandbox
	shutdown bool

	// admissionMu serializes the count-check/evict/insert sequence in
	// Create so two concurrent admissions can't both observe room under
	// maxCapacity and both insert (spec.md §8 capacity ceiling).
	admissionMu sync.Mutex

	onBeforeEvict BeforeEvictFunc

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New constructs a Pool. onBeforeEvict may be nil (used in tests).
func New(st *store.Store, l launcher.Launcher, runnerID string, maxCapacity int, onBeforeEvict BeforeEvictFunc) *Pool {
	return &Pool{
		store:         st,
		launcher:      l,
		runnerID:      runnerID,
		maxCapacity:   maxCapacity,
		live:          make(map[string]*liveSandbox),
		onBeforeEvict: onBeforeEvict,
	}
}

// StartIdleSweep begins the periodic idle-sandbox reclaim loop.
func (p *Pool) StartIdleSweep() {
	p.sweepStop = make(chan struct{})
	p.sweepDone = make(chan struct{})
	go p.idleSweepLoop()
}

// StopIdleSweep halts the idle sweep loop and waits for it to exit.
func (p *Pool) StopIdleSweep() {
	if p.sweepStop == nil {
		return
	}
	close(p.sweepStop)
	<-p.sweepDone
}

// Create admits a new sandbox, evicting per priority if the pool is at
// capacity (spec.md §4.4 "Admission").
func (p *Pool) Create(ctx context.Context, req CreateRequest) (*store.Sandbox, error) {
	p.mu.RLock()
	shuttingDown := p.shutdown
	p.mu.RUnlock()
	if shuttingDown {
		return nil, ErrShuttingDown
	}

	p.admissionMu.Lock()
	count, err := p.store.CountSandboxes(p.runnerID)
	if err != nil {
		p.admissionMu.Unlock()
		return nil, fmt.Errorf("count sandboxes: %w", err)
	}
	if count >= p.maxCapacity {
		if err := p.evictOne(ctx); err != nil {
			p.admissionMu.Unlock()
			return nil, err
		}
	}

	row, err := p.store.InsertSandbox(uuid.NewString(), req.AgentName, req.WorkspaceDir, p.runnerID)
	p.admissionMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("insert sandbox row: %w", err)
	}

	ls := &liveSandbox{state: store.SandboxWarming}
	p.mu.Lock()
	p.live[row.ID] = ls
	p.mu.Unlock()

	h, err := p.launcher.Launch(ctx, launcher.Request{
		AgentDir:     req.AgentDir,
		WorkspaceDir: req.WorkspaceDir,
		Env:          req.Env,
		Limits:       req.Limits,
	})
	if err != nil {
		p.abandon(row.ID)
		switch {
		case errors.Is(err, launcher.AgentMissing):
			return nil, launcher.AgentMissing
		case errors.Is(err, launcher.CapacityExceeded):
			return nil, launcher.CapacityExceeded
		default:
			return nil, err
		}
	}

	client := bridge.NewClient(h)
	if err := client.WaitReady(ctx); err != nil {
		client.Close()
		h.Kill()
		p.abandon(row.ID)
		return nil, err
	}

	ls.mu.Lock()
	ls.handle = h
	ls.client = client
	ls.state = store.SandboxWarm
	ls.mu.Unlock()

	if err := p.store.UpdateSandboxState(row.ID, store.SandboxWarm); err != nil {
		log.Printf("pool: failed to persist warm state for %s: %v", row.ID, err)
	}

	if req.SessionID != "" {
		if err := p.store.BindSandboxSession(row.ID, req.SessionID); err != nil {
			log.Printf("pool: failed to bind session for %s: %v", row.ID, err)
		}
	}

	ls.mu.Lock()
	ls.state = store.SandboxWaiting
	ls.mu.Unlock()
	if err := p.store.UpdateSandboxState(row.ID, store.SandboxWaiting); err != nil {
		log.Printf("pool: failed to persist waiting state for %s: %v", row.ID, err)
	}

	go p.watchExit(row.ID, h)

	return p.store.GetSandbox(row.ID)
}

// abandon removes a sandbox that failed to come up before it ever
// became live-usable.
func (p *Pool) abandon(id string) {
	p.mu.Lock()
	delete(p.live, id)
	p.mu.Unlock()
	if err := p.store.DeleteSandbox(id); err != nil {
		log.Printf("pool: failed to delete abandoned sandbox %s: %v", id, err)
	}
}

// watchExit reclassifies a sandbox as cold the moment its host process
// exits without a graceful shutdown having removed it first.
func (p *Pool) watchExit(id string, h launcher.Handle) {
	<-h.Exited()
	p.mu.RLock()
	ls, ok := p.live[id]
	p.mu.RUnlock()
	if !ok {
		return
	}
	ls.mu.Lock()
	ls.state = store.SandboxCold
	ls.mu.Unlock()
	if err := p.store.UpdateSandboxState(id, store.SandboxCold); err != nil {
		log.Printf("pool: failed to mark sandbox %s cold: %v", id, err)
	}
}

// Client returns the BridgeClient for a live sandbox, if any.
func (p *Pool) Client(id string) (*bridge.Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ls, ok := p.live[id]
	if !ok {
		return nil, false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.client, ls.client != nil
}

// Counts reports how many live sandboxes are in the running/warming
// states, for heartbeat reporting to the coordinator.
func (p *Pool) Counts() (active, warming int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ls := range p.live {
		ls.mu.Lock()
		switch ls.state {
		case store.SandboxRunning:
			active++
		case store.SandboxWarming:
			warming++
		}
		ls.mu.Unlock()
	}
	return active, warming
}

// MarkRunning protects a sandbox from eviction: after it returns, the
// sandbox will not be chosen by evictOne or the idle sweep.
func (p *Pool) MarkRunning(id string) error {
	p.mu.RLock()
	ls, ok := p.live[id]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("sandbox %s not live", id)
	}
	ls.mu.Lock()
	ls.state = store.SandboxRunning
	ls.mu.Unlock()

	go func() {
		if err := p.store.TouchSandbox(id); err != nil {
			log.Printf("pool: touch sandbox %s: %v", id, err)
		}
		if err := p.store.UpdateSandboxState(id, store.SandboxRunning); err != nil {
			log.Printf("pool: persist running state %s: %v", id, err)
		}
	}()
	return nil
}

// MarkWaiting reverses MarkRunning.
func (p *Pool) MarkWaiting(id string) error {
	p.mu.RLock()
	ls, ok := p.live[id]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("sandbox %s not live", id)
	}
	ls.mu.Lock()
	ls.state = store.SandboxWaiting
	ls.mu.Unlock()

	go func() {
		if err := p.store.TouchSandbox(id); err != nil {
			log.Printf("pool: touch sandbox %s: %v", id, err)
		}
		if err := p.store.UpdateSandboxState(id, store.SandboxWaiting); err != nil {
			log.Printf("pool: persist waiting state %s: %v", id, err)
		}
	}()
	return nil
}

func (p *Pool) stateOf(id string) (string, bool) {
	p.mu.RLock()
	ls, ok := p.live[id]
	p.mu.RUnlock()
	if !ok {
		return "", false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.state, true
}

// evictOne destroys the single best eviction candidate, invoking
// onBeforeEvict synchronously relative to the destroy when the
// candidate has a bound session (spec.md §4.4 priority: cold < warm <
// waiting; running/warming are never evicted).
func (p *Pool) evictOne(ctx context.Context) error {
	candidate, err := p.store.GetBestEvictionCandidate(p.runnerID)
	if err != nil {
		return fmt.Errorf("find eviction candidate: %w", err)
	}
	if candidate == nil {
		return CapacityExhausted
	}

	if candidate.SessionID.Valid && p.onBeforeEvict != nil {
		if err := p.onBeforeEvict(ctx, candidate.ID, candidate.SessionID.String); err != nil {
			return fmt.Errorf("before-evict hook: %w", err)
		}
	}

	p.destroy(candidate.ID)
	return nil
}

// Destroy tears down a single sandbox on request (session end), as
// opposed to eviction or idle sweep. Returns an error if the sandbox was
// not live.
func (p *Pool) Destroy(id string) error {
	p.mu.RLock()
	_, ok := p.live[id]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("sandbox %s not live", id)
	}
	p.destroy(id)
	return nil
}

// destroy tears down one sandbox unconditionally: kill handle, drop
// in-memory entry, delete its row.
func (p *Pool) destroy(id string) {
	p.mu.Lock()
	ls, ok := p.live[id]
	delete(p.live, id)
	p.mu.Unlock()

	if ok {
		ls.mu.Lock()
		if ls.client != nil {
			ls.client.Close()
		}
		if ls.handle != nil {
			ls.handle.Kill()
		}
		ls.mu.Unlock()
	}

	if err := p.store.DeleteSandbox(id); err != nil {
		log.Printf("pool: failed to delete sandbox row %s: %v", id, err)
	}
}

// idleSweepLoop runs on sweepInterval; each tick batches
// GetIdleSandboxes in one query and destroys waiting sandboxes whose
// last_used_at exceeds IdleTimeout, never touching running ones.
func (p *Pool) idleSweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.sweepStop:
			return
		case <-ticker.C:
			p.sweep(context.Background(), IdleTimeout)
		}
	}
}

func (p *Pool) sweep(ctx context.Context, idleTimeout time.Duration) {
	idle, err := p.store.GetIdleSandboxes(p.runnerID, time.Now().Add(-idleTimeout))
	if err != nil {
		log.Printf("pool: idle sweep query failed: %v", err)
		return
	}
	for _, sb := range idle {
		state, ok := p.stateOf(sb.ID)
		if ok && state != store.SandboxWaiting {
			continue
		}
		if sb.SessionID.Valid && p.onBeforeEvict != nil {
			if err := p.onBeforeEvict(ctx, sb.ID, sb.SessionID.String); err != nil {
				log.Printf("pool: before-evict hook failed for idle sandbox %s: %v", sb.ID, err)
				continue
			}
		}
		log.Printf("pool: idle sweep destroying sandbox %s (last used %v)", sb.ID, sb.LastUsedAt)
		p.destroy(sb.ID)
	}
}

// DestroyAll is graceful pool shutdown: send shutdown to every live
// sandbox concurrently, wait up to ShutdownGrace per sandbox, then hard
// kill, then delete rows. Safe to call concurrently with other
// operations; Create fails with ErrShuttingDown once this starts.
func (p *Pool) DestroyAll(ctx context.Context) error {
	p.mu.Lock()
	p.shutdown = true
	ids := make([]string, 0, len(p.live))
	for id := range p.live {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			p.shutdownOne(gctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) shutdownOne(ctx context.Context, id string) {
	p.mu.RLock()
	ls, ok := p.live[id]
	p.mu.RUnlock()
	if !ok {
		return
	}

	ls.mu.Lock()
	client := ls.client
	ls.mu.Unlock()

	if client != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownGrace)
		client.Shutdown(shutdownCtx)
		select {
		case <-client.Done():
		case <-shutdownCtx.Done():
		}
		cancel()
	}

	p.destroy(id)
}

// Package coordinator implements RunnerCoordinator (spec.md §4.7):
// runner registration and heartbeat, placement of new sessions,
// routing of existing sessions to a cached backend, and a liveness
// sweep that reclaims sessions orphaned by a dead runner.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/agentorch/agentorch/internal/runnerbackend"
	"github.com/agentorch/agentorch/internal/store"
)

// Named timeout constants (spec.md §5).
const (
	RunnerHeartbeatInterval = 5 * time.Second
	RunnerLivenessTimeout   = 30 * time.Second
)

// NoCapacity is returned by SelectBackend when no runner has spare
// capacity and no local backend is configured.
var NoCapacity = errors.New("no runner capacity available")

// Coordinator tracks runners in Store and routes session traffic to
// the correct backend.
type Coordinator struct {
	store        *store.Store
	bearerSecret string
	httpClient   *http.Client

	localRunnerID string
	localBackend  runnerbackend.Backend

	mu    sync.RWMutex
	cache map[string]runnerbackend.Backend // runnerId -> backend

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New constructs a Coordinator. localRunnerID/localBackend may be zero
// values when this process has no embedded runner (pure coordinator
// deployment); bearerSecret authenticates calls this coordinator makes
// to runners' internal HTTP surface.
func New(st *store.Store, bearerSecret string, localRunnerID string, localBackend runnerbackend.Backend) *Coordinator {
	return &Coordinator{
		store:         st,
		bearerSecret:  bearerSecret,
		httpClient:    http.DefaultClient,
		localRunnerID: localRunnerID,
		localBackend:  localBackend,
		cache:         make(map[string]runnerbackend.Backend),
	}
}

// RegisterRunner upserts the runner row; idempotent (spec.md §4.7).
func (c *Coordinator) RegisterRunner(id, host string, port, maxSandboxes int) error {
	return c.store.UpsertRunner(id, host, port, maxSandboxes)
}

// Heartbeat records a runner's current load and resource stats.
func (c *Coordinator) Heartbeat(id string, active, warming int, cpuPercent, memPercent float64) error {
	return c.store.HeartbeatRunner(id, active, warming, cpuPercent, memPercent)
}

// DeregisterRunner is graceful shutdown: pause every session this
// runner owned, then drop its row and cache entry.
func (c *Coordinator) DeregisterRunner(id string) error {
	if _, err := c.store.BulkPauseSessionsByRunner(id); err != nil {
		return fmt.Errorf("pause sessions for deregistering runner %s: %w", id, err)
	}
	if _, err := c.store.MarkAllSandboxesCold(id); err != nil {
		return fmt.Errorf("mark sandboxes cold for deregistering runner %s: %w", id, err)
	}
	if err := c.store.DeleteRunner(id); err != nil {
		return fmt.Errorf("delete runner %s: %w", id, err)
	}
	c.evictCache(id)
	return nil
}

// SelectBackend places a new session: the runner with the most spare
// capacity wins, falling back to the local backend if none qualify.
// Trusts Store's ordering (spec.md §4.7: "no redundant in-memory
// capacity check").
func (c *Coordinator) SelectBackend(ctx context.Context) (runnerID string, backend runnerbackend.Backend, err error) {
	cutoff := time.Now().Add(-RunnerLivenessTimeout)
	best, err := c.store.SelectBestRunner(cutoff)
	if err != nil {
		return "", nil, fmt.Errorf("select best runner: %w", err)
	}
	if best == nil {
		if c.localBackend != nil {
			return c.localRunnerID, c.localBackend, nil
		}
		return "", nil, NoCapacity
	}
	if best.ID == c.localRunnerID && c.localBackend != nil {
		return c.localRunnerID, c.localBackend, nil
	}
	return best.ID, c.backendFor(best), nil
}

// GetBackendForRunner is the async/lazy variant: returns a cached
// backend or constructs one from the runners row, querying Store on a
// cache miss.
func (c *Coordinator) GetBackendForRunner(ctx context.Context, runnerID string) (runnerbackend.Backend, error) {
	if runnerID == c.localRunnerID && c.localBackend != nil {
		return c.localBackend, nil
	}
	if b, ok := c.cachedBackend(runnerID); ok {
		return b, nil
	}
	r, err := c.store.GetRunner(runnerID)
	if err != nil {
		return nil, fmt.Errorf("get runner %s: %w", runnerID, err)
	}
	if r == nil {
		return nil, fmt.Errorf("runner %s not registered", runnerID)
	}
	return c.backendFor(r), nil
}

// GetBackendForRunnerSync is a best-effort, non-blocking cache read: it
// never performs I/O and returns (nil, false) on a cache miss, leaving
// the lazy construction to GetBackendForRunner. This resolves the
// sync-vs-async design question by making the sync variant a pure
// cache lookup rather than a blocking construction (see DESIGN.md).
func (c *Coordinator) GetBackendForRunnerSync(runnerID string) (runnerbackend.Backend, bool) {
	if runnerID == c.localRunnerID && c.localBackend != nil {
		return c.localBackend, true
	}
	return c.cachedBackend(runnerID)
}

func (c *Coordinator) cachedBackend(runnerID string) (runnerbackend.Backend, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.cache[runnerID]
	return b, ok
}

func (c *Coordinator) backendFor(r *store.Runner) runnerbackend.Backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.cache[r.ID]; ok {
		return b
	}
	b := runnerbackend.NewRemote(fmt.Sprintf("http://%s:%d", r.Host, r.Port), c.bearerSecret, c.httpClient)
	c.cache[r.ID] = b
	return b
}

func (c *Coordinator) evictCache(runnerID string) {
	c.mu.Lock()
	delete(c.cache, runnerID)
	c.mu.Unlock()
}

// StartLivenessSweep begins the periodic dead-runner reclaim loop, with
// 0-5s random jitter added to the interval to avoid a thundering herd
// across multiple coordinators (spec.md §4.7).
func (c *Coordinator) StartLivenessSweep() {
	c.sweepStop = make(chan struct{})
	c.sweepDone = make(chan struct{})
	go c.livenessSweepLoop()
}

// StopLivenessSweep halts the sweep loop and waits for it to exit.
func (c *Coordinator) StopLivenessSweep() {
	if c.sweepStop == nil {
		return
	}
	close(c.sweepStop)
	<-c.sweepDone
}

func (c *Coordinator) livenessSweepLoop() {
	defer close(c.sweepDone)
	for {
		jitter := time.Duration(rand.Int63n(int64(5 * time.Second)))
		select {
		case <-c.sweepStop:
			return
		case <-time.After(RunnerLivenessTimeout + jitter):
			c.sweep(context.Background())
		}
	}
}

func (c *Coordinator) sweep(ctx context.Context) {
	dead, err := c.store.ListDeadRunners(time.Now().Add(-RunnerLivenessTimeout))
	if err != nil {
		log.Printf("coordinator: liveness sweep query failed: %v", err)
		return
	}
	for _, r := range dead {
		if err := c.handleDeadRunner(r.ID); err != nil {
			log.Printf("coordinator: failed to handle dead runner %s: %v", r.ID, err)
		}
	}
}

// handleDeadRunner is idempotent and safe to run concurrently from
// multiple coordinators: bulk-pause, mark its sandboxes cold so a later
// Resume on one of the paused sessions takes the cold-reroute path
// instead of finding a warm-looking row on a runner that's gone, delete
// the runner row, evict cache entry.
func (c *Coordinator) handleDeadRunner(runnerID string) error {
	if _, err := c.store.BulkPauseSessionsByRunner(runnerID); err != nil {
		return fmt.Errorf("bulk pause sessions: %w", err)
	}
	if _, err := c.store.MarkAllSandboxesCold(runnerID); err != nil {
		return fmt.Errorf("mark sandboxes cold: %w", err)
	}
	if err := c.store.DeleteRunner(runnerID); err != nil {
		return fmt.Errorf("delete runner: %w", err)
	}
	c.evictCache(runnerID)
	return nil
}

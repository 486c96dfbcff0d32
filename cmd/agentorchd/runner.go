package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentorch/agentorch/internal/api"
	"github.com/agentorch/agentorch/internal/coordinator"
	"github.com/agentorch/agentorch/internal/pool"
	"github.com/agentorch/agentorch/internal/runnerbackend"
	"github.com/agentorch/agentorch/internal/session"
	"github.com/agentorch/agentorch/internal/store"
)

var (
	runnerPort         int
	runnerID           string
	runnerCoordURL     string
	runnerBearerSecret string
	runnerBackend      string
	runnerDataDir      string
	runnerMaxSandboxes int
	runnerAdvertiseIP  string
	runnerDBURL        string
)

// runnerCmd starts a standalone runner process: it shares the same
// database as the coordinator (sandbox/runner rows are the coordinator's
// source of truth for placement and liveness), registers itself over
// the coordinator's internal HTTP control plane, and exposes /runner/*
// for that coordinator's RemoteRunnerBackend to drive (spec.md §4.7,
// §6.1).
var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Run a standalone sandbox runner that registers with a remote coordinator",
	Run: func(cmd *cobra.Command, args []string) {
		if runnerCoordURL == "" {
			log.Fatal("--coordinator-url is required")
		}
		if runnerBearerSecret == "" {
			runnerBearerSecret = os.Getenv("AGENTORCH_BEARER_SECRET")
		}
		if runnerBearerSecret == "" {
			log.Fatal("--bearer-secret or AGENTORCH_BEARER_SECRET is required")
		}
		if runnerID == "" {
			runnerID = envOrDefault("AGENTORCH_RUNNER_ID", "runner-"+hostnameOrDefault())
		}
		if runnerDBURL == "" {
			runnerDBURL = os.Getenv("DATABASE_URL")
		}
		if runnerDBURL == "" {
			log.Fatal("--db-url or DATABASE_URL is required")
		}

		st, err := store.Open(runnerDBURL)
		if err != nil {
			log.Fatalf("runner: database connection failed: %v", err)
		}
		defer st.Close()

		if n, err := st.MarkAllSandboxesCold(runnerID); err != nil {
			log.Printf("runner: failed to reclaim stale sandbox rows: %v", err)
		} else if n > 0 {
			log.Printf("runner %s: reclaimed %d stale sandbox row(s) as cold on startup", runnerID, n)
		}

		l, err := buildLauncher(runnerBackend)
		if err != nil {
			log.Fatalf("runner: launcher unavailable: %v", err)
		}

		client := newRunnerCoordinatorClient(runnerCoordURL, runnerBearerSecret)

		persist := func(ctx context.Context, sandboxID, sessionID, workspaceDir, agentName string) error {
			return session.PersistWorkspaceSnapshot(runnerDataDir, sessionID, workspaceDir, agentName, 0)
		}

		// This runner's sandboxes are bound to sessions owned by the
		// coordinator, not known locally, so no onBeforeEvict hook is
		// installed: a session whose sandbox is evicted or idle-swept
		// here is neither paused nor re-placed by this process.
		p := pool.New(st, l, runnerID, runnerMaxSandboxes, nil)
		p.StartIdleSweep()

		backend := runnerbackend.NewLocal(p, persist)

		if err := client.registerWithBackoff(runnerAdvertiseIP, runnerPort, runnerMaxSandboxes); err != nil {
			log.Fatalf("runner: register with coordinator: %v", err)
		}

		hbStop := make(chan struct{})
		go runHeartbeatLoop(client, p, hbStop)

		gw := api.New(nil, nil, nil, p, backend, runnerBearerSecret)
		addr := fmt.Sprintf(":%d", runnerPort)
		httpServer := &http.Server{Addr: addr, Handler: gw.RunnerRouter()}

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			log.Printf("runner: received %v, shutting down", sig)
			close(hbStop)
			client.deregister()
			httpServer.Shutdown(context.Background())
			p.StopIdleSweep()
			p.DestroyAll(context.Background())
		}()

		log.Printf("runner %s: listening on %s, coordinator %s", runnerID, addr, runnerCoordURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	},
}

func runHeartbeatLoop(client *runnerCoordinatorClient, p *pool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(coordinator.RunnerHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			active, warming := p.Counts()
			if err := client.heartbeat(active, warming); err != nil {
				log.Printf("runner: heartbeat failed: %v", err)
			}
		}
	}
}

// runnerCoordinatorClient speaks the coordinator's internal control
// plane (spec.md §6.1 "internal" endpoints) from a standalone runner.
type runnerCoordinatorClient struct {
	baseURL      string
	bearerSecret string
	httpClient   *http.Client
	id           string
}

func newRunnerCoordinatorClient(baseURL, bearerSecret string) *runnerCoordinatorClient {
	return &runnerCoordinatorClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		bearerSecret: bearerSecret,
		httpClient:   http.DefaultClient,
		id:           runnerID,
	}
}

func (c *runnerCoordinatorClient) post(path string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.bearerSecret)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("coordinator returned %d", resp.StatusCode)
	}
	return nil
}

func (c *runnerCoordinatorClient) register(host string, port, maxSandboxes int) error {
	return c.post("/api/internal/runners/register", map[string]any{
		"id": c.id, "host": host, "port": port, "maxSandboxes": maxSandboxes,
	})
}

// Registration backoff bounds (spec.md §7 retry rules), doubling from
// registerBackoffInitial up to registerBackoffMax for at most
// registerMaxAttempts attempts, matching the reconnect loop's shape.
const (
	registerBackoffInitial = 1 * time.Second
	registerBackoffMax     = 16 * time.Second
	registerMaxAttempts    = 5
)

// registerWithBackoff retries register with doubling backoff so a
// runner started before its coordinator is reachable doesn't die on the
// first transient failure. It still gives up and returns the last error
// after registerMaxAttempts attempts, letting the caller log.Fatalf.
func (c *runnerCoordinatorClient) registerWithBackoff(host string, port, maxSandboxes int) error {
	backoff := registerBackoffInitial
	for attempt := 1; ; attempt++ {
		err := c.register(host, port, maxSandboxes)
		if err == nil {
			return nil
		}
		if attempt >= registerMaxAttempts {
			return err
		}
		log.Printf("runner: register with coordinator failed, retrying in %s: %v", backoff, err)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > registerBackoffMax {
			backoff = registerBackoffMax
		}
	}
}

func (c *runnerCoordinatorClient) heartbeat(active, warming int) error {
	return c.post("/api/internal/runners/heartbeat", map[string]any{
		"id": c.id, "active": active, "warming": warming,
	})
}

func (c *runnerCoordinatorClient) deregister() error {
	return c.post("/api/internal/runners/deregister", map[string]any{"id": c.id})
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

func init() {
	rootCmd.AddCommand(runnerCmd)
	runnerCmd.Flags().IntVarP(&runnerPort, "port", "p", 8081, "port to listen on for the coordinator's /runner/* calls")
	runnerCmd.Flags().StringVar(&runnerID, "id", "", "runner id (default: runner-<hostname>)")
	runnerCmd.Flags().StringVar(&runnerCoordURL, "coordinator-url", "", "base URL of the coordinator to register with")
	runnerCmd.Flags().StringVar(&runnerDBURL, "db-url", "", "PostgreSQL connection URL shared with the coordinator (or DATABASE_URL)")
	runnerCmd.Flags().StringVar(&runnerBearerSecret, "bearer-secret", "", "shared secret for internal/runner endpoints (or AGENTORCH_BEARER_SECRET)")
	runnerCmd.Flags().StringVar(&runnerBackend, "backend", "docker", "sandbox backend: docker or process")
	runnerCmd.Flags().StringVar(&runnerDataDir, "data-dir", "/var/lib/agentorch/snapshots", "root for durable workspace snapshots (shared with the coordinator)")
	runnerCmd.Flags().IntVar(&runnerMaxSandboxes, "max-sandboxes", 16, "max concurrent sandboxes on this runner")
	runnerCmd.Flags().StringVar(&runnerAdvertiseIP, "advertise-ip", "127.0.0.1", "IP the coordinator should use to reach this runner")
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentorch/agentorch/internal/api"
	"github.com/agentorch/agentorch/internal/coordinator"
	"github.com/agentorch/agentorch/internal/launcher"
	"github.com/agentorch/agentorch/internal/launcher/dockerlauncher"
	"github.com/agentorch/agentorch/internal/launcher/processlauncher"
	"github.com/agentorch/agentorch/internal/pool"
	"github.com/agentorch/agentorch/internal/runnerbackend"
	"github.com/agentorch/agentorch/internal/session"
	"github.com/agentorch/agentorch/internal/store"
)

var (
	servePort         int
	serveDBURL        string
	serveBearerSecret string
	serveBackend      string
	serveDataDir      string
	serveWorkspaceDir string
	serveMaxSandboxes int
	serveNoEmbedded   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API gateway, coordinator, and (by default) an embedded runner",
	Run: func(cmd *cobra.Command, args []string) {
		if serveDBURL == "" {
			serveDBURL = os.Getenv("DATABASE_URL")
		}
		if serveDBURL == "" {
			log.Fatal("--db-url or DATABASE_URL is required")
		}
		if serveBearerSecret == "" {
			serveBearerSecret = os.Getenv("AGENTORCH_BEARER_SECRET")
		}
		if serveBearerSecret == "" {
			log.Fatal("--bearer-secret or AGENTORCH_BEARER_SECRET is required")
		}

		st, err := store.Open(serveDBURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer st.Close()
		log.Println("serve: connected to PostgreSQL")

		var localBackend runnerbackend.Backend
		var localPool *pool.Pool
		var sessionMgr *session.Manager
		localRunnerID := ""

		if !serveNoEmbedded {
			localRunnerID = envOrDefault("AGENTORCH_RUNNER_ID", "runner-"+uuid.NewString())

			l, err := buildLauncher(serveBackend)
			if err != nil {
				log.Fatalf("serve: launcher unavailable: %v", err)
			}

			if n, err := st.MarkAllSandboxesCold(localRunnerID); err != nil {
				log.Printf("serve: failed to reclaim stale sandbox rows: %v", err)
			} else if n > 0 {
				log.Printf("serve: reclaimed %d stale sandbox row(s) as cold on startup", n)
			}

			onBeforeEvict := func(ctx context.Context, sandboxID, sessionID string) error {
				if sessionMgr == nil {
					return nil
				}
				return sessionMgr.Pause(ctx, sessionID)
			}

			localPool = pool.New(st, l, localRunnerID, serveMaxSandboxes, onBeforeEvict)
			localPool.StartIdleSweep()

			persist := func(ctx context.Context, sandboxID, sessionID, workspaceDir, agentName string) error {
				if sessionMgr == nil {
					return nil
				}
				return sessionMgr.PersistSessionState(ctx, sessionID, workspaceDir, agentName)
			}
			localBackend = runnerbackend.NewLocal(localPool, persist)
		}

		coord := coordinator.New(st, serveBearerSecret, localRunnerID, localBackend)
		coord.StartLivenessSweep()
		defer coord.StopLivenessSweep()

		if !serveNoEmbedded {
			if err := coord.RegisterRunner(localRunnerID, "127.0.0.1", servePort, serveMaxSandboxes); err != nil {
				log.Fatalf("serve: register embedded runner: %v", err)
			}
			hb := coordinator.NewRunnerHeartbeater(coord, localRunnerID,
				func() int { active, _ := localPool.Counts(); return active },
				func() int { _, warming := localPool.Counts(); return warming },
			)
			hb.Start()
			defer hb.Stop()
		}

		sessionMgr = session.New(st, coord, serveDataDir, serveWorkspaceDir)

		gw := api.New(st, sessionMgr, coord, localPool, localBackend, serveBearerSecret)

		addr := fmt.Sprintf(":%d", servePort)
		httpServer := &http.Server{Addr: addr, Handler: gw.Router()}

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			log.Printf("serve: received %v, shutting down", sig)
			httpServer.Shutdown(context.Background())
			if localPool != nil {
				localPool.StopIdleSweep()
				localPool.DestroyAll(context.Background())
			}
		}()

		log.Printf("serve: listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	},
}

func buildLauncher(backend string) (launcher.Launcher, error) {
	switch backend {
	case "docker":
		return dockerlauncher.New(dockerlauncher.DefaultConfig())
	case "process":
		return processlauncher.New(os.Getenv("AGENTORCH_BRIDGE_PATH")), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (supported: docker, process)", backend)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "port to listen on")
	serveCmd.Flags().StringVar(&serveDBURL, "db-url", "", "PostgreSQL connection URL (or DATABASE_URL)")
	serveCmd.Flags().StringVar(&serveBearerSecret, "bearer-secret", "", "shared secret for internal/runner endpoints (or AGENTORCH_BEARER_SECRET)")
	serveCmd.Flags().StringVar(&serveBackend, "backend", "docker", "sandbox backend: docker or process")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "/var/lib/agentorch/snapshots", "root for durable workspace snapshots")
	serveCmd.Flags().StringVar(&serveWorkspaceDir, "workspace-dir", "/var/lib/agentorch/workspaces", "root for live sandbox workspaces")
	serveCmd.Flags().IntVar(&serveMaxSandboxes, "max-sandboxes", 16, "max concurrent sandboxes on the embedded runner")
	serveCmd.Flags().BoolVar(&serveNoEmbedded, "no-embedded-runner", false, "run as a pure coordinator with no local runner")
}

// Command bridge is the entry point for the popmelt dev bridge: a
// single process, launched from the project root, that couples a running
// front-end dev server with interactive AI coding agent subprocesses over a
// small loopback HTTP API (spec.md §1, §6).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/popmelt/core-sub002/internal/bridge/capabilities"
	"github.com/popmelt/core-sub002/internal/bridge/decision"
	"github.com/popmelt/core-sub002/internal/bridge/materializer"
	"github.com/popmelt/core-sub002/internal/bridge/plan"
	"github.com/popmelt/core-sub002/internal/bridge/portarb"
	"github.com/popmelt/core-sub002/internal/bridge/queue"
	"github.com/popmelt/core-sub002/internal/bridge/scratch"
	"github.com/popmelt/core-sub002/internal/bridge/streaming"
	"github.com/popmelt/core-sub002/internal/bridge/supervisor"
	"github.com/popmelt/core-sub002/internal/bridge/thread"
	"github.com/popmelt/core-sub002/internal/common/config"
	"github.com/popmelt/core-sub002/internal/common/logger"
	"github.com/popmelt/core-sub002/internal/common/tracing"
	"github.com/popmelt/core-sub002/internal/httpapi"
)

func main() {
	// 1. Project directory: the bridge is always launched from the root of
	// the project it's serving (spec.md §6 "agent subprocesses ... launched
	// with the project root as their working directory").
	projectDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge: failed to resolve working directory: %v\n", err)
		os.Exit(1)
	}
	if len(os.Args) > 1 {
		projectDir = os.Args[1]
	}

	// 2. Configuration.
	cfg, err := config.Load(projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 3. Logger.
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting popmelt bridge", zap.String("project_dir", projectDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Port arbitration: defer to a prior instance already serving this
	// project rather than starting a redundant one (spec.md §4.11).
	arb, err := portarb.Arbitrate(ctx, projectDir, cfg.PortArbitration, log)
	if err != nil {
		log.Fatal("port arbitration failed", zap.Error(err))
	}
	if arb.PriorInstance {
		log.Info("a bridge instance for this project is already running, exiting",
			zap.Int("port", arb.Port), zap.String("url", arb.PriorInstanceURL))
		return
	}

	// ============================================
	// CORE COMPONENTS
	// ============================================

	threads, err := thread.Open(ctx, projectDir, log)
	if err != nil {
		log.Fatal("failed to open thread store", zap.Error(err))
	}
	defer threads.Close()

	decisions, err := decision.New(projectDir, projectDir, log)
	if err != nil {
		log.Fatal("failed to open decision store", zap.Error(err))
	}

	scr, err := scratch.New(cfg.Scratch.Dir, cfg.Scratch.MaxAgeDuration(), log)
	if err != nil {
		log.Fatal("failed to initialize scratch manager", zap.Error(err))
	}
	scr.StartGC(ctx, cfg.Scratch.GCIntervalDuration())
	defer scr.Stop()

	hub := streaming.New(log)
	go hub.Run(ctx)

	q := queue.New(cfg.Queue.MaxConcurrent)
	defer q.Destroy()

	plans := plan.New(q, log)

	caps := capabilities.New(cfg.Agent)

	mat := materializer.New(projectDir, decisions, log)

	adapters := buildAdapters(cfg, log)

	// ============================================
	// HTTP SERVICE
	// ============================================

	svc := httpapi.New(cfg, q, hub, threads, decisions, scr, plans, caps, mat, adapters, projectDir, log)

	router := httpapi.NewRouter(svc, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", arb.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("bridge listening", zap.Int("port", arb.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("bridge server failed", zap.Error(err))
		}
	}()

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down bridge")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("bridge server shutdown error", zap.Error(err))
	}
	q.CancelAll()
	svc.Close()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("bridge stopped")
}

// buildAdapters assembles the claude, codex and copilot supervisor.Adapters
// (spec.md §4.6), whether or not each is listed in the config. The config
// only supplies binary paths for claude and codex; with no explicit path,
// they fall back to the CLI name on $PATH.
func buildAdapters(cfg *config.Config, log *logger.Logger) map[string]supervisor.Adapter {
	adapters := make(map[string]supervisor.Adapter, 3)

	claudePath := ""
	if p, ok := cfg.Agent.Providers["claude"]; ok {
		claudePath = p.Path
	}
	adapters["claude"] = &supervisor.ClaudeAdapter{BinaryPath: claudePath, Log: log}

	codexPath := ""
	if p, ok := cfg.Agent.Providers["codex"]; ok {
		codexPath = p.Path
	}
	adapters["codex"] = &supervisor.CodexAdapter{BinaryPath: codexPath, Log: log}

	adapters["copilot"] = &supervisor.CopilotAdapter{Log: log}

	return adapters
}

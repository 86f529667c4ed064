// Command claude-remoted is the composition root for the core
// described across spec.md: it wires the Clock, Index Store, File
// Watcher+Indexer, Event Bus, Idle Detector, Process Registry, Mux
// Controller, Notification Dispatcher, and Query Facade together, and
// exposes them over a minimal HTTP/WS transport. The transport itself
// is explicitly out of the core's scope (spec.md §1) and is kept thin
// here purely so the binary is runnable end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cmericli/claude-remote/internal/clock"
	"github.com/cmericli/claude-remote/internal/config"
	"github.com/cmericli/claude-remote/internal/eventbus"
	"github.com/cmericli/claude-remote/internal/idle"
	"github.com/cmericli/claude-remote/internal/indexer"
	"github.com/cmericli/claude-remote/internal/mux"
	"github.com/cmericli/claude-remote/internal/notify"
	"github.com/cmericli/claude-remote/internal/processreg"
	"github.com/cmericli/claude-remote/internal/query"
	"github.com/cmericli/claude-remote/internal/store"
	"github.com/cmericli/claude-remote/internal/watcher"
)

// shutdownGrace bounds the HTTP server's graceful shutdown after a
// signal. Background tasks are cancelled through ctx at the same time;
// main returns once the server has closed and does not wait for them.
const shutdownGrace = 2 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to the XDG config path)")
	port := flag.Int("port", 0, "Override the configured server port")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	clk := clock.Real()

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.DatabasePath), 0o755); err != nil {
		log.Fatalf("creating database directory: %v", err)
	}

	st, err := store.Open(cfg.Paths.DatabasePath, clk)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	bus := eventbus.New()

	w := watcher.New(cfg.Paths.LogRoot, cfg.Watch.PollInterval, cfg.Watch.ReconcileInterval, clk)
	ix := indexer.New(st, bus, w, cfg.Watch.EventCoalesceWindow, cfg.Watch.MaxToolEventsPerBatch)

	idleDetector := idle.New(st, bus, clk, cfg.Idle.ScanInterval, cfg.Idle.IdleThreshold, cfg.Idle.IdleCooldown)

	registry := processreg.New(cfg.Paths.LogRoot, cfg.Mux.AssistantBinaryPath, cfg.Mux.MuxBinaryPath, clk)

	muxController := mux.New(
		cfg.Mux.MuxBinaryPath, cfg.Mux.AssistantBinaryPath, cfg.Mux.SessionNamePrefix,
		cfg.Mux.CommandTimeout, cfg.Mux.TerminateGrace, registry,
	)

	dispatcher := notify.New(st, bus, logOnlyDeliveryPort{}, clk, cfg.Notify.PerSessionCooldown, cfg.Notify.GlobalHourlyCap)

	facade := query.New(st, registry, clk, cfg.Idle.IdleThreshold)

	srv := newServer(cfg, facade, muxController, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	runBackground := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil {
				log.Printf("[%s] stopped: %v", name, err)
			}
		}()
	}
	runBackground("indexer", ix.Run)
	runBackground("idle", idleDetector.Run)
	runBackground("notify", dispatcher.Run)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: srv.routes(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)

		wg.Wait()
	}()

	log.Printf("claude-remoted listening on %s", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}


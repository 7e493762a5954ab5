// Command scaleboxd is the single-host Firecracker control-plane
// daemon: it loads configuration, recovers/reconciles state against
// the live host, then serves the HTTP API until terminated. Grounded
// on the teacher's cmd/api-gateway/main.go startup/shutdown shape
// (sequential optional-subsystem init, then chi router, then
// signal-driven graceful shutdown).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/scalebox/scalebox/internal/allocator"
	"github.com/scalebox/scalebox/internal/api"
	"github.com/scalebox/scalebox/internal/config"
	"github.com/scalebox/scalebox/internal/coordinator"
	"github.com/scalebox/scalebox/internal/reconcile"
	"github.com/scalebox/scalebox/internal/state"
	"github.com/scalebox/scalebox/internal/storage"
)

func main() {
	log.Println("scaleboxd starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	if err := ensureDataDirs(cfg.DataDir); err != nil {
		log.Fatalf("prepare data directory %s: %v", cfg.DataDir, err)
	}

	repo := state.NewRepository(cfg.DataDir)
	if err := repo.Load(); err != nil {
		log.Fatalf("load persisted state: %v", err)
	}

	storageSvc := storage.NewService(cfg.DataDir)
	ips := allocator.NewIPPool()
	ports := allocator.NewPortPool(cfg.PortMin, cfg.PortMax)

	coord := coordinator.NewService(cfg, repo, storageSvc, ips, ports, "")

	ctx, cancelReconcile := context.WithTimeout(context.Background(), 2*time.Minute)
	tally, err := reconcile.Run(ctx, coord, cfg.DataDir)
	cancelReconcile()
	if err != nil {
		log.Printf("warning: reconciliation reported an error: %v", err)
	}
	log.Printf("reconciliation complete: %s", tally)

	server := api.NewServer(cfg, coord)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: server.Router(),
	}

	go func() {
		log.Printf("scaleboxd listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("shutting down scaleboxd...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}

	// Flush the repository on SIGTERM per spec §4.7; the daemon exiting
	// must never lose track of VMs whose hypervisors keep running.
	if err := repo.Flush(); err != nil {
		log.Printf("final state flush error: %v", err)
	}

	log.Println("scaleboxd stopped")
}

// ensureDataDirs creates the vms/ and templates/ subdirectories under
// dataDir if they don't already exist.
func ensureDataDirs(dataDir string) error {
	for _, sub := range []string{"vms", "templates"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0755); err != nil {
			return err
		}
	}
	return nil
}

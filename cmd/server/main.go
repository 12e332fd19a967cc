package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/GoAlgoDesk/algodesk/internal/broker"
	"github.com/GoAlgoDesk/algodesk/internal/config"
	"github.com/GoAlgoDesk/algodesk/internal/custodian"
	"github.com/GoAlgoDesk/algodesk/internal/gateway"
	"github.com/GoAlgoDesk/algodesk/internal/history"
	"github.com/GoAlgoDesk/algodesk/internal/identity"
	"github.com/GoAlgoDesk/algodesk/internal/ipc"
	"github.com/GoAlgoDesk/algodesk/internal/pkg/logger"
	"github.com/GoAlgoDesk/algodesk/internal/scheduler"
	"github.com/GoAlgoDesk/algodesk/internal/service"
	"github.com/GoAlgoDesk/algodesk/internal/store"
	"github.com/GoAlgoDesk/algodesk/internal/stream"
	"github.com/GoAlgoDesk/algodesk/internal/vault"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Initialize Logger
	logger.Init(cfg.Log.Level, cfg.LogDir())
	defer logger.Close()

	dataDir, err := cfg.DataDir()
	if err != nil {
		log.Fatalf("Failed to resolve data directory: %v", err)
	}

	// 3. Open the Secret Vault (one keychain prompt)
	v, err := vault.Open(dataDir, cfg.Vault.Headless)
	if err != nil {
		log.Fatalf("Failed to open vault: %v", err)
	}
	defer v.Close()
	logger.Info("✅ Vault opened")

	// 4. Open the primary store; migrations run before anything else
	// touches it.
	st, err := store.Open(filepath.Join(dataDir, "algodesk.db"))
	if err != nil {
		log.Fatalf("Failed to open primary store: %v", err)
	}
	defer st.Close()
	version, _ := st.SchemaVersion()
	logger.Info("✅ Primary store ready", "schema_version", version)

	// Analytical store opens lazily on first history call.
	hist := history.New(filepath.Join(dataDir, "historify.duckdb"))
	defer hist.Close()

	// 5. Core services
	hub := ipc.NewHub()
	defer hub.Close()

	cust := custodian.New(st, v)
	if err := cust.Restore(context.Background()); err != nil {
		logger.Error("Failed to restore session slot", "error", err)
	}

	registry := broker.NewRegistry()
	// Broker adapters register here as they are built out; the closed
	// capability set in internal/broker is the contract each one meets.

	symbols := service.NewSymbolIndex()
	if err := symbols.Build(context.Background(), st); err != nil {
		logger.Error("Failed to build symbol index", "error", err)
	}

	sandbox := service.NewSandbox(st, cfg.Sandbox.StartingCapital)
	if err := sandbox.StartResetSchedule(cfg.Sandbox.ResetCron); err != nil {
		logger.Error("Failed to arm sandbox reset", "error", err)
	}
	defer sandbox.StopResetSchedule()

	services := service.New(st, hist, cust, registry, symbols, sandbox, hub,
		time.Duration(cfg.Broker.RPCTimeoutSeconds)*time.Second,
		time.Duration(cfg.Broker.DownloadTimeoutSeconds)*time.Second)

	identityMgr := identity.NewManager(st, v)

	// Market-data stream consumer: reconnects with backoff, resolves
	// the feed token fresh on every attempt.
	streamMgr := stream.NewManager(func(ctx context.Context) (broker.Adapter, string, error) {
		session, err := cust.LoadActiveSession(ctx)
		if err != nil {
			return nil, "", err
		}
		if session == nil || session.FeedToken == nil {
			return nil, "", fmt.Errorf("no active feed session")
		}
		adapter, ok := registry.Get(session.BrokerID)
		if !ok {
			return nil, "", fmt.Errorf("no adapter for broker %s", session.BrokerID)
		}
		return adapter, *session.FeedToken, nil
	}, hub)

	// 6. Auto-logout daemon
	autoLogout, err := scheduler.New(
		func(ctx context.Context) (store.AutoLogoutConfig, error) {
			settings, err := st.GetSettings(ctx)
			if err != nil {
				return store.AutoLogoutConfig{}, err
			}
			return settings.AutoLogout, nil
		},
		hub,
		custodianRevoker{cust},
		func(ctx context.Context, brokerID, authToken string) error {
			services.InvalidateUpstream(ctx, brokerID, authToken)
			return nil
		},
		time.Duration(cfg.Broker.RevokeTimeoutSeconds)*time.Second,
	)
	if err != nil {
		log.Fatalf("Failed to build auto-logout scheduler: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go autoLogout.Run(runCtx)
	streamMgr.Start(runCtx)
	defer streamMgr.Stop()

	// 7. Surfaces
	dispatcher := ipc.NewDispatcher(identityMgr, services, st, v, autoLogout)
	dispatcher.AttachStream(streamMgr)
	ipcSrv := ipc.NewServer(cfg.IPC.Addr, dispatcher, hub)
	if err := ipcSrv.Start(); err != nil {
		log.Fatalf("Failed to start IPC surface: %v", err)
	}

	settings, err := st.GetSettings(context.Background())
	if err != nil {
		log.Fatalf("Failed to read settings: %v", err)
	}
	gw := gateway.New(st, v, services, hub, cfg.Admission)
	if err := gw.Start(settings.WebhookServer); err != nil {
		log.Fatalf("Failed to start admission gateway: %v", err)
	}

	// Retention janitor: traffic is append-only but bounded.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if n, err := st.PruneTraffic(runCtx, cfg.Admission.TrafficRetention); err != nil {
					logger.Error("Traffic prune failed", "error", err)
				} else if n > 0 {
					logger.Debug("Traffic pruned", "rows", n)
				}
				if _, err := st.PruneLatency(runCtx, cfg.Admission.TrafficRetention); err != nil {
					logger.Error("Latency prune failed", "error", err)
				}
			}
		}
	}()

	logger.Info("🚀 AlgoDesk core started", "data_dir", dataDir)

	// 8. Shutdown: cancel the scheduler, drain listeners, flush logs.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("🛑 Shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("Gateway shutdown failed", "error", err)
	}
	if err := ipcSrv.Stop(shutdownCtx); err != nil {
		logger.Error("IPC shutdown failed", "error", err)
	}

	logger.Info("Server exiting")
}

// custodianRevoker adapts the custodian to the scheduler's revoke
// contract.
type custodianRevoker struct {
	cust *custodian.Custodian
}

func (r custodianRevoker) Revoke(ctx context.Context) (string, string, bool, error) {
	session, err := r.cust.Revoke(ctx)
	if err != nil {
		return "", "", false, err
	}
	if session == nil {
		return "", "", false, nil
	}
	return session.BrokerID, session.AuthToken, true, nil
}

package engine

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/mfigueira/whisper/internal/bus"
	"github.com/mfigueira/whisper/internal/cipher"
	"github.com/mfigueira/whisper/internal/config"
	"github.com/mfigueira/whisper/internal/keys"
	"github.com/mfigueira/whisper/internal/lock"
	"github.com/mfigueira/whisper/internal/logging"
	"github.com/mfigueira/whisper/internal/send"
	"github.com/mfigueira/whisper/internal/status"
	"github.com/mfigueira/whisper/internal/store"
	intsync "github.com/mfigueira/whisper/internal/sync"
	"github.com/mfigueira/whisper/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module returns the fx module composing the engine from its configuration.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("engine",
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideExchanger,
			provideRing,
			provideCipher,
			provideRetention,
			provideWSClient,
			provideClient,
			provideReconciler,
			providePump,
			provideCoordinator,
			provideTransmitter,
			provideOrchestrator,
			NewEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, err
	}
	return logging.New(cfg.DataDir)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("engine lock acquired", zap.String("data_dir", cfg.DataDir))
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(filepath.Join(cfg.DataDir, "whisper.db"))
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	// A crash mid-transmission leaves entries claimed but unresolved; they
	// must rejoin the replay queue or the sends are silently lost.
	recovered, err := db.RecoverInFlight()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if recovered > 0 {
		logger.Info("requeued interrupted sends", zap.Int64("count", recovered))
	}
	return db, nil
}

func provideExchanger(cfg *config.Config) keys.Exchanger {
	return keys.NewFileExchanger(filepath.Join(cfg.DataDir, "keys"))
}

func provideRing(exchanger keys.Exchanger) *keys.Ring {
	return keys.NewRing(exchanger)
}

func provideCipher(ring *keys.Ring) *cipher.Cipher {
	return cipher.New(ring)
}

func provideRetention(cfg *config.Config) *send.RetentionTable {
	return send.NewRetentionTable(cfg.RetentionGrace())
}

func provideWSClient(cfg *config.Config, machine *status.Machine, logger *zap.Logger) *transport.WSClient {
	onState := func(online bool) {
		if online {
			_ = machine.Transition(status.Online)
		} else {
			_ = machine.Transition(status.Offline)
		}
	}
	return transport.NewWSClient(cfg.ServerURL, onState, logger)
}

func provideClient(ws *transport.WSClient) transport.Client {
	return ws
}

func provideReconciler(db *store.DB, ciph *cipher.Cipher, retention *send.RetentionTable,
	b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, ciph, retention, b,
		cfg.MatchWindow(), cfg.EventGrace(), cfg.PageSize, logger)
}

func providePump(client transport.Client, r *intsync.Reconciler, logger *zap.Logger) *intsync.Pump {
	return intsync.NewPump(client, r, logger)
}

func provideCoordinator(db *store.DB, ciph *cipher.Cipher, client transport.Client,
	r *intsync.Reconciler, machine *status.Machine, b *bus.Bus,
	retention *send.RetentionTable, cfg *config.Config, logger *zap.Logger) *send.Coordinator {
	return send.NewCoordinator(db, ciph, client, r, machine, b, retention,
		cfg.AllowPlaintextFallback, cfg.FallbackTimer(), logger)
}

func provideTransmitter(c *send.Coordinator) intsync.Transmitter {
	return c
}

func provideOrchestrator(db *store.DB, client transport.Client, r *intsync.Reconciler,
	tx intsync.Transmitter, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Orchestrator {
	return intsync.NewOrchestrator(db, client, r, tx, b,
		cfg.RetryCeiling, cfg.PageSize, cfg.LivenessPoll(), logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, ws *transport.WSClient,
	pump *intsync.Pump, coordinator *send.Coordinator, orchestrator *intsync.Orchestrator,
	machine *status.Machine, b *bus.Bus, logger *zap.Logger, _ *Engine) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			pump.Start(ctx)
			coordinator.Start(ctx)
			orchestrator.Start(ctx)
			machine.SetForeground(true)

			go connectLoop(ctx, ws, machine, b, logger)
			return nil
		},
		OnStop: func(_ context.Context) error {
			cancel()
			orchestrator.Stop()
			coordinator.Stop()
			pump.Stop()
			_ = ws.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}

// connectLoop keeps the websocket up: dial, wait for the offline edge,
// redial with capped backoff. Connectivity edges come from the transport's
// state callback, so the orchestrator sees every reconnect as a fresh
// "net.online" and runs a sync pass.
func connectLoop(ctx context.Context, ws *transport.WSClient, machine *status.Machine,
	b *bus.Bus, logger *zap.Logger) {
	offline, unsub := b.Subscribe("net.offline", 4)
	defer unsub()

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		_ = machine.Transition(status.Connecting)
		if err := ws.Connect(ctx); err != nil {
			_ = machine.Transition(status.Offline)
			logger.Warn("connect failed", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second

		// Drain stale edges from the failed dials, then wait for the drop.
		for len(offline) > 0 {
			<-offline
		}
		select {
		case <-offline:
		case <-ctx.Done():
			return
		}
	}
}

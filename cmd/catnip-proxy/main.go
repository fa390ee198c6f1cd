package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vanpelt/catnip-proxy/internal/crypto"
	"github.com/vanpelt/catnip-proxy/internal/github"
	"github.com/vanpelt/catnip-proxy/internal/keepalive"
	"github.com/vanpelt/catnip-proxy/internal/logger"
	"github.com/vanpelt/catnip-proxy/internal/orchestrator"
	"github.com/vanpelt/catnip-proxy/internal/server"
	"github.com/vanpelt/catnip-proxy/internal/server/db"
	"github.com/vanpelt/catnip-proxy/internal/store"
	"github.com/vanpelt/catnip-proxy/internal/version"
)

func main() {
	var (
		logLevel string
		dev      bool
	)

	rootCmd := &cobra.Command{
		Use:     "catnip-proxy",
		Short:   "catnip-proxy brokers authenticated access to GitHub Codespaces",
		Version: version.Version,
	}
	rootCmd.SetVersionTemplate(version.String("catnip-proxy") + "\n")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().BoolVar(&dev, "dev", false, "Console logging at debug level")

	rootCmd.AddCommand(newServeCmd(&logLevel, &dev))
	rootCmd.AddCommand(newSweepCmd(&logLevel, &dev))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string, dev bool) (*logger.Logger, error) {
	if dev {
		return logger.NewDevelopment()
	}
	return logger.New(level)
}

func newSweepCmd(logLevel *string, dev *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Soft-expire stale sessions and codespace credentials, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(*logLevel, *dev)
			if err != nil {
				return err
			}
			defer log.Sync()

			cfg, err := server.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			database, keys, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			sessions := store.NewSessionStore(database, keys)
			swept, err := sessions.Sweep(cfg.Tuning.SessionTTL.Std())
			if err != nil {
				return fmt.Errorf("sweep sessions: %w", err)
			}
			log.Info("swept sessions", zap.Int64("count", swept))

			creds := store.NewCredentialStore(database, keys, github.NewClient(cfg.GitHubAPIBaseURL))
			swept, err = creds.Sweep(cfg.Tuning.CredentialTTL.Std())
			if err != nil {
				return fmt.Errorf("sweep credentials: %w", err)
			}
			log.Info("swept credentials", zap.Int64("count", swept))
			return nil
		},
	}
}

func newServeCmd(logLevel *string, dev *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the catnip-proxy worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(*logLevel, *dev)
			if err != nil {
				return err
			}
			defer log.Sync()

			cfg, err := server.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			database, keys, err := openStores(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			gh := github.NewClient(cfg.GitHubAPIBaseURL)
			health := github.NewHealthClient(cfg.CodespacePort)
			sessions := store.NewSessionStore(database, keys)
			creds := store.NewCredentialStore(database, keys, gh)

			sched := keepalive.NewScheduler(database, creds, health, keepalive.Config{
				TickInterval:     cfg.Tuning.KeepAliveTick.Std(),
				PingInterval:     cfg.Tuning.KeepAlivePing.Std(),
				InactivityWindow: cfg.Tuning.InactivityWindow.Std(),
			}, log)
			defer sched.Close()
			if err := sched.Resume(); err != nil {
				return fmt.Errorf("resume keep-alive: %w", err)
			}

			orch := orchestrator.New(gh, creds, health, orchestrator.Config{
				SettleDelay:       cfg.Tuning.SettleDelay.Std(),
				RefreshAttempts:   cfg.Tuning.RefreshAttempts,
				RefreshDelay:      cfg.Tuning.RefreshDelay.Std(),
				HealthAttempts:    cfg.Tuning.HealthAttempts,
				HealthDelay:       cfg.Tuning.HealthDelay.Std(),
				HealthBudget:      cfg.Tuning.HealthBudget.Std(),
				AuthGraceAttempts: cfg.Tuning.AuthGraceAttempts,
			}, log)

			go sweepLoop(log, sessions, creds, cfg)

			r, err := server.NewRouter(cfg, server.Deps{
				Sessions:     sessions,
				Credentials:  creds,
				Scheduler:    sched,
				Orchestrator: orch,
				GitHub:       gh,
				Keys:         keys,
			})
			if err != nil {
				return fmt.Errorf("build router: %w", err)
			}

			log.Info("catnip-proxy listening",
				zap.String("addr", cfg.ListenAddr),
				zap.String("base_url", cfg.BaseURL),
				zap.Ints("key_versions", keys.Versions()))
			return r.Run(cfg.ListenAddr)
		},
	}
}

// sweepLoop runs the soft-expiry sweeps hourly for deployments that do not
// schedule the sweep subcommand externally. Sweeps are idempotent, so both
// running is harmless.
func sweepLoop(log *logger.Logger, sessions *store.SessionStore, creds *store.CredentialStore, cfg *server.Config) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		if _, err := sessions.Sweep(cfg.Tuning.SessionTTL.Std()); err != nil {
			log.Error("session sweep failed", zap.Error(err))
		}
		if _, err := creds.Sweep(cfg.Tuning.CredentialTTL.Std()); err != nil {
			log.Error("credential sweep failed", zap.Error(err))
		}
	}
}

func openStores(cfg *server.Config) (*db.Store, *crypto.KeyManager, error) {
	keyMap, err := crypto.ParseMasterKeys(cfg.MasterKeys)
	if err != nil {
		return nil, nil, fmt.Errorf("parse master keys: %w", err)
	}
	keys, err := crypto.NewKeyManager(keyMap)
	if err != nil {
		return nil, nil, fmt.Errorf("key manager: %w", err)
	}
	database, err := db.NewStore(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return database, keys, nil
}

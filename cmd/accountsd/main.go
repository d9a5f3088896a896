package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"accountsd/internal/cache"
	"accountsd/internal/config"
	"accountsd/internal/core/accounts"
	postgresRepo "accountsd/internal/db/postgres"
	"accountsd/internal/directory"
	"accountsd/internal/external"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.IsDevEnv)
	slog.SetDefault(logger)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database connection", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("failed to close database connection", "error", closeErr)
		}
	}()

	if err := db.Ping(); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to primary store")

	if err := goose.SetDialect("postgres"); err != nil {
		logger.Error("failed to set goose dialect", "error", err)
		os.Exit(1)
	}
	if err := goose.Up(db, "internal/db/migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("migrations complete")

	cluster := gocql.NewCluster(cfg.CassandraHosts...)
	cluster.Keyspace = cfg.CassandraKeyspace
	cluster.Consistency = gocql.Quorum
	session, err := cluster.CreateSession()
	if err != nil {
		logger.Error("failed to connect to cassandra", "error", err)
		os.Exit(1)
	}
	defer session.Close()
	logger.Info("connected to distributed cache", "hosts", cfg.CassandraHosts)

	distributed := cache.NewDistributed(session, cfg.CacheTTL, logger)
	accountCache := cache.New(distributed, logger)

	directoryQueue := directory.NewQueue(cfg.DirectorySinkURL, cfg.DirectoryWorkers, cfg.DirectoryQueueDepth, logger)
	defer directoryQueue.Close()

	manager := accounts.NewAccountsManager(accounts.Deps{
		Store:             postgresRepo.NewAccountStore(db, logger),
		Cache:             accountCache,
		PNI:               postgresRepo.NewPNIDirectory(db),
		DeletedGate:       accounts.NewDeletedAccountsGate(),
		DirectoryQueue:    directoryQueue,
		SecureStorage:     external.NewSecureStorageClient(cfg.SecureStorageURL, nil),
		SecureBackup:      external.NewSecureBackupClient(cfg.SecureBackupURL, nil),
		Messages:          external.NewMessagesClient(cfg.MessagesURL, nil),
		Prekeys:           external.NewPrekeysClient(cfg.PrekeysURL, nil),
		Profiles:          external.NewProfilesClient(cfg.ProfilesURL, nil),
		PendingAccounts:   external.NewPendingAccountsClient(cfg.PendingAccountsURL, nil),
		ReservedUsernames: external.NewReservedUsernamesStore(db),
		UsernameValidator: external.NewUsernameValidator(),
		Presence:          external.NewPresenceClient(cfg.PresenceURL, nil),
		Clock:             external.NewSystemClock(),
		Logger:            logger,
	})
	// accountsd exposes no request API of its own (§1 scopes transport
	// out of this component) — manager is the library entry point other
	// in-process callers (an XRPC layer, a gRPC façade, a test harness)
	// import directly. The health listener below only proves the
	// collaborators above actually wired up.
	healthSrv := newHealthServer(cfg.Port, db, manager, logger)
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health listener stopped unexpectedly", "error", err)
		}
	}()

	logger.Info("accountsd ready", "port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health listener shutdown error", "error", err)
	}
}

func newHealthServer(port string, db *sql.DB, manager *accounts.AccountsManager, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			logger.Warn("health check: primary store unreachable", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if _, err := manager.GetByACI(r.Context(), uuid.Nil); err != nil && err != accounts.ErrAccountNotFound {
			logger.Warn("health check: account lookup path unreachable", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{Addr: ":" + port, Handler: mux}
}

func newLogger(isDev bool) *slog.Logger {
	if isDev {
		return slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

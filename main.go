package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"healthlink_gateway/internal/budget"
	"healthlink_gateway/internal/cache"
	"healthlink_gateway/internal/config"
	"healthlink_gateway/internal/fetch"
	"healthlink_gateway/internal/handler"
	"healthlink_gateway/internal/identity"
	"healthlink_gateway/internal/inflight"
	"healthlink_gateway/internal/logger"
	"healthlink_gateway/internal/messaging"
	"healthlink_gateway/internal/provider"
	"healthlink_gateway/internal/repository"
	"healthlink_gateway/internal/service"
	"healthlink_gateway/internal/session"
	"healthlink_gateway/internal/signflow"
)

func runMigrations(db *pgxpool.Pool, log *zap.Logger) error {
	log.Info("Running database migrations")

	migrationsDir := "migrations"
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrationFiles []string
	for _, file := range files {
		if strings.HasSuffix(file.Name(), ".sql") {
			migrationFiles = append(migrationFiles, file.Name())
		}
	}

	sort.Strings(migrationFiles)

	for _, filename := range migrationFiles {
		log.Info("Running migration", zap.String("file", filename))

		content, err := os.ReadFile(filepath.Join(migrationsDir, filename))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", filename, err)
		}

		_, err = db.Exec(context.Background(), string(content))
		if err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}

		log.Info("Migration completed", zap.String("file", filename))
	}

	log.Info("All migrations completed successfully")
	return nil
}

func ttlPolicy(c config.CacheConfig) cache.TTLPolicy {
	return cache.TTLPolicy{
		Failure: c.FailureTTL(),
		Partial: c.PartialTTL(),
		Summary: c.SummaryTTL(),
		Detail:  c.DetailTTL(),
	}
}

func signConfig(c config.SignConfig) signflow.Config {
	return signflow.Config{
		Throttle: signflow.ThrottleConfig{
			MinInterval: c.MinInterval(),
			Window:      c.Window(),
			MaxAttempts: c.MaxAttemptsPerWindow,
			HistoryCap:  c.HistoryCap,
		},
		PendingAuthTTL: c.PendingAuthTTL(),
		PendingReuse:   c.PendingReuse(),
		AutoReinit:     c.AutoReinit,
	}
}

func fetchConfig(c config.FetchConfig) fetch.Config {
	return fetch.Config{
		DefaultYearLimit:   c.DefaultYearLimit,
		MaxYearsPerRequest: c.MaxYearsPerRequest,
		YearlyMaxFanout:    c.YearlyMaxFanout,
		TargetTimeout:      c.TargetTimeout(),
	}
}

// newSessionStore выбирает Redis, если задан адрес, иначе память процесса
func newSessionStore(cfg *config.Config, log *zap.Logger) (session.Store, func(), error) {
	if cfg.Redis.Addr == "" {
		log.Warn("Redis address is empty, sessions are kept in memory")
		return session.NewMemoryStore(), func() {}, nil
	}

	client := session.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	ttl := cfg.Sign.PendingAuthTTL()
	if w := cfg.Sign.Window(); w > ttl {
		ttl = w
	}
	return session.NewRedisStore(client, ttl, log), func() { client.Close() }, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting health link gateway")

	db, err := pgxpool.New(context.Background(), cfg.DatabaseDSN())
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	log.Info("Connected to database")

	if err := runMigrations(db, log); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	sessions, closeSessions, err := newSessionStore(cfg, log)
	if err != nil {
		log.Fatal("Failed to create session store", zap.Error(err))
	}
	defer closeSessions()

	natsClient, err := messaging.NewNATSClient(cfg.NATS.URL, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer natsClient.Close()

	log.Info("Connected to NATS")

	client, err := provider.NewClient(cfg.Provider, log)
	if err != nil {
		log.Fatal("Failed to create provider client", zap.Error(err))
	}
	orchestrator := fetch.NewOrchestrator(client, fetchConfig(cfg.Fetch), log)

	cacheRepo := repository.NewFetchCacheRepository(db, log)
	linkRepo := repository.NewLinkRepository(db, log)
	attemptRepo := repository.NewAttemptRepository(db, log)
	fetchBudget := budget.NewGuard(attemptRepo, budget.Policy{
		Window:          cfg.Fetch.BudgetWindow(),
		MaxFresh:        cfg.Fetch.MaxFreshFetchesPerWindow,
		MaxForceRefresh: cfg.Fetch.MaxForceRefreshesPerWindow,
	}, log)

	memory := cache.NewMemory(cache.MemoryConfig{
		MaxEntries:   cfg.Cache.MemoryMaxEntries,
		HistoryGrace: cfg.Cache.HistoryGrace(),
	}, time.Now)
	layered := cache.NewLayered(memory, cacheRepo, ttlPolicy(cfg.Cache), log, time.Now)

	hasher := identity.NewHasher(cfg.Cache.HashSalt)
	dedup := inflight.NewGroup(log)

	window := func() provider.Window {
		return provider.DefaultWindow(time.Now(), cfg.Fetch.LookbackYears, cfg.Fetch.SubjectType)
	}
	machine := signflow.NewMachine(client, linkRepo, sessions, hasher, dedup, window, signConfig(cfg.Sign), log).
		WithNotifier(natsClient)

	healthService := service.NewHealthLinkService(service.Deps{
		Links:    linkRepo,
		Cache:    layered,
		Rows:     cacheRepo,
		Executor: orchestrator,
		SignFlow: machine,
		Hasher:   hasher,
		Dedup:    dedup,
		Events:   natsClient,
		Budget:   fetchBudget,
		Attempts: attemptRepo,
	}, service.Config{
		DefaultYearLimit:   cfg.Fetch.DefaultYearLimit,
		MaxYearsPerRequest: cfg.Fetch.MaxYearsPerRequest,
		LookbackYears:      cfg.Fetch.LookbackYears,
		SubjectType:        cfg.Fetch.SubjectType,
	}, log)

	// Чужие инстансы сообщают об отвязке пользователя
	err = natsClient.SubscribeCacheInvalidate(context.Background(), func(appUserID string) {
		cleared := layered.Invalidate(appUserID)
		log.Info("Memory cache invalidated by peer",
			zap.String("app_user_id", appUserID),
			zap.Int("cleared", cleared))
	})
	if err != nil {
		log.Error("Failed to subscribe to cache invalidation", zap.Error(err))
	}

	addr := cfg.ServerAddr()
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.NewHandler(healthService, cfg.Server.SecureCookie, log).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("Starting server", zap.String("address", addr))

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited")
}

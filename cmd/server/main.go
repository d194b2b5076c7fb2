package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"shopledger/backend/internal/broadcast"
	"shopledger/backend/internal/cache"
	"shopledger/backend/internal/config"
	"shopledger/backend/internal/httpapi"
	"shopledger/backend/internal/insights"
	"shopledger/backend/internal/ledger"
	"shopledger/backend/internal/logger"
	"shopledger/backend/internal/service"
	"shopledger/backend/internal/stock"
	"shopledger/backend/internal/store"
	"shopledger/backend/internal/store/memory"
	mongostore "shopledger/backend/internal/store/mongo"
	pgstore "shopledger/backend/internal/store/postgres"
	sqlitestore "shopledger/backend/internal/store/sqlite"
)

func main() {
	seed := flag.Bool("seed", false, "write the default inventory into the default shop on start")
	flag.Parse()

	cfg := config.Load()
	log := logger.Must(cfg.Logger)
	defer func() { _ = log.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 3)

	adapter, staffStore, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal("ledger backend unavailable", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	closers = append(closers, adapter.Close)
	log.Info("ledger backend ready", zap.String("backend", cfg.StoreBackend))

	insightCache := cache.InsightCache(cache.NewMemoryInsightCache())
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisInsightCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis unavailable, using in-memory insight cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			insightCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Info("insight cache: redis")
		}
	} else {
		log.Info("insight cache: memory")
	}

	loc, err := time.LoadLocation(cfg.ShopTimezone)
	if err != nil {
		log.Warn("unknown shop timezone, using UTC+7", zap.String("timezone", cfg.ShopTimezone), zap.Error(err))
		loc = time.FixedZone("ICT", 7*60*60)
	}

	stockEngine := stock.NewEngine(adapter, log)
	ledgerManager := ledger.NewManager(adapter, stockEngine, log, ledger.WithLocation(loc))
	publisher := broadcast.NewPublisher(adapter, log)
	insightEngine := insights.NewEngine(insightCache, time.Duration(cfg.InsightsTTLSeconds)*time.Second, nil, log)
	svc := service.New(adapter, stockEngine, ledgerManager, publisher, insightEngine, cfg.DefaultShopID, log)

	if *seed {
		created, err := stockEngine.Seed(ctx, cfg.DefaultShopID)
		if err != nil {
			log.Fatal("seed default inventory", zap.Error(err))
		}
		log.Info("default inventory seeded", zap.String("shop", cfg.DefaultShopID), zap.Int("created", len(created)))
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.DefaultShopID, staffStore)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, log)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("shopledger backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	insightEngine.Wait()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			log.Warn("close error", zap.Error(err))
		}
	}

	log.Info("server stopped")
}

// openBackend opens the configured ledger adapter together with the staff
// account store. Only postgres keeps accounts in the database; the other
// backends use the seeded in-memory accounts.
func openBackend(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Adapter, httpapi.StaffStore, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		if err := seedStaff(ctx, pg, cfg.DefaultShopID, log); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		return pg, pg, nil

	case config.BackendMongo:
		mg, err := mongostore.New(ctx, cfg.MongoURI, cfg.MongoDatabase, log)
		if err != nil {
			return nil, nil, err
		}
		if err := mg.Migrate(ctx); err != nil {
			_ = mg.Close()
			return nil, nil, err
		}
		staff, err := memory.NewSeededStaffStore(cfg.DefaultShopID, log)
		if err != nil {
			_ = mg.Close()
			return nil, nil, err
		}
		return mg, staff, nil

	case config.BackendSQLite:
		lite, err := sqlitestore.Open(ctx, cfg.SQLitePath, log)
		if err != nil {
			return nil, nil, err
		}
		staff, err := memory.NewSeededStaffStore(cfg.DefaultShopID, log)
		if err != nil {
			_ = lite.Close()
			return nil, nil, err
		}
		return lite, staff, nil
	}

	staff, err := memory.NewSeededStaffStore(cfg.DefaultShopID, log)
	if err != nil {
		return nil, nil, err
	}
	return memory.New(log), staff, nil
}

// seedStaff copies the default accounts into an empty staff table.
func seedStaff(ctx context.Context, target httpapi.StaffStore, shop string, log *zap.Logger) error {
	existing, err := target.ListStaff(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	seeded, err := memory.NewSeededStaffStore(shop, log)
	if err != nil {
		return err
	}
	accounts, err := seeded.ListStaff(ctx)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if err := target.CreateStaff(ctx, account); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("seed staff %s: %w", account.Username, err)
		}
	}
	log.Info("seeded staff accounts", zap.String("shop", shop), zap.Int("count", len(accounts)))
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	case config.BackendMongo:
		if cfg.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required for the mongo backend")
		}
	case config.BackendSQLite:
		if cfg.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite backend")
		}
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/rooms-watchdog/internal/audit"
	"github.com/xela07ax/rooms-watchdog/internal/console/handler"
	"github.com/xela07ax/rooms-watchdog/internal/console/server"
	"github.com/xela07ax/rooms-watchdog/internal/console/service"
	"github.com/xela07ax/rooms-watchdog/internal/domain"
	"github.com/xela07ax/rooms-watchdog/internal/infra"
	"github.com/xela07ax/rooms-watchdog/internal/infra/auth"
	"github.com/xela07ax/rooms-watchdog/internal/notify"
	"github.com/xela07ax/rooms-watchdog/internal/repository/postgres"
	"github.com/xela07ax/rooms-watchdog/internal/store"
	"github.com/xela07ax/rooms-watchdog/internal/store/memory"
	"github.com/xela07ax/rooms-watchdog/internal/store/redisstore"
	"github.com/xela07ax/rooms-watchdog/internal/store/sqlitestore"
	"github.com/xela07ax/rooms-watchdog/internal/watchdog"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("watchdog service failed", zap.Error(err))
	}
}

func loadConfig(path string) (*infra.Config, error) {
	if path == "" {
		return infra.LoadConfig()
	}
	return infra.LoadConfigFile(path)
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст жизни процесса: SIGINT/SIGTERM отменяют его
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 1. Журнал инцидентов: Postgres или, если базы нет, zap
	var journalStorage audit.Storage = audit.LogStorage{Logger: logger.Named("journal")}
	var eventReader service.EventReader
	if cfg.Database.URL != "" {
		repo, err := postgres.NewBreachRepo(cfg.Database)
		if err != nil {
			return err
		}
		defer repo.Close()

		pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
		err = repo.Ping(pingCtx)
		if err == nil {
			err = repo.EnsureSchema(pingCtx)
		}
		pingCancel()
		if err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
		journalStorage, eventReader = repo, repo
	}
	journal := audit.NewJournal(journalStorage, logger, audit.Options{})
	journal.Start()
	defer journal.Stop()

	// 2. Redis нужен redis-бэкенду и каналам уведомлений
	var rdb *redis.Client
	if cfg.Store.Backend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	// 3. Хранилище, за которым следит сторож
	deps, closeStore, err := buildStore(cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if rdb != nil {
		deps.Surface = notify.NewRedisSurface(rdb, logger, cfg.Watchdog.ClientID)
	} else {
		deps.Surface = notify.NewRecorder(logger)
	}

	// 4. Метрики
	reg := prometheus.NewRegistry()
	deps.Metrics = watchdog.NewMetrics(reg)
	deps.Auditor = journal
	deps.Logger = logger

	wd, err := watchdog.New(watchdog.ConfigFromInfra(cfg.Watchdog), deps)
	if err != nil {
		return err
	}
	if err := wd.Start(appCtx); err != nil {
		return err
	}
	defer wd.Stop()

	// 5. Объявленные штатные записи приходят из приложения через Redis
	if rdb != nil {
		go infra.ListenResilient(appCtx, rdb, logger, infra.RedisChanExpected, nil, func(key string) {
			wd.ExpectMutation(appCtx, key)
		})
	}

	// 6. Админка
	consoleSrv, err := buildConsole(cfg, logger, wd, eventReader)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      consoleSrv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("console listen: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics endpoint started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics listen: %w", err)
		}
	}()

	// 7. Graceful Shutdown
	select {
	case <-appCtx.Done():
		logger.Info("watchdog service stopping...")
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}
	logger.Info("watchdog service exited properly")
	return nil
}

func buildStore(cfg *infra.Config, rdb *redis.Client, logger *zap.Logger) (watchdog.Deps, func(), error) {
	switch cfg.Store.Backend {
	case "redis":
		s := redisstore.New(rdb, logger)
		opts := store.ResilientOptions{
			RateLimit: cfg.Store.RateLimit,
			RateBurst: cfg.Store.RateBurst,
			Attempts:  cfg.Store.RetryAttempts,
			CBTimeout: cfg.Store.CBTimeout,
		}
		local := s.Area(domain.AreaLocal)
		return watchdog.Deps{
			Local:    store.NewResilient("redis-local", local, opts, logger),
			Session:  store.NewResilient("redis-session", s.Area(domain.AreaSession), opts, logger),
			Notifier: local,
		}, s.Close, nil

	case "sqlite":
		s, err := sqlitestore.Open(cfg.Store.SQLitePath, cfg.Store.PollInterval, logger)
		if err != nil {
			return watchdog.Deps{}, nil, err
		}
		local := s.Area(domain.AreaLocal)
		return watchdog.Deps{
			Local:    local,
			Session:  s.Area(domain.AreaSession),
			Notifier: local,
		}, func() {
			if err := s.Close(); err != nil {
				logger.Error("sqlite close failed", zap.Error(err))
			}
		}, nil

	default:
		tab := memory.NewBackend().NewTab()
		return watchdog.Deps{
			Local:    tab.Local,
			Session:  tab.Session,
			Notifier: tab.Local,
		}, func() {}, nil
	}
}

func buildConsole(cfg *infra.Config, logger *zap.Logger, wd *watchdog.Watchdog, reader service.EventReader) (*server.ConsoleServer, error) {
	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("console auth: %w", err)
	}

	authSvc := service.NewAuthService(service.AdminCredentials{
		Username:     cfg.Auth.AdminUsername,
		PasswordHash: cfg.Auth.AdminPassHash,
	}, privateKey, cfg.Auth.TokenTTL)

	return server.NewConsoleServer(logger, authSvc,
		handler.NewAuthHandler(authSvc),
		handler.NewWatchdogHandler(wd, logger),
		handler.NewAuditHandler(service.NewAuditService(reader)),
	), nil
}

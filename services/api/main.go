package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/pebble"
	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phonemesh/internal/config"
	"github.com/phonemesh/internal/delivery"
	"github.com/phonemesh/internal/delivery/memory"
	redisbus "github.com/phonemesh/internal/delivery/redis"
	"github.com/phonemesh/internal/delivery/wsrelay"
	"github.com/phonemesh/internal/handler"
	"github.com/phonemesh/internal/logger"
	"github.com/phonemesh/internal/metrics"
	"github.com/phonemesh/internal/middleware"
	"github.com/phonemesh/internal/model"
	"github.com/phonemesh/internal/reconcile"
	"github.com/phonemesh/internal/repository"
	"github.com/phonemesh/internal/service"
	"github.com/phonemesh/internal/startup"
	"github.com/phonemesh/internal/storage"
	storemem "github.com/phonemesh/internal/storage/memory"
	pebblecache "github.com/phonemesh/internal/storage/pebble"
	redisstorage "github.com/phonemesh/internal/storage/redis"
	"github.com/phonemesh/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting session client")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		cfg.Storage = config.StoragePostgres
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}
	if err := cfg.Validate(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var redisClient *redisstorage.Client
	if cfg.Storage == config.StorageRedis || cfg.Transport == config.TransportRedis {
		var err error
		redisClient, err = startup.ConnectRedisWithRetry(ctx, cfg.Redis.URL, 60*time.Second, "")
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		defer redisClient.Close()
	}

	auth, closeAuth, err := openStore(ctx, cfg, redisClient)
	if err != nil {
		logger.Errorf("open store: %v", err)
		os.Exit(1)
	}
	defer closeAuth()
	if *migrate && !*dev {
		return
	}

	var cache storage.LocalCache
	if !cfg.Session.Authority {
		cache, err = openCache(cfg.Session.CacheDir)
		if err != nil {
			logger.Errorf("open cache: %v", err)
			os.Exit(1)
		}
		defer cache.Close()
	}

	pub, err := openTransport(ctx, cfg, redisClient)
	if err != nil {
		logger.Errorf("open transport: %v", err)
		os.Exit(1)
	}

	session := service.New(service.Config{
		ClientID:  cfg.Session.ClientID,
		OwnerID:   model.OwnerID(cfg.Session.OwnerID),
		Authority: cfg.Session.Authority,
		Retry: reconcile.Policy{
			InitialInterval: cfg.Session.RetryInitial,
			MaxInterval:     cfg.Session.RetryMax,
			AttemptTimeout:  cfg.Session.AttemptTimeout,
		},
	}, pub, auth, cache)
	owners := service.NewOwnerFeed()
	session.BindOwners(owners)
	if rc, ok := pub.(*wsrelay.Client); ok {
		rc.OnReconnect(func() {
			if err := session.Resync(ctx); err != nil {
				logger.Errorf("resync after reconnect: %v", err)
			}
		})
		rc.Start(ctx)
	}
	if err := session.Start(ctx); err != nil {
		// Не фатально: реконсилер повторит, клиент работает с локальным кешем.
		logger.Errorf("initial sync: %v", err)
	}
	logger.Infof("session client %s started (authority=%v storage=%s transport=%s)",
		cfg.Session.ClientID, cfg.Session.Authority, cfg.Storage, cfg.Transport)

	sessionH := handler.NewSessionHandler(session)
	updatesH := handler.NewUpdatesHandler(session, cfg.CORSAllowedOrigins)
	ownersH := handler.NewOwnersHandler(session, owners)
	configH := handler.NewConfigHandler(cfg, session)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket, иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Internal-Secret"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Handle("/metrics", metrics.Handler())
	r.Get("/api/session", configH.GetSessionConfig)
	r.Get("/api/updates", updatesH.ServeWS)
	r.Route("/api", sessionH.Routes)
	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.InternalOnly(cfg.InternalSecret))
		ownersH.Routes(r)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	session.Close()
	if err := pub.Close(); err != nil {
		logger.Errorf("transport close: %v", err)
	}
	cancel()
	srvWg.Wait()
	logger.Info("session client stopped")
}

// openStore выбирает авторитетное хранилище снимка.
func openStore(ctx context.Context, cfg *config.Config, redisClient *redisstorage.Client) (storage.AuthoritativeStore, func(), error) {
	switch cfg.Storage {
	case config.StorageRedis:
		store := redisClient
		if cfg.Redis.Key != "" {
			store = redisClient.WithKey(cfg.Redis.Key)
		}
		return store, func() {}, nil
	case config.StoragePostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			return nil, nil, fmt.Errorf("parse db config: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		pool, err := startup.ConnectDBWithRetry(ctx, poolCfg, 60*time.Second, "")
		if err != nil {
			return nil, nil, err
		}
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("database connected, migrations applied")
		return repository.NewSettingsRepository(pool), pool.Close, nil
	default:
		logger.Info("storage: in-memory snapshot (lost on restart)")
		return storemem.New(), func() {}, nil
	}
}

// openCache — pebble в каталоге dir или кеш в памяти, если каталог не задан.
func openCache(dir string) (storage.LocalCache, error) {
	if dir == "" {
		return storemem.NewCache(), nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return pebblecache.Open(dir, &pebble.Options{})
}

func openTransport(ctx context.Context, cfg *config.Config, redisClient *redisstorage.Client) (delivery.Publisher, error) {
	switch cfg.Transport {
	case config.TransportWS:
		c, err := wsrelay.New(cfg.Relay.URL, cfg.Session.ClientID, wsrelay.Options{
			WriteWait:      time.Duration(cfg.Relay.WSWriteTimeout) * time.Second,
			MaxMessageSize: int64(cfg.Relay.WSMaxMessageSize),
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.TransportRedis:
		b, err := redisbus.New(ctx, redisClient.Raw(), cfg.Session.ClientID, "")
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		// Один процесс, одна точка шины; другие клиенты в этом режиме не видны.
		return memory.NewBus().Connect(cfg.Session.ClientID), nil
	}
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := fs.ReadFile(migrations.Files, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("run migration %s: %w", name, err)
		}
	}
	logger.Infof("migrations applied (%d)", len(names))
	return nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5433
		user     = "phonemesh"
		password = "phonemesh_secret"
		database = "phonemesh"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}

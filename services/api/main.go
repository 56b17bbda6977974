package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pharmportal/internal/config"
	"github.com/pharmportal/internal/handler"
	"github.com/pharmportal/internal/identity"
	"github.com/pharmportal/internal/logger"
	"github.com/pharmportal/internal/middleware"
	"github.com/pharmportal/internal/repository"
	"github.com/pharmportal/internal/service"
	"github.com/pharmportal/internal/startup"
	"github.com/pharmportal/internal/storage"
	"github.com/pharmportal/internal/storage/devstore"
	"github.com/pharmportal/internal/storage/memory"
	"github.com/pharmportal/internal/ws"
	"github.com/pharmportal/migrations"
)

// stores — реализации хранилищ, выбранные флагами запуска.
type stores struct {
	tasks    storage.TaskStore
	messages storage.MessageStore
	users    storage.UserStore
}

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	inMemory := flag.Bool("memory", false, "keep tasks and messages in memory (no database)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	var st stores
	if *inMemory {
		mem := memory.New()
		st = stores{tasks: mem.Tasks(), messages: mem.Messages(), users: mem}
		logger.Info("using in-memory storage")
	} else {
		if *dev {
			embeddedDB, err := startEmbeddedPostgres(cfg)
			if err != nil {
				logger.Errorf("embedded postgres: %v", err)
				os.Exit(1)
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := embeddedDB.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
		}

		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 2

		pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second)
		defer pool.Close()

		migCtx, migCancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = startup.RunMigrations(migCtx, pool, migrations.Files)
		migCancel()
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		logger.Info("database connected, migrations applied")
		if *migrate {
			return
		}
		st = stores{
			tasks:    repository.NewTaskRepository(pool),
			messages: repository.NewMessageRepository(pool),
			users:    repository.NewUserRepository(pool),
		}
	}

	// Redis необязателен: без него один экземпляр без relay, кеш пользователей в памяти.
	var (
		relay storage.Relay
		cache storage.PrincipalCache = devstore.New(cfg.PrincipalCacheTTL)
	)
	if cfg.Redis.URL != "" {
		rc := startup.ConnectRedisWithRetry(cfg.Redis.URL, 30*time.Second)
		rc.SetPrincipalTTL(cfg.PrincipalCacheTTL)
		defer rc.Close()
		relay, cache = rc, rc
		logger.Info("redis connected, chat relay enabled")
	}

	taskSvc := service.NewTaskService(st.tasks)
	chatSvc := service.NewChatService(st.messages, nil).WithLimits(cfg.Chat.HistoryDefault, cfg.Chat.HistoryMax)
	resolver := identity.NewResolver(identity.NewJWTResolver(cfg.JWTSecret), st.users, cache)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(chatSvc, relay, cfg.MaxWSConnections)
	chatSvc.SetPublisher(hub)

	var hubWg sync.WaitGroup
	hubWg.Add(2)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()
	go func() {
		defer hubWg.Done()
		hub.RunRelay(hubCtx)
	}()

	if *dev || *inMemory {
		logDevToken(cfg.JWTSecret)
	}

	limits := ws.Limits{
		WriteWait:      time.Duration(cfg.WSWriteTimeout) * time.Second,
		PongWait:       time.Duration(cfg.WSPongTimeout) * time.Second,
		MaxMessageSize: int64(cfg.WSMaxMessageSize),
		SendBufSize:    cfg.WSSendBufferSize,
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
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
	r.Use(middleware.SecureHeaders)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	handler.Routes{
		Tasks:  handler.NewTaskHandler(taskSvc),
		Chat:   handler.NewChatHandler(chatSvc),
		Users:  handler.NewUserHandler(st.users),
		Config: handler.NewConfigHandler(cfg),
		WS:     handler.NewWSHandler(hub, resolver, cfg.AuthTimeout, cfg.CORSAllowedOrigins, limits),
		Auth:   middleware.BearerAuth(resolver),
	}.Mount(r)

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
		if err != nil && err != http.ErrServerClosed {
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
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// logDevToken печатает токен администратора для локальной разработки.
func logDevToken(secret string) {
	tok, err := identity.Sign(secret, jwt.MapClaims{
		"id":           "dev-admin",
		"name":         "Dev Admin",
		"role":         "admin",
		"company":      "DEV",
		"pharmacyCode": "0001",
	}, 24*time.Hour)
	if err != nil {
		logger.Errorf("dev token: %v", err)
		return
	}
	logger.Infof("dev admin token: %s", tok)
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "portal"
		password = "portal_secret"
		database = "portal"
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

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wsm_go/internal/accounts"
	"wsm_go/internal/config"
	"wsm_go/internal/heartbeat"
	"wsm_go/internal/middleware"
	"wsm_go/pkg/browser"
	"wsm_go/pkg/engine"
	"wsm_go/pkg/sessions"
	"wsm_go/pkg/storage"
	"wsm_go/pkg/telegram"
	"wsm_go/pkg/webhook"
	"wsm_go/pkg/whatsapp"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("[CONFIG] .env не найден, используются переменные окружения")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Инициализация подключения к БД
	db, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	auth, err := authStores(cfg, db)
	if err != nil {
		log.Fatalf("Failed to prepare auth storage: %v", err)
	}

	driver, pool, err := newDriver(cfg, auth)
	if err != nil {
		log.Fatalf("Failed to configure %s engine: %v", cfg.Engine, err)
	}

	relay := webhook.NewRelay(cfg.WebhookTimeout)
	mgr := sessions.NewManager(driver, db, relay, sessions.Config{
		MaxAccounts:      cfg.MaxAccounts,
		InitTimeout:      cfg.InitTimeout,
		SendTimeout:      cfg.SendTimeout,
		SnapshotTimeout:  cfg.SnapshotTimeout,
		SnapshotDelayMin: cfg.SnapshotDelayMin,
		SnapshotDelayMax: cfg.SnapshotDelayMax,
	})
	relay.OnFailure(mgr.Stats().RecordDeliveryFailure)

	// Восстановление сессий из БД
	list, err := db.GetAccounts(ctx)
	if err != nil {
		log.Fatalf("Failed to load accounts: %v", err)
	}
	report := mgr.RestoreAll(ctx, list)
	if len(report.Failed) > 0 {
		log.Printf("[SESSIONS WARN] Не восстановлены: %v", report.Failed)
	}

	beats := heartbeat.Start(ctx, cfg.HeartbeatInterval, mgr, db)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: setupRouter(cfg, db, mgr),
	}
	go func() {
		log.Printf("Starting server on %s (engine=%s, max accounts=%d)", cfg.Addr, driver.Name(), cfg.MaxAccounts)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[SHUTDOWN] Получен сигнал, останавливаемся")
	shutdown(srv, mgr, pool, beats)
}

// shutdown останавливает приём запросов, закрывает сессии и браузер.
// Статусы аккаунтов при этом не меняются, чтобы при старте их восстановить.
func shutdown(srv *http.Server, mgr *sessions.Manager, pool *browser.Pool, beats <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[SHUTDOWN] HTTP-сервер: %v", err)
	}
	if err := mgr.Close(ctx); err != nil {
		log.Printf("[SHUTDOWN] Сессии: %v", err)
	}
	if pool != nil {
		if err := pool.Shutdown(ctx); err != nil {
			log.Printf("[SHUTDOWN] Браузер: %v", err)
		}
	}
	select {
	case <-beats:
	case <-ctx.Done():
	}
	log.Printf("[SHUTDOWN] Готово")
}

func authStores(cfg *config.Config, db *storage.DB) (engine.AuthStores, error) {
	if cfg.AuthStore == "db" {
		return engine.DBAuthStores{DB: db}, nil
	}
	if err := os.MkdirAll(cfg.SessionDir, 0o700); err != nil {
		return nil, err
	}
	return engine.DirAuthStores{Dir: cfg.SessionDir, Suffix: ".session.json"}, nil
}

// newDriver собирает движок по ENGINE. Пул браузера есть только у whatsapp.
func newDriver(cfg *config.Config, auth engine.AuthStores) (engine.Driver, *browser.Pool, error) {
	switch cfg.Engine {
	case "telegram":
		logCfg := zap.NewProductionConfig()
		logCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		logger, err := logCfg.Build()
		if err != nil {
			return nil, nil, err
		}
		d, err := telegram.NewDriver(telegram.Options{
			AppID:    cfg.Telegram.AppID,
			AppHash:  cfg.Telegram.AppHash,
			Password: cfg.Telegram.Password,
			Auth:     auth,
			Proxy:    cfg.Proxy,
			Logger:   logger,
		})
		return d, nil, err
	default:
		pool := browser.NewPool(browser.LaunchChrome(browser.ChromeOptions{
			ExecPath: cfg.Chrome.Path,
			Headless: cfg.Chrome.Headless,
			Proxy:    cfg.Proxy,
		}), cfg.Chrome.LaunchTimeout)
		return whatsapp.NewDriver(whatsapp.Options{Pool: pool, Auth: auth}), pool, nil
	}
}

// Настройка маршрутов
func setupRouter(cfg *config.Config, db *storage.DB, mgr *sessions.Manager) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(), middleware.CORS(cfg.CORSOrigins))

	r.GET("/api", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":    "wsm_go",
			"engine":  cfg.Engine,
			"message": "Messaging session manager API",
		})
	})

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"active":   mgr.ActiveCount(),
			"capacity": mgr.Capacity(),
		})
	})

	accounts.SetupRoutes(r.Group("/api"), accounts.NewHandler(db, mgr))

	log.Printf("[ROUTER] Routes initialized: /api/accounts, /api/stats, /health")
	return r
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"od-database/common"
	"od-database/internal/captcha"
	"od-database/internal/intake"
	"od-database/internal/logger"
	"od-database/internal/metrics"
	"od-database/internal/probe"
	"od-database/internal/search"
	"od-database/internal/store"
	"od-database/internal/urlcheck"
)

func main() {
	if err := common.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	log := logger.Must(logger.Config{
		Level:   common.GetEnv("LOG_LEVEL", "info"),
		Service: "api",
	})
	defer func() { _ = log.Sync() }()

	addr := common.GetEnv("API_ADDR", ":8080")
	dbPath := common.GetEnv("DB_PATH", "od.sqlite3")
	redisAddr := common.GetEnv("REDIS_ADDR", "localhost:6379")
	statusKey := common.GetEnv("CRAWL_STATUS_KEY", "od:crawl:status")
	probeTimeout := common.ParseDuration(common.GetEnv("PROBE_TIMEOUT", "5s"), intake.DefaultProbeTimeout)
	lockBackend := common.GetEnv("LOCK_BACKEND", "local")
	blacklistFile := common.GetEnv("BLACKLIST_FILE", "")

	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatal("failed to open store", logger.String("path", dbPath), logger.Error(err))
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("failed to close store", logger.Error(err))
		}
	}()

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Warn("failed to close redis client", logger.Error(err))
		}
	}()

	blacklist, err := urlcheck.NewBlacklist(nil)
	if err != nil {
		log.Fatal("failed to build blacklist", logger.Error(err))
	}
	if blacklistFile != "" {
		if blacklist, err = urlcheck.LoadBlacklist(blacklistFile); err != nil {
			log.Fatal("failed to load blacklist", logger.String("path", blacklistFile), logger.Error(err))
		}
		log.Info("blacklist loaded", logger.Int("entries", blacklist.Len()))
	}

	var locker intake.Locker = intake.NewHostLocks()
	if lockBackend == "redis" {
		locker = intake.NewRedisLocker(redisClient, "od:lock:", intake.DefaultLockTimeout, 0, log)
	}

	verifier, err := captcha.New(common.GetEnv("CAPTCHA_MODE", "disabled"), common.GetEnv("CAPTCHA_SECRET", ""))
	if err != nil {
		log.Fatal("invalid captcha configuration", logger.Error(err))
	}

	searchClient, err := search.NewClient(search.Config{
		URL:      common.GetEnv("ELASTIC_URL", "http://localhost:9200"),
		Index:    common.GetEnv("ELASTIC_INDEX", "od-files"),
		Username: common.GetEnv("ELASTIC_USERNAME", ""),
		Password: common.GetEnv("ELASTIC_PASSWORD", ""),
	})
	if err != nil {
		log.Fatal("elasticsearch client error", logger.Error(err))
	}
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := searchClient.Ping(pingCtx); err != nil {
		log.Warn("search backend unreachable, search will report unavailable", logger.Error(err))
	}
	pingCancel()

	reg := metrics.NewRegistry()
	pipeline := intake.NewPipeline(st, probe.NewHTTPProber(nil),
		intake.WithBlacklist(blacklist),
		intake.WithLocker(locker),
		intake.WithProbeTimeout(probeTimeout),
		intake.WithMetrics(intake.NewMetrics(reg)),
		intake.WithLogger(log),
	)

	srv := newServer(serverDeps{
		websites: st,
		intake:   pipeline,
		search:   searchClient,
		status:   store.NewRedisStatusStoreWithClient(redisClient, statusKey, 0),
		charts:   store.NewRedisCache(redisClient, "od:chart:", 30*time.Second),
		captcha:  verifier,
		registry: reg,
		log:      log,
	})

	if common.ParseBool(common.GetEnv("GIN_DEBUG", ""), false) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("api listening",
			logger.String("addr", addr),
			logger.String("lock_backend", lockBackend),
			logger.Duration("probe_timeout", probeTimeout),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("api server error", logger.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown error", logger.Error(err))
	}
}

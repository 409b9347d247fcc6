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

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/iliyamo/platform-auth/internal/config"
	"github.com/iliyamo/platform-auth/internal/database"
	"github.com/iliyamo/platform-auth/internal/handler"
	"github.com/iliyamo/platform-auth/internal/middleware"
	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/queue"
	"github.com/iliyamo/platform-auth/internal/repository"
	"github.com/iliyamo/platform-auth/internal/response"
	"github.com/iliyamo/platform-auth/internal/router"
	"github.com/iliyamo/platform-auth/internal/service"
	"github.com/iliyamo/platform-auth/internal/utils"
)

func main() {
	cfg := config.Load()
	logger, err := config.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		logger.Fatal("mysql unavailable", zap.Error(err))
	}
	defer db.Close()
	rdb := config.NewRedisClient(logger)
	if rdb != nil {
		defer rdb.Close()
	}

	codec, err := utils.NewTokenCodec(cfg.JWTSecret, cfg.AccessTTL)
	if err != nil {
		logger.Fatal("token codec", zap.Error(err))
	}

	users := repository.NewUserRepo(db)
	tokens := repository.NewTokenRepo(db)
	revocations := repository.NewRevocationStore(rdb)

	eventOpts := []service.EventLogOption{
		service.WithWriteTimeout(cfg.EventWriteTimeout),
		service.WithNotifyBuffer(cfg.NotifyBuffer),
	}
	if cfg.RabbitURL != "" {
		eventOpts = append(eventOpts, service.WithNotifier(queue.NewPublisher(cfg.RabbitURL, logger)))
	}
	events := service.NewEventLog(repository.NewEventRepo(db), logger, eventOpts...)
	defer events.Close()
	blocks := service.NewBlockStore(repository.NewBlockRepo(db), events, nil)
	sessions := service.NewSessionRegistry(repository.NewSessionRepo(db), events, cfg.SingleSession, nil)
	authn := service.NewAuthenticator(codec, users, sessions, revocations, blocks, events, logger)
	login := service.NewLoginService(users, sessions, blocks, events, codec, tokens, revocations, service.LoginPolicy{
		RefreshTTL:    cfg.RefreshTTL(),
		MaxFailures:   cfg.LoginMaxFailures,
		FailureWindow: cfg.LoginFailureWindow,
		AutoBlockTTL:  cfg.AutoBlockTTL,
	}, nil, logger)
	accounts := service.NewAccountService(users, sessions, tokens, events, service.AccountPolicy{
		BcryptCost:         cfg.BcryptCost,
		DefaultRoles:       model.NewRoleSet(cfg.DefaultRoles...),
		AllowSignup:        cfg.AllowSignup,
		RevokeOnRoleChange: cfg.RevokeOnRoleChange,
		TOTPIssuer:         cfg.TOTPIssuer,
	}, nil, logger)

	e := echo.New()
	e.HideBanner = true
	e.IPExtractor = middleware.IPExtractor(cfg.TrustedProxies)
	e.HTTPErrorHandler = response.HTTPErrorHandler(logger)
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.Recover())

	router.RegisterRoutes(e, &handler.HealthHandler{DB: db, Redis: rdb})
	router.RegisterAuth(e, handler.NewAuthHandler(accounts, login, sessions), authn, router.SelfPolicy(cfg),
		middleware.RateLimit(config.LoadRateLimitConfig(), rdb, logger))
	router.RegisterAdmin(e, handler.NewAdminHandler(accounts, blocks, sessions, events), authn)
	router.RegisterDomains(e, authn, cfg.Domains)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.NotifyConsumer && cfg.RabbitURL != "" {
		consumer := queue.NewConsumer(cfg.RabbitURL, cfg.NotifyLogPath, logger)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("notification consumer stopped", zap.Error(err))
			}
		}()
	}

	addr := ":" + cfg.Port
	go func() {
		logger.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}

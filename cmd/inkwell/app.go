package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"inkwell/internal/actuator"
	"inkwell/internal/alert"
	"inkwell/internal/config"
	"inkwell/internal/db"
	"inkwell/internal/entitlement"
	"inkwell/internal/fraud"
	"inkwell/internal/gateway"
	"inkwell/internal/ledger"
	"inkwell/internal/logger"
	"inkwell/internal/payout"
	"inkwell/internal/server"
	"inkwell/internal/webhook"
)

// app holds every component, built once per command from the same config.
type app struct {
	cfg *config.Config
	db  *sqlx.DB
	rdb *redis.Client

	alerts    *alert.Queue
	gateway   gateway.Gateway
	projector *entitlement.Projector
	ledger    *ledger.Writer
	ledgerDB  ledger.Repository
	payouts   *payout.Manager
	payoutDB  payout.Repository
	scanner   *fraud.Scanner
	actuator  *actuator.Actuator
}

func bootstrap(ctx context.Context, cfg *config.Config) (*app, error) {
	logger.Info("Connecting to database...")
	conn, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Entitlement reads fall back to the database and alerts fail loudly.
		logger.Warn("redis unreachable at startup", "addr", cfg.RedisAddr, "error", err)
	}

	if cfg.GatewayAPIKey == "" {
		logger.Warn("PAYMENT_GATEWAY_API_KEY is empty; gateway commands will fail")
	}
	if cfg.WebhookSecret == "" {
		logger.Warn("PAYMENT_WEBHOOK_SECRET is empty; every webhook will be rejected")
	}

	a := &app{cfg: cfg, db: conn, rdb: rdb}

	sender := alert.NewSMTPSender(cfg.EmailFrom, cfg.EmailFromName, cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
	a.alerts = alert.NewQueue(rdb, sender, cfg.AlertTo)

	a.gateway = gateway.NewRetrying(gateway.NewStripe(cfg.GatewayAPIKey), cfg.GatewayTimeout, cfg.GatewayMaxRetry, nil)

	a.projector = entitlement.NewProjector(entitlement.NewRepository(conn), entitlement.NewRedisCache(rdb), cfg.Platform, cfg.EntitlementTTL)

	a.ledgerDB = ledger.NewRepository(conn)
	a.ledger = ledger.NewWriter(a.ledgerDB, a.gateway, cfg.Platform, a.projector)

	a.payoutDB = payout.NewRepository(conn)
	a.payouts = payout.NewManager(a.payoutDB, a.gateway, a.alerts, cfg.Platform, cfg.PayoutStaleAfter)

	a.scanner = fraud.NewScanner(fraud.NewRepository(conn), cfg.Fraud, a.alerts)
	a.actuator = actuator.New(a.ledgerDB, a.ledger, a.payoutDB, a.gateway, a.alerts)

	return a, nil
}

func (a *app) server() *server.Server {
	hook := webhook.NewHandler(
		webhook.NewVerifier(a.cfg.WebhookSecret),
		webhook.NewRouter(a.ledger, a.payouts),
		webhook.NewStore(a.db),
		a.alerts,
	)
	return server.New(a.cfg, server.Handlers{
		Webhook:     hook,
		Entitlement: entitlement.NewHandler(a.projector),
		Payout:      payout.NewHandler(a.payouts),
		Fraud:       fraud.NewHandler(a.scanner),
		Actuator:    actuator.NewHandler(a.actuator),
		Health:      server.Health(a.db, a.rdb, a.alerts),
	})
}

func (a *app) Close() {
	if err := a.rdb.Close(); err != nil {
		logger.Warn("closing redis", "error", err)
	}
	if err := a.db.Close(); err != nil {
		logger.Warn("closing database", "error", err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.InitWith(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

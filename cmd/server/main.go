package main // Entry point package

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/tour-booking/internal/config"
	"github.com/iliyamo/tour-booking/internal/database"
	"github.com/iliyamo/tour-booking/internal/handler"
	"github.com/iliyamo/tour-booking/internal/middleware"
	"github.com/iliyamo/tour-booking/internal/model"
	"github.com/iliyamo/tour-booking/internal/payment"
	"github.com/iliyamo/tour-booking/internal/queue"
	"github.com/iliyamo/tour-booking/internal/repository"
	"github.com/iliyamo/tour-booking/internal/router"
	"github.com/iliyamo/tour-booking/internal/service"
	"github.com/iliyamo/tour-booking/internal/webhook"
	"github.com/iliyamo/tour-booking/internal/worker"
)

// redisPinger adapts the Redis client to the health check.
type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) PingContext(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func main() {
	cfg := config.Load() // Load environment config
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		log.WithError(err).Fatal("schema migration failed")
	}
	store := repository.NewMySQLStore(db)

	rdb := config.NewRedisClient() // nil when Redis is unreachable

	hc := &http.Client{Timeout: 20 * time.Second}
	providers := payment.NewRegistry(
		payment.NewWebpay(cfg.Payments.Webpay, hc),
		payment.NewMercadoPago(cfg.Payments.MP, cfg.Payments.TestMode, hc),
	)

	var pub service.EventPublisher = service.DiscardPublisher{}
	if cfg.RabbitURL != "" {
		amqpPub := service.NewAMQPPublisher(cfg.RabbitURL)
		defer amqpPub.Close()
		pub = amqpPub

		go func() {
			err := queue.StartNotificationConsumer(ctx, cfg.RabbitURL, queue.LogNotifier{Logger: log.StandardLogger()})
			if err != nil && ctx.Err() == nil {
				log.WithError(err).Error("notification consumer stopped")
			}
		}()
	}

	ledger := service.NewLedger(nil)
	settler := service.NewSettlement(store, ledger, pub, cfg.Booking.TaxRatePercent)
	sessions := service.NewSessionService(store, providers, settler, ledger, cfg.Booking, cfg.Payments.TestMode, nil)
	refunds := service.NewRefundService(store, providers, pub, cfg.Booking.RefundCutoff, nil)

	var dedup webhook.Dedup = webhook.NewMemoryDedup(cfg.Webhook.DedupWindow, nil)
	if rdb != nil {
		dedup = webhook.NewRedisDedup(rdb, cfg.Webhook.DedupWindow, "webhook:processed")
	}
	guard := webhook.NewGuard(map[model.Provider]string{
		model.ProviderWebpay:      cfg.Payments.Webpay.WebhookSecret,
		model.ProviderMercadoPago: cfg.Payments.MP.WebhookSecret,
	}, cfg.Webhook.MaxAge, dedup, nil)

	sweeper := worker.NewSweeper(sessions, sessions, cfg.Booking.SweepInterval)
	if err := sweeper.Start(ctx); err != nil {
		log.WithError(err).Fatal("sweeper start failed")
	}

	deps := map[string]handler.Pinger{"mysql": store.DB()}
	if rdb != nil {
		deps["redis"] = redisPinger{rdb: rdb}
	}

	e := echo.New() // Create Echo instance
	e.HideBanner = true
	e.Validator = handler.NewRequestValidator()
	e.Use(echomw.RequestID(), echomw.Recover(), middleware.RequestLogger())

	router.RegisterRoutes(e, router.Handlers{
		Sessions: handler.NewPaymentSessionHandler(sessions),
		Refunds:  handler.NewRefundHandler(refunds),
		Webhooks: handler.NewWebhookHandler(sessions, guard),
		Health:   handler.Health(deps),
	}, cfg.JWTSecret, config.LoadRateLimits(), rdb)

	go func() {
		log.WithFields(log.Fields{"addr": cfg.Addr(), "env": cfg.Env}).Info("listening")
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown failed")
	}
}

func setupLogging(cfg config.Config) {
	if cfg.Production() {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	lvl, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

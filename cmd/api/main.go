package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zllovesuki/recur/action"
	"github.com/zllovesuki/recur/auth"
	"github.com/zllovesuki/recur/broker"
	"github.com/zllovesuki/recur/cache"
	"github.com/zllovesuki/recur/config"
	"github.com/zllovesuki/recur/customer"
	"github.com/zllovesuki/recur/db"
	"github.com/zllovesuki/recur/gateway"
	"github.com/zllovesuki/recur/order"
	"github.com/zllovesuki/recur/processor"
	"github.com/zllovesuki/recur/subscription"
	"github.com/zllovesuki/recur/webhook"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-redis/redis/v7"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is set at build time
var Version = "dev"

func main() {
	cfg, err := config.Load(config.DotFile(os.Getenv("API_ENV")))
	if err != nil {
		log.Fatalf("Cannot load configurations: %v\n", err)
	}

	var logger *zap.Logger
	authEnvironment := auth.EnvDevelopment
	if cfg.IsProduction() {
		authEnvironment = auth.EnvProduction
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Debug:       !cfg.IsProduction(),
	}); err != nil {
		logger.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	core, err := zapsentry.NewCore(zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Fatal("Cannot attach sentry to logger",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	defer logger.Sync()

	database, err := db.New(logger, cfg.PostgresURI)
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	var rdb redis.UniversalClient
	if len(cfg.RedisURI) > 0 {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisURI},
			Password: cfg.RedisPassword,
			DB:       0,
		})
		if _, err := rdb.Ping().Result(); err != nil {
			logger.Fatal("Cannot connect to Redis",
				zap.Error(err),
			)
		}
		defer rdb.Close()
	}

	gateways := gateway.Clients{}
	for mode, key := range map[gateway.Mode]string{
		gateway.ModeLive: cfg.StripeLiveSecretKey,
		gateway.ModeTest: cfg.StripeTestSecretKey,
	} {
		if len(key) == 0 {
			continue
		}
		client, err := gateway.NewStripeClient(gateway.StripeOptions{
			Key:    key,
			Mode:   mode,
			Logger: logger,
		})
		if err != nil {
			logger.Fatal("Cannot initialize Stripe client",
				zap.String("GatewayMode", string(mode)),
				zap.Error(err),
			)
		}
		gateways[mode] = client
	}

	notifier := subscription.NewNotifier(logger)

	subscriptionManager, err := subscription.NewManager(subscription.ManagerOptions{
		DB:       database,
		Logger:   logger,
		Notifier: notifier,
	})
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
			zap.Error(err),
		)
	}

	orderManager, err := order.NewManager(logger, database)
	if err != nil {
		logger.Fatal("Cannot initialize OrderManager",
			zap.Error(err),
		)
	}

	customerManager, err := customer.NewManager(logger, database)
	if err != nil {
		logger.Fatal("Cannot initialize CustomerManager",
			zap.Error(err),
		)
	}

	var stateCache *cache.Cache
	if rdb != nil {
		stateCache, err = cache.New(cache.Options{
			Redis:  rdb,
			Logger: logger,
		})
		if err != nil {
			logger.Fatal("Cannot initialize state cache",
				zap.Error(err),
			)
		}
		stateCache.Register(notifier)
	}

	if len(cfg.AMQPURI) > 0 {
		amqpBroker, err := broker.NewAMQPBroker(logger, cfg.AMQPURI)
		if err != nil {
			logger.Fatal("Cannot connect to AMQP broker",
				zap.Error(err),
			)
		}
		defer amqpBroker.Close()

		lifecycle, err := broker.NewLifecycle(logger, amqpBroker)
		if err != nil {
			logger.Fatal("Cannot initialize lifecycle publisher",
				zap.Error(err),
			)
		}
		lifecycle.Register(notifier)
	}

	authManager, err := auth.New(auth.Options{
		Logger:        logger,
		JWTSigningKey: cfg.JWTSigningKey,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Auth",
			zap.Error(err),
		)
	}

	if cfg.LoginEnabled() {
		err := authManager.EnablePasswordless(auth.PasswordlessOptions{
			Redis:       rdb,
			Environment: authEnvironment,
			SMTPAuth:    smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPHost),
			From:        cfg.SMTPFrom,
			Hostname:    cfg.SMTPHostname(),
			EmailOption: auth.EmailOption{
				Name:          cfg.SiteName,
				LinkGenerator: cfg.LoginLink,
			},
		})
		if err != nil {
			logger.Fatal("Cannot enable passwordless login",
				zap.Error(err),
			)
		}
	} else {
		logger.Warn("Customer login is disabled, configure Redis and SMTP to enable it")
	}

	ledger, err := webhook.NewLedger(logger, database)
	if err != nil {
		logger.Fatal("Cannot initialize webhook Ledger",
			zap.Error(err),
		)
	}

	registry := webhook.NewRegistry()
	if err := processor.Register(registry, processor.Options{
		Logger:        logger,
		Subscriptions: subscriptionManager,
		Orders:        orderManager,
		Customers:     customerManager,
		Gateways:      gateways,
	}); err != nil {
		logger.Fatal("Cannot register event processors",
			zap.Error(err),
		)
	}

	dispatcher, err := webhook.NewDispatcher(webhook.DispatcherOptions{
		Logger:   logger,
		Ledger:   ledger,
		Registry: registry,
		Secrets: webhook.Secrets{
			Live:  cfg.StripeLiveWebhookSecret,
			Test:  cfg.StripeTestWebhookSecret,
			Debug: cfg.StripeDebugWebhookSecret,
		},
		Verifier: &webhook.StripeVerifier{
			Tolerance: cfg.WebhookTolerance,
		},
	})
	if err != nil {
		logger.Fatal("Cannot initialize webhook Dispatcher",
			zap.Error(err),
		)
	}

	customerRouter, err := customer.NewService(customer.Options{
		Auth:            authManager,
		CustomerManager: customerManager,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Customer Service Router",
			zap.Error(err),
		)
	}

	webhookRouter, err := webhook.NewService(webhook.ServiceOptions{
		Dispatcher: dispatcher,
		Ledger:     ledger,
		Auth:       authManager,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Webhook Service Router",
			zap.Error(err),
		)
	}

	actionOptions := action.Options{
		Logger:        logger,
		Subscriptions: subscriptionManager,
		Gateways:      gateways,
		Auth:          authManager,
		CORSOrigins:   cfg.CORSOrigins,
	}
	if stateCache != nil {
		actionOptions.Cache = stateCache
	}
	actionRouter, err := action.NewService(actionOptions)
	if err != nil {
		logger.Fatal("Cannot initialize Subscription Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()

	rootRouter.Mount("/customers", customerRouter.Router())
	rootRouter.Mount("/webhook", webhookRouter.Router())
	rootRouter.Mount("/subscriptions", actionRouter.Router())

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok")
	})

	srv := &http.Server{
		Handler:           rootRouter,
		Addr:              cfg.ListenAddr,
		ReadHeaderTimeout: time.Second * 10,
	}

	go func() {
		logger.Info("Listening", zap.String("Addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server stopped",
				zap.Error(err),
			)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*15)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Cannot shutdown HTTP server gracefully",
			zap.Error(err),
		)
	}
}

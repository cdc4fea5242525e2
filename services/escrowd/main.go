package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"tradeescrow/observability/logging"
	telemetry "tradeescrow/observability/otel"
	"tradeescrow/services/escrowd/config"
	"tradeescrow/services/escrowd/deposit"
	"tradeescrow/services/escrowd/locks"
	escrowmw "tradeescrow/services/escrowd/middleware"
	"tradeescrow/services/escrowd/multisig"
	"tradeescrow/services/escrowd/notify"
	"tradeescrow/services/escrowd/reputation"
	"tradeescrow/services/escrowd/server"
	"tradeescrow/services/escrowd/storage"
	"tradeescrow/services/escrowd/trade"
	"tradeescrow/services/escrowd/wallet"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to escrowd configuration file (.yaml or .toml); empty reads ESCROWD_* variables only")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("escrowd: load config: %v", err)
	}

	logger := logging.Setup("escrowd", cfg.Environment,
		logging.WithLevel(cfg.Logging.Level),
		logging.WithFile(logging.FileConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   true,
		}),
	).With(slog.String("network", cfg.Network))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "escrowd",
		Environment: cfg.Environment,
		Network:     cfg.Network,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("escrowd: init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	if err := run(cfg, logger); err != nil {
		logger.Error("escrowd exited", slog.Any("error", err))
		log.Fatalf("escrowd: %v", err)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	db, err := openDatabase(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer storage.Close(db)

	locker, closeLocker, err := buildLocker(cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	walletClient, err := wallet.NewRPCClient(wallet.RPCConfig{
		WalletURL:      cfg.Wallet.RPCURL,
		DaemonURL:      cfg.Wallet.DaemonURL,
		Username:       cfg.Wallet.Username,
		Password:       cfg.Wallet.Password,
		WalletPassword: cfg.Wallet.WalletPassword,
		Timeout:        cfg.Wallet.CallTimeout.Duration,
	})
	if err != nil {
		return err
	}
	limits := wallet.Limits{
		Sync:  cfg.Wallet.SyncTimeout.Duration,
		Call:  cfg.Wallet.CallTimeout.Duration,
		Close: cfg.Wallet.CloseTimeout.Duration,
	}

	sessions, err := multisig.NewCoordinator(db, walletClient, locker, multisig.Config{
		Threshold:          cfg.Multisig.Threshold,
		TotalParticipants:  cfg.Multisig.Participants,
		WalletPrefix:       cfg.Wallet.Prefix,
		Limits:             limits,
		ReanchorAfterReady: cfg.Multisig.ReanchorEnabled(),
	}, multisig.WithLogger(logger))
	if err != nil {
		return err
	}

	notifications := notify.New(db, logger)
	scores := reputation.New(db, logger)
	feeRate, err := cfg.FeeRate()
	if err != nil {
		return err
	}
	trades, err := trade.NewCoordinator(db, walletClient, locker, sessions, trade.Config{FeeRate: feeRate, Limits: limits},
		trade.WithLogger(logger), trade.WithNotifier(notifications), trade.WithReputation(scores))
	if err != nil {
		return err
	}
	poller := deposit.NewPoller(db, walletClient, locker, notifications, deposit.Config{
		PollInterval: cfg.Deposit.PollInterval.Duration,
		Limits:       limits,
		Concurrency:  cfg.Deposit.Concurrency,
		BatchSize:    cfg.Deposit.BatchSize,
	}, logger)

	auth, err := escrowmw.NewAuthenticator(escrowmw.AuthConfig{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.MaxSkew.Duration,
	}, logger)
	if err != nil {
		return err
	}
	limiter := escrowmw.NewRateLimiter(map[string]escrowmw.RateLimit{
		server.LimitWallet: {RequestsPerSecond: cfg.RateLimit.RequestsPerSecond, Burst: cfg.RateLimit.Burst},
	}, logger)
	obs, err := escrowmw.NewObservability(escrowmw.ObservabilityConfig{ServiceName: "escrowd"}, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		DB:            db,
		Sessions:      sessions,
		Trades:        trades,
		Deposits:      poller,
		Notifications: notifications,
		Reputation:    scores,
		Auth:          auth,
		RateLimiter:   limiter,
		Observability: obs,
		Gatherer:      prometheus.DefaultGatherer,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(srv.Handler(), "escrowd"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Wallet.SyncTimeout.Duration + time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		logger.Info("escrowd listening", slog.String("addr", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		logger.Info("escrowd stopped")
		return nil
	})
	return g.Wait()
}

func openDatabase(raw string) (*gorm.DB, error) {
	dsn := strings.TrimSpace(raw)
	if !storage.IsPostgres(dsn) && !strings.HasPrefix(dsn, "file:") {
		resolved, err := storage.FileDSN(dsn)
		if err != nil {
			return nil, err
		}
		dsn = resolved
	}
	return storage.Open(dsn)
}

// buildLocker returns the Redis lock when an address is configured. Without
// Redis the process-local lock only serializes a single replica.
func buildLocker(cfg config.Config, logger *slog.Logger) (locks.Locker, func(), error) {
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		logger.Warn("redis not configured, using process-local session locks")
		return locks.NewLocal(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	locker := locks.NewRedis(client,
		locks.WithLeaseTTL(cfg.Redis.LeaseTTL.Duration),
		locks.WithKeyPrefix(cfg.Redis.Prefix),
		locks.WithLogger(logger))
	return locker, func() { _ = client.Close() }, nil
}

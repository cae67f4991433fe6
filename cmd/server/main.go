package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/simaogato/mixflow-backend/internal/adapter/events"
	grpcadapter "github.com/simaogato/mixflow-backend/internal/adapter/grpc"
	"github.com/simaogato/mixflow-backend/internal/adapter/lock"
	"github.com/simaogato/mixflow-backend/internal/adapter/repository/postgres"
	"github.com/simaogato/mixflow-backend/internal/adapter/wallet/memory"
	"github.com/simaogato/mixflow-backend/internal/config"
	"github.com/simaogato/mixflow-backend/internal/domain"
	"github.com/simaogato/mixflow-backend/internal/logging"
	"github.com/simaogato/mixflow-backend/internal/usecase/mixer"
	"github.com/simaogato/mixflow-backend/internal/usecase/seeder"
)

const dbConnectAttempts = 5

func main() {
	configPath := flag.String("config", "", "path to the TOML config file (default $MIXFLOW_CONFIG)")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Setup Logger
	logger, _, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()
	var closers []func()

	// 3. Setup Database (optional)
	var runRepo domain.RunRepository
	if cfg.Database.Enabled {
		db, err := connectDB(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		closers = append(closers, func() { db.Close() })

		if cfg.Database.EnsureSchema {
			if err := db.EnsureSchema(ctx); err != nil {
				logger.Fatal("Failed to create schema", zap.Error(err))
			}
		}
		runRepo = postgres.NewRunRepository(db)
		logger.Info("Run reports are persisted to Postgres")
	} else {
		logger.Warn("No database configured, run reports are not persisted")
	}

	// 4. Account locker: Redis when configured, in-process otherwise
	var locker domain.AccountLocker = lock.NewLocalLocker()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		closers = append(closers, func() { client.Close() })

		redisLocker, err := lock.NewRedisLocker(client, lock.RedisOptions{
			Prefix:     cfg.Redis.LockPrefix,
			Expiry:     cfg.Redis.LockExpiry,
			RetryDelay: cfg.Redis.RetryDelay,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create Redis locker", zap.Error(err))
		}
		locker = redisLocker
		logger.Info("Account locks are held in Redis", zap.String("addr", cfg.Redis.Addr))
	}

	// 5. Event publisher (optional)
	var publisher domain.EventPublisher
	if cfg.NATS.URL != "" {
		natsPublisher, err := events.Connect(events.Config{
			URL:            cfg.NATS.URL,
			Name:           cfg.NATS.Name,
			SubjectPrefix:  cfg.NATS.SubjectPrefix,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		closers = append(closers, natsPublisher.Close)
		publisher = natsPublisher
		logger.Info("Run events are published to NATS", zap.String("url", cfg.NATS.URL))
	}

	// 6. Wallet backend and seed accounts
	ledger := memory.NewLedger(cfg.Dev.Fee)
	seedAccounts := make([]seeder.SeedAccount, 0, len(cfg.Dev.Accounts))
	for _, account := range cfg.Dev.Accounts {
		seedAccounts = append(seedAccounts, seeder.SeedAccount{Address: account.Address, Balance: account.Balance})
	}
	created, err := seeder.NewAccountSeeder(ledger).Seed(ctx, seedAccounts)
	if err != nil {
		logger.Fatal("Failed to seed accounts", zap.Error(err))
	}
	logger.Info("Accounts seeded successfully", zap.Int("created", created))

	// 7. Initialize Services (Use Cases)
	mixService := mixer.NewMixService(locker, runRepo, publisher, logger)

	// 8. Start gRPC Server
	grpcServer := grpclib.NewServer(
		grpclib.ChainUnaryInterceptor(
			grpcadapter.LoggingInterceptor(logger),
			grpcadapter.AuthInterceptor(cfg.APIToken),
		),
	)

	grpcAdapter := grpcadapter.NewServer(mixService, ledger, cfg.Mix)
	grpcadapter.RegisterMixServiceServer(grpcServer, grpcAdapter)

	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("Failed to listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}

	// Start server in a goroutine
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal("Failed to serve gRPC server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	waitForShutdown(grpcServer, logger)
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

// connectDB retries the connection while Postgres starts up
func connectDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*postgres.DB, error) {
	var lastErr error
	for attempt := 1; attempt <= dbConnectAttempts; attempt++ {
		db, err := postgres.NewDB(ctx, cfg.ConnectionString())
		if err == nil {
			return db, nil
		}
		lastErr = err
		logger.Warn("Database not ready", zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	return nil, lastErr
}

// waitForShutdown waits for SIGTERM or SIGINT and gracefully shuts down the server
func waitForShutdown(grpcServer *grpclib.Server, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("Shutting down gracefully", zap.String("signal", sig.String()))

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")
}

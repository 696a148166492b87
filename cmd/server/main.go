package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rl1809/inventory-engine/internal/adapter/handler"
	"github.com/rl1809/inventory-engine/internal/adapter/messaging"
	"github.com/rl1809/inventory-engine/internal/adapter/storage"
	"github.com/rl1809/inventory-engine/internal/config"
	"github.com/rl1809/inventory-engine/internal/core/service"
	"github.com/rl1809/inventory-engine/internal/pkg/logger"
	"github.com/rl1809/inventory-engine/internal/pkg/tracing"
	"github.com/rl1809/inventory-engine/internal/port"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Service, cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.InitTracerProvider(cfg.Service, cfg.Tracing.JaegerEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracing")
	}

	var closers []func() error

	// Initialize Redis
	var cache port.CacheRepository
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
		cache = storage.NewRedisAdapter(rdb)
		closers = append(closers, rdb.Close)
	}

	stores, products, closeStores := openStores(ctx, cfg)
	closers = append(closers, closeStores...)
	if cache != nil {
		stores.Cache = cache
	}

	engine := service.NewEngine(stores, service.EngineConfig{
		ReservationTTL: cfg.Engine.ReservationTTL,
		MaxRetries:     cfg.Engine.MaxRetries,
		Transactional:  cfg.Engine.Transactional,
	})

	engine.Bus.Subscribe("balance", engine.Projector.HandleEvent)
	engine.Bus.Subscribe("reconciler", engine.Reconciler.HandleEvent)
	var publisher *messaging.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = messaging.NewKafkaPublisher(messaging.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		engine.Bus.Subscribe("kafka", publisher.Publish)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("exporting transactions to kafka")
	}
	engine.Bus.Start(cfg.Engine.EventWorkers, cfg.Engine.EventQueueSize)

	var lease port.LeaseLocker
	if stores.Cache != nil {
		lease = stores.Cache
	}
	scheduler := service.NewScheduler(engine.Holds, engine.Reconciler, lease, service.SchedulerConfig{
		HoldSweepInterval: cfg.Engine.HoldSweepInterval,
		ReconcileInterval: cfg.Engine.ReconcileInterval,
	})

	svc := handler.Services{
		Products:    products,
		Ledger:      engine.Ledger,
		Holds:       engine.Holds,
		Coordinator: engine.Coordinator,
		Orders:      engine.Orders,
		Reconciler:  engine.Reconciler,
		Projector:   engine.Projector,
		Log:         engine.Log,
	}

	grpcServer := grpc.NewServer()
	handler.NewGRPCHandler(svc).Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.GRPC.Addr).Msg("failed to listen")
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.NewHTTPHandler(svc).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.GRPC.Addr).Msg("gRPC server listening")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP shutdown failed")
		}
		log.Info().Msg("HTTP server stopped")

		grpcServer.GracefulStop()
		log.Info().Msg("gRPC server stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited with error")
	}

	// Drain queued events before closing their sinks
	engine.Bus.Close()
	log.Info().Msg("event bus drained")
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka writer")
		}
	}
	if tp != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to flush traces")
		}
		cancel()
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			log.Error().Err(err).Msg("failed to close connection")
		}
	}
	log.Info().Msg("connections closed")
}

// openStores builds the persistence ports for the configured driver.
func openStores(ctx context.Context, cfg *config.Config) (service.Stores, port.ProductStore, []func() error) {
	if cfg.Storage.Driver == config.DriverMemory {
		store := storage.NewMemoryStore()
		log.Warn().Msg("using in-memory storage; state is lost on restart")
		return service.Stores{
			Ledger:       store,
			Transactions: store,
			Orders:       store,
			Balances:     store,
			Catalog:      store,
			Cache:        store,
			Tx:           store,
		}, store, nil
	}

	// Initialize MySQL
	db, err := sql.Open("mysql", cfg.Storage.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect mysql")
	}
	db.SetMaxOpenConns(cfg.Storage.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Storage.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Storage.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping mysql")
	}
	log.Info().Msg("connected to mysql")

	mysqlAdapter := storage.NewMySQLAdapter(db)
	if err := mysqlAdapter.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate ledger schema")
	}

	gdb, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: db}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open gorm")
	}
	balances := storage.NewGormBalanceRepository(gdb)
	if err := balances.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate balance schema")
	}

	return service.Stores{
		Ledger:       mysqlAdapter,
		Transactions: mysqlAdapter,
		Orders:       mysqlAdapter,
		Balances:     balances,
		Catalog:      mysqlAdapter,
		Tx:           mysqlAdapter,
	}, mysqlAdapter, []func() error{db.Close}
}

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/face-blur/internal/config"
	"github.com/example/face-blur/internal/detector"
	"github.com/example/face-blur/internal/grpcclient"
	"github.com/example/face-blur/internal/handlers"
	"github.com/example/face-blur/internal/imageprocessor"
	"github.com/example/face-blur/internal/logging"
	"github.com/example/face-blur/internal/repository"
	"github.com/example/face-blur/internal/usecase"
	"github.com/example/face-blur/internal/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	faceDetector, conn, err := newDetector(ctx, cfg.Detector, logger)
	if err != nil {
		logger.Fatal("failed to initialise face detector", zap.Error(err), zap.String("backend", cfg.Detector.Backend))
	}
	if conn != nil {
		defer conn.Close()
	}

	var debugSink imageprocessor.DebugSink
	if cfg.DebugDir != "" {
		sink, err := imageprocessor.NewFileDebugSink(cfg.DebugDir, logger)
		if err != nil {
			logger.Fatal("failed to prepare debug directory", zap.Error(err))
		}
		debugSink = sink
		logger.Warn("debug images enabled; originals are written to disk", zap.String("dir", cfg.DebugDir))
	}

	pipeline, err := imageprocessor.NewPipeline(imageprocessor.Options{
		Detector:  faceDetector,
		MaxPixels: cfg.MaxPixels,
		DebugSink: debugSink,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("failed to build pipeline", zap.Error(err))
	}

	opts := usecase.Options{
		Detector:       faceDetector,
		CacheTTL:       cfg.Redis.TTL,
		ProcessTimeout: cfg.Pool.ProcessTimeout,
	}

	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.Redis, logger)
		redisCancel()
		defer redisClient.Close()
		opts.Cache = usecase.NewRedisCache(redisClient)
	}

	if cfg.Database.Driver != "" {
		db, err := repository.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err), zap.String("driver", cfg.Database.Driver))
		}
		repo := repository.NewAnonymizationRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		opts.Repository = repo
	}

	pool := workerpool.New(cfg.Pool.Size, cfg.Pool.AcquireTimeout)
	uc := usecase.NewAnonymizationUseCase(pipeline, pool, logger, opts)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(cfg, uc, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("face-blur API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("detector", faceDetector.Name()),
		zap.Int("pool_size", cfg.Pool.Size),
		zap.Bool("cache", opts.Cache != nil),
		zap.Bool("audit", opts.Repository != nil),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(cfg config.Config, svc handlers.AnonymizationService, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinMiddleware(logger))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	}
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	handlers.RegisterRoutes(r, svc, cfg.MaxUploadBytes)
	return r
}

func corsConfig(origins []string) cors.Config {
	corsCfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"X-Request-ID", "X-Face-Count"},
		MaxAge:        12 * time.Hour,
	}
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			corsCfg.AllowAllOrigins = true
			return corsCfg
		}
	}
	corsCfg.AllowOrigins = origins
	return corsCfg
}

// newDetector builds the configured backend. The connection is nil unless the
// backend is remote.
func newDetector(ctx context.Context, cfg config.DetectorConfig, logger *zap.Logger) (usecase.NamedDetector, *grpc.ClientConn, error) {
	switch cfg.Backend {
	case config.BackendGRPC:
		remote, conn, err := grpcclient.DialDetector(ctx, cfg.GRPCAddr, cfg.GRPCTimeout, logger)
		if err != nil {
			return nil, nil, err
		}
		return remote, conn, nil
	case config.BackendPigo:
		local, err := detector.FromConfig(cfg)
		if err != nil {
			return nil, nil, err
		}
		return local, nil, nil
	default:
		return nil, nil, errors.New("unknown detector backend " + cfg.Backend)
	}
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err), zap.String("addr", cfg.Addr))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

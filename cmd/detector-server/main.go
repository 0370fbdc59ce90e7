// Command detector-server exposes the pigo face detector as a FaceDetector
// gRPC service for API instances running with DETECTOR_BACKEND=grpc.
package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/face-blur/internal/config"
	"github.com/example/face-blur/internal/detector"
	"github.com/example/face-blur/internal/grpcclient"
	"github.com/example/face-blur/internal/logging"
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

	faceDetector, err := detector.FromConfig(cfg.Detector)
	if err != nil {
		logger.Fatal("failed to load cascade", zap.Error(err), zap.String("cascade", cfg.Detector.CascadeFile))
	}

	listener, err := net.Listen("tcp", cfg.Detector.GRPCListenAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.Error(err), zap.String("addr", cfg.Detector.GRPCListenAddr))
	}

	server := grpc.NewServer()
	grpcclient.RegisterDetector(server, faceDetector, logger)

	logger.Info("face detector listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("fingerprint", faceDetector.Fingerprint()),
	)
	if err := serveGRPC(server, listener, logger, nil); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// serveGRPC serves until Serve fails or a signal arrives, then stops
// gracefully. A nil signalCh listens for SIGINT and SIGTERM.
func serveGRPC(server *grpc.Server, listener net.Listener, logger *zap.Logger, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	if signalCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		signalCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig := <-signalCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		server.GracefulStop()
		return <-errCh
	}
}

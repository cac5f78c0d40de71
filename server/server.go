package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/Clouded-Sabre/srft/config"
	"github.com/Clouded-Sabre/srft/lib"
	"github.com/Clouded-Sabre/srft/shared"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	serverIP := flag.String("ip", "", "address to receive on (overrides server_ip)")
	port := flag.Uint("port", 0, "port to receive on (overrides server_port)")
	outDir := flag.String("out", "", "directory for received files (overrides output_dir)")
	serveDir := flag.String("serve", "", "send a file from this directory to the client that asks for it")
	statsFile := flag.String("stats", "", "transfer report file (overrides stats_file)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	coreConfig, appConfig, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("Error loading config:", err)
		return 2
	}
	if *serverIP != "" {
		appConfig.ServerIP = *serverIP
	}
	if *port != 0 {
		coreConfig.ServerPort = uint16(*port)
	}
	if *outDir != "" {
		appConfig.OutputDir = *outDir
	}
	if *statsFile != "" {
		appConfig.StatsFile = *statsFile
	}
	coreConfig.Debug = coreConfig.Debug || *debug

	logger, err := shared.NewLogger(coreConfig.Debug)
	if err != nil {
		fmt.Println("Error creating logger:", err)
		return 1
	}
	defer logger.Sync()

	addr, err := netip.ParseAddr(appConfig.ServerIP)
	if err != nil || !addr.Is4() {
		logger.Error("invalid server address", zap.String("ip", appConfig.ServerIP))
		return 2
	}
	local := lib.Endpoint{Addr: addr, Port: coreConfig.ServerPort}

	base := lib.DefaultRawTransportConfig()
	base.PollInterval = coreConfig.PollInterval
	endpoint, err := shared.OpenEndpoint(local, netip.Addr{}, appConfig.Filter, *base, logger)
	if err != nil {
		logger.Error("failed to open endpoint", zap.Stringer("local", local), zap.Error(err))
		return 1
	}
	defer endpoint.Close()

	session, err := lib.NewSession(coreConfig, endpoint.Transport, local, lib.Endpoint{}, logger)
	if err != nil {
		endpoint.Transport.Close()
		logger.Error("failed to create session", zap.Error(err))
		return 1
	}
	defer session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), coreConfig.CompletionTimeout)
	defer cancel()

	// Listen for interrupt signal (Ctrl+C)
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-signalChan:
			logger.Info("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	if *serveDir != "" {
		logger.Info("SRFT server serving",
			zap.Stringer("local", local),
			zap.Bool("secure", coreConfig.Secure()),
			zap.String("dir", *serveDir))

		report, err := session.ServeFile(ctx, lib.DirReaderFactory(*serveDir))
		if werr := shared.WriteReport(report, appConfig.StatsFile); werr != nil {
			logger.Error("failed to write report", zap.Error(werr))
		}
		if err != nil {
			logger.Error("transfer failed", zap.Error(err))
			return 1
		}
		logger.Info("file sent", zap.String("file", report.FileName), zap.Int64("bytes", report.BytesSent))
		return 0
	}

	logger.Info("SRFT server listening",
		zap.Stringer("local", local),
		zap.Bool("secure", coreConfig.Secure()),
		zap.String("output_dir", appConfig.OutputDir))

	report, err := session.ReceiveFile(ctx, lib.DirWriterFactory(appConfig.OutputDir))
	if werr := shared.WriteReport(report, appConfig.StatsFile); werr != nil {
		logger.Error("failed to write report", zap.Error(werr))
	}
	if err != nil {
		logger.Error("transfer failed", zap.Error(err))
		return 1
	}
	logger.Info("file received", zap.String("file", report.FileName), zap.Int64("bytes", report.BytesReceived))
	return 0
}

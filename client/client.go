package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
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
	serverIP := flag.String("server", "", "receiving endpoint address (overrides server_ip)")
	filePath := flag.String("file", "", "file to send")
	name := flag.String("name", "", "file name announced to the server (default: base name of -file)")
	get := flag.String("get", "", "file to fetch from a server started with -serve")
	outDir := flag.String("out", "", "directory for fetched files (overrides output_dir)")
	statsFile := flag.String("stats", "", "transfer report file (overrides stats_file)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if (*filePath == "") == (*get == "") {
		fmt.Println("Usage: client -file <path> | -get <name> [-server <ip>] [-config config.yaml]")
		return 2
	}

	coreConfig, appConfig, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("Error loading config:", err)
		return 2
	}
	if *serverIP != "" {
		appConfig.ServerIP = *serverIP
	}
	if *statsFile != "" {
		appConfig.StatsFile = *statsFile
	}
	if *outDir != "" {
		appConfig.OutputDir = *outDir
	}
	coreConfig.Debug = coreConfig.Debug || *debug

	logger, err := shared.NewLogger(coreConfig.Debug)
	if err != nil {
		fmt.Println("Error creating logger:", err)
		return 1
	}
	defer logger.Sync()

	serverAddr, err := netip.ParseAddr(appConfig.ServerIP)
	if err != nil || !serverAddr.Is4() {
		logger.Error("invalid server address", zap.String("ip", appConfig.ServerIP))
		return 2
	}
	var clientAddr netip.Addr
	if appConfig.ClientIP != "" {
		clientAddr, err = netip.ParseAddr(appConfig.ClientIP)
	} else {
		clientAddr, err = lib.FindLocalIP(serverAddr)
	}
	if err != nil {
		logger.Error("failed to select local address", zap.Error(err))
		return 2
	}

	local := lib.Endpoint{Addr: clientAddr, Port: coreConfig.ClientPort}
	remote := lib.Endpoint{Addr: serverAddr, Port: coreConfig.ServerPort}

	base := lib.DefaultRawTransportConfig()
	base.PollInterval = coreConfig.PollInterval
	endpoint, err := shared.OpenEndpoint(local, serverAddr, appConfig.Filter, *base, logger)
	if err != nil {
		logger.Error("failed to open endpoint", zap.Stringer("local", local), zap.Error(err))
		return 1
	}
	defer endpoint.Close()

	session, err := lib.NewSession(coreConfig, endpoint.Transport, local, remote, logger)
	if err != nil {
		endpoint.Transport.Close()
		logger.Error("failed to create session", zap.Error(err))
		return 1
	}
	defer session.Close()

	parent := context.Background()
	if *get != "" {
		var stop context.CancelFunc
		parent, stop = context.WithTimeout(parent, coreConfig.CompletionTimeout)
		defer stop()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-signalChan:
			logger.Info("received signal, aborting transfer")
			cancel()
		case <-ctx.Done():
		}
	}()

	if *get != "" {
		logger.Info("fetching file",
			zap.String("file", *get),
			zap.Stringer("local", local),
			zap.Stringer("remote", remote),
			zap.Bool("secure", coreConfig.Secure()),
			zap.String("output_dir", appConfig.OutputDir))

		report, err := session.FetchFile(ctx, *get, lib.DirWriterFactory(appConfig.OutputDir))
		if werr := shared.WriteReport(report, appConfig.StatsFile); werr != nil {
			logger.Error("failed to write report", zap.Error(werr))
		}
		if err != nil {
			logger.Error("transfer failed", zap.Error(err))
			return 1
		}
		logger.Info("file fetched", zap.String("file", report.FileName), zap.Int64("bytes", report.BytesReceived))
		return 0
	}

	announced := *name
	if announced == "" {
		announced = filepath.Base(*filePath)
	}
	file, err := os.Open(*filePath)
	if err != nil {
		logger.Error("failed to open file", zap.String("path", *filePath), zap.Error(err))
		return 1
	}
	defer file.Close()

	logger.Info("sending file",
		zap.String("file", announced),
		zap.Stringer("local", local),
		zap.Stringer("remote", remote),
		zap.Bool("secure", coreConfig.Secure()))

	report, err := session.SendFile(ctx, announced, lib.NewChunkReader(file, coreConfig.MaxPayloadSize))
	if werr := shared.WriteReport(report, appConfig.StatsFile); werr != nil {
		logger.Error("failed to write report", zap.Error(werr))
	}
	if err != nil {
		logger.Error("transfer failed", zap.Error(err))
		return 1
	}
	logger.Info("file sent", zap.String("file", announced), zap.Int64("bytes", report.BytesSent))
	return 0
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/codefionn/durchlass/durchlass-srv/config"
	"github.com/codefionn/durchlass/durchlass-srv/logger"
	"github.com/codefionn/durchlass/durchlass-srv/server"
)

var version string

func main() {
	versionFlag := pflag.BoolP("version", "v", false, "Print version and exit")
	configPath := pflag.String("config", "", "Path to configuration file (.json or .hcl)")
	listenAddr := pflag.String("listen", "", "Listen address, overrides the config file")
	logLevel := pflag.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	pflag.Parse()

	if *versionFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("durchlass version:", version)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddress = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	srv := server.New(cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received signal %v, shutting down", sig)
		if err := srv.Stop(); err != nil {
			logger.Error("Error stopping server: %v", err)
		}
		<-errChan
	case err := <-errChan:
		if err != nil {
			logger.Fatal("Server error: %v", err)
		}
	}

	logger.Info("Shutdown complete")
}

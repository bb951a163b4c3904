package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittoudp/internal/logger"
	"github.com/marmos91/dittoudp/pkg/config"
	"github.com/marmos91/dittoudp/pkg/registry"
	"github.com/marmos91/dittoudp/pkg/server"
)

const usage = `DittoUDP - pipelined UDP datagram server

Usage:
  dittoudp <command> [flags]

Commands:
  init     Write a sample configuration file
  start    Start the server

Run 'dittoudp <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:])
	case "start":
		err = runStart(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to write the config file (default: "+config.GetDefaultConfigPath()+")")
	force := fs.Bool("force", false, "Overwrite an existing config file")
	_ = fs.Parse(args)

	path := *configPath
	if path == "" {
		var err error
		if path, err = config.InitConfig(*force); err != nil {
			return err
		}
	} else if err := config.InitConfigToPath(path, *force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", path)
	fmt.Println("Edit it, then run: dittoudp start")
	return nil
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("DittoUDP starting (log level %s)", cfg.Logging.Level)

	// The metrics server only starts inside Serve, after reg is assigned.
	var reg *registry.Registry
	metricsResult := config.InitializeMetrics(cfg, func() error {
		if reg == nil {
			return errors.New("registry not initialized")
		}
		return reg.Healthcheck(ctx)
	})

	reg, err = config.InitializeRegistry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize backends: %w", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn("Error closing backends: %v", err)
		}
	}()
	logger.Info("Backends: kv=%v archive=%v", reg.ListKVStores(), reg.ListArchivers())

	adapters, err := config.CreateAdapters(cfg, metricsResult)
	if err != nil {
		return fmt.Errorf("failed to create adapters: %w", err)
	}

	opts := []server.Option{server.WithStopTimeout(cfg.Server.ShutdownTimeout)}
	if metricsResult.Server != nil {
		opts = append(opts, server.WithMetricsServer(metricsResult.Server))
		logger.Info("Metrics endpoint on :%d", metricsResult.Server.Port())
	}

	srv := server.New(reg, opts...)
	for _, a := range adapters {
		if err := srv.AddAdapter(a); err != nil {
			return fmt.Errorf("failed to add %s adapter: %w", a.Protocol(), err)
		}
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case sig := <-sigChan:
		logger.Info("Received %v, initiating graceful shutdown...", sig)
		cancel()

		if err := <-serverDone; err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		logger.Info("Server stopped")
	}

	return nil
}

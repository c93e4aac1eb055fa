// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/velo/lib/config"
	"github.com/bureau-foundation/velo/lib/daemon"
	"github.com/bureau-foundation/velo/lib/metrics"
	"github.com/bureau-foundation/velo/lib/process"
	"github.com/bureau-foundation/velo/lib/service"
	"github.com/bureau-foundation/velo/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

type flags struct {
	configPath     string
	socket         string
	storeRoot      string
	metricsAddress string
	logLevel       string
	logFormat      string
	verify         bool
	showVersion    bool
}

func parseFlags(args []string) (*flags, *pflag.FlagSet, error) {
	var f flags
	flagSet := pflag.NewFlagSet("velod", pflag.ContinueOnError)
	flagSet.StringVar(&f.configPath, "config", "", "configuration file (default $"+config.EnvConfig+")")
	flagSet.StringVar(&f.socket, "socket", "", "unix socket to listen on")
	flagSet.StringVar(&f.storeRoot, "store", "", "content store root directory")
	flagSet.StringVar(&f.metricsAddress, "metrics-address", "", "serve Prometheus metrics on this TCP address")
	flagSet.StringVar(&f.logLevel, "log-level", "", "debug, info, warn, or error")
	flagSet.StringVar(&f.logFormat, "log-format", "", "json or text")
	flagSet.BoolVar(&f.verify, "verify", false, "rehash objects before reporting them to clients")
	flagSet.BoolVar(&f.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		return nil, nil, err
	}
	if flagSet.NArg() > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}
	return &f, flagSet, nil
}

// loadConfig loads the configuration and applies flag overrides.
func loadConfig(f *flags, flagSet *pflag.FlagSet) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.configPath != "" {
		cfg, err = config.LoadFile(f.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if flagSet.Changed("socket") {
		cfg.Daemon.Socket = f.socket
	}
	if flagSet.Changed("store") {
		cfg.Store.Root = f.storeRoot
	}
	if flagSet.Changed("metrics-address") {
		cfg.Daemon.MetricsAddress = f.metricsAddress
	}
	if flagSet.Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if flagSet.Changed("log-format") {
		cfg.Logging.Format = f.logFormat
	}
	if flagSet.Changed("verify") {
		cfg.Store.Verify = f.verify
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(args []string) error {
	f, flagSet, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if f.showVersion {
		fmt.Printf("velod %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(f, flagSet)
	if err != nil {
		return err
	}

	logger, err := daemon.NewLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	options, err := daemon.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	options.Logger = logger
	if cfg.Daemon.MetricsAddress != "" {
		options.Metrics = metrics.New()
	}

	d, err := daemon.New(options)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Error("closing daemon", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("velod starting",
		"version", version.Info(),
		"socket", cfg.Daemon.Socket,
		"store_root", cfg.Store.Root,
		"registry", options.RegistryDirectory,
	)

	metricsDone := make(chan error, 1)
	if options.Metrics != nil {
		server := service.NewHTTPServer(service.HTTPServerConfig{
			Address: cfg.Daemon.MetricsAddress,
			Handler: options.Metrics.Handler(),
			Logger:  logger,
		})
		// The metrics listener lives as long as the daemon, which may
		// also stop through the shutdown action.
		metricsCtx, cancelMetrics := context.WithCancel(ctx)
		defer func() {
			cancelMetrics()
			if err := <-metricsDone; err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		go func() { metricsDone <- server.Serve(metricsCtx) }()
	}

	return d.Run(ctx)
}

// regiond runs one region controller: an RPC listener on an OS-assigned
// port, and an advertiser that publishes the listener's endpoints in the
// shared registry so peer controllers can find it.
//
// Usage:
//
//	regiond --config /etc/maas/regiond.yaml [--name regiond-1] [--debug]
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/jjqq2013/maas/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "regiond: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath  string
	name        string
	dsn         string
	metricsAddr string
	debug       bool
}

func parseFlags(args []string) (*flags, error) {
	var f flags
	fs := pflag.NewFlagSet("regiond", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", "", "path to the YAML configuration file")
	fs.StringVar(&f.name, "name", "", "name to advertise under (default <hostname>:pid=<pid>)")
	fs.StringVar(&f.dsn, "database-dsn", "", "registry database DSN, overriding the configuration file")
	fs.StringVar(&f.metricsAddr, "metrics-address", "", "serve Prometheus metrics on this address")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return &f, nil
}

// loadConfig reads the configuration file, if any, and applies flag overrides.
func loadConfig(f *flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}
	if f.name != "" {
		cfg.Name = f.name
	}
	if f.dsn != "" {
		cfg.Database.DSN = f.dsn
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Address = f.metricsAddr
	}
	if cfg.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("no name configured and hostname unavailable: %w", err)
		}
		cfg.Name = fmt.Sprintf("%s:pid=%d", host, os.Getpid())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger, err := newLogger(f.debug)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logger.With(zap.String("name", cfg.Name))

	app := fx.New(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
		fx.Supply(cfg, logger),
		module,
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	sig := <-app.Wait()
	logger.Info("shutting down", zap.String("signal", sig.String()))

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()
	return app.Stop(stopCtx)
}

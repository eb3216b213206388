package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/strefethen/snapdog/internal/config"
	applog "github.com/strefethen/snapdog/internal/log"
	"github.com/strefethen/snapdog/internal/server"
	"github.com/strefethen/snapdog/internal/system"
)

func main() {
	dumpConfig := flag.Bool("dump-config", false, "print the effective configuration as YAML and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("snapdog %s (built %s)\n", system.Version, system.BuildTimestamp)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	if *dumpConfig {
		out, err := config.Dump(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dump error: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(out)
		return
	}

	applog.Configure(applog.Config{
		Level:   cfg.System.LogLevel,
		Service: cfg.System.ApplicationName,
	})
	logger := applog.Component("main")

	srv, err := server.New(&cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("server init failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	logger.Info().Str("version", system.Version).Msg("snapdog running")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	srv.Shutdown()
}

// loadmulti buffers JSON log events and bulk-loads them into MySQL with
// LOAD DATA LOCAL INFILE.
//
// Usage:
//
//	loadmulti [--config path] [--addr :24231] [--check] [--version]
//
// Flags:
//
//	--config            Path to loadmulti.yaml (default: configs/loadmulti.yaml)
//	--addr              Override server.addr from config
//	--check             Validate the config, ping MySQL and exit
//	--shutdown-timeout  Time allowed to drain the buffer on shutdown
//	--version           Print the version and exit
//
// Environment:
//
//	LOADMULTI_MYSQL_PASSWORD  MySQL password (overrides mysql.password)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ruslano69/loadmulti/pkg/config"
	"github.com/ruslano69/loadmulti/pkg/loaddata"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/loadmulti.yaml", "path to config file")
	addrOverride := flag.String("addr", "", "listen address override (e.g. :24231)")
	check := flag.Bool("check", false, "validate the config, ping MySQL and exit")
	shutdownTimeout := flag.Duration("shutdown-timeout", time.Minute, "time allowed to drain the buffer on shutdown")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("loadmulti version %s\n", version)
		return
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("config load failed")
	}
	setupLogger(cfg.Log)
	if *addrOverride != "" {
		cfg.Server.Addr = *addrOverride
	}

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *check {
		if err := runCheck(ctx, cfg); err != nil {
			log.Error().Err(err).Msg("check failed")
			os.Exit(1)
		}
		log.Info().Msg("configuration ok")
		return
	}

	a, err := newApp(ctx, cfg, loaddata.MySQLDialer{}, nil, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}

	runErr := a.run(ctx)
	stop()
	log.Info().Msg("shutting down...")

	if err := a.shutdown(*shutdownTimeout); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
	log.Info().Msg("stopped")
}

func setupLogger(cfg config.LogConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if lvl, err := cfg.ZerologLevel(); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
}

// runCheck pings the configured server with the configured credentials.
func runCheck(ctx context.Context, cfg *config.Config) error {
	opts, err := cfg.MySQL.WriterOptions()
	if err != nil {
		return err
	}
	w := loaddata.NewWriter(opts, loaddata.MySQLDialer{}, log.Logger)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := w.Ping(ctx); err != nil {
		return fmt.Errorf("mysql %s:%d: %w", cfg.MySQL.Host, cfg.MySQL.Port, err)
	}
	return nil
}

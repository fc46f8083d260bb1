package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/app"
	"github.com/dokzlo13/thermd/internal/config"
)

func main() {
	// Support both -c and --config for config path
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	checkOnly := flag.Bool("check-config", false, "Validate the configuration and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if *checkOnly {
		fmt.Print(describe(cfg))
		return
	}

	setupLogging(cfg.Log.Level, cfg.Log.JSON, cfg.Log.Colors)

	log.Info().Str("config", configPath).Str("gateway", cfg.Link.URL).Msg("Starting thermd")

	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	// Create context that cancels on shutdown signal
	ctx := app.SignalContext()

	if err := application.Start(ctx); err != nil {
		application.Stop()
		log.Fatal().Err(err).Msg("Failed to start application")
	}

	fatal := application.Wait()

	if err := application.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
	if fatal != nil {
		os.Exit(1)
	}
}

// describe summarizes a validated configuration for --check-config.
func describe(cfg *config.Config) string {
	out := fmt.Sprintf("gateway:  %s\ndatabase: %s\n", cfg.Link.URL, cfg.Database.Path)
	out += fmt.Sprintf("polling:  fast %s, slow %s, batch %d\n",
		cfg.Polling.FastInterval.Duration(), cfg.Polling.SlowInterval.Duration(), cfg.Polling.BatchSize)
	if cfg.MQTT.Enabled {
		out += fmt.Sprintf("mqtt:     %s (prefix %q)\n", cfg.MQTT.Broker, cfg.MQTT.Prefix)
	}
	for _, z := range cfg.Zones {
		out += fmt.Sprintf("zone %q: %d devices\n", z.Name, len(z.Devices))
	}
	return out
}

func setupLogging(level string, useJSON bool, colors bool) {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	if useJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !colors,
		})
	}

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/strayduy/chatzilla/internal/api"
	"github.com/strayduy/chatzilla/internal/config"
	"github.com/strayduy/chatzilla/internal/database"
	"github.com/strayduy/chatzilla/internal/server"
	"github.com/strayduy/chatzilla/internal/stats"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	defaults := database.DefaultTables()

	app := &cli.Command{
		Name:  "chatzilla",
		Usage: "Real-time room-based chat server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "server address",
				Sources: cli.EnvVars("ADDR"),
				Value:   "localhost:8000",
			},
			&cli.StringFlag{
				Name:    "store",
				Usage:   "message store (postgres, sqlite, redis)",
				Sources: cli.EnvVars("STORE"),
				Value:   config.StoreSQLite,
			},
			&cli.StringFlag{
				Name:    "database-uri",
				Usage:   "database URI, host or sqlite file path",
				Sources: cli.EnvVars("DATABASE_URI"),
				Value:   "chatzilla.db",
			},
			&cli.StringFlag{
				Name:    "database-user",
				Usage:   "database user",
				Sources: cli.EnvVars("DATABASE_USER"),
			},
			&cli.StringFlag{
				Name:    "database-password",
				Usage:   "database password",
				Sources: cli.EnvVars("DATABASE_PASSWORD"),
			},
			&cli.StringFlag{
				Name:    "database-name",
				Usage:   "database name",
				Sources: cli.EnvVars("DATABASE_NAME"),
			},
			&cli.StringFlag{
				Name:    "messages-collection",
				Usage:   "messages table or key prefix",
				Sources: cli.EnvVars("MESSAGES_COLLECTION"),
				Value:   defaults.Messages,
			},
			&cli.StringFlag{
				Name:    "rooms-collection",
				Usage:   "rooms table",
				Sources: cli.EnvVars("ROOMS_COLLECTION"),
				Value:   defaults.Rooms,
			},
			&cli.StringFlag{
				Name:    "users-collection",
				Usage:   "users table",
				Sources: cli.EnvVars("USERS_COLLECTION"),
				Value:   defaults.Users,
			},
			&cli.StringSliceFlag{
				Name:    "allowed-origins",
				Usage:   "comma-separated list of allowed origins for CORS",
				Sources: cli.EnvVars("ALLOWED_ORIGINS"),
			},
			&cli.BoolFlag{
				Name:    "enable-lookups",
				Usage:   "resolve room owners and avatars from the sql store",
				Sources: cli.EnvVars("ENABLE_LOOKUPS"),
			},
			&cli.StringFlag{
				Name:    "env",
				Usage:   "environment (development, production)",
				Sources: cli.EnvVars("ENV"),
				Value:   config.EnvProduction,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				Sources: cli.EnvVars("LOG_LEVEL"),
				Value:   "info",
			},
		},
		Action: run,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("chatzilla")
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.NewConfig(config.Params{
		ServerAddr:       cmd.String("addr"),
		Env:              cmd.String("env"),
		LogLevel:         cmd.String("log-level"),
		Store:            cmd.String("store"),
		DatabaseURI:      cmd.String("database-uri"),
		DatabaseUser:     cmd.String("database-user"),
		DatabasePassword: cmd.String("database-password"),
		DatabaseName:     cmd.String("database-name"),
		Tables: database.Tables{
			Messages: cmd.String("messages-collection"),
			Rooms:    cmd.String("rooms-collection"),
			Users:    cmd.String("users-collection"),
		},
		AllowedOrigins: cmd.StringSlice("allowed-origins"),
		EnableLookups:  cmd.Bool("enable-lookups"),
	})
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("store close")
		}
	}()
	logger.Info().Str("store", cfg.Store).Msg("store ready")

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux, logger)

	opts, err := lookupOptions(cfg, store)
	if err != nil {
		return err
	}

	chatServer, err := server.NewChatServer(logger, store, statsUpdater, opts...)
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	srv := api.NewChatApp(mux, logger, chatServer, store, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	if err := chatServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("chat server shutdown: %w", err)
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.SetGlobalLevel(cfg.LogLevel)

	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
	}

	return zerolog.New(os.Stderr).With().Timestamp().Str("service", "chatzilla").Logger()
}

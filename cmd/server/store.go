package main

import (
	"context"
	"fmt"

	"github.com/strayduy/chatzilla/internal/config"
	"github.com/strayduy/chatzilla/internal/database"
	"github.com/strayduy/chatzilla/internal/server"
)

func openStore(ctx context.Context, cfg *config.Config) (database.ChatRepository, error) {
	switch cfg.Store {
	case config.StoreRedis:
		return database.NewRedisStore(ctx, cfg.DSN, cfg.Tables)
	case config.StorePostgres, config.StoreSQLite:
		var (
			store *database.SQLStore
			err   error
		)
		if cfg.Store == config.StorePostgres {
			store, err = database.NewPostgresStore(cfg.DSN, cfg.Tables)
		} else {
			store, err = database.NewSQLiteStore(cfg.DSN, cfg.Tables)
		}
		if err != nil {
			return nil, err
		}

		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// lookupOptions backs room ownership and avatars with the sql store when
// enabled. The defaults deny ownership and have no avatars.
func lookupOptions(cfg *config.Config, store database.ChatRepository) ([]server.Option, error) {
	if !cfg.EnableLookups {
		return nil, nil
	}

	repo, ok := store.(database.LookupRepository)
	if !ok {
		return nil, fmt.Errorf("store %q does not support lookups", cfg.Store)
	}

	return []server.Option{
		server.WithRoomOwnership(server.StoreRoomOwnership{Repo: repo}),
		server.WithAvatarLookup(server.StoreAvatars{Repo: repo}),
	}, nil
}

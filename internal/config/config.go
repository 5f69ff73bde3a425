package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/strayduy/chatzilla/internal/database"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"

	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Params holds raw settings as they arrive from flags or the environment.
type Params struct {
	ServerAddr       string
	Env              string
	LogLevel         string
	Store            string
	DatabaseURI      string
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	Tables           database.Tables
	AllowedOrigins   []string
	EnableLookups    bool
}

type Config struct {
	ServerAddr     string
	Env            string
	LogLevel       zerolog.Level
	Store          string
	DSN            string
	Tables         database.Tables
	AllowedOrigins []string
	EnableLookups  bool
}

func NewConfig(p Params) (*Config, error) {
	if p.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if p.DatabaseURI == "" {
		return nil, fmt.Errorf("database URI cannot be empty")
	}
	if err := p.Tables.Validate(); err != nil {
		return nil, fmt.Errorf("collections: %w", err)
	}

	env := p.Env
	if env == "" {
		env = EnvProduction
	}
	if env != EnvDevelopment && env != EnvProduction {
		return nil, fmt.Errorf("unknown environment %q", env)
	}

	level := zerolog.InfoLevel
	if p.LogLevel != "" {
		var err error
		if level, err = zerolog.ParseLevel(p.LogLevel); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}

	dsn, err := buildDSN(p)
	if err != nil {
		return nil, err
	}

	if p.EnableLookups && p.Store == StoreRedis {
		return nil, fmt.Errorf("lookups require a sql store")
	}

	return &Config{
		ServerAddr:     p.ServerAddr,
		Env:            env,
		LogLevel:       level,
		Store:          p.Store,
		DSN:            dsn,
		Tables:         p.Tables,
		AllowedOrigins: cleanOrigins(p.AllowedOrigins),
		EnableLookups:  p.EnableLookups,
	}, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

// buildDSN turns the database settings into a connection string for the
// selected store. A bare host is accepted for the network stores.
func buildDSN(p Params) (string, error) {
	switch p.Store {
	case StoreSQLite:
		return p.DatabaseURI, nil
	case StorePostgres:
		return networkDSN(p, "postgres", func(u *url.URL) {
			if p.DatabaseName != "" {
				u.Path = "/" + p.DatabaseName
			}
			if u.RawQuery == "" && !strings.Contains(p.DatabaseURI, "://") {
				u.RawQuery = "sslmode=disable"
			}
		})
	case StoreRedis:
		return networkDSN(p, "redis", nil)
	default:
		return "", fmt.Errorf("unknown store %q", p.Store)
	}
}

func networkDSN(p Params, scheme string, adjust func(*url.URL)) (string, error) {
	raw := p.DatabaseURI
	if !strings.Contains(raw, "://") {
		raw = scheme + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse database URI: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("database URI %q has no host", p.DatabaseURI)
	}

	if u.User == nil && (p.DatabaseUser != "" || p.DatabasePassword != "") {
		if p.DatabasePassword != "" {
			u.User = url.UserPassword(p.DatabaseUser, p.DatabasePassword)
		} else {
			u.User = url.User(p.DatabaseUser)
		}
	}

	if adjust != nil {
		adjust(u)
	}

	return u.String(), nil
}

func cleanOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

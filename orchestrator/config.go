package main

import (
	"errors"
	"os"
	"strconv"
)

// Config is everything the orchestrator reads from the environment at
// startup. Nothing else in the process touches os.Getenv.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	BotToken string
	OwnerID  string

	SessionSecret     string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURL  string
	AllowOrigin       string

	ListenAddr string
	StaticDir  string
	CacheDir   string
}

// LoadConfig reads the environment. Only the bot token, database URL and
// session secret are hard requirements; everything else has a workable
// default or degrades a feature.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		BotToken:          os.Getenv("DISCORD_BOT_TOKEN"),
		OwnerID:           os.Getenv("POLLY_OWNER_ID"),
		SessionSecret:     os.Getenv("SESSION_SECRET"),
		OAuthClientID:     os.Getenv("DISCORD_CLIENT_ID"),
		OAuthClientSecret: os.Getenv("DISCORD_CLIENT_SECRET"),
		OAuthRedirectURL:  os.Getenv("OAUTH_REDIRECT_URL"),
		AllowOrigin:       os.Getenv("ALLOW_ORIGIN"),
		ListenAddr:        os.Getenv("LISTEN_ADDR"),
		StaticDir:         os.Getenv("STATIC_DIR"),
		CacheDir:          os.Getenv("CACHE_DIR"),
	}

	if cfg.BotToken == "" {
		return nil, errors.New("DISCORD_BOT_TOKEN is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.SessionSecret == "" {
		return nil, errors.New("SESSION_SECRET is required")
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.StaticDir == "" {
		cfg.StaticDir = "static"
	}
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			cfg.RedisDB = db
		}
	}
	return cfg, nil
}

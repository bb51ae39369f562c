// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Buzzline

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/buzzline/callbridge"
	"github.com/buzzline/callbridge/store"
	"github.com/buzzline/callbridge/telegram"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type envConfig struct {
	BindAddr string `env:"BIND_ADDR" envDefault:"127.0.0.1:8080"`
	APIKey   string `env:"API_KEY"`

	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"30s"`
	LivenessTimeout  time.Duration `env:"LIVENESS_TIMEOUT" envDefault:"60s"`
	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	StopGrace        time.Duration `env:"STOP_GRACE" envDefault:"2s"`

	RelayBuffer    int    `env:"RELAY_BUFFER" envDefault:"128"`
	DropPolicy     string `env:"DROP_POLICY" envDefault:"oldest"`
	TakeoverPolicy string `env:"TAKEOVER_POLICY" envDefault:"reject"`

	AdminClose   bool   `env:"ADMIN_CLOSE" envDefault:"false"`
	RecordingDir string `env:"RECORDING_DIR"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	RedisTTL      time.Duration `env:"REDIS_TTL" envDefault:"24h"`

	TelegramToken  string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID string `env:"TELEGRAM_CHAT_ID"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	// The library logs through slog. Keep its level in sync.
	var slev slog.Level
	if err := slev.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err == nil {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slev})))
	}

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Bridge finished with error")
	}
}

func loadConfig() (*envConfig, error) {
	if envfile := os.Getenv("ENV_FILE"); envfile != "" {
		if err := godotenv.Load(envfile); err != nil {
			return nil, err
		}
	} else {
		// Missing .env is fine, the environment may be set directly.
		godotenv.Load()
	}

	cfg := new(envConfig)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := []callbridge.Option{
		callbridge.WithConfig(callbridge.Config{
			BindAddr:         cfg.BindAddr,
			APIKey:           cfg.APIKey,
			HandshakeTimeout: cfg.HandshakeTimeout,
			LivenessTimeout:  cfg.LivenessTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			StopGrace:        cfg.StopGrace,
			RelayBufferSize:  cfg.RelayBuffer,
			DropPolicy:       dropPolicy(cfg.DropPolicy),
			TakeoverPolicy:   takeoverPolicy(cfg.TakeoverPolicy),
			EnableAdminClose: cfg.AdminClose,
		}),
	}

	if cfg.RedisAddr != "" {
		st, err := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		if err != nil {
			return err
		}
		defer st.Close()
		opts = append(opts, callbridge.WithStore(st))
	}

	if cfg.TelegramToken != "" {
		opts = append(opts, callbridge.WithNotifier(telegram.NewNotifier(cfg.TelegramToken, cfg.TelegramChatID)))
	}

	if cfg.RecordingDir != "" {
		if err := os.MkdirAll(cfg.RecordingDir, 0o755); err != nil {
			return err
		}
		opts = append(opts, callbridge.WithRecordingDir(cfg.RecordingDir))
	}

	bridge := callbridge.New(opts...)

	log.Info().Str("addr", cfg.BindAddr).Msg("Serving calls")
	return bridge.Serve(ctx)
}

func dropPolicy(s string) callbridge.DropPolicy {
	if s == "newest" {
		return callbridge.DropNewest
	}
	return callbridge.DropOldest
}

func takeoverPolicy(s string) callbridge.TakeoverPolicy {
	if s == "replace" {
		return callbridge.TakeoverReplace
	}
	return callbridge.TakeoverReject
}

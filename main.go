package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/AlphafromZion/matrix-agent-room/backend"
	"github.com/AlphafromZion/matrix-agent-room/bot"
	"github.com/AlphafromZion/matrix-agent-room/config"
	"github.com/AlphafromZion/matrix-agent-room/history"
	"github.com/AlphafromZion/matrix-agent-room/mention"
	"github.com/AlphafromZion/matrix-agent-room/ratelimit"
	"github.com/AlphafromZion/matrix-agent-room/store"
	"github.com/AlphafromZion/matrix-agent-room/transport"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()})))

	// Local .env is optional; real deployments inject the environment.
	godotenv.Load()

	flags := LoadFlags()

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		slog.Error("config load failed", "path", flags.ConfigPath, "err", err)
		os.Exit(1)
	}

	personas, rejected, err := cfg.Validate()
	if err != nil {
		slog.Error("config invalid", "err", err)
		os.Exit(1)
	}
	for _, rerr := range rejected {
		slog.Error("persona rejected", "err", rerr)
	}
	if len(personas) == 0 {
		slog.Error("no persona passed validation")
		os.Exit(1)
	}

	db, err := store.Open(flags.DBPath)
	if err != nil {
		slog.Error("failed to open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	policy := backend.RetryPolicy{
		Retries: *cfg.Global.Retries,
		Backoff: cfg.Global.RetryBackoff.Std(),
		Timeout: cfg.Global.RequestTimeout.Std(),
	}

	backends := make(map[string]backend.Backend)
	for name, bc := range cfg.Backends {
		backends[name] = buildBackend(name, bc, policy)
	}
	checkHealth(backends)

	keys := make([]mention.Key, 0, len(personas))
	for _, p := range personas {
		keys = append(keys, mention.Key{Name: p.Name, User: p.User})
	}
	resolver := mention.New(keys)

	limiter := ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.Refill)
	windows := history.NewStore(cfg.Global.Window)
	dispatcher := bot.NewDispatcher(limiter, windows, cfg.RateLimit.Notify)

	sessions := make([]*bot.Session, 0, len(personas))
	for _, pc := range personas {
		p := &bot.Persona{
			Name:         pc.Name,
			DisplayName:  pc.DisplayName,
			User:         pc.User,
			SystemPrompt: pc.SystemPrompt,
			Params: backend.Params{
				MaxTokens:   pc.MaxTokens,
				Temperature: *pc.Temperature,
			},
			Backend: backends[pc.Backend],
		}

		url, user, token := cfg.Homeserver.URL, pc.User, pc.Token
		dial := func() bot.Transport {
			return transport.NewClient(url, user, token, cfg.Global.RequestTimeout.Std())
		}

		sessions = append(sessions, bot.NewSession(
			p, dial, dispatcher, resolver, db,
			cfg.Triggers.MaxAge.Std(), cfg.Global.Window))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("matrix-agent-room starting",
		"homeserver", cfg.Homeserver.URL,
		"personas", len(sessions),
		"backends", len(backends))

	runner := bot.NewRunner(dispatcher, sessions)
	if err := runner.Run(ctx); err != nil {
		slog.Error("runner failed", "err", err)
		os.Exit(1)
	}
}

func buildBackend(name string, bc config.Backend, policy backend.RetryPolicy) backend.Backend {
	switch bc.Kind {
	case "ollama":
		return backend.NewOllama(name, bc.URL, bc.Model, policy)
	default:
		return backend.NewOpenAI(name, bc.URL, bc.APIKey, bc.Model, policy)
	}
}

func checkHealth(backends map[string]backend.Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for name, b := range backends {
		if !b.Healthy(ctx) {
			slog.Warn("backend unreachable at startup", "backend", name)
		}
	}
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("AGENTROOM_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

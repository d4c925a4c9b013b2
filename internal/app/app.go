// Package app assembles the runtime shared by the serve and socket
// commands: record store, conversation history, router, assistant client,
// and dispatcher, all configured from viper.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/scrumlead/scrumlead/internal/chathistory"
	"github.com/scrumlead/scrumlead/internal/dispatch"
	"github.com/scrumlead/scrumlead/internal/idempotency"
	"github.com/scrumlead/scrumlead/internal/llmconfig"
	"github.com/scrumlead/scrumlead/internal/persona"
	"github.com/scrumlead/scrumlead/internal/router"
	"github.com/scrumlead/scrumlead/internal/slackapi"
	"github.com/scrumlead/scrumlead/internal/store"
)

const sweepInterval = 1 * time.Minute

type App struct {
	Logger     *slog.Logger
	Slack      *slackapi.Client
	Records    store.Store
	History    *chathistory.Store
	Dedup      *idempotency.Window
	Router     *router.Router
	Dispatcher *dispatch.Dispatcher
}

// Build wires the full runtime from viper configuration. The returned App
// owns the record store and dispatcher; call Close when done.
func Build(ctx context.Context, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	botToken := strings.TrimSpace(viper.GetString("slack.bot_token"))
	if botToken == "" {
		return nil, fmt.Errorf("missing slack.bot_token (set via config or SCRUMLEAD_SLACK_BOT_TOKEN)")
	}
	slackClient, err := slackapi.NewClient(slackapi.Options{BotToken: botToken})
	if err != nil {
		return nil, err
	}

	records, err := store.NewSQLiteStore(viper.GetString("db.dsn"))
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}

	p, err := persona.Load(viper.GetString("persona.file"))
	if err != nil {
		records.Close()
		return nil, err
	}

	llmCfg := llmconfig.FromViper()
	client, err := llmconfig.NewClient(ctx, llmCfg)
	if err != nil {
		records.Close()
		return nil, err
	}

	maxTurns := viper.GetInt("history.max_turns")
	if maxTurns <= 0 {
		maxTurns = chathistory.DefaultMaxTurns
	}
	idleTTL := viper.GetDuration("history.idle_ttl")
	if idleTTL <= 0 {
		idleTTL = 6 * time.Hour
	}
	history := chathistory.NewStore(chathistory.StoreOptions{MaxTurns: maxTurns, IdleTTL: idleTTL})

	dedupWindow := viper.GetDuration("dedup.window")
	if dedupWindow <= 0 {
		dedupWindow = 3 * time.Minute
	}
	dedup := idempotency.NewWindow(dedupWindow, nil)

	rt := router.New(router.Options{InteractionTTL: viper.GetDuration("interaction.ttl")})

	dispatcher, err := dispatch.New(dispatch.Options{
		LLM:            client,
		Model:          llmCfg.Model,
		MaxTokens:      llmCfg.MaxTokens,
		Temperature:    llmCfg.Temperature,
		Persona:        p,
		History:        history,
		Records:        records,
		Messenger:      slackClient,
		Logger:         logger,
		RequestTimeout: llmCfg.RequestTimeout,
		MaxConcurrency: viper.GetInt("dispatch.max_concurrency"),
	})
	if err != nil {
		records.Close()
		return nil, err
	}

	logger.Info("app_ready",
		"llm_provider", llmCfg.Provider,
		"llm_model", llmCfg.Model,
		"history_max_turns", maxTurns,
		"dedup_window", dedupWindow.String(),
	)

	return &App{
		Logger:     logger,
		Slack:      slackClient,
		Records:    records,
		History:    history,
		Dedup:      dedup,
		Router:     rt,
		Dispatcher: dispatcher,
	}, nil
}

// StartHousekeeping evicts idle conversations and expired tokens until ctx
// is canceled.
func (a *App) StartHousekeeping(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				evicted := a.History.EvictIdle()
				swept := a.Dedup.Sweep() + a.Router.SweepPending()
				if evicted > 0 || swept > 0 {
					a.Logger.Debug("housekeeping_sweep", "conversations_evicted", evicted, "entries_swept", swept)
				}
			}
		}
	}()
}

// Close drains in-flight jobs and releases the record store.
func (a *App) Close() {
	a.Dispatcher.Close()
	if err := a.Records.Close(); err != nil {
		a.Logger.Error("record_store_close_failed", "error", err)
	}
}

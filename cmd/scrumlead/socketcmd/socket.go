// Package socketcmd runs the assistant over Socket Mode, for deployments
// without a public HTTPS endpoint. Envelopes are acknowledged on the
// websocket immediately; everything slow still goes through the
// dispatcher.
package socketcmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scrumlead/scrumlead/internal/app"
	"github.com/scrumlead/scrumlead/internal/idempotency"
	"github.com/scrumlead/scrumlead/internal/ingest"
	"github.com/scrumlead/scrumlead/internal/router"
	"github.com/scrumlead/scrumlead/internal/webhook"
)

type socketEnvelope struct {
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Type       string          `json:"type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func New(loggerFromViper func() (*slog.Logger, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "socket",
		Short: "Run over Slack Socket Mode (no public endpoint needed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := loggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			appToken := strings.TrimSpace(viper.GetString("slack.app_token"))
			if appToken == "" {
				return fmt.Errorf("missing slack.app_token (set via config or SCRUMLEAD_SLACK_APP_TOKEN)")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			a.StartHousekeeping(ctx)

			identity, err := a.Slack.AuthTest(ctx)
			if err != nil {
				return err
			}
			a.Router.SetSelfUserID(identity.BotUserID)
			logger.Info("socket_start", "bot_user_id", identity.BotUserID, "team", identity.Team)

			api := newSocketAPI(nil, "", appToken)
			h := &socketHandler{
				dedup:      a.Dedup,
				router:     a.Router,
				dispatcher: a.Dispatcher,
				logger:     logger,
			}

			for {
				if ctx.Err() != nil {
					logger.Info("socket_stop", "reason", "context_canceled")
					return nil
				}
				conn, err := api.connectSocket(ctx)
				if err != nil {
					if ctx.Err() != nil {
						logger.Info("socket_stop", "reason", "context_canceled")
						return nil
					}
					logger.Warn("socket_connect_error", "error", err.Error())
					if err := sleepWithContext(ctx, 2*time.Second); err != nil {
						return nil
					}
					continue
				}
				logger.Info("socket_connected")
				readErr := consumeSocket(ctx, conn, h.handle)
				_ = conn.Close()
				if ctx.Err() != nil {
					logger.Info("socket_stop", "reason", "context_canceled")
					return nil
				}
				if readErr != nil && !errors.Is(readErr, context.Canceled) {
					logger.Warn("socket_read_error", "error", readErr.Error())
				}
			}
		},
	}
	return cmd
}

// consumeSocket reads envelopes until the connection breaks. Each envelope
// is acknowledged with the payload the handler returns (nil means a bare
// ack), before the next read.
func consumeSocket(ctx context.Context, conn *websocket.Conn, onEnvelope func(envelope socketEnvelope) any) error {
	if conn == nil {
		return fmt.Errorf("slack websocket connection is nil")
	}
	for {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var envelope socketEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}
		var ackPayload any
		if onEnvelope != nil {
			ackPayload = onEnvelope(envelope)
		}
		if strings.TrimSpace(envelope.EnvelopeID) != "" {
			ack := map[string]any{"envelope_id": envelope.EnvelopeID}
			if ackPayload != nil {
				ack["payload"] = ackPayload
			}
			if err := conn.WriteJSON(ack); err != nil {
				return err
			}
		}
		if envelope.Type == "disconnect" {
			return fmt.Errorf("server requested disconnect")
		}
	}
}

type socketHandler struct {
	dedup      *idempotency.Window
	router     *router.Router
	dispatcher webhook.Enqueuer
	logger     *slog.Logger
}

// handle classifies one envelope and enqueues deferred work. The returned
// value rides on the websocket ack (usage hints for slash commands);
// everything else is delivered later via the Web API.
func (h *socketHandler) handle(envelope socketEnvelope) any {
	switch envelope.Type {
	case "events_api":
		ev, ok, err := ingest.ParseEventCallback(envelope.Payload, time.Now().UTC())
		if err != nil {
			h.logger.Warn("socket_event_parse_error", "error", err.Error())
			return nil
		}
		if !ok {
			return nil
		}
		h.route(ev, false)
		return nil

	case "slash_commands":
		ev, err := parseSocketCommand(envelope.Payload)
		if err != nil {
			h.logger.Warn("socket_command_parse_error", "error", err.Error())
			return nil
		}
		return h.route(ev, true)

	case "interactive":
		ev, ok, err := ingest.ParseInteraction(envelope.Payload, time.Now().UTC())
		if err != nil {
			h.logger.Warn("socket_interaction_parse_error", "error", err.Error())
			return nil
		}
		if !ok {
			return nil
		}
		h.route(ev, false)
		return nil

	default:
		return nil
	}
}

// route runs the fast phase for one event. With wantAck set, ack text is
// returned as an ephemeral command response payload.
func (h *socketHandler) route(ev ingest.Event, wantAck bool) any {
	if !h.dedup.Acquire(ev.DeliveryID) {
		h.logger.Info("duplicate_delivery", "delivery_id", ev.DeliveryID, "kind", string(ev.Kind))
		return nil
	}
	action, err := h.router.Route(ev)
	switch {
	case errors.Is(err, router.ErrUnknownCommand):
		h.logger.Info("unknown_command", "command", ev.Command, "user_id", ev.UserID)
		if wantAck {
			return ephemeral("Unknown command. Try `/standup`, `/retrospective`, `/sprint-planning`, or `/estimate`.")
		}
		return nil
	case errors.Is(err, router.ErrStaleInteraction):
		h.logger.Warn("stale_interaction", "delivery_id", ev.DeliveryID)
		return map[string]any{
			"response_action": "update",
			"view":            router.ExpiredFormView(),
		}
	case err != nil:
		h.logger.Error("route_failed", "kind", string(ev.Kind), "error", err.Error())
		return nil
	}

	if action.Job != nil {
		if err := h.dispatcher.Enqueue(*action.Job); err != nil {
			h.logger.Error("enqueue_failed", "conversation", ev.ConversationKey(), "error", err.Error())
			if wantAck {
				return ephemeral("I'm handling too much in this conversation right now. Please try again in a moment.")
			}
			return nil
		}
	}
	if wantAck && action.Ack != "" {
		return ephemeral(action.Ack)
	}
	return nil
}

func ephemeral(text string) map[string]string {
	return map[string]string{"response_type": "ephemeral", "text": text}
}

// socketCommand is the slash command shape Socket Mode delivers: the same
// fields as the HTTP form post, as a JSON object.
type socketCommand struct {
	Command     string `json:"command"`
	Text        string `json:"text"`
	TriggerID   string `json:"trigger_id"`
	TeamID      string `json:"team_id"`
	ChannelID   string `json:"channel_id"`
	UserID      string `json:"user_id"`
	ResponseURL string `json:"response_url"`
}

func parseSocketCommand(payload []byte) (ingest.Event, error) {
	var c socketCommand
	if err := json.Unmarshal(payload, &c); err != nil {
		return ingest.Event{}, fmt.Errorf("invalid slash command payload: %w", err)
	}
	values := url.Values{}
	values.Set("command", c.Command)
	values.Set("text", c.Text)
	values.Set("trigger_id", c.TriggerID)
	values.Set("team_id", c.TeamID)
	values.Set("channel_id", c.ChannelID)
	values.Set("user_id", c.UserID)
	values.Set("response_url", c.ResponseURL)
	return ingest.ParseSlashCommand(values, time.Now().UTC())
}

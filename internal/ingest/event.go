// Package ingest normalizes the chat platform's three webhook payload
// shapes (Events API JSON, url-encoded slash commands, interaction
// payloads) into one inbound event union consumed by the router.
package ingest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Kind string

const (
	KindMessage           Kind = "message"
	KindMention           Kind = "mention"
	KindSlashCommand      Kind = "slash_command"
	KindInteractionSubmit Kind = "interaction_submit"
)

// Event is the normalized inbound event. DeliveryID identifies one
// delivery attempt, not one logical event: the platform reuses it when it
// redelivers after a slow acknowledgment.
type Event struct {
	Kind        Kind
	DeliveryID  string
	TeamID      string
	ChannelID   string
	UserID      string
	Text        string
	ThreadTS    string
	Command     string            // slash commands, without the leading slash
	TriggerID   string            // slash commands and interactions
	ResponseURL string            // slash commands
	CallbackID  string            // interactions
	Token       string            // interaction correlation token
	Fields      map[string]string // interaction form values, keyed by block id
	ReceivedAt  time.Time
}

// ConversationKey scopes the rolling dialogue history to one channel of
// one workspace.
func (e Event) ConversationKey() string {
	return "slack:" + e.TeamID + ":" + e.ChannelID
}

type eventsEnvelope struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	TeamID    string          `json:"team_id"`
	EventID   string          `json:"event_id"`
	EventTime int64           `json:"event_time"`
	Event     json.RawMessage `json:"event"`
}

type innerEvent struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype"`
	User        string `json:"user"`
	Text        string `json:"text"`
	Channel     string `json:"channel"`
	ChannelType string `json:"channel_type"`
	TS          string `json:"ts"`
	ThreadTS    string `json:"thread_ts"`
	BotID       string `json:"bot_id"`
	Team        string `json:"team"`
}

// Challenge extracts the URL-verification challenge the platform sends
// during endpoint setup.
func Challenge(body []byte) (string, bool) {
	var env eventsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", false
	}
	if env.Type != "url_verification" {
		return "", false
	}
	return env.Challenge, true
}

// ParseEventCallback normalizes an Events API callback. ok=false means the
// payload is valid but not routable: bot-authored (self-reply loop guard),
// a message subtype, a non-DM plain message, or an event type outside the
// subscription. Bot-authored events are dropped here so nothing downstream
// ever sees them.
func ParseEventCallback(body []byte, now time.Time) (Event, bool, error) {
	var env eventsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, false, fmt.Errorf("invalid event payload: %w", err)
	}
	if env.Type != "event_callback" || len(env.Event) == 0 {
		return Event{}, false, nil
	}
	var inner innerEvent
	if err := json.Unmarshal(env.Event, &inner); err != nil {
		return Event{}, false, fmt.Errorf("invalid inner event: %w", err)
	}
	if strings.TrimSpace(inner.BotID) != "" || strings.TrimSpace(inner.Subtype) != "" {
		return Event{}, false, nil
	}

	var kind Kind
	switch strings.TrimSpace(inner.Type) {
	case "app_mention":
		kind = KindMention
	case "message":
		// Plain messages are routed only as direct messages; channel
		// chatter without a mention is not addressed to the assistant.
		if strings.TrimSpace(inner.ChannelType) != "im" {
			return Event{}, false, nil
		}
		kind = KindMessage
	default:
		return Event{}, false, nil
	}

	userID := strings.TrimSpace(inner.User)
	channelID := strings.TrimSpace(inner.Channel)
	text := strings.TrimSpace(inner.Text)
	if userID == "" || channelID == "" || text == "" {
		return Event{}, false, nil
	}
	teamID := strings.TrimSpace(env.TeamID)
	if teamID == "" {
		teamID = strings.TrimSpace(inner.Team)
	}
	if teamID == "" {
		return Event{}, false, fmt.Errorf("missing team_id in event callback")
	}
	deliveryID := strings.TrimSpace(env.EventID)
	if deliveryID == "" {
		return Event{}, false, fmt.Errorf("missing event_id in event callback")
	}
	receivedAt := now
	if env.EventTime > 0 {
		receivedAt = time.Unix(env.EventTime, 0).UTC()
	}

	return Event{
		Kind:       kind,
		DeliveryID: deliveryID,
		TeamID:     teamID,
		ChannelID:  channelID,
		UserID:     userID,
		Text:       text,
		ThreadTS:   strings.TrimSpace(inner.ThreadTS),
		ReceivedAt: receivedAt,
	}, true, nil
}

// ParseSlashCommand normalizes a url-encoded slash command invocation.
func ParseSlashCommand(values url.Values, now time.Time) (Event, error) {
	command := strings.TrimSpace(values.Get("command"))
	if command == "" {
		return Event{}, fmt.Errorf("command is required")
	}
	triggerID := strings.TrimSpace(values.Get("trigger_id"))
	if triggerID == "" {
		return Event{}, fmt.Errorf("trigger_id is required")
	}
	teamID := strings.TrimSpace(values.Get("team_id"))
	if teamID == "" {
		return Event{}, fmt.Errorf("team_id is required")
	}
	channelID := strings.TrimSpace(values.Get("channel_id"))
	if channelID == "" {
		return Event{}, fmt.Errorf("channel_id is required")
	}
	userID := strings.TrimSpace(values.Get("user_id"))
	if userID == "" {
		return Event{}, fmt.Errorf("user_id is required")
	}
	return Event{
		Kind:        KindSlashCommand,
		DeliveryID:  triggerID,
		TeamID:      teamID,
		ChannelID:   channelID,
		UserID:      userID,
		Text:        strings.TrimSpace(values.Get("text")),
		Command:     strings.TrimPrefix(command, "/"),
		TriggerID:   triggerID,
		ResponseURL: strings.TrimSpace(values.Get("response_url")),
		ReceivedAt:  now,
	}, nil
}

type interactionPayload struct {
	Type      string `json:"type"`
	TriggerID string `json:"trigger_id"`
	Team      struct {
		ID string `json:"id"`
	} `json:"team"`
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	View struct {
		CallbackID      string `json:"callback_id"`
		PrivateMetadata string `json:"private_metadata"`
		State           struct {
			Values map[string]map[string]struct {
				Value string `json:"value"`
			} `json:"values"`
		} `json:"state"`
	} `json:"view"`
}

// privateMetadata carries the correlation token and originating channel
// from the opened form back through the submission.
type privateMetadata struct {
	Token     string `json:"token"`
	ChannelID string `json:"channel_id"`
}

// EncodePrivateMetadata packs the correlation token and channel into the
// view's private_metadata field.
func EncodePrivateMetadata(token, channelID string) string {
	raw, _ := json.Marshal(privateMetadata{Token: token, ChannelID: channelID})
	return string(raw)
}

// ParseInteraction normalizes an interaction payload. ok=false means a
// non-submission interaction (block actions and the like) that needs only
// an acknowledgment.
func ParseInteraction(payload []byte, now time.Time) (Event, bool, error) {
	var p interactionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Event{}, false, fmt.Errorf("invalid interaction payload: %w", err)
	}
	if p.Type != "view_submission" {
		return Event{}, false, nil
	}
	teamID := strings.TrimSpace(p.Team.ID)
	if teamID == "" {
		return Event{}, false, fmt.Errorf("team id is required")
	}
	userID := strings.TrimSpace(p.User.ID)
	if userID == "" {
		return Event{}, false, fmt.Errorf("user id is required")
	}
	triggerID := strings.TrimSpace(p.TriggerID)
	if triggerID == "" {
		return Event{}, false, fmt.Errorf("trigger_id is required")
	}

	var meta privateMetadata
	if raw := strings.TrimSpace(p.View.PrivateMetadata); raw != "" {
		// Tolerate foreign metadata; an unknown token is rejected later as
		// a stale interaction rather than a parse failure.
		_ = json.Unmarshal([]byte(raw), &meta)
	}

	fields := make(map[string]string, len(p.View.State.Values))
	for blockID, actions := range p.View.State.Values {
		for _, action := range actions {
			if value := strings.TrimSpace(action.Value); value != "" {
				fields[blockID] = value
			}
		}
	}

	return Event{
		Kind:       KindInteractionSubmit,
		DeliveryID: triggerID,
		TeamID:     teamID,
		ChannelID:  strings.TrimSpace(meta.ChannelID),
		UserID:     userID,
		TriggerID:  triggerID,
		CallbackID: strings.TrimSpace(p.View.CallbackID),
		Token:      strings.TrimSpace(meta.Token),
		Fields:     fields,
		ReceivedAt: now,
	}, true, nil
}

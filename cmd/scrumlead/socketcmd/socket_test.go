package socketcmd

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/scrumlead/scrumlead/internal/idempotency"
	"github.com/scrumlead/scrumlead/internal/ingest"
	"github.com/scrumlead/scrumlead/internal/router"
)

type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []router.Job
}

func (c *captureEnqueuer) Enqueue(job router.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
	return nil
}

func (c *captureEnqueuer) Jobs() []router.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]router.Job(nil), c.jobs...)
}

func newTestHandler() (*socketHandler, *captureEnqueuer) {
	enqueue := &captureEnqueuer{}
	h := &socketHandler{
		dedup:      idempotency.NewWindow(3*time.Minute, nil),
		router:     router.New(router.Options{}),
		dispatcher: enqueue,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return h, enqueue
}

func envelope(typ, id string, payload any) socketEnvelope {
	raw, _ := json.Marshal(payload)
	return socketEnvelope{EnvelopeID: id, Type: typ, Payload: raw}
}

func TestHandleEventsAPIEnqueues(t *testing.T) {
	t.Parallel()

	h, enqueue := newTestHandler()
	ack := h.handle(envelope("events_api", "env-1", map[string]any{
		"type":     "event_callback",
		"team_id":  "T1",
		"event_id": "Ev1",
		"event": map[string]any{
			"type": "app_mention", "user": "U1", "channel": "C1",
			"text": "<@UBOT> what is a good sprint length?", "ts": "1.0",
		},
	}))
	if ack != nil {
		t.Fatalf("ack payload = %v, events want a bare ack", ack)
	}
	jobs := enqueue.Jobs()
	if len(jobs) != 1 || jobs[0].Prompt != "what is a good sprint length?" {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestHandleDuplicateEnvelope(t *testing.T) {
	t.Parallel()

	h, enqueue := newTestHandler()
	payload := map[string]any{
		"type": "event_callback", "team_id": "T1", "event_id": "Ev-dup",
		"event": map[string]any{
			"type": "app_mention", "user": "U1", "channel": "C1", "text": "<@UBOT> hi", "ts": "1.0",
		},
	}
	h.handle(envelope("events_api", "env-1", payload))
	h.handle(envelope("events_api", "env-2", payload))
	if got := len(enqueue.Jobs()); got != 1 {
		t.Fatalf("jobs = %d, want 1 despite redelivery", got)
	}
}

func TestHandleSlashCommandUsageHintInAck(t *testing.T) {
	t.Parallel()

	h, enqueue := newTestHandler()
	ack := h.handle(envelope("slash_commands", "env-1", map[string]string{
		"command": "/estimate", "text": "", "trigger_id": "trig-1",
		"team_id": "T1", "channel_id": "C1", "user_id": "U1",
	}))
	payload, ok := ack.(map[string]string)
	if !ok || payload["response_type"] != "ephemeral" {
		t.Fatalf("ack = %v, want ephemeral usage hint", ack)
	}
	if len(enqueue.Jobs()) != 0 {
		t.Fatal("usage hint must not enqueue work")
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	t.Parallel()

	h, enqueue := newTestHandler()
	ack := h.handle(envelope("slash_commands", "env-1", map[string]string{
		"command": "/deploy", "text": "prod", "trigger_id": "trig-2",
		"team_id": "T1", "channel_id": "C1", "user_id": "U1",
	}))
	payload, ok := ack.(map[string]string)
	if !ok || payload["response_type"] != "ephemeral" {
		t.Fatalf("ack = %v", ack)
	}
	if len(enqueue.Jobs()) != 0 {
		t.Fatal("unknown command must not enqueue work")
	}
}

func TestHandleStandupCommandEnqueuesForm(t *testing.T) {
	t.Parallel()

	h, enqueue := newTestHandler()
	ack := h.handle(envelope("slash_commands", "env-1", map[string]string{
		"command": "/standup", "text": "", "trigger_id": "trig-3",
		"team_id": "T1", "channel_id": "C1", "user_id": "U1",
	}))
	if ack != nil {
		t.Fatalf("ack = %v, form open needs no payload", ack)
	}
	jobs := enqueue.Jobs()
	if len(jobs) != 1 || jobs[0].OpenForm == nil {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestHandleInteractiveStaleToken(t *testing.T) {
	t.Parallel()

	h, enqueue := newTestHandler()
	ack := h.handle(envelope("interactive", "env-1", map[string]any{
		"type": "view_submission", "trigger_id": "trig-4",
		"team": map[string]string{"id": "T1"},
		"user": map[string]string{"id": "U1"},
		"view": map[string]any{
			"callback_id":      "standup_form",
			"private_metadata": ingest.EncodePrivateMetadata("never-issued", "C1"),
			"state":            map[string]any{"values": map[string]any{}},
		},
	}))
	payload, ok := ack.(map[string]any)
	if !ok || payload["response_action"] != "update" {
		t.Fatalf("ack = %v, want expired-form view update", ack)
	}
	if len(enqueue.Jobs()) != 0 {
		t.Fatal("stale submission must not enqueue work")
	}
}

func TestHandleIgnoresHello(t *testing.T) {
	t.Parallel()

	h, enqueue := newTestHandler()
	if ack := h.handle(socketEnvelope{Type: "hello"}); ack != nil {
		t.Fatalf("ack = %v", ack)
	}
	if len(enqueue.Jobs()) != 0 {
		t.Fatal("hello must not enqueue work")
	}
}

func TestParseSocketCommand(t *testing.T) {
	t.Parallel()

	raw, _ := json.Marshal(map[string]string{
		"command": "/sprint-planning", "text": "start Sprint 7", "trigger_id": "trig-9",
		"team_id": "T1", "channel_id": "C1", "user_id": "U1",
	})
	ev, err := parseSocketCommand(raw)
	if err != nil {
		t.Fatalf("parseSocketCommand() error = %v", err)
	}
	if ev.Command != "sprint-planning" || ev.Text != "start Sprint 7" || ev.DeliveryID != "trig-9" {
		t.Fatalf("event = %+v", ev)
	}

	if _, err := parseSocketCommand([]byte(`{"command": ""}`)); err == nil {
		t.Fatal("parseSocketCommand() expected error for missing fields")
	}
}

package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scrumlead/scrumlead/internal/idempotency"
	"github.com/scrumlead/scrumlead/internal/ingest"
	"github.com/scrumlead/scrumlead/internal/router"
	"github.com/scrumlead/scrumlead/internal/signature"
)

const testSecret = "8f742231b10e8888abcd99yyyzzz85a5"

type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []router.Job
	err  error
}

func (c *captureEnqueuer) Enqueue(job router.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.jobs = append(c.jobs, job)
	return nil
}

func (c *captureEnqueuer) Jobs() []router.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]router.Job(nil), c.jobs...)
}

type fixture struct {
	mux      *http.ServeMux
	verifier *signature.Verifier
	enqueue  *captureEnqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	verifier, err := signature.NewVerifier(testSecret, signature.Options{})
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	enqueue := &captureEnqueuer{}
	mux := http.NewServeMux()
	RegisterRoutes(mux, RoutesOptions{
		Verifier:      verifier,
		Dedup:         idempotency.NewWindow(3*time.Minute, nil),
		Router:        router.New(router.Options{}),
		Dispatcher:    enqueue,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		HealthEnabled: true,
	})
	return &fixture{mux: mux, verifier: verifier, enqueue: enqueue}
}

func (f *fixture) signedRequest(t *testing.T, path, body string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", f.verifier.Sign(ts, []byte(body)))
	return req
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func eventBody(eventID, text string) string {
	return fmt.Sprintf(`{
		"type": "event_callback",
		"team_id": "T1",
		"event_id": %q,
		"event_time": 1700000000,
		"event": {"type": "app_mention", "user": "U1", "channel": "C1", "text": %q, "ts": "1.0"}
	}`, eventID, text)
}

func commandBody(command, text, triggerID string) string {
	v := url.Values{}
	v.Set("command", command)
	v.Set("text", text)
	v.Set("trigger_id", triggerID)
	v.Set("team_id", "T1")
	v.Set("channel_id", "C1")
	v.Set("user_id", "U1")
	return v.Encode()
}

func TestEventsRejectsBadSignature(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	body := eventBody("Ev1", "<@UBOT> hello")
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0=deadbeef")

	rec := f.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(f.enqueue.Jobs()) != 0 {
		t.Fatal("nothing should be enqueued for an unsigned request")
	}
}

func TestEventsChallenge(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	body := `{"type": "url_verification", "challenge": "ch-42"}`
	rec := f.do(f.signedRequest(t, "/slack/events", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["challenge"] != "ch-42" {
		t.Fatalf("challenge = %q", out["challenge"])
	}
}

func TestEventsAcksBeforeDispatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(f.signedRequest(t, "/slack/events", eventBody("Ev1", "<@UBOT> plan the sprint")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	jobs := f.enqueue.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if jobs[0].Prompt != "plan the sprint" {
		t.Fatalf("job prompt = %q", jobs[0].Prompt)
	}
}

func TestEventsDuplicateDeliverySuppressed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	body := eventBody("Ev-dup", "<@UBOT> hello")
	if rec := f.do(f.signedRequest(t, "/slack/events", body)); rec.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d", rec.Code)
	}
	if rec := f.do(f.signedRequest(t, "/slack/events", body)); rec.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d, duplicates still get a clean ack", rec.Code)
	}
	if got := len(f.enqueue.Jobs()); got != 1 {
		t.Fatalf("jobs = %d, want 1 despite redelivery", got)
	}
}

func TestEventsIgnoresBotMessages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	body := `{
		"type": "event_callback", "team_id": "T1", "event_id": "Ev-bot",
		"event": {"type": "message", "channel_type": "im", "bot_id": "B1", "user": "U9", "channel": "D1", "text": "hi"}
	}`
	rec := f.do(f.signedRequest(t, "/slack/events", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(f.enqueue.Jobs()) != 0 {
		t.Fatal("bot events must not reach the dispatcher")
	}
}

func TestCommandsUnknownGetsEphemeralHint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(f.signedRequest(t, "/slack/commands", commandBody("/deploy", "prod", "trig-1")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["response_type"] != "ephemeral" || !strings.Contains(out["text"], "Unknown command") {
		t.Fatalf("response = %v", out)
	}
	if len(f.enqueue.Jobs()) != 0 {
		t.Fatal("unknown command must not enqueue work")
	}
}

func TestCommandsEstimateEnqueues(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(f.signedRequest(t, "/slack/commands", commandBody("/estimate", "rework billing", "trig-2")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	jobs := f.enqueue.Jobs()
	if len(jobs) != 1 || jobs[0].Intent != "estimate" {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestCommandsStandupOpensForm(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(f.signedRequest(t, "/slack/commands", commandBody("/standup", "", "trig-3")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	jobs := f.enqueue.Jobs()
	if len(jobs) != 1 || jobs[0].OpenForm == nil {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestInteractionsStaleTokenShowsExpiredView(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	payload := fmt.Sprintf(`{
		"type": "view_submission", "trigger_id": "trig-4",
		"team": {"id": "T1"}, "user": {"id": "U1"},
		"view": {"callback_id": "standup_form", "private_metadata": %q, "state": {"values": {}}}
	}`, ingest.EncodePrivateMetadata("never-issued", "C1"))
	body := url.Values{"payload": {payload}}.Encode()
	rec := f.do(f.signedRequest(t, "/slack/interactions", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"response_action":"update"`) {
		t.Fatalf("body = %s, want expired-form view update", rec.Body.String())
	}
	if len(f.enqueue.Jobs()) != 0 {
		t.Fatal("stale submission must not enqueue work")
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok":true`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/slack/events", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestCommandsQueueFullTellsUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enqueue.err = fmt.Errorf("conversation queue is full")
	rec := f.do(f.signedRequest(t, "/slack/commands", commandBody("/estimate", "big epic", "trig-5")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, backpressure must not fail the ack", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "try again") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

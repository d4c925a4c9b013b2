package router

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/scrumlead/scrumlead/internal/ingest"
	"github.com/scrumlead/scrumlead/internal/store"
)

func newTestRouter() *Router {
	var seq int
	return New(Options{
		NewToken: func() string {
			seq++
			return fmt.Sprintf("tok-%d", seq)
		},
		Now: func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) },
	})
}

func commandEvent(command, text string) ingest.Event {
	return ingest.Event{
		Kind:       ingest.KindSlashCommand,
		DeliveryID: "trig-1",
		TeamID:     "T1",
		ChannelID:  "C1",
		UserID:     "U1",
		Command:    command,
		Text:       text,
		TriggerID:  "trig-1",
	}
}

func TestRouteMentionStripsMarkup(t *testing.T) {
	t.Parallel()

	r := newTestRouter()
	act, err := r.Route(ingest.Event{
		Kind: ingest.KindMention, TeamID: "T1", ChannelID: "C1", UserID: "U1",
		Text: "<@UBOT> how should we split this epic?",
	})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if act.Job == nil || act.Job.Prompt != "how should we split this epic?" {
		t.Fatalf("Route() job = %+v", act.Job)
	}
	if act.Job.Intent != "" {
		t.Fatalf("Intent = %q, want freeform", act.Job.Intent)
	}
}

func TestRouteMentionHelpIsCanned(t *testing.T) {
	t.Parallel()

	r := newTestRouter()
	act, err := r.Route(ingest.Event{
		Kind: ingest.KindMention, TeamID: "T1", ChannelID: "C1", UserID: "U1",
		Text: "<@UBOT> help",
	})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if act.Job == nil || act.Job.Reply == "" || act.Job.Prompt != "" {
		t.Fatalf("help mention should produce a canned reply, got %+v", act.Job)
	}
}

func TestRouteSelfAuthoredEventIsDropped(t *testing.T) {
	t.Parallel()

	r := newTestRouter()
	r.SetSelfUserID("UBOT")
	act, err := r.Route(ingest.Event{
		Kind: ingest.KindMessage, TeamID: "T1", ChannelID: "D1", UserID: "UBOT",
		Text: "Fifteen minutes, timeboxed.",
	})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if act.Job != nil || act.Ack != "" {
		t.Fatalf("self-authored message must not route, got %+v", act)
	}
}

func TestRouteMentionOnlyMarkupIsDropped(t *testing.T) {
	t.Parallel()

	r := newTestRouter()
	act, err := r.Route(ingest.Event{
		Kind: ingest.KindMention, TeamID: "T1", ChannelID: "C1", UserID: "U1",
		Text: "<@UBOT>",
	})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if act.Job != nil {
		t.Fatalf("empty mention should not produce a job, got %+v", act.Job)
	}
}

func TestRouteUnknownCommand(t *testing.T) {
	t.Parallel()

	r := newTestRouter()
	_, err := r.Route(commandEvent("deploy", "prod"))
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("Route() error = %v, want ErrUnknownCommand", err)
	}
}

func TestRouteStandupOpensForm(t *testing.T) {
	t.Parallel()

	r := newTestRouter()
	act, err := r.Route(commandEvent("standup", ""))
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if act.Job == nil || act.Job.OpenForm == nil {
		t.Fatalf("standup should open a form, got %+v", act.Job)
	}
	if act.Job.OpenForm.CallbackID != standupCallbackID {
		t.Fatalf("CallbackID = %q", act.Job.OpenForm.CallbackID)
	}
	if !strings.Contains(act.Job.OpenForm.PrivateMetadata, "tok-1") {
		t.Fatalf("PrivateMetadata = %q, missing token", act.Job.OpenForm.PrivateMetadata)
	}
}

func TestRouteEstimate(t *testing.T) {
	t.Parallel()

	r := newTestRouter()

	act, err := r.Route(commandEvent("estimate", ""))
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if act.Job != nil || !strings.Contains(act.Ack, "Usage") {
		t.Fatalf("empty estimate should ack usage, got %+v", act)
	}

	act, err = r.Route(commandEvent("estimate", "migrate auth to OIDC"))
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if act.Job == nil || act.Job.Intent != "estimate" || act.Job.Prompt != "migrate auth to OIDC" {
		t.Fatalf("estimate job = %+v", act.Job)
	}
}

func TestRouteSprintPlanningStart(t *testing.T) {
	t.Parallel()

	r := newTestRouter()
	act, err := r.Route(commandEvent("sprint-planning", "start Sprint 42"))
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if act.Job == nil || act.Job.Sprint == nil {
		t.Fatalf("start should create a sprint record, got %+v", act.Job)
	}
	if act.Job.Sprint.Name != "Sprint 42" || act.Job.Sprint.Status != store.SprintActive {
		t.Fatalf("sprint = %+v", act.Job.Sprint)
	}
	if act.Job.Reply == "" {
		t.Fatal("start should carry a canned reply")
	}

	act, err = r.Route(commandEvent("sprint-planning", "start"))
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if act.Job != nil || !strings.Contains(act.Ack, "Usage") {
		t.Fatalf("bare start should ack usage, got %+v", act)
	}
}

func TestRouteSprintPlanningFreeform(t *testing.T) {
	t.Parallel()

	r := newTestRouter()
	act, err := r.Route(commandEvent("sprint-planning", "we have 5 devs and 12 stories"))
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if act.Job == nil || act.Job.Intent != "sprint_planning" {
		t.Fatalf("freeform planning job = %+v", act.Job)
	}
}

func submissionEvent(token, callbackID string, fields map[string]string) ingest.Event {
	return ingest.Event{
		Kind:       ingest.KindInteractionSubmit,
		DeliveryID: "trig-2",
		TeamID:     "T1",
		UserID:     "U1",
		TriggerID:  "trig-2",
		CallbackID: callbackID,
		Token:      token,
		Fields:     fields,
	}
}

func TestStandupSubmissionRoundTrip(t *testing.T) {
	t.Parallel()

	r := newTestRouter()
	if _, err := r.Route(commandEvent("standup", "")); err != nil {
		t.Fatalf("Route(standup) error = %v", err)
	}

	act, err := r.Route(submissionEvent("tok-1", standupCallbackID, map[string]string{
		yesterdayBlockID: "shipped login",
		todayBlockID:     "start billing",
		blockersBlockID:  "waiting on staging creds",
	}))
	if err != nil {
		t.Fatalf("Route(submission) error = %v", err)
	}
	if act.Job == nil || act.Job.Standup == nil {
		t.Fatalf("submission job = %+v", act.Job)
	}
	s := act.Job.Standup
	if s.Yesterday != "shipped login" || s.Today != "start billing" || !s.HasBlockers {
		t.Fatalf("standup record = %+v", s)
	}
	if s.ChannelID != "C1" || s.UserID != "U1" {
		t.Fatalf("standup record should inherit the pending channel/user, got %+v", s)
	}
	if !strings.Contains(act.Job.Reply, "Blockers") {
		t.Fatalf("reply = %q", act.Job.Reply)
	}
}

func TestSubmissionTokenIsSingleUse(t *testing.T) {
	t.Parallel()

	r := newTestRouter()
	if _, err := r.Route(commandEvent("standup", "")); err != nil {
		t.Fatalf("Route(standup) error = %v", err)
	}

	fields := map[string]string{yesterdayBlockID: "x", todayBlockID: "y"}
	if _, err := r.Route(submissionEvent("tok-1", standupCallbackID, fields)); err != nil {
		t.Fatalf("first submission error = %v", err)
	}
	if _, err := r.Route(submissionEvent("tok-1", standupCallbackID, fields)); !errors.Is(err, ErrStaleInteraction) {
		t.Fatalf("second submission error = %v, want ErrStaleInteraction", err)
	}
}

func TestSubmissionUnknownToken(t *testing.T) {
	t.Parallel()

	r := newTestRouter()
	if _, err := r.Route(submissionEvent("never-issued", standupCallbackID, nil)); !errors.Is(err, ErrStaleInteraction) {
		t.Fatalf("Route() error = %v, want ErrStaleInteraction", err)
	}
}

func TestSubmissionCallbackMismatch(t *testing.T) {
	t.Parallel()

	r := newTestRouter()
	if _, err := r.Route(commandEvent("standup", "")); err != nil {
		t.Fatalf("Route(standup) error = %v", err)
	}
	if _, err := r.Route(submissionEvent("tok-1", retroCallbackID, nil)); !errors.Is(err, ErrStaleInteraction) {
		t.Fatalf("Route() error = %v, want ErrStaleInteraction", err)
	}
}

func TestRetroSubmissionBuildsInsightJob(t *testing.T) {
	t.Parallel()

	r := newTestRouter()
	if _, err := r.Route(commandEvent("retrospective", "")); err != nil {
		t.Fatalf("Route(retrospective) error = %v", err)
	}

	act, err := r.Route(submissionEvent("tok-1", retroCallbackID, map[string]string{
		wentWellBlockID:    "pairing worked",
		improveBlockID:     "too many meetings",
		actionItemsBlockID: "meeting-free wednesdays",
	}))
	if err != nil {
		t.Fatalf("Route(submission) error = %v", err)
	}
	if act.Job == nil || act.Job.Retro == nil || act.Job.Intent != "retrospective" {
		t.Fatalf("retro job = %+v", act.Job)
	}
	if !strings.Contains(act.Job.Prompt, "too many meetings") {
		t.Fatalf("prompt = %q", act.Job.Prompt)
	}
}

func TestHasBlockers(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "none", "No", "n/a", "-", " nothing "} {
		if hasBlockers(input) {
			t.Fatalf("hasBlockers(%q) = true, want false", input)
		}
	}
	if !hasBlockers("waiting on review") {
		t.Fatal("hasBlockers(text) = false, want true")
	}
}

// Package router turns normalized inbound events into an immediate
// acknowledgment plus an optional deferred job. Routing never calls the
// network: it only classifies, checks pending interaction tokens, and
// builds records, so the fast phase stays fast.
package router

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"github.com/scrumlead/scrumlead/internal/idempotency"
	"github.com/scrumlead/scrumlead/internal/ingest"
	"github.com/scrumlead/scrumlead/internal/store"
)

var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrStaleInteraction = errors.New("interaction token is stale or already used")
)

// DefaultInteractionTTL bounds how long an opened form stays submittable.
const DefaultInteractionTTL = 10 * time.Minute

// Pending is the state parked between opening a form and its submission.
// The correlation token keying it is single-use: the first submission
// consumes it and any replay is rejected as stale.
type Pending struct {
	Kind      string // standup or retrospective
	TeamID    string
	ChannelID string
	UserID    string
}

// Job is deferred work handed to the dispatcher after the ack is written.
// At most one of OpenForm, Reply, or Prompt drives the outcome; record
// pointers ride along for persistence.
type Job struct {
	Event    ingest.Event
	OpenForm *slack.ModalViewRequest
	Intent   string // persona intent for assistant calls
	Prompt   string // assistant input; empty means no assistant call
	Reply    string // canned reply delivered without the assistant
	Sprint   *store.Sprint
	Standup  *store.Standup
	Retro    *store.Retrospective
}

// Action is the routing outcome: ack text for the synchronous response
// (empty means a bare 200) and the deferred job, if any.
type Action struct {
	Ack string
	Job *Job
}

type Options struct {
	InteractionTTL time.Duration
	NewToken       func() string
	Now            func() time.Time
}

type Router struct {
	pending    *idempotency.Keyed[Pending]
	newToken   func() string
	now        func() time.Time
	selfUserID string
}

func New(opts Options) *Router {
	ttl := opts.InteractionTTL
	if ttl <= 0 {
		ttl = DefaultInteractionTTL
	}
	newToken := opts.NewToken
	if newToken == nil {
		newToken = uuid.NewString
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		pending:  idempotency.NewKeyed[Pending](ttl, now),
		newToken: newToken,
		now:      now,
	}
}

// SetSelfUserID installs the bot's own user id, learned from the auth
// probe at startup, so conversation events it authored are dropped before
// routing. Call before serving traffic.
func (r *Router) SetSelfUserID(id string) {
	r.selfUserID = strings.TrimSpace(id)
}

// SweepPending drops expired form tokens; called from the housekeeping
// ticker.
func (r *Router) SweepPending() int {
	return r.pending.Sweep()
}

func (r *Router) Route(ev ingest.Event) (Action, error) {
	switch ev.Kind {
	case ingest.KindMessage, ingest.KindMention:
		return r.routeConversation(ev), nil
	case ingest.KindSlashCommand:
		return r.routeCommand(ev)
	case ingest.KindInteractionSubmit:
		return r.routeSubmission(ev)
	default:
		return Action{}, fmt.Errorf("unroutable event kind %q", ev.Kind)
	}
}

var mentionMarkup = regexp.MustCompile(`<@[A-Z0-9]+>`)

func (r *Router) routeConversation(ev ingest.Event) Action {
	if r.selfUserID != "" && ev.UserID == r.selfUserID {
		return Action{}
	}
	text := strings.TrimSpace(mentionMarkup.ReplaceAllString(ev.Text, ""))
	if text == "" {
		return Action{}
	}
	if ev.Kind == ingest.KindMention && strings.EqualFold(text, "help") {
		return Action{Job: &Job{Event: ev, Reply: helpText}}
	}
	ev.Text = text
	return Action{Job: &Job{Event: ev, Prompt: text}}
}

const helpText = "*I can help with:*\n" +
	"• `/standup` — open the daily standup form\n" +
	"• `/retrospective` — open the retrospective form\n" +
	"• `/sprint-planning start <name>` — start a sprint, or describe your plan for facilitation\n" +
	"• `/estimate <story>` — get a story point estimate\n" +
	"• Mention or DM me to talk through anything agile."

func (r *Router) routeCommand(ev ingest.Event) (Action, error) {
	switch ev.Command {
	case "standup":
		return r.openForm(ev, "standup"), nil
	case "retrospective":
		return r.openForm(ev, "retrospective"), nil
	case "sprint-planning":
		return r.routeSprintPlanning(ev), nil
	case "estimate":
		if ev.Text == "" {
			return Action{Ack: "Usage: `/estimate <story description>`"}, nil
		}
		return Action{
			Ack: "Estimating, one moment.",
			Job: &Job{Event: ev, Intent: "estimate", Prompt: ev.Text},
		}, nil
	default:
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownCommand, ev.Command)
	}
}

func (r *Router) openForm(ev ingest.Event, kind string) Action {
	token := r.newToken()
	r.pending.PutOnce(token, Pending{
		Kind:      kind,
		TeamID:    ev.TeamID,
		ChannelID: ev.ChannelID,
		UserID:    ev.UserID,
	})
	metadata := ingest.EncodePrivateMetadata(token, ev.ChannelID)
	var view slack.ModalViewRequest
	if kind == "standup" {
		view = standupModal(metadata)
	} else {
		view = retroModal(metadata)
	}
	return Action{Job: &Job{Event: ev, OpenForm: &view}}
}

func (r *Router) routeSprintPlanning(ev ingest.Event) Action {
	parts := strings.Fields(ev.Text)
	if len(parts) > 0 && strings.EqualFold(parts[0], "start") {
		name := strings.TrimSpace(strings.Join(parts[1:], " "))
		if name == "" {
			return Action{Ack: "Usage: `/sprint-planning start <sprint name>`"}
		}
		sprint := &store.Sprint{
			ID:        store.NewRecordID(),
			ChannelID: ev.ChannelID,
			Name:      name,
			Status:    store.SprintActive,
			CreatedBy: ev.UserID,
			CreatedAt: r.now().UTC(),
		}
		reply := fmt.Sprintf("*Sprint started:* %s\nSet a goal and I can help size the commitment.", name)
		return Action{Job: &Job{Event: ev, Reply: reply, Sprint: sprint}}
	}
	if ev.Text == "" {
		return Action{Ack: "Usage: `/sprint-planning start <name>` to start a sprint, or `/sprint-planning <what you want to plan>` for help."}
	}
	return Action{
		Ack: "Working on your sprint plan.",
		Job: &Job{Event: ev, Intent: "sprint_planning", Prompt: ev.Text},
	}
}

func (r *Router) routeSubmission(ev ingest.Event) (Action, error) {
	pending, ok := r.pending.Take(ev.Token)
	if !ok {
		return Action{}, ErrStaleInteraction
	}
	// The view callback must match the form the token was issued for.
	wantCallback := standupCallbackID
	if pending.Kind == "retrospective" {
		wantCallback = retroCallbackID
	}
	if ev.CallbackID != wantCallback {
		return Action{}, fmt.Errorf("%w: callback %q does not match pending %q", ErrStaleInteraction, ev.CallbackID, pending.Kind)
	}
	if ev.ChannelID == "" {
		ev.ChannelID = pending.ChannelID
	}
	ev.TeamID = pending.TeamID

	switch pending.Kind {
	case "standup":
		return r.standupSubmission(ev, pending), nil
	default:
		return r.retroSubmission(ev, pending), nil
	}
}

func (r *Router) standupSubmission(ev ingest.Event, pending Pending) Action {
	blockers := ev.Fields[blockersBlockID]
	standup := &store.Standup{
		ID:          store.NewRecordID(),
		ChannelID:   pending.ChannelID,
		UserID:      pending.UserID,
		Yesterday:   ev.Fields[yesterdayBlockID],
		Today:       ev.Fields[todayBlockID],
		Blockers:    blockers,
		HasBlockers: hasBlockers(blockers),
		CreatedAt:   r.now().UTC(),
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*Standup from <@%s>*\n", pending.UserID)
	fmt.Fprintf(&b, "*Yesterday:* %s\n", orDash(standup.Yesterday))
	fmt.Fprintf(&b, "*Today:* %s\n", orDash(standup.Today))
	if standup.HasBlockers {
		fmt.Fprintf(&b, ":warning: *Blockers:* %s", standup.Blockers)
	} else {
		b.WriteString("*Blockers:* none")
	}
	return Action{Job: &Job{Event: ev, Reply: b.String(), Standup: standup}}
}

func (r *Router) retroSubmission(ev ingest.Event, pending Pending) Action {
	retro := &store.Retrospective{
		ID:               store.NewRecordID(),
		ChannelID:        pending.ChannelID,
		ConductedBy:      pending.UserID,
		WentWell:         ev.Fields[wentWellBlockID],
		NeedsImprovement: ev.Fields[improveBlockID],
		ActionItems:      ev.Fields[actionItemsBlockID],
		CreatedAt:        r.now().UTC(),
	}
	prompt := fmt.Sprintf(
		"Retrospective input from the team:\nWent well: %s\nNeeds improvement: %s\nAction items: %s",
		orDash(retro.WentWell), orDash(retro.NeedsImprovement), orDash(retro.ActionItems),
	)
	return Action{Job: &Job{Event: ev, Intent: "retrospective", Prompt: prompt, Retro: retro}}
}

// hasBlockers treats common "nothing to report" spellings as no blockers.
func hasBlockers(blockers string) bool {
	switch strings.ToLower(strings.TrimSpace(blockers)) {
	case "", "none", "no", "n/a", "na", "-", "nothing":
		return false
	default:
		return true
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

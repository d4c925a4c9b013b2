// Package dispatch runs deferred jobs after the webhook acknowledgment is
// written. One goroutine per conversation key preserves per-conversation
// ordering; a global semaphore bounds how many assistant calls run at once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/scrumlead/scrumlead/internal/chathistory"
	"github.com/scrumlead/scrumlead/internal/persona"
	"github.com/scrumlead/scrumlead/internal/router"
	"github.com/scrumlead/scrumlead/internal/slackapi"
	"github.com/scrumlead/scrumlead/internal/store"
	"github.com/scrumlead/scrumlead/llm"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxConcurrency = 3

	// deliveryTimeout bounds the record writes and Slack calls that follow
	// the assistant call. They run on their own deadline: an assistant call
	// that spent its whole budget must not take the record or the degraded
	// reply down with it.
	deliveryTimeout = 15 * time.Second

	queueCapacity = 16
)

type Options struct {
	LLM            llm.Client
	Model          string
	MaxTokens      int
	Temperature    float64
	Persona        persona.Persona
	History        *chathistory.Store
	Records        store.Store
	Messenger      slackapi.Messenger
	Logger         *slog.Logger
	RequestTimeout time.Duration
	MaxConcurrency int
}

type worker struct {
	jobs chan router.Job
}

type Dispatcher struct {
	llm         llm.Client
	model       string
	maxTokens   int
	temperature float64
	persona     persona.Persona
	history     *chathistory.Store
	records     store.Store
	messenger   slackapi.Messenger
	logger      *slog.Logger
	timeout     time.Duration
	sem         chan struct{}

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

func New(opts Options) (*Dispatcher, error) {
	if opts.LLM == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if opts.Messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if opts.History == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if opts.Records == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	maxConc := opts.MaxConcurrency
	if maxConc <= 0 {
		maxConc = DefaultMaxConcurrency
	}
	return &Dispatcher{
		llm:         opts.LLM,
		model:       strings.TrimSpace(opts.Model),
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		persona:     opts.Persona,
		history:     opts.History,
		records:     opts.Records,
		messenger:   opts.Messenger,
		logger:      logger,
		timeout:     timeout,
		sem:         make(chan struct{}, maxConc),
		workers:     make(map[string]*worker),
	}, nil
}

// Enqueue hands a job to the conversation's worker. It never blocks: a
// full conversation queue rejects the job so the caller's ack deadline is
// unaffected.
func (d *Dispatcher) Enqueue(job router.Job) error {
	key := job.Event.ConversationKey()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher is closed")
	}
	w := d.getOrStartWorkerLocked(key)
	d.mu.Unlock()

	select {
	case w.jobs <- job:
		return nil
	default:
		return fmt.Errorf("conversation %q queue is full", key)
	}
}

func (d *Dispatcher) getOrStartWorkerLocked(key string) *worker {
	if w, ok := d.workers[key]; ok && w != nil {
		return w
	}
	w := &worker{jobs: make(chan router.Job, queueCapacity)}
	d.workers[key] = w
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for job := range w.jobs {
			d.sem <- struct{}{}
			d.run(job)
			<-d.sem
		}
	}()
	return w
}

// Close stops accepting jobs and waits for in-flight ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, w := range d.workers {
		close(w.jobs)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run(job router.Job) {
	ev := job.Event
	logger := d.logger.With(
		"conversation", ev.ConversationKey(),
		"kind", string(ev.Kind),
		"delivery_id", ev.DeliveryID,
	)

	if job.OpenForm != nil {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		if err := d.messenger.OpenView(ctx, ev.TriggerID, *job.OpenForm); err != nil {
			logger.Error("open_view_failed", "error", err)
			if ev.ChannelID != "" && ev.UserID != "" {
				if err := d.messenger.PostEphemeral(ctx, ev.ChannelID, ev.UserID, "Sorry, I could not open the form. Please run the command again."); err != nil {
					logger.Error("post_reply_failed", "error", err)
				}
			}
		}
		return
	}

	reply := job.Reply
	exchangeOK := false
	if job.Prompt != "" {
		chatCtx, cancelChat := context.WithTimeout(context.Background(), d.timeout)
		text, err := d.chat(chatCtx, job)
		cancelChat()
		if err != nil {
			logger.Error("assistant_call_failed", "intent", job.Intent, "error", err)
			reply = degradedReply(job, err)
		} else {
			reply = text
			exchangeOK = true
			if job.Retro != nil {
				job.Retro.AIInsights = text
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	// Records are written even when the assistant failed; a lost insight
	// must not lose the team's input.
	if !d.persist(ctx, logger, job) && reply != "" {
		reply += "\n_(I could not save this to the record store; it will not appear in reports.)_"
	}

	if strings.TrimSpace(reply) == "" {
		return
	}
	if err := d.messenger.PostMessage(ctx, ev.ChannelID, reply, ev.ThreadTS); err != nil {
		logger.Error("post_reply_failed", "error", err)
		return
	}
	// Only delivered assistant exchanges become context; a reply the user
	// never saw would skew the next prompt. Form content stays out of the
	// rolling dialogue.
	if exchangeOK && job.Retro == nil {
		d.history.AppendExchange(ev.ConversationKey(), job.Prompt, reply)
	}
}

func (d *Dispatcher) chat(ctx context.Context, job router.Job) (string, error) {
	ev := job.Event
	system := d.persona.SystemPrompt()
	if instruction := d.persona.IntentInstruction(job.Intent); instruction != "" {
		system = system + "\n\n" + instruction
	}
	if team := d.teamContext(ctx, ev.ChannelID); team != "" {
		system = system + "\n\n" + team
	}

	var messages []llm.Message
	if job.Retro == nil {
		for _, turn := range d.history.Turns(ev.ConversationKey()) {
			messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Text})
		}
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: job.Prompt})

	resp, err := d.llm.Chat(ctx, llm.Request{
		Model:       d.model,
		System:      system,
		MaxTokens:   d.maxTokens,
		Temperature: d.temperature,
		Messages:    messages,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", llm.ErrTimeout, err)
		}
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", llm.ErrUnavailable)
	}
	return text, nil
}

// teamContext renders the channel's sprint and standup state from the
// record store so the assistant answers against the team's actual
// commitment instead of a blank slate. Record reads are best effort; a
// store error degrades to no context.
func (d *Dispatcher) teamContext(ctx context.Context, channelID string) string {
	if channelID == "" {
		return ""
	}
	var parts []string
	sprint, ok, err := d.records.CurrentSprint(ctx, channelID)
	if err != nil {
		d.logger.Warn("record_read_failed", "record", "sprint", "channel_id", channelID, "error", err)
	} else if ok {
		line := fmt.Sprintf("Current sprint: %q (%s).", sprint.Name, sprint.Status)
		if strings.TrimSpace(sprint.Goal) != "" {
			line += " Goal: " + sprint.Goal + "."
		}
		if sprint.Points > 0 {
			line += fmt.Sprintf(" Committed points: %d.", sprint.Points)
		}
		parts = append(parts, line)
	}
	standups, err := d.records.ListStandups(ctx, channelID, 5)
	if err != nil {
		d.logger.Warn("record_read_failed", "record", "standup", "channel_id", channelID, "error", err)
	} else if len(standups) > 0 {
		blocked := 0
		for _, s := range standups {
			if s.HasBlockers {
				blocked++
			}
		}
		parts = append(parts, fmt.Sprintf("Recent standups: %d on record, %d reporting blockers.", len(standups), blocked))
	}
	if len(parts) == 0 {
		return ""
	}
	return "Team context for this channel:\n" + strings.Join(parts, "\n")
}

func degradedReply(job router.Job, err error) string {
	if job.Retro != nil {
		return "Retrospective recorded. I could not generate insights right now; ask me again later."
	}
	if errors.Is(err, llm.ErrTimeout) {
		return "That took me too long to think through. Please try again."
	}
	return "The assistant is unavailable right now. Please try again shortly."
}

// persist writes the job's records and reports whether every write
// succeeded.
func (d *Dispatcher) persist(ctx context.Context, logger *slog.Logger, job router.Job) bool {
	ok := true
	if job.Sprint != nil {
		if err := d.records.CreateSprint(ctx, job.Sprint); err != nil {
			logger.Error("record_write_failed", "record", "sprint", "id", job.Sprint.ID, "error", err)
			ok = false
		}
	}
	if job.Standup != nil {
		if err := d.records.CreateStandup(ctx, job.Standup); err != nil {
			logger.Error("record_write_failed", "record", "standup", "id", job.Standup.ID, "error", err)
			ok = false
		}
	}
	if job.Retro != nil {
		if err := d.records.CreateRetrospective(ctx, job.Retro); err != nil {
			logger.Error("record_write_failed", "record", "retrospective", "id", job.Retro.ID, "error", err)
			ok = false
		}
	}
	return ok
}

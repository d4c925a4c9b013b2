// Package webhook is the HTTP ingress for platform callbacks. Handlers do
// only fast work (verify, dedupe, route, ack) and push everything slow to
// the dispatcher, so the platform's acknowledgment deadline is never spent
// on an assistant call.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/scrumlead/scrumlead/internal/idempotency"
	"github.com/scrumlead/scrumlead/internal/ingest"
	"github.com/scrumlead/scrumlead/internal/router"
	"github.com/scrumlead/scrumlead/internal/signature"
)

const maxBodyBytes = 1 << 20

// Enqueuer accepts deferred jobs; the dispatcher implements it.
type Enqueuer interface {
	Enqueue(job router.Job) error
}

type RoutesOptions struct {
	Verifier      *signature.Verifier
	Dedup         *idempotency.Window
	Router        *router.Router
	Dispatcher    Enqueuer
	Logger        *slog.Logger
	HealthEnabled bool
	Now           func() time.Time
}

type handler struct {
	verifier   *signature.Verifier
	dedup      *idempotency.Window
	router     *router.Router
	dispatcher Enqueuer
	logger     *slog.Logger
	now        func() time.Time
}

func RegisterRoutes(mux *http.ServeMux, opts RoutesOptions) {
	if mux == nil {
		return
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	h := &handler{
		verifier:   opts.Verifier,
		dedup:      opts.Dedup,
		router:     opts.Router,
		dispatcher: opts.Dispatcher,
		logger:     logger,
		now:        now,
	}

	mux.HandleFunc("/slack/events", h.events)
	mux.HandleFunc("/slack/commands", h.commands)
	mux.HandleFunc("/slack/interactions", h.interactions)

	if opts.HealthEnabled {
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead:
			default:
				w.Header().Set("Allow", "GET, HEAD")
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			if r.Method == http.MethodHead {
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok":   true,
				"time": time.Now().Format(time.RFC3339Nano),
			})
		})
	}
}

// readVerified reads the request body and checks the platform signature.
// A nil return means the response has already been written.
func (h *handler) readVerified(w http.ResponseWriter, r *http.Request) []byte {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return nil
	}
	err = h.verifier.Verify(
		r.Header.Get("X-Slack-Request-Timestamp"),
		r.Header.Get("X-Slack-Signature"),
		body,
	)
	if err != nil {
		if errors.Is(err, signature.ErrUnauthenticated) {
			h.logger.Warn("signature_rejected", "path", r.URL.Path, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return nil
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil
	}
	return body
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	body := h.readVerified(w, r)
	if body == nil {
		return
	}

	if challenge, ok := ingest.Challenge(body); ok {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": challenge})
		return
	}

	ev, ok, err := ingest.ParseEventCallback(body, h.now().UTC())
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	if !h.dedup.Acquire(ev.DeliveryID) {
		h.logger.Info("duplicate_delivery", "delivery_id", ev.DeliveryID, "kind", string(ev.Kind))
		w.WriteHeader(http.StatusOK)
		return
	}
	h.route(w, ev, nil)
}

func (h *handler) commands(w http.ResponseWriter, r *http.Request) {
	body := h.readVerified(w, r)
	if body == nil {
		return
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	ev, err := ingest.ParseSlashCommand(values, h.now().UTC())
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !h.dedup.Acquire(ev.DeliveryID) {
		h.logger.Info("duplicate_delivery", "delivery_id", ev.DeliveryID, "kind", string(ev.Kind))
		w.WriteHeader(http.StatusOK)
		return
	}
	h.route(w, ev, respondEphemeral)
}

func (h *handler) interactions(w http.ResponseWriter, r *http.Request) {
	body := h.readVerified(w, r)
	if body == nil {
		return
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	payload := strings.TrimSpace(values.Get("payload"))
	if payload == "" {
		http.Error(w, "missing payload", http.StatusBadRequest)
		return
	}
	ev, ok, err := ingest.ParseInteraction([]byte(payload), h.now().UTC())
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}
	if !h.dedup.Acquire(ev.DeliveryID) {
		h.logger.Info("duplicate_delivery", "delivery_id", ev.DeliveryID, "kind", string(ev.Kind))
		w.WriteHeader(http.StatusOK)
		return
	}
	h.route(w, ev, nil)
}

// route runs the fast routing phase and writes the acknowledgment. The ack
// writer, when set, renders ack text into the transport's synchronous
// response format; otherwise ack text is dropped and the body stays empty.
func (h *handler) route(w http.ResponseWriter, ev ingest.Event, ack func(http.ResponseWriter, string)) {
	action, err := h.router.Route(ev)
	switch {
	case errors.Is(err, router.ErrUnknownCommand):
		h.logger.Info("unknown_command", "command", ev.Command, "user_id", ev.UserID)
		if ack != nil {
			ack(w, "Unknown command. Try `/standup`, `/retrospective`, `/sprint-planning`, or `/estimate`.")
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	case errors.Is(err, router.ErrStaleInteraction):
		// The token was already used or expired; the submission is
		// deliberately not reprocessed. The modal is swapped for an
		// explanation instead of closing silently.
		h.logger.Warn("stale_interaction", "delivery_id", ev.DeliveryID)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response_action": "update",
			"view":            router.ExpiredFormView(),
		})
		return
	case err != nil:
		h.logger.Error("route_failed", "kind", string(ev.Kind), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if action.Job != nil {
		if err := h.dispatcher.Enqueue(*action.Job); err != nil {
			h.logger.Error("enqueue_failed", "conversation", ev.ConversationKey(), "error", err)
			if ack != nil {
				ack(w, "I'm handling too much in this conversation right now. Please try again in a moment.")
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	if ack != nil && action.Ack != "" {
		ack(w, action.Ack)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func respondEphemeral(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"response_type": "ephemeral",
		"text":          text,
	})
}

type ServerOptions struct {
	Listen string
	Routes RoutesOptions
}

// StartServer binds the listener, serves in the background, and shuts
// down when ctx is canceled.
func StartServer(ctx context.Context, logger *slog.Logger, opts ServerOptions) (*http.Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	listen := strings.TrimSpace(opts.Listen)
	if listen == "" {
		return nil, errors.New("empty listen address")
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, opts.Routes)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("webhook_server_error", "addr", listen, "error", err.Error())
		}
	}()

	logger.Info("webhook_server_start",
		"addr", listen,
		"health_enabled", opts.Routes.HealthEnabled,
	)
	return srv, nil
}

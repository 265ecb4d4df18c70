// Package api is the REST management surface mounted under /api/v1.
//
// Every route requires a bearer token. Visitors may queue themselves and read their own chats;
// operators drive assignments and transfers. Domain errors are rendered as
// {"error":{"code","message"}} with the status of their kind.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"livedesk/cmd/internal/assignment"
	"livedesk/cmd/internal/auth/session"
	"livedesk/cmd/internal/presence"
	"livedesk/cmd/internal/queue"
	"livedesk/cmd/internal/realtime"
	"livedesk/cmd/internal/transfer"
	v1 "livedesk/shared/contracts/realtime/v1"
)

// Queue is the queue manager surface used by the API.
type Queue interface {
	Enqueue(visitorID, chatID string, priority int, tags []string) (queue.Entry, error)
	Position(queueID string) (queue.Position, error)
	Abandon(queueID string) (queue.Entry, error)
	Get(queueID string) (queue.Entry, bool)
	Waiting() []queue.Entry
}

// Assignments is the assignment engine surface used by the API.
type Assignments interface {
	Create(ctx context.Context, operatorID, visitorID, chatID string, src assignment.Source) (assignment.Assignment, error)
	Accept(ctx context.Context, id, operatorID string) (assignment.Assignment, error)
	Start(ctx context.Context, id, operatorID string) (assignment.Assignment, error)
	Complete(ctx context.Context, id, reason string) (assignment.Assignment, error)
	Cancel(ctx context.Context, id, reason string) (assignment.Assignment, error)
	Get(id string) (assignment.Assignment, error)
	List(f assignment.Filter) []assignment.Assignment
}

// Transfers is the transfer coordinator surface used by the API.
type Transfers interface {
	Request(ctx context.Context, chatID, fromOperatorID, toOperatorID, reason string) (transfer.Transfer, error)
	Respond(ctx context.Context, transferID, responderID string, accepted bool, note string) (transfer.Transfer, error)
	Get(id string) (transfer.Transfer, error)
	ListPending(operatorID string) []transfer.Transfer
}

// Presence lists online operators.
type Presence interface {
	ListOnlineOperators(filter func(userID string) bool) []string
}

// Chats reads conversation history on behalf of a participant.
type Chats interface {
	History(ctx context.Context, userID string, role presence.Role, chatID string, afterSeq *int64, limit int) ([]v1.Message, bool, error)
}

// Conversations records chat ownership before a visitor is queued.
type Conversations interface {
	EnsureConversation(ctx context.Context, id, visitorID string, now time.Time) (realtime.Conversation, error)
}

// Deps wires the handler.
type Deps struct {
	Log           *slog.Logger
	Auth          session.Verifier
	Queue         Queue
	Assignments   Assignments
	Transfers     Transfers
	Presence      Presence
	Chats         Chats
	Conversations Conversations
	Now           func() time.Time
}

// Config tunes request handling.
type Config struct {
	MaxBodyBytes int64
	// MaxPriority caps the priority a visitor may request for themselves.
	MaxPriority int
	// RateLimit requests per RateWindow are allowed for each authenticated user.
	RateLimit  int
	RateWindow time.Duration
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{MaxBodyBytes: 64 << 10, MaxPriority: 10, RateLimit: 300, RateWindow: time.Minute}
}

// Handler serves /api/v1.
type Handler struct {
	log     *slog.Logger
	cfg     Config
	deps    Deps
	now     func() time.Time
	limiter *principalLimiter
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config, deps Deps) *Handler {
	d := DefaultConfig()
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = d.MaxBodyBytes
	}
	if cfg.MaxPriority <= 0 {
		cfg.MaxPriority = d.MaxPriority
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = d.RateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = d.RateWindow
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{
		log:     log,
		cfg:     cfg,
		deps:    deps,
		now:     now,
		limiter: newPrincipalLimiter(cfg.RateLimit, cfg.RateWindow, time.Now),
	}
}

// Routes returns the authenticated router. Mount it under /api/v1.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequireAuth(h.deps.Auth))
	r.Use(h.rateLimit)

	r.Route("/queue", func(r chi.Router) {
		r.Post("/", h.handleEnqueue)
		r.Get("/", h.handleListQueue)
		r.Get("/{queueID}", h.handlePosition)
		r.Delete("/{queueID}", h.handleAbandon)
	})

	r.Route("/assignments", func(r chi.Router) {
		r.Post("/", h.handleCreateAssignment)
		r.Get("/", h.handleListAssignments)
		r.Get("/{assignmentID}", h.handleGetAssignment)
		r.Post("/{assignmentID}/accept", h.handleAcceptAssignment)
		r.Post("/{assignmentID}/start", h.handleStartAssignment)
		r.Post("/{assignmentID}/complete", h.handleCompleteAssignment)
		r.Post("/{assignmentID}/cancel", h.handleCancelAssignment)
	})

	r.Route("/transfers", func(r chi.Router) {
		r.Post("/", h.handleRequestTransfer)
		r.Get("/pending", h.handlePendingTransfers)
		r.Get("/{transferID}", h.handleGetTransfer)
		r.Post("/{transferID}/respond", h.handleRespondTransfer)
	})

	r.Get("/operators/online", h.handleOnlineOperators)
	r.Get("/conversations/{chatID}/messages", h.handleHistory)

	return r
}

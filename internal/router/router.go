// Package router validates, persists and broadcasts chat messages.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"communityhub/pkg/interfaces"
	"communityhub/pkg/types"
)

const (
	DefaultRateLimit  = 100
	DefaultRateWindow = time.Minute
)

// Observer receives pipeline outcomes. Implemented by the metrics package.
type Observer interface {
	MessageRejected(reason string)
	MessagePersisted(room string, took time.Duration)
	MessageDelivered(room string, recipients int)
}

type noopObserver struct{}

func (noopObserver) MessageRejected(string)                {}
func (noopObserver) MessagePersisted(string, time.Duration) {}
func (noopObserver) MessageDelivered(string, int)           {}

// Option configures a Router.
type Option func(*Router)

// WithRateLimit overrides the per-user message budget.
func WithRateLimit(limit int, window time.Duration) Option {
	return func(r *Router) { r.rateLimiter = NewRateLimiter(limit, window) }
}

// WithMaxContentLength lowers the content limit below types.MaxContentLength.
func WithMaxContentLength(n int) Option {
	return func(r *Router) {
		if n > 0 && n < types.MaxContentLength {
			r.maxContent = n
		}
	}
}

// WithObserver attaches an outcome observer.
func WithObserver(o Observer) Option {
	return func(r *Router) {
		if o != nil {
			r.observer = o
		}
	}
}

// Router is the message ingest and broadcast pipeline.
// FUNCTIONAL DISCOVERY: Persist-then-broadcast. A message nobody could read
// back from history is never shown to the room
type Router struct {
	broadcaster interfaces.RoomBroadcaster
	store       interfaces.MessageStore
	rateLimiter *RateLimiter
	maxContent  int
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time
}

// NewRouter creates a new message router
func NewRouter(broadcaster interfaces.RoomBroadcaster, store interfaces.MessageStore, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		broadcaster: broadcaster,
		store:       store,
		rateLimiter: NewRateLimiter(DefaultRateLimit, DefaultRateWindow),
		maxContent:  types.MaxContentLength,
		observer:    noopObserver{},
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Prepare authorizes and validates a send request and builds the message to
// persist. The server assigns the id and always uses the connection's room.
func (r *Router) Prepare(sender types.Sender, req types.SendRequest) (*types.Message, error) {
	message, err := r.prepare(sender, req)
	if err != nil {
		r.observer.MessageRejected(rejectReason(err))
		r.logger.Info("router.rejected", "connection_id", sender.ConnectionID, "user_id", sender.UserID, "error", err)
		return nil, err
	}
	return message, nil
}

func (r *Router) prepare(sender types.Sender, req types.SendRequest) (*types.Message, error) {
	if !sender.Identified || sender.UserID == "" {
		return nil, fmt.Errorf("%w: connection has no identity", types.ErrUnauthorized)
	}
	// ARCHITECTURAL DISCOVERY: ids are compared as strings so a numeric JSON
	// sender matches the same id bound as a string
	if req.Sender.String() != sender.UserID {
		return nil, fmt.Errorf("%w: %s vs %s", types.ErrUnauthorized, req.Sender, sender.UserID)
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if utf8.RuneCountInString(req.Content) > r.maxContent {
		return nil, fmt.Errorf("%w: content exceeds %d characters", types.ErrInvalidMessage, r.maxContent)
	}
	if req.Subcategory != "" && req.Subcategory != sender.Room {
		return nil, fmt.Errorf("%w: subcategory %q does not match room %q",
			types.ErrInvalidMessage, req.Subcategory, sender.Room)
	}

	if !r.rateLimiter.Allow(sender.UserID) {
		return nil, types.ErrRateLimited
	}

	senderName := strings.TrimSpace(req.SenderName)
	if senderName == "" {
		senderName = sender.DisplayName
	}
	timestamp := r.now()
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		timestamp = *req.Timestamp
	}

	return &types.Message{
		ID:         uuid.New().String(),
		Content:    req.Content,
		SenderID:   sender.UserID,
		SenderName: senderName,
		Room:       sender.Room,
		Timestamp:  timestamp,
	}, nil
}

// Persist stores the message. Any store failure is reported as
// types.ErrPersistenceFailure wrapping the cause.
func (r *Router) Persist(ctx context.Context, message *types.Message) (*types.Message, error) {
	start := time.Now()
	stored, err := r.store.Create(ctx, message)
	if err != nil {
		r.observer.MessageRejected(rejectReason(types.ErrPersistenceFailure))
		r.logger.Error("router.persist_failed", "room", message.Room, "message_id", message.ID, "error", err)
		return nil, fmt.Errorf("%w: %w", types.ErrPersistenceFailure, err)
	}
	r.observer.MessagePersisted(stored.Room, time.Since(start))
	return stored, nil
}

// Deliver broadcasts the persisted message to the room group, sender included.
func (r *Router) Deliver(message *types.Message) int {
	delivered := r.broadcaster.Broadcast(message.Room, types.EventMessage, message)
	r.observer.MessageDelivered(message.Room, delivered)
	r.logger.Debug("router.delivered", "room", message.Room, "message_id", message.ID, "recipients", delivered)
	return delivered
}

// RouteMessage runs the whole pipeline synchronously and returns the ack for
// the sender.
func (r *Router) RouteMessage(ctx context.Context, sender types.Sender, req types.SendRequest) (types.Ack, error) {
	message, err := r.Prepare(sender, req)
	if err != nil {
		return ErrorAck(err), err
	}
	stored, err := r.Persist(ctx, message)
	if err != nil {
		return ErrorAck(err), err
	}
	r.Deliver(stored)
	return types.SuccessAck(stored), nil
}

// Cleanup drops idle rate limiter state.
func (r *Router) Cleanup() int {
	return r.rateLimiter.Cleanup()
}

// ErrorAck builds the error ack for a pipeline failure. Storage causes are
// not exposed to clients.
func ErrorAck(err error) types.Ack {
	if errors.Is(err, types.ErrPersistenceFailure) {
		return types.ErrorAck(types.ErrPersistenceFailure)
	}
	return types.ErrorAck(err)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, types.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, types.ErrInvalidMessage):
		return "invalid"
	case errors.Is(err, types.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, types.ErrPersistenceFailure):
		return "persistence"
	default:
		return "other"
	}
}

// Package hub serializes every connection event through one goroutine.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"communityhub/internal/router"
	"communityhub/internal/session"
	"communityhub/pkg/interfaces"
	"communityhub/pkg/types"
)

// Lifecycle is the connection lifecycle manager as seen by the hub.
type Lifecycle interface {
	Connect(conn interfaces.Connection, room string) error
	Identify(connectionID string, identity types.Identity) (types.Member, error)
	Disconnect(connectionID string) (session.State, bool)
	Sender(connectionID string) (types.Sender, bool)
}

// Pipeline is the message pipeline as seen by the hub.
type Pipeline interface {
	Prepare(sender types.Sender, req types.SendRequest) (*types.Message, error)
	Persist(ctx context.Context, message *types.Message) (*types.Message, error)
	Deliver(message *types.Message) int
	Cleanup() int
}

// Observer receives per-event timings. Implemented by the metrics package.
type Observer interface {
	EventHandled(kind string, took time.Duration)
	EventDropped(kind string)
}

type noopObserver struct{}

func (noopObserver) EventHandled(string, time.Duration) {}
func (noopObserver) EventDropped(string)                {}

type eventKind int

const (
	eventConnect eventKind = iota
	eventIdentify
	eventSend
	eventDisconnect
)

func (k eventKind) String() string {
	switch k {
	case eventConnect:
		return "connect"
	case eventIdentify:
		return "identify"
	case eventSend:
		return "send"
	case eventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

type event struct {
	kind         eventKind
	conn         interfaces.Connection
	connectionID string
	room         string
	identity     types.Identity
	request      types.SendRequest
	ack          types.AckFunc
}

type completion struct {
	message *types.Message
	err     error
	ack     types.AckFunc
}

// Config holds hub tuning.
type Config struct {
	EventBuffer     int
	CleanupInterval time.Duration
}

// DefaultConfig returns the hub defaults.
func DefaultConfig() Config {
	return Config{EventBuffer: 1000, CleanupInterval: time.Minute}
}

// Hub is the single-threaded event loop of the chat core.
// ARCHITECTURAL DISCOVERY: One ordered channel for all event kinds. Separate
// channels per kind would let a select reorder connect and identify for the
// same socket
// FUNCTIONAL DISCOVERY: Persistence runs off the loop and re-enters it through
// the completion channel, so a slow store never delays presence updates
type Hub struct {
	lifecycle Lifecycle
	pipeline  Pipeline
	observer  Observer
	logger    *slog.Logger
	config    Config

	events      chan event
	completions chan completion
	shutdown    chan struct{}
	done        chan struct{}
	inflight    sync.WaitGroup

	running bool
	mu      sync.RWMutex
}

// NewHub creates a new hub
func NewHub(lifecycle Lifecycle, pipeline Pipeline, observer Observer, logger *slog.Logger, config Config) *Hub {
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultConfig().EventBuffer
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}
	return &Hub{
		lifecycle:   lifecycle,
		pipeline:    pipeline,
		observer:    observer,
		logger:      logger,
		config:      config,
		events:      make(chan event, config.EventBuffer),
		completions: make(chan completion, config.EventBuffer),
	}
}

// Start begins hub processing. ctx bounds the loop and in-flight persists.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	h.logger.Info("hub.started", "event_buffer", h.config.EventBuffer)
	go h.run(ctx, h.shutdown, h.done)
	return nil
}

// Stop ends the loop and waits for it, and for any in-flight persist, to
// finish. Acks of those persists are still delivered. If the start context
// was cancelled first, Stop only waits and returns ErrHubNotRunning.
func (h *Hub) Stop() error {
	h.mu.Lock()
	done := h.done
	if !h.running {
		h.mu.Unlock()
		if done != nil {
			<-done
		}
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	h.mu.Unlock()

	<-done
	h.logger.Info("hub.stopped")
	return nil
}

// halt marks the hub stopped when its start context ends, so later enqueues
// fail instead of queueing onto a loop that no longer reads.
func (h *Hub) halt(shutdown chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running || h.shutdown != shutdown {
		return
	}
	h.running = false
	close(shutdown)
}

// IsRunning reports whether the loop is active.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Connect queues a new connection for room. If the lifecycle manager rejects
// it the hub closes the connection.
func (h *Hub) Connect(conn interfaces.Connection, room string) error {
	if conn == nil {
		return ErrNilConnection
	}
	return h.enqueue(event{kind: eventConnect, conn: conn, connectionID: conn.ID(), room: room})
}

// Identify queues an identity claim.
func (h *Hub) Identify(connectionID string, identity types.Identity) error {
	return h.enqueue(event{kind: eventIdentify, connectionID: connectionID, identity: identity})
}

// SendMessage queues a send request. ack is called exactly once, from the
// loop goroutine, unless the hub stops first. ack may be nil.
func (h *Hub) SendMessage(connectionID string, req types.SendRequest, ack types.AckFunc) error {
	if ack == nil {
		ack = func(types.Ack) {}
	}
	return h.enqueue(event{kind: eventSend, connectionID: connectionID, request: req, ack: ack})
}

// Disconnect queues a teardown. Unlike the other events it blocks while the
// channel is full, since a lost disconnect would leave a stale presence entry.
func (h *Hub) Disconnect(connectionID string) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	shutdown := h.shutdown
	h.mu.RUnlock()

	select {
	case h.events <- event{kind: eventDisconnect, connectionID: connectionID}:
		return nil
	case <-shutdown:
		return ErrHubNotRunning
	}
}

func (h *Hub) enqueue(ev event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.events <- ev:
		return nil
	default:
		h.observer.EventDropped(ev.kind.String())
		return ErrEventChannelFull
	}
}

func (h *Hub) run(ctx context.Context, shutdown chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-h.events:
			start := time.Now()
			h.handle(ctx, ev)
			h.observer.EventHandled(ev.kind.String(), time.Since(start))

		case c := <-h.completions:
			h.complete(c)

		case <-ticker.C:
			if removed := h.pipeline.Cleanup(); removed > 0 {
				h.logger.Debug("hub.rate_limiter_cleanup", "removed", removed)
			}

		case <-shutdown:
			h.finish()
			return

		case <-ctx.Done():
			h.logger.Info("hub.context_cancelled")
			h.halt(shutdown)
			h.finish()
			return
		}
	}
}

func (h *Hub) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case eventConnect:
		if err := h.lifecycle.Connect(ev.conn, ev.room); err != nil {
			h.logger.Warn("hub.connect_rejected", "connection_id", ev.connectionID, "room", ev.room, "error", err)
			if closeErr := ev.conn.Close(); closeErr != nil {
				h.logger.Debug("hub.close_failed", "connection_id", ev.connectionID, "error", closeErr)
			}
		}

	case eventIdentify:
		// failures were already reported to the connection by the lifecycle manager
		_, _ = h.lifecycle.Identify(ev.connectionID, ev.identity)

	case eventSend:
		h.handleSend(ctx, ev)

	case eventDisconnect:
		h.lifecycle.Disconnect(ev.connectionID)
	}
}

func (h *Hub) handleSend(ctx context.Context, ev event) {
	sender, ok := h.lifecycle.Sender(ev.connectionID)
	if !ok {
		ev.ack(router.ErrorAck(types.ErrUnauthorized))
		return
	}

	message, err := h.pipeline.Prepare(sender, ev.request)
	if err != nil {
		ev.ack(router.ErrorAck(err))
		return
	}

	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		stored, err := h.pipeline.Persist(ctx, message)
		// the loop keeps reading completions until inflight reaches zero
		h.completions <- completion{message: stored, err: err, ack: ev.ack}
	}()
}

func (h *Hub) complete(c completion) {
	if c.err != nil {
		c.ack(router.ErrorAck(c.err))
		return
	}
	h.pipeline.Deliver(c.message)
	c.ack(types.SuccessAck(c.message))
}

// finish completes every in-flight persist after the loop stops taking
// events, so each accepted send is still acked.
func (h *Hub) finish() {
	idle := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(idle)
	}()

	for {
		select {
		case c := <-h.completions:
			h.complete(c)
		case <-idle:
			for {
				select {
				case c := <-h.completions:
					h.complete(c)
				default:
					return
				}
			}
		}
	}
}

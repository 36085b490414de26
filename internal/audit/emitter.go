package audit

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/sentinel/internal/auditctx"
	"github.com/charlesng35/sentinel/internal/models"
	"github.com/charlesng35/sentinel/pkg/logger"
	"github.com/charlesng35/sentinel/pkg/metrics"
)

// Config controls buffering and enrichment.
type Config struct {
	BufferSize    int
	LookupTimeout time.Duration
	WriteTimeout  time.Duration
	UserAgent     string
}

type queued struct {
	event Event
	actor auditctx.Actor
	at    time.Time
}

// Emitter records audit events asynchronously. Emit never blocks and never fails the caller:
// a full buffer drops the event, lookups and writes that fail are logged.
type Emitter struct {
	cfg    Config
	sink   Sink
	lookup IPLookup
	now    func() time.Time
	log    *zap.Logger

	ch        chan queued
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	written   atomic.Uint64
	// mu is held for reading while an event is enqueued so Close cannot start the final
	// drain in between.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// Option customises an Emitter.
type Option func(*Emitter)

// WithIPLookup sets the fallback used when the request actor carries no address.
func WithIPLookup(lookup IPLookup) Option {
	return func(e *Emitter) {
		e.lookup = lookup
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Emitter) {
		if log != nil {
			e.log = log
		}
	}
}

// NewEmitter starts the background writer.
func NewEmitter(cfg Config, sink Sink, opts ...Option) *Emitter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	e := &Emitter{
		cfg:  cfg,
		sink: sink,
		now:  time.Now,
		log:  logger.WithModule("audit"),
		ch:   make(chan queued, cfg.BufferSize),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.wg.Add(1)
	go e.run()
	return e
}

// Emit enqueues event. Events without an organization are skipped with a warning.
func (e *Emitter) Emit(ctx context.Context, event Event) {
	if e == nil {
		return
	}
	event.Action = strings.TrimSpace(event.Action)
	if event.Action == "" {
		e.log.Warn("audit event without action skipped")
		metrics.AuditEvents.WithLabelValues("skipped").Inc()
		return
	}
	if strings.TrimSpace(event.OrganizationID) == "" {
		e.log.Warn("audit event skipped: no organization context",
			zap.String("action", event.Action),
			zap.String("user_id", event.UserID),
		)
		metrics.AuditEvents.WithLabelValues("skipped").Inc()
		return
	}

	actor, _ := auditctx.FromContext(ctx)
	item := queued{event: event, actor: actor, at: e.now()}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(event.Action, "audit emitter closed, event dropped")
		return
	}
	select {
	case e.ch <- item:
		metrics.AuditEvents.WithLabelValues("emitted").Inc()
	default:
		e.drop(event.Action, "audit buffer full, event dropped")
	}
}

func (e *Emitter) drop(action, msg string) {
	e.dropped.Add(1)
	metrics.AuditEvents.WithLabelValues("dropped").Inc()
	e.log.Warn(msg, zap.String("action", action))
}

// Close stops accepting events and waits for queued ones to be written.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.done)
		e.mu.Unlock()
		e.wg.Wait()
	})
}

// Dropped reports how many events were discarded because the buffer was full or the
// emitter was closed.
func (e *Emitter) Dropped() uint64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}

// Written reports how many events reached the sink.
func (e *Emitter) Written() uint64 {
	if e == nil {
		return 0
	}
	return e.written.Load()
}

func (e *Emitter) run() {
	defer e.wg.Done()

	for {
		select {
		case item := <-e.ch:
			e.write(item)
		case <-e.done:
			for {
				select {
				case item := <-e.ch:
					e.write(item)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) write(item queued) {
	if e.sink == nil {
		return
	}
	event := item.event

	details, err := encodeDetails(event.Details)
	if err != nil {
		e.log.Warn("audit details dropped", zap.String("action", event.Action), zap.Error(err))
	}

	entry := &models.AuditLog{
		OrganizationID: strings.TrimSpace(event.OrganizationID),
		Action:         event.Action,
		ResourceType:   strings.TrimSpace(event.ResourceType),
		ResourceID:     strings.TrimSpace(event.ResourceID),
		Details:        details,
		IPAddress:      e.resolveIP(event, item.actor),
		UserAgent:      firstNonEmpty(event.UserAgent, item.actor.UserAgent, e.cfg.UserAgent),
		CreatedAt:      item.at,
	}
	if userID := firstNonEmpty(event.UserID, item.actor.IdentityID); userID != "" {
		entry.UserID = &userID
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WriteTimeout)
	defer cancel()
	if err := e.sink.Write(ctx, entry); err != nil {
		metrics.AuditEvents.WithLabelValues("failed").Inc()
		e.log.Warn("audit write failed", zap.String("action", event.Action), zap.Error(err))
		return
	}
	e.written.Add(1)
}

func (e *Emitter) resolveIP(event Event, actor auditctx.Actor) string {
	if ip := firstNonEmpty(event.IPAddress, actor.IPAddress); ip != "" {
		return ip
	}
	if e.lookup == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.LookupTimeout)
	defer cancel()
	ip, err := e.lookup.Lookup(ctx)
	if err != nil {
		e.log.Debug("ip lookup failed", zap.Error(err))
		return ""
	}
	return ip
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPendingLimit = 10
	maxPendingLimit     = 100
	defaultDenyReason   = "Denied by user"
)

// EventType identifies a queue state change.
type EventType string

const (
	EventCreated  EventType = "request.created"
	EventDecided  EventType = "request.decided"
	EventTimedOut EventType = "request.timeout"
	EventPurged   EventType = "request.purged"
)

// Event is emitted after a queue mutation has been committed.
// Request is set for created/decided events, Count for bulk events.
type Event struct {
	Type    EventType `json:"type"`
	Request *Request  `json:"request,omitempty"`
	Count   int64     `json:"count,omitempty"`
	At      time.Time `json:"at"`
}

// Listener receives queue events. Implementations must not block for long.
type Listener interface {
	HandleApprovalEvent(ctx context.Context, event Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event Event)

func (f ListenerFunc) HandleApprovalEvent(ctx context.Context, event Event) { f(ctx, event) }

// Service enforces queue rules on top of a Store. It is the only writer.
type Service struct {
	store           Store
	maxPayloadBytes int
	now             func() time.Time
	newID           func() string

	mu        sync.RWMutex
	listeners []Listener
}

// Option configures a Service.
type Option func(*Service)

// WithMaxPayloadBytes bounds accepted payload sizes.
func WithMaxPayloadBytes(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxPayloadBytes = n
		}
	}
}

// WithClock replaces the wall clock used for timestamps and age cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithListener registers a listener at construction.
func WithListener(l Listener) Option {
	return func(s *Service) { s.listeners = append(s.listeners, l) }
}

// NewService creates a queue service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:           store,
		maxPayloadBytes: DefaultMaxPayloadBytes,
		now:             time.Now,
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers a listener for subsequent events.
func (s *Service) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Submit validates and stores a new pending request.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (Request, error) {
	sessionID := strings.TrimSpace(input.SessionID)
	if sessionID == "" {
		return Request{}, fmt.Errorf("%w: session_id is required", ErrValidation)
	}
	category := NormalizeCategory(input.Category)
	if err := ValidateAction(category, input.Payload, s.maxPayloadBytes); err != nil {
		return Request{}, err
	}

	req := Request{
		ID:         s.newID(),
		SessionID:  sessionID,
		CreatedAt:  s.now().UTC(),
		Category:   category,
		Payload:    append([]byte(nil), input.Payload...),
		WorkingDir: strings.TrimSpace(input.WorkingDir),
		Status:     StatusPending,
	}
	if err := s.store.Insert(ctx, req); err != nil {
		return Request{}, err
	}

	slog.Info("approval request created", "id", req.ID, "category", req.Category, "session_id", req.SessionID)
	s.emit(ctx, Event{Type: EventCreated, Request: &req, At: req.CreatedAt})
	return req, nil
}

// Decide applies a human decision. It returns false without error when the
// request already reached a terminal state.
func (s *Service) Decide(ctx context.Context, id string, decision Decision) (bool, error) {
	requestID := strings.TrimSpace(id)
	if requestID == "" {
		return false, fmt.Errorf("%w: id is required", ErrValidation)
	}
	status, ok := decision.Verdict.Status()
	if !ok {
		return false, fmt.Errorf("%w: decision must be approve or deny, got %q", ErrValidation, decision.Verdict)
	}

	reason := strings.TrimSpace(decision.Reason)
	if status == StatusDenied && reason == "" {
		reason = defaultDenyReason
	}
	now := s.now().UTC()

	applied, err := s.store.Transition(ctx, requestID, status, strings.TrimSpace(decision.DecidedBy), reason, now)
	if err != nil {
		return false, err
	}
	if !applied {
		// Distinguish an unknown id from a lost race.
		current, err := s.store.Get(ctx, requestID)
		if err != nil {
			return false, err
		}
		slog.Info("approval decision too late", "id", requestID, "status", current.Status, "attempted", status)
		return false, nil
	}

	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		slog.Warn("approval decided but reload failed", "id", requestID, "error", err)
		return true, nil
	}
	slog.Info("approval request decided", "id", requestID, "status", status, "decided_by", req.DecidedBy)
	s.emit(ctx, Event{Type: EventDecided, Request: &req, At: now})
	return true, nil
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, id string) (Request, error) {
	requestID := strings.TrimSpace(id)
	if requestID == "" {
		return Request{}, fmt.Errorf("%w: id is required", ErrValidation)
	}
	return s.store.Get(ctx, requestID)
}

// ListPending returns up to limit pending requests, newest first.
func (s *Service) ListPending(ctx context.Context, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	if limit > maxPendingLimit {
		limit = maxPendingLimit
	}
	return s.store.ListPending(ctx, limit)
}

// SweepTimeouts moves pending requests created strictly more than maxAge ago
// to the timeout state.
func (s *Service) SweepTimeouts(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge < 0 {
		return 0, fmt.Errorf("%w: max age must not be negative", ErrValidation)
	}
	now := s.now().UTC()
	n, err := s.store.TimeoutOlderThan(ctx, now.Add(-maxAge), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("approval requests timed out", "count", n, "max_age", maxAge.String())
		s.emit(ctx, Event{Type: EventTimedOut, Count: n, At: now})
	}
	return n, nil
}

// Purge permanently deletes requests of any status created strictly before
// now minus retention.
func (s *Service) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < 0 {
		return 0, fmt.Errorf("%w: retention must not be negative", ErrValidation)
	}
	now := s.now().UTC()
	n, err := s.store.DeleteOlderThan(ctx, now.Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("approval requests purged", "count", n, "retention", retention.String())
		s.emit(ctx, Event{Type: EventPurged, Count: n, At: now})
	}
	return n, nil
}

// Statistics returns aggregate counts, with RecentHour relative to now.
func (s *Service) Statistics(ctx context.Context) (Stats, error) {
	return s.store.Statistics(ctx, s.now().UTC().Add(-time.Hour))
}

// Ping reports whether the store answers queries.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.store.Get(ctx, "")
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (s *Service) emit(ctx context.Context, event Event) {
	s.mu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()

	for _, l := range listeners {
		l.HandleApprovalEvent(ctx, event)
	}
}

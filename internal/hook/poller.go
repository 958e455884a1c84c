package hook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/dusancv22/CC-Release-Monitor/internal/approval"
	"github.com/dusancv22/CC-Release-Monitor/internal/client"
	"github.com/dusancv22/CC-Release-Monitor/internal/policy"
)

const (
	DefaultBudget       = 55 * time.Second
	DefaultPollInterval = time.Second

	defaultDenyReason = "Denied via Telegram"
)

// Verdict is the local outcome of one approval wait.
type Verdict string

const (
	VerdictProceed     Verdict = "proceed"
	VerdictBlocked     Verdict = "blocked"
	VerdictAskOperator Verdict = "ask_operator"
)

// Outcome is what the caller acts on.
type Outcome struct {
	Verdict   Verdict
	Reason    string
	RequestID string
}

// Action is the prospective tool invocation awaiting a decision.
type Action struct {
	SessionID  string
	Category   string
	Payload    json.RawMessage
	WorkingDir string
}

// Client is the subset of the approval server client the poller uses.
type Client interface {
	Create(ctx context.Context, req client.CreateRequest) (client.CreateResult, error)
	Status(ctx context.Context, id string) (approval.View, error)
}

// Classifier decides whether an action needs approval at all.
type Classifier interface {
	Classify(input policy.Input) policy.Decision
}

// Poller turns the asynchronous queue into a bounded synchronous wait.
type Poller struct {
	classifier Classifier
	client     Client
	budget     time.Duration
	interval   time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Poller.
type Option func(*Poller)

// WithBudget sets the total wait budget.
func WithBudget(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.budget = d
		}
	}
}

// WithPollInterval sets the delay between status polls.
func WithPollInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// NewPoller creates a poller.
func NewPoller(classifier Classifier, c Client, opts ...Option) *Poller {
	p := &Poller{
		classifier: classifier,
		client:     c,
		budget:     DefaultBudget,
		interval:   DefaultPollInterval,
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run classifies action and, when required, waits for a human decision.
// It never fails: every error resolves to ask-operator.
func (p *Poller) Run(ctx context.Context, action Action) Outcome {
	decision := p.classifier.Classify(policy.Input{Category: action.Category, Payload: action.Payload})
	if !decision.RequiresApproval() {
		slog.Debug("action auto-approved", "category", action.Category, "reason", decision.Reason)
		return Outcome{Verdict: VerdictProceed, Reason: "auto-approved: " + decision.Reason}
	}

	start := p.now()
	deadline := start.Add(p.budget)

	created, err := p.client.Create(ctx, client.CreateRequest{
		SessionID:  action.SessionID,
		Category:   action.Category,
		Payload:    action.Payload,
		WorkingDir: action.WorkingDir,
	})
	if err != nil {
		slog.Warn("approval request not submitted", "category", action.Category, "error", err)
		if errors.Is(err, approval.ErrValidation) {
			return Outcome{Verdict: VerdictAskOperator, Reason: "remote approval rejected the request"}
		}
		return Outcome{Verdict: VerdictAskOperator, Reason: "remote approval server unavailable"}
	}
	slog.Info("waiting for remote approval", "id", created.ID, "category", action.Category, "budget", p.budget.String())

	for {
		view, err := p.poll(ctx, created.ID, deadline)
		if err != nil {
			slog.Debug("approval status poll failed", "id", created.ID, "error", err)
		} else if view.Status.Terminal() {
			return p.resolve(created.ID, view)
		}

		remaining := deadline.Sub(p.now())
		if remaining <= 0 {
			slog.Info("remote approval budget exhausted", "id", created.ID)
			return Outcome{Verdict: VerdictAskOperator, Reason: "no remote decision within budget", RequestID: created.ID}
		}
		wait := p.interval
		if remaining < wait {
			wait = remaining
		}
		if err := p.sleep(ctx, wait); err != nil {
			return Outcome{Verdict: VerdictAskOperator, Reason: "approval wait interrupted", RequestID: created.ID}
		}
	}
}

func (p *Poller) poll(ctx context.Context, id string, deadline time.Time) (approval.View, error) {
	remaining := deadline.Sub(p.now())
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	pollCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()
	return p.client.Status(pollCtx, id)
}

func (p *Poller) resolve(id string, view approval.View) Outcome {
	switch view.Status {
	case approval.StatusApproved:
		slog.Info("remote approval granted", "id", id, "decided_by", view.DecidedBy)
		return Outcome{Verdict: VerdictProceed, Reason: "approved remotely", RequestID: id}
	case approval.StatusDenied:
		reason := strings.TrimSpace(view.Reason)
		if reason == "" {
			reason = defaultDenyReason
		}
		slog.Info("remote approval denied", "id", id, "decided_by", view.DecidedBy)
		return Outcome{Verdict: VerdictBlocked, Reason: reason, RequestID: id}
	default:
		slog.Info("remote approval timed out", "id", id)
		return Outcome{Verdict: VerdictAskOperator, Reason: "no decision before timeout", RequestID: id}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package fill is the entry point for resolving a credential: it completes a
// partial record through the helper chain, hands it to an approver, and
// reports the decision back to the helpers as a store or erase.
package fill

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/conductor/credfill/internal/chain"
	"github.com/conductor/credfill/internal/credential"
	"github.com/conductor/credfill/internal/helper"
	"github.com/conductor/credfill/pkg/log"
	"github.com/conductor/credfill/pkg/metrics"
	"github.com/conductor/credfill/pkg/tracing"
)

// ErrNoApprover is returned by Resolve when no approver is supplied. Nothing
// is invoked in that case.
var ErrNoApprover = errors.New("no approver supplied")

// ApproverError wraps a failure returned by the approver.
type ApproverError struct {
	Err error
}

func (e *ApproverError) Error() string {
	return fmt.Sprintf("approver failed: %v", e.Err)
}

func (e *ApproverError) Unwrap() error {
	return e.Err
}

// Chain is the subset of *chain.Resolver used by the engine.
type Chain interface {
	Fill(ctx context.Context, rec *credential.Record) *chain.FillReport
	Broadcast(ctx context.Context, op helper.Operation, rec *credential.Record) error
}

// State is a step of a single Resolve call.
type State string

const (
	StateInit             State = "init"
	StateFilling          State = "filling"
	StateAwaitingApproval State = "awaiting_approval"
	StateApproved         State = "approved"
	StateRejected         State = "rejected"
	StateStoring          State = "storing"
	StateErasing          State = "erasing"
	StateDone             State = "done"
)

// Request is the caller's partial credential. Either URL or the discrete
// fields may be given; when both are, the URL wins and the discrete fields
// only fill what it leaves empty.
type Request struct {
	URL      string
	Protocol string
	Host     string
	Path     string
	Username string
}

// Outcome describes a finished Resolve call. It never carries the password.
type Outcome struct {
	ResolveID string
	Protocol  string
	Host      string
	Username  string
	// Complete reports whether the record handed to the approver was complete.
	Complete bool
	Approved bool
	// FillErrors are helper failures tolerated during the fill.
	FillErrors []error
	// States lists every state the call passed through, ending in StateDone.
	States []State
}

func (o *Outcome) transition(s State) {
	o.States = append(o.States, s)
}

// Engine resolves credentials. It holds no per-call state and may be shared
// between goroutines as long as its Chain may.
type Engine struct {
	chain   Chain
	logger  log.Logger
	metrics *metrics.Metrics
	newID   func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine backed by c.
func NewEngine(c Chain, opts ...Option) *Engine {
	e := &Engine{
		chain:  c,
		logger: log.NewNop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Normalize turns a request into a credential record.
func Normalize(req Request) (*credential.Record, error) {
	rec := credential.New()
	if req.URL != "" {
		parsed, err := credential.ParseURL(req.URL)
		if err != nil {
			return nil, err
		}
		rec = parsed
	}
	rec.Merge(&credential.Record{
		Protocol: req.Protocol,
		Host:     req.Host,
		Path:     req.Path,
		Username: req.Username,
	})
	return rec, nil
}

// Resolve fills req through the helper chain, asks approver for a decision
// and broadcasts store on approval or erase otherwise.
//
// The record's password is cleared before Resolve returns on every path.
// Helper failures during the fill are reported on the Outcome; failures
// during store or erase are returned after every helper has been tried.
func (e *Engine) Resolve(ctx context.Context, req Request, approver Approver) (*Outcome, error) {
	if !usable(approver) {
		e.metrics.RecordResolve("no_approver")
		return nil, ErrNoApprover
	}

	id := e.newID()
	ctx = log.ContextWithResolveID(ctx, id)
	logger := e.logger.WithContext(ctx)

	ctx, span := tracing.StartSpan(ctx, "resolve", tracing.AttrResolveID.String(id))
	defer span.End()

	out := &Outcome{ResolveID: id}
	out.transition(StateInit)

	rec, err := Normalize(req)
	if err != nil {
		out.transition(StateDone)
		e.metrics.RecordResolve("invalid_request")
		tracing.RecordError(span, err)
		return out, fmt.Errorf("normalize request: %w", err)
	}
	defer func() {
		rec.Clear()
		out.transition(StateDone)
	}()

	span.SetAttributes(tracing.AttrProtocol.String(rec.Protocol), tracing.AttrHost.String(rec.Host))

	out.transition(StateFilling)
	if rec.IsComplete() {
		logger.Debug().Object("credential", rec).Msg("Credential already complete, skipping helpers")
	} else {
		report := e.chain.Fill(ctx, rec)
		out.FillErrors = report.Errors()
		logger.Debug().
			Object("credential", rec).
			Int("helpers_consulted", len(report.Attempts)).
			Int("helper_errors", len(out.FillErrors)).
			Msg("Credential fill finished")
	}

	out.Protocol = rec.Protocol
	out.Host = rec.Host
	out.Username = rec.Username
	out.Complete = rec.IsComplete()

	out.transition(StateAwaitingApproval)
	approved, decideErr := decide(ctx, approver, rec.Username, rec.PasswordString())
	if decideErr != nil {
		approved = false
		logger.Warn().Err(decideErr).Msg("Approver failed, treating credential as rejected")
	}
	out.Approved = approved
	span.SetAttributes(tracing.AttrApproved.Bool(approved))

	op := helper.OpErase
	if approved {
		op = helper.OpStore
		out.transition(StateApproved)
		out.transition(StateStoring)
	} else {
		out.transition(StateRejected)
		out.transition(StateErasing)
	}

	lifecycleErr := e.chain.Broadcast(ctx, op, rec)

	switch {
	case decideErr != nil:
		e.metrics.RecordResolve("approver_error")
		if lifecycleErr != nil {
			logger.Warn().Err(lifecycleErr).Msg("Credential erase failed after approver error")
		}
		err := &ApproverError{Err: decideErr}
		tracing.RecordError(span, err)
		return out, err
	case approved:
		e.metrics.RecordResolve("approved")
	default:
		e.metrics.RecordResolve("rejected")
	}

	if lifecycleErr != nil {
		tracing.RecordError(span, lifecycleErr)
		return out, fmt.Errorf("credential %s: %w", op, lifecycleErr)
	}

	logger.Debug().Bool("approved", approved).Msg("Credential resolved")
	return out, nil
}

// usable reports whether approver can be asked for a decision. A nil
// ApproverFunc is a non-nil interface value but cannot be called.
func usable(approver Approver) bool {
	if approver == nil {
		return false
	}
	if f, ok := approver.(ApproverFunc); ok && f == nil {
		return false
	}
	return true
}

// decide asks approver for a decision. A panic in the approver is returned
// as an error so the credential is still erased.
func decide(ctx context.Context, approver Approver, username, password string) (approved bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			approved = false
			err = fmt.Errorf("approver panicked: %v", r)
		}
	}()
	return approver.Decide(ctx, username, password)
}

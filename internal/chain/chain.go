// Package chain applies an ordered list of credential helpers to a record.
//
// Helper order is a priority list: for every field the first helper to
// supply a value wins, and later helpers only fill gaps. Helpers run one at
// a time so that this ordering stays deterministic.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/conductor/credfill/internal/credential"
	"github.com/conductor/credfill/internal/helper"
	"github.com/conductor/credfill/pkg/log"
	"github.com/conductor/credfill/pkg/metrics"
	"github.com/conductor/credfill/pkg/tracing"
)

// Resolver drives a helper chain.
type Resolver struct {
	helpers []helper.Config
	invoker helper.Invoker
	logger  log.Logger
	metrics *metrics.Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// New creates a Resolver over helpers in priority order.
func New(invoker helper.Invoker, helpers []helper.Config, opts ...Option) *Resolver {
	r := &Resolver{
		helpers: append([]helper.Config(nil), helpers...),
		invoker: invoker,
		logger:  log.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Helpers returns the configured helpers in priority order.
func (r *Resolver) Helpers() []helper.Config {
	return append([]helper.Config(nil), r.helpers...)
}

// Attempt records one helper consulted during a fill.
type Attempt struct {
	Helper string
	Filled []string
	Err    error
}

// FillReport summarizes a fill.
type FillReport struct {
	Attempts []Attempt
	// Complete is true when the record was complete after the fill.
	Complete bool
	// Quit is true when a helper asked to stop the chain.
	Quit bool
}

// Errors returns the per-helper errors recorded during the fill.
func (f *FillReport) Errors() []error {
	var errs []error
	for _, a := range f.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// Fill asks each helper supporting get and scoped to rec, in order, to fill
// the gaps in rec.
// It stops once rec is complete, when a helper answers quit, or when ctx is
// done. Helper failures are recorded on the report and never returned: an
// incomplete record is still handed to the approver.
func (r *Resolver) Fill(ctx context.Context, rec *credential.Record) *FillReport {
	report := &FillReport{}
	logger := r.logger.WithContext(ctx)

	for _, h := range r.helpers {
		if rec.IsComplete() {
			break
		}
		if !h.Supports(helper.OpGet) || !Matches(h, rec) {
			continue
		}
		if err := ctx.Err(); err != nil {
			report.Attempts = append(report.Attempts, Attempt{Helper: h.DisplayName(), Err: err})
			logger.Warn().Err(err).Msg("Credential fill interrupted")
			break
		}

		attempt, resp := r.invoke(ctx, h, helper.OpGet, rec)
		report.Attempts = append(report.Attempts, attempt)

		if attempt.Err != nil {
			logger.Warn().
				Str("helper", attempt.Helper).
				Err(attempt.Err).
				Msg("Credential helper failed, trying next")
			continue
		}

		logger.Debug().
			Str("helper", attempt.Helper).
			Strs("filled", attempt.Filled).
			Msg("Credential helper answered")

		if resp.Quit {
			report.Quit = true
			logger.Debug().Str("helper", attempt.Helper).Msg("Credential helper requested quit")
			break
		}
	}

	report.Complete = rec.IsComplete()
	return report
}

// Broadcast sends a store or erase event to every helper that supports it
// and whose scope matches rec.
// All helpers are tried; failures are collected into a *BroadcastError.
func (r *Resolver) Broadcast(ctx context.Context, op helper.Operation, rec *credential.Record) error {
	if op != helper.OpStore && op != helper.OpErase {
		return fmt.Errorf("cannot broadcast %q: only store and erase are lifecycle events", op)
	}

	logger := r.logger.WithContext(ctx)
	var errs []error

	for _, h := range r.helpers {
		if !h.Supports(op) || !Matches(h, rec) {
			continue
		}

		attempt, _ := r.invoke(ctx, h, op, rec)
		if attempt.Err != nil {
			errs = append(errs, attempt.Err)
			r.metrics.RecordBroadcastFailure(attempt.Helper, string(op))
			logger.Warn().
				Str("helper", attempt.Helper).
				Str("operation", string(op)).
				Err(attempt.Err).
				Msg("Credential helper rejected lifecycle event")
		}
	}

	if len(errs) > 0 {
		return &BroadcastError{Op: op, Errors: errs}
	}
	return nil
}

// invoke runs one helper inside a span and records metrics.
func (r *Resolver) invoke(ctx context.Context, h helper.Config, op helper.Operation, rec *credential.Record) (Attempt, *helper.Response) {
	name := h.DisplayName()
	ctx, span := tracing.StartSpan(ctx, "helper."+string(op),
		tracing.AttrHelper.String(name),
		tracing.AttrOperation.String(string(op)),
		tracing.AttrProtocol.String(rec.Protocol),
		tracing.AttrHost.String(rec.Host),
	)
	defer span.End()

	start := time.Now()
	resp, err := r.invoker.Invoke(ctx, h, op, rec)
	duration := time.Since(start)
	if err != nil {
		tracing.RecordError(span, err)
		r.metrics.RecordHelper(name, string(op), resultLabel(err), duration)
		return Attempt{Helper: name, Err: err}, nil
	}

	r.metrics.RecordHelper(name, string(op), "ok", duration)
	r.metrics.RecordFilled(name, resp.Filled)
	return Attempt{Helper: name, Filled: resp.Filled}, resp
}

func resultLabel(err error) string {
	var perr *helper.ProtocolError
	switch {
	case errors.Is(err, helper.ErrHelperNotFound):
		return "not_found"
	case errors.As(err, &perr):
		return "protocol_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "interrupted"
	default:
		return "error"
	}
}

// BroadcastError collects the helpers that failed a lifecycle event.
type BroadcastError struct {
	Op     helper.Operation
	Errors []error
}

func (e *BroadcastError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("%s: %v", e.Op, e.Errors[0])
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s failed for %d helpers:\n", e.Op, len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap returns the underlying errors for errors.Is/As compatibility.
func (e *BroadcastError) Unwrap() []error {
	return e.Errors
}

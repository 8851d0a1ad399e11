package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor/credfill/internal/credential"
	"github.com/conductor/credfill/internal/helper"
	"github.com/conductor/credfill/pkg/metrics"
)

type call struct {
	helper string
	op     helper.Operation
}

// fakeInvoker answers get requests from canned records and fails helpers
// listed in failures.
type fakeInvoker struct {
	answers  map[string]*credential.Record
	quit     map[string]bool
	failures map[string]error
	delays   map[string]time.Duration
	calls    []call
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		answers:  map[string]*credential.Record{},
		quit:     map[string]bool{},
		failures: map[string]error{},
		delays:   map[string]time.Duration{},
	}
}

func (f *fakeInvoker) Invoke(_ context.Context, cfg helper.Config, op helper.Operation, rec *credential.Record) (*helper.Response, error) {
	f.calls = append(f.calls, call{helper: cfg.Name, op: op})
	time.Sleep(f.delays[cfg.Name])
	if err := f.failures[cfg.Name]; err != nil {
		return nil, err
	}
	resp := &helper.Response{Quit: f.quit[cfg.Name]}
	if op == helper.OpGet {
		if answer := f.answers[cfg.Name]; answer != nil {
			if rec.Username == "" && answer.Username != "" {
				resp.Filled = append(resp.Filled, "username")
			}
			if !rec.HasPassword() && answer.HasPassword() {
				resp.Filled = append(resp.Filled, "password")
			}
			rec.Merge(answer)
		}
	}
	return resp, nil
}

func (f *fakeInvoker) called(op helper.Operation) []string {
	var names []string
	for _, c := range f.calls {
		if c.op == op {
			names = append(names, c.helper)
		}
	}
	return names
}

func helpers(names ...string) []helper.Config {
	out := make([]helper.Config, 0, len(names))
	for _, n := range names {
		out = append(out, helper.Config{Name: n, Command: n})
	}
	return out
}

func TestFill_FirstWriterWins(t *testing.T) {
	inv := newFakeInvoker()
	inv.answers["h1"] = &credential.Record{Username: "alice"}
	inv.answers["h2"] = &credential.Record{Username: "bob", Password: []byte("p2")}

	rec := &credential.Record{Protocol: "https", Host: "example.com"}
	report := New(inv, helpers("h1", "h2")).Fill(context.Background(), rec)

	assert.Equal(t, "https", rec.Protocol)
	assert.Equal(t, "example.com", rec.Host)
	assert.Equal(t, "alice", rec.Username)
	assert.Equal(t, "p2", rec.PasswordString())
	assert.True(t, report.Complete)
	assert.Empty(t, report.Errors())
	require.Len(t, report.Attempts, 2)
	assert.Equal(t, []string{"username"}, report.Attempts[0].Filled)
	assert.Equal(t, []string{"password"}, report.Attempts[1].Filled)
}

func TestFill_PriorityLawForEveryOrdering(t *testing.T) {
	answers := map[string]*credential.Record{
		"a": {Username: "ua"},
		"b": {Username: "ub", Password: []byte("pb"), Path: "pathb"},
		"c": {Password: []byte("pc"), Path: "pathc"},
	}
	orderings := [][]string{
		{"a", "b", "c"}, {"a", "c", "b"}, {"b", "a", "c"},
		{"b", "c", "a"}, {"c", "a", "b"}, {"c", "b", "a"},
	}

	for _, order := range orderings {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			inv := newFakeInvoker()
			for k, v := range answers {
				answer := &credential.Record{}
				answer.Merge(v)
				inv.answers[k] = answer
			}

			// No protocol, so the record never becomes complete and every
			// helper is consulted.
			rec := &credential.Record{Host: "example.com"}
			New(inv, helpers(order...)).Fill(context.Background(), rec)

			first := func(get func(*credential.Record) string) string {
				for _, name := range order {
					if v := get(answers[name]); v != "" {
						return v
					}
				}
				return ""
			}
			assert.Equal(t, first(func(r *credential.Record) string { return r.Username }), rec.Username)
			assert.Equal(t, first(func(r *credential.Record) string { return r.PasswordString() }), rec.PasswordString())
			assert.Equal(t, first(func(r *credential.Record) string { return r.Path }), rec.Path)
		})
	}
}

func TestFill_StopsWhenComplete(t *testing.T) {
	inv := newFakeInvoker()
	inv.answers["h1"] = &credential.Record{Username: "alice", Password: []byte("p1")}
	inv.answers["h2"] = &credential.Record{Username: "bob"}

	rec := &credential.Record{Protocol: "https", Host: "example.com"}
	New(inv, helpers("h1", "h2")).Fill(context.Background(), rec)

	assert.Equal(t, []string{"h1"}, inv.called(helper.OpGet))
}

func TestFill_CompleteRecordSkipsHelpers(t *testing.T) {
	inv := newFakeInvoker()

	rec := &credential.Record{Protocol: "https", Host: "example.com", Username: "u", Password: []byte("p")}
	report := New(inv, helpers("h1", "h2")).Fill(context.Background(), rec)

	assert.Empty(t, inv.calls)
	assert.True(t, report.Complete)
}

func TestFill_NoHelpers(t *testing.T) {
	rec := &credential.Record{Protocol: "https", Host: "x.com", Username: "u"}
	report := New(newFakeInvoker(), nil).Fill(context.Background(), rec)

	assert.False(t, report.Complete)
	assert.Empty(t, report.Attempts)
	assert.Equal(t, "u", rec.Username)
	assert.False(t, rec.HasPassword())
}

func TestFill_ToleratesHelperErrors(t *testing.T) {
	inv := newFakeInvoker()
	inv.failures["broken"] = &helper.ExecutionError{Helper: "broken", Op: helper.OpGet, ExitCode: 1}
	inv.failures["missing"] = &helper.NotFoundError{Helper: "missing"}
	inv.answers["good"] = &credential.Record{Username: "carol", Password: []byte("pw")}

	m := metrics.NewMetrics()
	rec := &credential.Record{Protocol: "https", Host: "example.com"}
	report := New(inv, helpers("broken", "missing", "good"), WithMetrics(m)).Fill(context.Background(), rec)

	assert.True(t, report.Complete)
	assert.Equal(t, "carol", rec.Username)
	errs := report.Errors()
	require.Len(t, errs, 2)
	var execErr *helper.ExecutionError
	assert.ErrorAs(t, errs[0], &execErr)
	assert.ErrorIs(t, errs[1], helper.ErrHelperNotFound)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.HelperInvocations.WithLabelValues("broken", "get", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HelperInvocations.WithLabelValues("missing", "get", "not_found")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FieldsFilled.WithLabelValues("good", "password")))
}

func TestFill_SkipsHelpersWithoutGet(t *testing.T) {
	inv := newFakeInvoker()
	inv.answers["writer"] = &credential.Record{Username: "nope"}
	inv.answers["reader"] = &credential.Record{Username: "yes"}

	hs := []helper.Config{
		{Name: "writer", Operations: []helper.Operation{helper.OpStore, helper.OpErase}},
		{Name: "reader"},
	}
	rec := credential.New()
	New(inv, hs).Fill(context.Background(), rec)

	assert.Equal(t, "yes", rec.Username)
	assert.Equal(t, []string{"reader"}, inv.called(helper.OpGet))
}

func TestFill_Quit(t *testing.T) {
	inv := newFakeInvoker()
	inv.answers["h1"] = &credential.Record{Username: "alice"}
	inv.quit["h1"] = true
	inv.answers["h2"] = &credential.Record{Password: []byte("p2")}

	rec := &credential.Record{Protocol: "https", Host: "example.com"}
	report := New(inv, helpers("h1", "h2")).Fill(context.Background(), rec)

	assert.True(t, report.Quit)
	assert.False(t, report.Complete)
	assert.Equal(t, []string{"h1"}, inv.called(helper.OpGet))
}

func TestFill_StopsOnCancelledContext(t *testing.T) {
	inv := newFakeInvoker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := New(inv, helpers("h1", "h2")).Fill(ctx, credential.New())

	assert.Empty(t, inv.calls)
	require.Len(t, report.Errors(), 1)
	assert.ErrorIs(t, report.Errors()[0], context.Canceled)
}

func TestBroadcast_AllSupportingHelpers(t *testing.T) {
	inv := newFakeInvoker()
	hs := []helper.Config{
		{Name: "rw"},
		{Name: "ro", Operations: []helper.Operation{helper.OpGet}},
		{Name: "eraser", Operations: []helper.Operation{helper.OpErase}},
	}
	r := New(inv, hs)
	rec := &credential.Record{Protocol: "https", Host: "x", Username: "u", Password: []byte("p")}

	require.NoError(t, r.Broadcast(context.Background(), helper.OpErase, rec))
	assert.Equal(t, []string{"rw", "eraser"}, inv.called(helper.OpErase))

	require.NoError(t, r.Broadcast(context.Background(), helper.OpStore, rec))
	assert.Equal(t, []string{"rw"}, inv.called(helper.OpStore))
}

func TestBroadcast_CollectsFailures(t *testing.T) {
	inv := newFakeInvoker()
	inv.failures["h1"] = &helper.ExecutionError{Helper: "h1", Op: helper.OpStore, ExitCode: 2}
	inv.failures["h3"] = &helper.NotFoundError{Helper: "h3"}

	m := metrics.NewMetrics()
	err := New(inv, helpers("h1", "h2", "h3"), WithMetrics(m)).Broadcast(context.Background(), helper.OpStore, credential.New())

	assert.Equal(t, []string{"h1", "h2", "h3"}, inv.called(helper.OpStore))

	var berr *BroadcastError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, helper.OpStore, berr.Op)
	assert.Len(t, berr.Errors, 2)
	assert.ErrorIs(t, err, helper.ErrHelperNotFound)
	assert.Contains(t, err.Error(), "store failed for 2 helpers")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BroadcastFailures.WithLabelValues("h1", "store")))
}

func TestBroadcast_RejectsGet(t *testing.T) {
	err := New(newFakeInvoker(), helpers("h1")).Broadcast(context.Background(), helper.OpGet, credential.New())
	require.Error(t, err)
}

func TestFill_RecordsDurationOfFailedHelpers(t *testing.T) {
	inv := newFakeInvoker()
	inv.delays["slow"] = 20 * time.Millisecond
	inv.failures["slow"] = errors.New("timeout talking to vault")
	m := metrics.NewMetrics()

	New(inv, helpers("slow"), WithMetrics(m)).Fill(context.Background(), &credential.Record{Host: "x"})

	var sample dto.Metric
	observer := m.HelperDuration.WithLabelValues("slow", "get")
	require.NoError(t, observer.(prometheus.Metric).Write(&sample))
	assert.Equal(t, uint64(1), sample.GetHistogram().GetSampleCount())
	assert.GreaterOrEqual(t, sample.GetHistogram().GetSampleSum(), 0.02)
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "not_found", resultLabel(&helper.NotFoundError{Helper: "x"}))
	assert.Equal(t, "protocol_error", resultLabel(&helper.ProtocolError{Reason: "bad"}))
	assert.Equal(t, "interrupted", resultLabel(&helper.ExecutionError{Err: context.DeadlineExceeded}))
	assert.Equal(t, "error", resultLabel(errors.New("x")))
}

func TestFill_HonoursHelperScope(t *testing.T) {
	inv := newFakeInvoker()
	inv.answers["corp"] = &credential.Record{Username: "corp-user"}
	inv.answers["default"] = &credential.Record{Username: "default-user"}

	hs := []helper.Config{
		{Name: "corp", Host: "*.corp.example.com"},
		{Name: "default"},
	}
	rec := &credential.Record{Protocol: "https", Host: "github.com"}
	New(inv, hs).Fill(context.Background(), rec)

	assert.Equal(t, "default-user", rec.Username)
	assert.Equal(t, []string{"default"}, inv.called(helper.OpGet))

	require.NoError(t, New(inv, hs).Broadcast(context.Background(), helper.OpErase, rec))
	assert.Equal(t, []string{"default"}, inv.called(helper.OpErase))
}

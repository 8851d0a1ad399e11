package fill

import "context"

// Approver decides whether a resolved credential should be kept.
//
// Decide receives the credential after the helper chain has run; either
// value may be empty if no helper supplied it. Returning true stores the
// credential through the helper chain, false erases it. An error, or a
// panic, is treated as a rejection and then returned to the caller wrapped
// in *ApproverError.
type Approver interface {
	Decide(ctx context.Context, username, password string) (bool, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, username, password string) (bool, error)

// Decide calls f.
func (f ApproverFunc) Decide(ctx context.Context, username, password string) (bool, error) {
	return f(ctx, username, password)
}

// CompletePolicy approves a credential only when both a username and a
// password were found.
func CompletePolicy() Approver {
	return ApproverFunc(func(_ context.Context, username, password string) (bool, error) {
		return username != "" && password != "", nil
	})
}

// Static returns an approver that always answers decision.
func Static(decision bool) Approver {
	return ApproverFunc(func(context.Context, string, string) (bool, error) {
		return decision, nil
	})
}

// Package deadline carries the request-scoped deadline as an explicit
// value threaded through call chains rather than process-wide
// state. It wraps context.Context's own deadline so callers can ask "do I
// have at least minBudget left?" before attempting a blocking call, and so
// the remaining budget can be serialized onto an outbound HTTP header.
package deadline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/oakfield/driftctl/internal/apierr"
)

// Header is the outbound HTTP header deadlines propagate over, expressed in
// whole milliseconds remaining at the time the request is issued.
const Header = "X-Deadline-Remaining-Ms"

// WithDeadline attaches an absolute deadline to ctx. It is a thin wrapper
// over context.WithDeadline so every call site goes through this package
// instead of reaching for the stdlib directly, keeping deadline handling
// uniform and auditable.
func WithDeadline(parent context.Context, at time.Time) (context.Context, context.CancelFunc) {
	return context.WithDeadline(parent, at)
}

// WithTimeout attaches a relative deadline to ctx.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}

// Remaining returns how much time is left before ctx's deadline, and whether
// ctx carries a deadline at all (no deadline means "unbounded").
func Remaining(ctx context.Context) (time.Duration, bool) {
	at, ok := ctx.Deadline()
	if !ok {
		return 0, false
	}
	return time.Until(at), true
}

// HasTimeRemaining reports whether ctx has at least minBudget left before its
// deadline. A context with no deadline always has time remaining. Callers
// must check this before every blocking call.
func HasTimeRemaining(ctx context.Context, minBudget time.Duration) bool {
	remaining, ok := Remaining(ctx)
	if !ok {
		return true
	}
	return remaining >= minBudget
}

// CheckBudget fails fast with DeadlineExceeded, without attempting I/O, when
// ctx does not have minBudget left. op names the caller for the error.
func CheckBudget(ctx context.Context, op string, minBudget time.Duration) error {
	if ctx.Err() != nil {
		return apierr.Wrap(apierr.DeadlineExceeded, op, "deadline.exceeded", "deadline already reached", ctx.Err())
	}
	if !HasTimeRemaining(ctx, minBudget) {
		remaining, _ := Remaining(ctx)
		return apierr.New(apierr.DeadlineExceeded, op, "deadline.insufficient_budget",
			fmt.Sprintf("only %s remaining, need at least %s", remaining, minBudget))
	}
	return nil
}

// PropagateHeader writes the remaining deadline budget onto an outbound
// request header, with millisecond precision, for a downstream HTTP call.
func PropagateHeader(ctx context.Context, req *http.Request) {
	remaining, ok := Remaining(ctx)
	if !ok {
		return
	}
	if remaining < 0 {
		remaining = 0
	}
	req.Header.Set(Header, fmt.Sprintf("%d", remaining.Milliseconds()))
}

// FromHeader parses an inbound deadline header into a context deadline,
// rooted at parent. Returns parent unchanged (with a no-op cancel) if the
// header is absent or malformed — the caller falls back to any deadline it
// already has.
func FromHeader(parent context.Context, r *http.Request) (context.Context, context.CancelFunc) {
	v := r.Header.Get(Header)
	if v == "" {
		return parent, func() {}
	}
	var ms int64
	if _, err := fmt.Sscanf(v, "%d", &ms); err != nil {
		return parent, func() {}
	}
	return WithTimeout(parent, time.Duration(ms)*time.Millisecond)
}

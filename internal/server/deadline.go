package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/edgefn/funcgate/internal/host"
)

// StatusClientClosedRequest is the non-standard status (nginx convention)
// reported when the caller disconnected before a response was written.
const StatusClientClosedRequest = 499

// DefaultSafetyBuffer is subtracted from the host's reported remaining time
// so the gate fires with enough slack left for graceful wind-down.
const DefaultSafetyBuffer = 250 * time.Millisecond

// unhostedBudget arms the deadline timer when no host oracle is present.
// Long enough to never practically fire; only the original client signal
// remains operative in that mode.
const unhostedBudget = 24 * time.Hour

// errDeadlineElapsed is the cancellation cause the gate's own timer records
// on the derived context, distinguishing it from a client disconnect.
var errDeadlineElapsed = errors.New("function deadline elapsed")

type cancelCause int

const (
	causeDeadline cancelCause = iota + 1
	causeDisconnect
)

func (c cancelCause) String() string {
	switch c {
	case causeDeadline:
		return "deadline"
	case causeDisconnect:
		return "disconnect"
	default:
		return "none"
	}
}

func (c cancelCause) status() int {
	if c == causeDisconnect {
		return StatusClientClosedRequest
	}
	return http.StatusGatewayTimeout
}

// cancelOutcome records which trigger fired first. Each trigger attempts one
// compare-and-swap into a shared cell, so exactly one outcome ever exists and
// the two triggers cannot race each other into an ambiguous state.
type cancelOutcome struct {
	cause cancelCause
	at    time.Time
}

// DeadlineGate links the host's remaining execution budget with the client's
// own cancellation signal into a single derived request context. Whichever
// fires first cancels downstream work; the gate attributes the cause and owns
// the terminal status for cancellations it induced.
//
// Cancellation stays cooperative: the gate supplies the signal and stops
// waiting once the handler returns, but it cannot preempt a handler that
// ignores its context.
type DeadlineGate struct {
	logger *slog.Logger
	buffer time.Duration
}

// DeadlineGateOption configures a DeadlineGate at construction.
type DeadlineGateOption func(*DeadlineGate)

// WithSafetyBuffer overrides DefaultSafetyBuffer. The buffer must not be
// negative; NewDeadlineGate rejects the gate otherwise.
func WithSafetyBuffer(d time.Duration) DeadlineGateOption {
	return func(g *DeadlineGate) { g.buffer = d }
}

// NewDeadlineGate builds a gate writing diagnostics to logger. It fails fast
// on a nil logger or a negative safety buffer; these are installation-time
// invariants, checked once rather than per request.
func NewDeadlineGate(logger *slog.Logger, opts ...DeadlineGateOption) (*DeadlineGate, error) {
	if logger == nil {
		return nil, errors.New("deadline gate: nil logger")
	}
	g := &DeadlineGate{logger: logger, buffer: DefaultSafetyBuffer}
	for _, opt := range opts {
		opt(g)
	}
	if g.buffer < 0 {
		return nil, fmt.Errorf("deadline gate: negative safety buffer %v", g.buffer)
	}
	return g, nil
}

// Wrap binds the gate in front of next. It fails fast on a nil handler.
func (g *DeadlineGate) Wrap(next http.Handler) (http.Handler, error) {
	if next == nil {
		return nil, errors.New("deadline gate: nil next handler")
	}
	return &gateHandler{gate: g, next: next}, nil
}

// Middleware adapts Wrap to the func(http.Handler) http.Handler shape used
// with chi's Use. Routers never pass a nil handler, so the nil-next error is
// surfaced as a panic here.
func (g *DeadlineGate) Middleware(next http.Handler) http.Handler {
	h, err := g.Wrap(next)
	if err != nil {
		panic(err)
	}
	return h
}

type gateHandler struct {
	gate *DeadlineGate
	next http.Handler
}

func (h *gateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r == nil {
		panic("deadline gate: nil *http.Request")
	}
	g := h.gate
	orig := r.Context()

	remaining, hosted := host.Remaining(orig)
	budget := unhostedBudget
	if hosted {
		budget = remaining - g.buffer
		if budget < 0 {
			budget = 0
		}
	}

	gw := &gatedWriter{ResponseWriter: w}

	// A request already out of budget never enters downstream processing.
	if hosted && budget <= 0 {
		g.logger.Warn("request rejected, execution budget exhausted",
			slog.String("path", r.URL.Path),
			slog.Duration("remaining", remaining),
			slog.Duration("safety_buffer", g.buffer),
		)
		gw.writeEmpty(http.StatusGatewayTimeout)
		return
	}

	// Single shared outcome cell; first trigger to land wins attribution.
	var outcome atomic.Pointer[cancelOutcome]
	record := func(c cancelCause) {
		outcome.CompareAndSwap(nil, &cancelOutcome{cause: c, at: time.Now()})
	}

	// The derived context is the combined cancellation source: it inherits
	// the client signal from orig, and the timer below cancels it with a
	// distinguishable cause when the budget elapses. Both releases are
	// deferred so no exit path leaks the timer or leaves the derived
	// context live after the gate returns.
	ctx, cancel := context.WithCancelCause(orig)
	defer cancel(context.Canceled)

	stop := context.AfterFunc(orig, func() { record(causeDisconnect) })
	defer stop()

	timer := time.AfterFunc(budget, func() {
		record(causeDeadline)
		cancel(errDeadlineElapsed)
	})
	defer timer.Stop()

	aborted := g.run(h.next, gw, r.WithContext(ctx), ctx, &outcome, remaining, hosted, budget)
	if aborted {
		return
	}

	// Handler returned normally. If the combined source fired and the
	// handler stopped silently before writing anything, the gate still owns
	// the terminal status. A started response passes through untouched.
	if ctx.Err() != nil && !gw.wrote {
		out := resolveOutcome(&outcome, ctx)
		g.logCancelled(r, "handler stopped after induced cancellation", out, remaining, hosted, budget)
		gw.writeEmpty(out.cause.status())
	}
}

// run invokes the handler and recovers a cancellation panic that matches the
// combined source. It reports whether the panic was handled here; unrelated
// panics propagate unchanged.
func (g *DeadlineGate) run(next http.Handler, gw *gatedWriter, r *http.Request, ctx context.Context, outcome *atomic.Pointer[cancelOutcome], remaining time.Duration, hosted bool, budget time.Duration) (aborted bool) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		err, ok := p.(error)
		if !ok || ctx.Err() == nil || !isCancellation(err) {
			// Not a cancellation the gate induced; never mask it.
			panic(p)
		}
		out := resolveOutcome(outcome, ctx)
		g.logCancelled(r, "handler aborted by induced cancellation", out, remaining, hosted, budget)
		if !gw.wrote {
			gw.writeEmpty(out.cause.status())
		}
		aborted = true
	}()
	next.ServeHTTP(gw, r)
	return false
}

func (g *DeadlineGate) logCancelled(r *http.Request, msg string, out cancelOutcome, remaining time.Duration, hosted bool, budget time.Duration) {
	attrs := []slog.Attr{
		slog.String("cause", out.cause.String()),
		slog.String("path", r.URL.Path),
		slog.Duration("budget", budget),
	}
	if hosted {
		attrs = append(attrs, slog.Duration("host_remaining", remaining))
	}
	if !out.at.IsZero() {
		attrs = append(attrs, slog.Time("fired_at", out.at))
	}
	g.logger.LogAttrs(r.Context(), slog.LevelWarn, msg, attrs...)
}

// resolveOutcome reads the outcome cell after the handler call has finished.
// The attribution callbacks run on notification goroutines and may not have
// landed yet; the derived context's recorded cause then breaks the tie, with
// the deadline sentinel attributing to the deadline.
func resolveOutcome(outcome *atomic.Pointer[cancelOutcome], ctx context.Context) cancelOutcome {
	if o := outcome.Load(); o != nil {
		return *o
	}
	if errors.Is(context.Cause(ctx), errDeadlineElapsed) {
		return cancelOutcome{cause: causeDeadline}
	}
	return cancelOutcome{cause: causeDisconnect}
}

// isCancellation reports whether err is the kind of failure a handler raises
// when unwinding on its context.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, errDeadlineElapsed)
}

// gatedWriter tracks whether the response has started. The gate may only set
// a terminal status on a response nothing has written to yet.
type gatedWriter struct {
	http.ResponseWriter
	wrote bool
}

func (w *gatedWriter) WriteHeader(code int) {
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

// writeEmpty sets the terminal status with an explicit zero-length body.
func (w *gatedWriter) writeEmpty(code int) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(code)
}

// Flush forwards Flush to the underlying ResponseWriter if it supports
// http.Flusher, preserving streaming support.
func (w *gatedWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

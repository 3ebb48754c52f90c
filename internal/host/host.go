// Package host exposes the execution host's remaining-time oracle to
// request handling code.
//
// Time-boxed hosts (FaaS runtimes, deadline-bearing front-ends) know how long
// the current invocation may still run. An adapter middleware installs that
// knowledge as an Oracle under a request-scoped key; the deadline gate queries
// it once per request. An absent oracle is the designed signal for local or
// unhosted execution, not an error.
package host

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// Oracle reports the time remaining before the host forcibly terminates the
// current invocation. The value may be negative if the deadline has already
// passed.
type Oracle interface {
	Remaining() time.Duration
}

// OracleFunc adapts a plain function to the Oracle interface.
type OracleFunc func() time.Duration

func (f OracleFunc) Remaining() time.Duration { return f() }

// oracleKey is the well-known request-scoped key the oracle lives under.
type oracleKey struct{}

// NewContext installs o as the remaining-time oracle for ctx.
func NewContext(ctx context.Context, o Oracle) context.Context {
	return context.WithValue(ctx, oracleKey{}, o)
}

// FromContext retrieves the remaining-time oracle, if any adapter installed
// one. The second return is false for unhosted execution.
func FromContext(ctx context.Context) (Oracle, bool) {
	o, ok := ctx.Value(oracleKey{}).(Oracle)
	return o, ok
}

// Remaining queries the oracle once. It returns false when no oracle is
// present, which callers must treat as "no host deadline" rather than as
// zero time remaining.
func Remaining(ctx context.Context) (time.Duration, bool) {
	o, ok := FromContext(ctx)
	if !ok {
		return 0, false
	}
	return o.Remaining(), true
}

// DeadlineHeader returns middleware that reads an absolute invocation
// deadline, in unix milliseconds, from the named request header and installs
// a matching oracle. Platform front-ends that know the invocation budget set
// this header; requests without it (or with a value that does not parse) pass
// through unhosted.
func DeadlineHeader(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(name)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			deadline := time.UnixMilli(ms)
			ctx := NewContext(r.Context(), OracleFunc(func() time.Duration {
				return time.Until(deadline)
			}))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ContextDeadline returns middleware that installs an oracle from the request
// context's own deadline, for runtimes that arrive with one already set.
// Requests without a context deadline pass through unhosted.
func ContextDeadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		ctx := NewContext(r.Context(), OracleFunc(func() time.Duration {
			return time.Until(deadline)
		}))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Package proxy forwards gated requests to the configured upstream function.
package proxy

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// Handler is the downstream pipeline the deadline gate wraps in the shipped
// binary: a reverse proxy to the upstream function endpoint.
type Handler struct {
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

// New builds a proxy to upstream. Forwarding errors caused by the request's
// own cancellation are re-raised so the deadline gate can attribute them and
// answer; genuine upstream failures become a 502.
func New(upstream *url.URL, logger *slog.Logger) *Handler {
	h := &Handler{logger: logger}
	p := httputil.NewSingleHostReverseProxy(upstream)
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if r.Context().Err() != nil {
			// The gate owns the terminal status for cancellation it
			// induced; hand the failure back to it.
			panic(err)
		}
		h.logger.Error("upstream request failed",
			slog.String("path", r.URL.Path),
			slog.String("upstream", upstream.String()),
			slog.String("error", err.Error()),
		)
		w.WriteHeader(http.StatusBadGateway)
	}
	h.proxy = p
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.proxy.ServeHTTP(w, r)
}

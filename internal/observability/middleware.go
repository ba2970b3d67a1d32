package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type routeKey struct{}

// WithRoute labels outbound requests made with ctx for metrics and logs.
func WithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeKey{}, route)
}

func RouteFrom(ctx context.Context) string {
	if v, ok := ctx.Value(routeKey{}).(string); ok && v != "" {
		return v
	}
	return "other"
}

// Transport logs and records every outbound admin request.
type Transport struct {
	Base   http.RoundTripper
	Logger zerolog.Logger
}

func NewTransport(base http.RoundTripper, logger zerolog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Logger: logger}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	route := RouteFrom(req.Context())
	resp, err := t.Base.RoundTrip(req)
	elapsed := time.Since(start)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	RecordAdminRequest(req.Method, route, status, elapsed)

	event := t.Logger.Debug()
	if err != nil || status >= 500 {
		event = t.Logger.Warn()
	}
	event.
		Str("method", req.Method).
		Str("route", route).
		Str("request_id", req.Header.Get("X-Request-ID")).
		Int("status", status).
		Dur("duration", elapsed).
		Err(err).
		Msg("admin_request")
	return resp, err
}

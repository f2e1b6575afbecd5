package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusWriter remembers the status code sent downstream.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// probePaths are scraped every few seconds. They are measured but neither
// traced nor logged unless they fail.
var probePaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// Middleware instruments the voicelink HTTP surface. Every request is
// timed into the request duration histogram, labelled with the matched
// route rather than the raw path. Requests other than probes also get a
// server span continuing any W3C traceparent, an X-Correlation-ID response
// header and an info log line. A nil logger means [slog.Default].
func Middleware(m *Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			probe := probePaths[r.URL.Path]

			ctx := r.Context()
			var span trace.Span
			if !probe {
				ctx = prop.Extract(ctx, propagation.HeaderCarrier(r.Header))
				ctx, span = StartSpan(ctx, "HTTP "+r.Method,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						semconv.HTTPRequestMethodKey.String(r.Method),
						semconv.URLPath(r.URL.Path),
					),
				)
				defer span.End()
				if cid := CorrelationID(ctx); cid != "" {
					w.Header().Set("X-Correlation-ID", cid)
				}
				prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))
			}

			req := r.WithContext(ctx)
			next.ServeHTTP(sw, req)
			elapsed := time.Since(start)

			route := routeOf(req)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("route", route),
					attribute.Int("status", sw.status),
				),
			)

			level := slog.LevelInfo
			switch {
			case sw.status >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case probe:
				level = slog.LevelDebug
			}
			if span != nil {
				span.SetName("HTTP " + r.Method + " " + route)
				span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
			}
			ContextLogger(logger, ctx).LogAttrs(ctx, level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status", sw.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}

// routeOf returns the path part of the ServeMux pattern that matched req.
// ServeMux stores the pattern on the request it dispatched.
func routeOf(req *http.Request) string {
	p := req.Pattern
	if p == "" {
		return "unmatched"
	}
	if i := strings.IndexByte(p, ' '); i >= 0 {
		p = p[i+1:]
	}
	return p
}

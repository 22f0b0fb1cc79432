package tracing

import (
	"net/http"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/usagegate/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware opens a server span per request, continuing any upstream
// trace. The span is named after the matched route and tagged with the
// creator and metered event once the handlers have run. 402 and 429 are
// enforcement outcomes, not span errors.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("usagegate/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName(c.Request.Method + " " + route)

		attrs := []attribute.KeyValue{
			attribute.String("http.request.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", status),
		}
		reqCtx := c.Request.Context()
		if id := obscontext.RequestIDFromContext(reqCtx); id != "" {
			attrs = append(attrs, attribute.String("request_id", id))
		}
		if creator := obscontext.CreatorIDFromContext(reqCtx); creator != "" {
			attrs = append(attrs, attribute.String("usagegate.creator_id", creator))
		}
		if eventName := c.GetString("event_name"); eventName != "" {
			attrs = append(attrs, attribute.String("usagegate.event_name", eventName))
		}
		switch status {
		case http.StatusPaymentRequired:
			attrs = append(attrs, attribute.String("usagegate.decision", "blocked"))
		case http.StatusTooManyRequests:
			attrs = append(attrs, attribute.String("usagegate.decision", "rate_limited"))
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status >= http.StatusInternalServerError {
			if last := c.Errors.Last(); last != nil {
				span.RecordError(SafeError(last.Err))
			}
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

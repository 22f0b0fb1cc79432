package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/usagegate/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const requestIDHeader = "X-Request-Id"

// MiddlewareConfig controls request logging.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier maps a handler error to its (type, code) pair.
	ErrorClassifier func(err error) (string, string)
	// QuietRoutes are logged at debug level.
	QuietRoutes []string
}

// GinMiddleware assigns a request id and logs one entry per request once the
// handlers finish. Creator and actor fields come from the request context set
// by later middleware.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	quiet := make(map[string]struct{}, len(cfg.QuietRoutes))
	for _, r := range cfg.QuietRoutes {
		quiet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(requestIDHeader, requestID)
		c.Request = c.Request.WithContext(obscontext.WithRequestID(c.Request.Context(), requestID))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if eventName := c.GetString("event_name"); eventName != "" {
			fields = append(fields, zap.String("event_name", eventName))
		}

		var errorType string
		if last := c.Errors.Last(); last != nil && cfg.ErrorClassifier != nil {
			var code string
			errorType, code = cfg.ErrorClassifier(last.Err)
			fields = append(fields, zap.String("error_type", errorType), zap.String("error_code", code))
			if cfg.Debug {
				fields = append(fields, zap.Error(last.Err))
			}
		}

		_, isQuiet := quiet[route]
		FromContext(c.Request.Context()).Log(requestLevel(status, errorType, isQuiet), "http_request", fields...)
	}
}

// requestLevel logs limit and rate-limit rejections at info.
func requestLevel(status int, errorType string, quiet bool) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case quiet:
		return zapcore.DebugLevel
	case errorType == "limit_exceeded", errorType == "rate_limited":
		return zapcore.InfoLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

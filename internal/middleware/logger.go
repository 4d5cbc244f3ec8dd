package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	RequestIDHeader = "X-Request-ID"

	requestIDKey = "requestID"
	loggerKey    = "requestLogger"
)

// RequestID tags every request with an id, reusing the caller's when sent
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// Logger stores a request-scoped logger for handlers (see LoggerFrom) and
// writes one entry per request once it completes. Successful requests to
// quietPaths, such as health probes, are logged at debug level.
func Logger(logger *zap.Logger, quietPaths ...string) gin.HandlerFunc {
	quiet := make(map[string]struct{}, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()

		reqLogger := logger
		if id := c.GetString(requestIDKey); id != "" {
			reqLogger = logger.With(zap.String("request_id", id))
		}
		c.Set(loggerKey, reqLogger)

		c.Next()

		status := c.Writer.Status()
		level := statusLevel(status)
		if _, ok := quiet[c.Request.URL.Path]; ok && status < 400 {
			level = zapcore.DebugLevel
		}

		ce := reqLogger.Check(level, "HTTP request")
		if ce == nil {
			return
		}

		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("body_size", c.Writer.Size()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		ce.Write(fields...)
	}
}

// LoggerFrom returns the request-scoped logger, or fallback outside the
// Logger middleware
func LoggerFrom(c *gin.Context, fallback *zap.Logger) *zap.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(*zap.Logger); ok {
			return l
		}
	}
	return fallback
}

func statusLevel(status int) zapcore.Level {
	switch {
	case status >= 500:
		return zapcore.ErrorLevel
	case status >= 400:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

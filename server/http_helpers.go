package main

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/bouncer/pkg/telemetry"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestIDContextKey     = "request_id"
	requestLoggerContextKey = "request_logger"
	clientIPContextKey      = "client_ip"
	requestIDHeader         = "X-Request-ID"
)

// withRequestContext assigns a request ID, a request-scoped logger, the
// resolved client address and a server span to every request.
func withRequestContext(base zerolog.Logger, trustProxy bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = xid.New().String()
		}
		c.Set(requestIDContextKey, reqID)
		c.Writer.Header().Set(requestIDHeader, reqID)

		ip := extractIP(c.Request, trustProxy)
		c.Set(clientIPContextKey, ip)

		logger := base.With().
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Str("client_ip", ip).
			Logger()
		c.Set(requestLoggerContextKey, logger)

		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := telemetry.Tracer().Start(ctx, c.Request.Method+" "+c.FullPath(), trace.WithSpanKind(trace.SpanKindServer))
		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()),
			attribute.String("request.id", reqID),
		)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.End()
	}
}

// requestLogger returns the request-scoped logger set by withRequestContext,
// or fallback. zerolog's event methods have pointer receivers, so callers get
// a pointer they can chain on directly.
func requestLogger(c *gin.Context, fallback zerolog.Logger) *zerolog.Logger {
	if value, ok := c.Get(requestLoggerContextKey); ok {
		if logger, ok := value.(zerolog.Logger); ok {
			return &logger
		}
	}
	return &fallback
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDContextKey)
}

// clientIP returns the address resolved by withRequestContext, or resolves
// it from the raw request when the middleware did not run.
func clientIP(c *gin.Context) string {
	if ip := c.GetString(clientIPContextKey); ip != "" {
		return ip
	}
	return extractIP(c.Request, false)
}

// extractIP honours X-Forwarded-For (first hop) and X-Real-IP only behind a
// trusted proxy.
func extractIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if first != "" {
				return first
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respondError(c *gin.Context, status int, message string, fallback zerolog.Logger) {
	respondErrorWith(c, status, message, nil, fallback)
}

// respondErrorWith aborts with {"error": message, "request_id": ...} plus
// any extra fields.
func respondErrorWith(c *gin.Context, status int, message string, extra gin.H, fallback zerolog.Logger) {
	logger := requestLogger(c, fallback)
	entry := logger.Warn()
	if status >= http.StatusInternalServerError {
		entry = logger.Error()
	}
	entry.Int("status", status).Msg(message)

	if span := trace.SpanFromContext(c.Request.Context()); span.IsRecording() {
		span.AddEvent("http.error", trace.WithAttributes(
			attribute.Int("http.status_code", status),
			attribute.String("error.message", message),
		))
		if status >= http.StatusInternalServerError {
			span.RecordError(errors.New(message))
		}
	}

	body := gin.H{
		"error":      message,
		"request_id": requestID(c),
	}
	for k, v := range extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(status, body)
}

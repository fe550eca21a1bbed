// Package middleware contains the Gin middleware shared by the HTTP layer:
// correlation ids, acting-user identity, access logging, panic recovery,
// metrics, rate limiting and response hardening.
//
// Recommended order: RequestID(), Identity(), Logger(), Recovery().
package middleware

import (
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Elias-FSILVA/VirAll/internal/identity"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"

	// maxRequestIDLength bounds a caller-supplied correlation id.
	maxRequestIDLength = 128
	// maxQueryLogLength caps the logged raw query, in bytes.
	maxQueryLogLength = 2048

	redacted = "[REDACTED]"
)

// secretQueryParams are query keys whose values are masked in access logs.
// Signed attachment links carry their capability in "token".
var secretQueryParams = []string{"token"}

// RequestID propagates X-Request-ID or generates a UUID when the header is
// missing or unusable. The id is echoed on the response and stored in the
// Gin context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if !usableRequestID(rid) {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// usableRequestID accepts short printable ASCII ids only, so a header
// value can never split a log line or a response header.
func usableRequestID(rid string) bool {
	if rid == "" || len(rid) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(rid); i++ {
		if rid[i] < 0x21 || rid[i] > 0x7e {
			return false
		}
	}
	return true
}

// wantsStream reports whether the client asked for an event stream.
func wantsStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// Logger attaches a request-scoped zerolog.Logger to the request context
// and writes one access line per request, at error level for 5xx or
// recorded Gin errors, warn for 4xx and info otherwise.
//
// Feed streams stay open for minutes, so they also get a debug line when
// they open; the access line then reports how long the stream lasted.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		uid := ""
		if u, ok := identity.FromContext(c.Request.Context()); ok {
			uid = u.ID
		}
		stream := wantsStream(c.Request)

		l := log.With().
			Str("request_id", c.GetString(requestIDKey)).
			Str("user_id", uid).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Str("query", clip(redactQuery(c.Request.URL.RawQuery), maxQueryLogLength)).
			Int64("bytes_in", c.Request.ContentLength).
			Logger()
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))

		if stream {
			l.Debug().Msg("stream opened")
		}

		c.Next()

		ev := l.With().
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Bool("stream", stream).
			Logger()

		switch status := c.Writer.Status(); {
		case len(c.Errors) > 0:
			ev.Error().Str("errors", c.Errors.String()).Msg("request")
		case status >= 500:
			ev.Error().Msg("request")
		case status >= 400:
			ev.Warn().Msg("request")
		default:
			ev.Info().Msg("request")
		}
	}
}

// Recovery turns a panic into a JSON 500 with the request id, or a bare 500
// when the response has already started. The stack goes to the log.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := c.GetString(requestIDKey)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", rid).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, rid)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger installed by Logger, or the
// global logger when there is none.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if l := zerolog.Ctx(c.Request.Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	l := log.Logger
	return &l
}

// clip cuts s to max bytes with an ellipsis; max <= 0 disables it.
func clip(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// redactQuery masks the values of secretQueryParams in a raw query string.
// Unparseable queries are dropped entirely.
func redactQuery(raw string) string {
	if raw == "" {
		return ""
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		return redacted
	}
	changed := false
	for _, k := range secretQueryParams {
		if _, ok := q[k]; ok {
			q.Set(k, redacted)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	return q.Encode()
}

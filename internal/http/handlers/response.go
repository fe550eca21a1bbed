// Package handlers binds the feed API to Gin. Handlers stay thin: they
// parse and validate the request, call the feed service and translate its
// errors exactly once, through failService, into an ErrorResponse:
//
//	HTTP/1.1 404 Not Found
//	{"request_id": "123e4567-…", "code": "not_found", "message": "post not found"}
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Elias-FSILVA/VirAll/internal/http/middleware"
	"github.com/Elias-FSILVA/VirAll/internal/reconcile"
	"github.com/Elias-FSILVA/VirAll/internal/services"
)

// ErrorResponse is the error envelope returned by every endpoint. Code is
// one of the ErrCode constants.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// fail aborts with an ErrorResponse. 5xx responses are also logged.
func fail(c *gin.Context, status int, code, msg string) {
	reqID := c.Writer.Header().Get("X-Request-ID")
	resp := ErrorResponse{
		RequestID: reqID,
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is fail for the router fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// failService translates an error returned by the feed service into one
// response. Unknown errors become 500.
func failService(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrUnauthenticated):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID header required")
	case errors.Is(err, services.ErrForbidden):
		fail(c, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, services.ErrEmptySubmission):
		fail(c, http.StatusBadRequest, ErrCodeEmptySubmission, err.Error())
	case errors.Is(err, services.ErrEmptyComment):
		fail(c, http.StatusBadRequest, ErrCodeEmptyComment, err.Error())
	case errors.Is(err, services.ErrCommentTooLong):
		fail(c, http.StatusBadRequest, ErrCodeCommentTooLong, err.Error())
	case errors.Is(err, services.ErrUnsupportedAttachment):
		fail(c, http.StatusUnsupportedMediaType, ErrCodeUnsupportedAttachment, err.Error())
	case errors.Is(err, services.ErrPostNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrWriteFailed):
		fail(c, http.StatusBadGateway, ErrCodeWriteFailed, err.Error())
	case errors.Is(err, reconcile.ErrStopped),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "feed temporarily unavailable")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

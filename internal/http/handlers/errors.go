// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// The codes are mapped to HTTP responses through fail(). They give clients a
// stable, machine-readable taxonomy that supplements the human-readable
// message.
//
// Conventions:
//   - Codes are lowercase snake_case.
//   - Generic codes mirror HTTP status semantics (bad_request, not_found, ...).
//   - Domain codes name a feed rule the request broke (empty_submission,
//     comment_too_long, ...) so clients can show the right prompt without
//     parsing messages.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "empty_comment",
//	  "message": "comment is empty"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeUnavailable      = "unavailable"

	// Domain-specific:
	ErrCodeEmptySubmission       = "empty_submission"
	ErrCodeEmptyComment          = "empty_comment"
	ErrCodeCommentTooLong        = "comment_too_long"
	ErrCodeUnsupportedAttachment = "unsupported_attachment"
	ErrCodeWriteFailed           = "write_failed"
	ErrCodeInvalidToken          = "invalid_token"
)

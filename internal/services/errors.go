// Package services implements the feed mutation coordinator. This file
// centralizes the service-level error values so that handlers can map each
// of them to a status code and a stable error code.
//
// Validation errors are returned before any network call is made.
// Write failures wrap ErrWriteFailed together with the underlying cause.
package services

import "errors"

// Caller errors.
var (
	// ErrUnauthenticated is returned when no acting user is known.
	ErrUnauthenticated = errors.New("no current user")

	// ErrForbidden is returned when a user edits or deletes a record they
	// did not author.
	ErrForbidden = errors.New("not the author of this record")
)

// Validation errors.
var (
	// ErrEmptySubmission is returned for a post with no title, no body and
	// no attachment, and for an edit that would produce one.
	ErrEmptySubmission = errors.New("post needs a title, a body or an attachment")

	// ErrEmptyComment is returned for a comment that is empty after trimming.
	ErrEmptyComment = errors.New("comment is empty")

	// ErrCommentTooLong is returned when a comment exceeds the configured
	// maximum length.
	ErrCommentTooLong = errors.New("comment too long")

	// ErrUnsupportedAttachment is returned for an attachment whose extension
	// is not accepted.
	ErrUnsupportedAttachment = errors.New("unsupported attachment type")
)

// Lookup and write errors.
var (
	ErrPostNotFound = errors.New("post not found")

	// ErrWriteFailed wraps any backend or storage failure during a
	// mutation. The feed is left unchanged when it is returned.
	ErrWriteFailed = errors.New("write failed")
)

package domain

import "time"

// EventKind is the kind of change carried by a change event.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// RecordType names the record family a change event refers to.
type RecordType string

const (
	RecordPost    RecordType = "post"
	RecordLike    RecordType = "like"
	RecordComment RecordType = "comment"
)

// ChangeEvent is a normalized notification about one record. Exactly one of
// Post, Like or Comment is set, matching Record. For deleted events only the
// identifying fields of the payload are guaranteed.
type ChangeEvent struct {
	Kind    EventKind  `json:"kind"`
	Record  RecordType `json:"record"`
	Post    *Post      `json:"post,omitempty"`
	Like    *Like      `json:"like,omitempty"`
	Comment *Comment   `json:"comment,omitempty"`
}

// RecordID returns the id of the record the event refers to.
func (e ChangeEvent) RecordID() string {
	switch {
	case e.Post != nil:
		return e.Post.ID
	case e.Like != nil:
		return e.Like.ID
	case e.Comment != nil:
		return e.Comment.ID
	}
	return ""
}

// AccessToken is a time-limited credential granting read access to one
// stored attachment.
type AccessToken struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether the token may still be served at now.
func (t AccessToken) ValidAt(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

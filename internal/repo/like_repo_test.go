package repo

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLikeLifecycle(t *testing.T) {
	db := newFeedDB(t)
	ctx := context.Background()
	seedPost(t, db, "p1", "u1", time.Now().UTC())

	if _, err := FindLike(ctx, db, "p1", "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before like, got %v", err)
	}

	l, err := CreateLike(ctx, db, "p1", "u2")
	if err != nil {
		t.Fatalf("CreateLike: %v", err)
	}
	found, err := FindLike(ctx, db, "p1", "u2")
	if err != nil || found.ID != l.ID {
		t.Fatalf("FindLike: %+v err=%v", found, err)
	}

	// Unique (post_id,user_id) rejects a second like.
	if _, err := CreateLike(ctx, db, "p1", "u2"); err == nil {
		t.Fatalf("expected duplicate like error")
	}

	removed, err := DeleteLike(ctx, db, l.ID)
	if err != nil || removed.ID != l.ID || removed.PostID != "p1" {
		t.Fatalf("DeleteLike: %+v err=%v", removed, err)
	}
	if _, err := DeleteLike(ctx, db, l.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second DeleteLike: expected ErrNotFound, got %v", err)
	}

	// Liking again after an unlike is allowed.
	if _, err := CreateLike(ctx, db, "p1", "u2"); err != nil {
		t.Fatalf("re-like: %v", err)
	}
}

func TestCommentLifecycle(t *testing.T) {
	db := newFeedDB(t)
	ctx := context.Background()
	seedPost(t, db, "p1", "u1", time.Now().UTC())

	c, err := CreateComment(ctx, db, "p1", "u2", "nice post")
	if err != nil {
		t.Fatalf("CreateComment: %v", err)
	}
	got, err := GetComment(ctx, db, c.ID)
	if err != nil || got.Text != "nice post" || got.UserID != "u2" {
		t.Fatalf("GetComment: %+v err=%v", got, err)
	}
	removed, err := DeleteComment(ctx, db, c.ID)
	if err != nil || removed.ID != c.ID {
		t.Fatalf("DeleteComment: %+v err=%v", removed, err)
	}
	if _, err := GetComment(ctx, db, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := DeleteComment(ctx, db, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

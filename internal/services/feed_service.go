// Package services – FeedService
//
// FeedService is the optimistic mutation coordinator of the feed. Every
// operation follows the same steps: validate locally, issue the write to
// the backend, then merge the authoritative result into the feed through
// the reconciliation engine. The change event pushed for the same write
// goes through the same merge, so whichever arrives second is a no-op.
//
// Observability: all public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Elias-FSILVA/VirAll/internal/domain"
	"github.com/Elias-FSILVA/VirAll/internal/feed"
	"github.com/Elias-FSILVA/VirAll/internal/utils"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Backend is the remote data store. Reads of missing records return
// gorm.ErrRecordNotFound.
type Backend interface {
	CreatePost(ctx context.Context, p *domain.Post) (*domain.Post, error)
	GetPost(ctx context.Context, id string) (*domain.Post, error)
	UpdatePostBody(ctx context.Context, id, body string) (*domain.Post, error)
	DeletePost(ctx context.Context, id string) (*domain.Post, error)
	FindLike(ctx context.Context, postID, userID string) (*domain.Like, error)
	CreateLike(ctx context.Context, postID, userID string) (*domain.Like, error)
	DeleteLike(ctx context.Context, id string) (*domain.Like, error)
	CreateComment(ctx context.Context, postID, userID, text string) (*domain.Comment, error)
	GetComment(ctx context.Context, id string) (*domain.Comment, error)
	DeleteComment(ctx context.Context, id string) (*domain.Comment, error)
	CountPostsByUser(ctx context.Context, userID string) (int64, error)
	CountLikesByUser(ctx context.Context, userID string) (int64, error)
}

// ObjectStore receives attachment uploads.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader) (string, error)
	Delete(ctx context.Context, key string) error
}

// Reconciler is the slice of reconcile.Engine used by the coordinator.
type Reconciler interface {
	Apply(ctx context.Context, ev domain.ChangeEvent) (feed.Outcome, error)
	Do(ctx context.Context, fn func(*feed.Store)) error
	InsertPlaceholder(ctx context.Context, p domain.Post) error
	Snapshot(ctx context.Context) ([]feed.Item, error)
	Resync(ctx context.Context) error
}

// TokenSource hands out attachment links. Lookup never does network I/O;
// ResolveBatch regenerates missing or stale entries.
type TokenSource interface {
	Lookup(ref string) (domain.AccessToken, bool)
	ResolveBatch(ctx context.Context, refs []string) (map[string]domain.AccessToken, error)
}

// FeedService coordinates feed mutations and builds feed views.
type FeedService struct {
	Backend Backend
	Files   ObjectStore
	Engine  Reconciler
	Tokens  TokenSource // optional

	// Optional guard
	MaxCommentRunes int

	likes keyedMutex
}

// PublishInput is a new post. File is optional; FileName carries its
// original name and decides the attachment type.
type PublishInput struct {
	Title    string
	Body     string
	File     io.Reader
	FileName string
}

// PostView is a post as rendered for one viewer.
type PostView struct {
	ID                string           `json:"id"`
	UserID            string           `json:"user_id"`
	Title             string           `json:"title"`
	Body              string           `json:"body"`
	HasAttachment     bool             `json:"has_attachment"`
	AttachmentURL     string           `json:"attachment_url,omitempty"`
	AttachmentIsImage bool             `json:"attachment_is_image"`
	LikeCount         int              `json:"like_count"`
	LikedByMe         bool             `json:"liked_by_me"`
	Comments          []domain.Comment `json:"comments"`
	Pending           bool             `json:"pending"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// UserStats holds per-user counts for a profile page.
type UserStats struct {
	UserID string `json:"user_id"`
	Posts  int64  `json:"posts"`
	Likes  int64  `json:"likes"`
}

func tracer() trace.Tracer { return otel.Tracer("services/FeedService") }

func writeFailed(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrWriteFailed, op, err)
}

func isNotFound(err error) bool { return errors.Is(err, gorm.ErrRecordNotFound) }

// apply merges an acknowledged write. An engine that is stopped or busy
// past ctx is not an error for the caller: the write is committed and the
// pushed event or the next resync converges the feed.
func (s *FeedService) apply(ctx context.Context, ev domain.ChangeEvent) {
	_, _ = s.Engine.Apply(ctx, ev)
}

// local returns the post held in the feed, if any.
func (s *FeedService) local(ctx context.Context, id string) (domain.Post, bool) {
	var (
		p  domain.Post
		ok bool
	)
	_ = s.Engine.Do(ctx, func(st *feed.Store) { p, ok = st.Get(id) })
	return p, ok
}

// post returns post id from the feed or, failing that, from the backend.
func (s *FeedService) post(ctx context.Context, id string) (domain.Post, error) {
	if p, ok := s.local(ctx, id); ok {
		return p, nil
	}
	p, err := s.Backend.GetPost(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return domain.Post{}, ErrPostNotFound
		}
		return domain.Post{}, fmt.Errorf("load post: %w", err)
	}
	return *p, nil
}

// Publish validates and stores a new post, uploading its attachment first.
func (s *FeedService) Publish(ctx context.Context, userID string, in PublishInput) (*domain.Post, error) {
	ctx, span := tracer().Start(ctx, "Publish",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Bool("post.has_file", in.File != nil),
		),
	)
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, ErrUnauthenticated
	}
	title := strings.TrimSpace(in.Title)
	body := strings.TrimSpace(in.Body)

	var ext string
	if in.File != nil {
		if ext = domain.AttachmentExt(in.FileName); ext == "" {
			return nil, ErrUnsupportedAttachment
		}
	}
	if title == "" && body == "" && in.File == nil {
		return nil, ErrEmptySubmission
	}

	clientRef := uuid.NewString()
	p := &domain.Post{UserID: userID, Title: title, Body: body, ClientRef: &clientRef}

	if in.File != nil {
		key, err := s.Files.Put(ctx, uuid.NewString()+ext, in.File)
		if err != nil {
			return nil, writeFailed("upload attachment", err)
		}
		p.AttachmentRef = &key
	}

	row, err := s.Backend.CreatePost(ctx, p)
	if err != nil {
		if p.AttachmentRef != nil {
			// The post never referenced the upload; drop it. A failure here
			// only leaves an unreferenced object behind.
			if derr := s.Files.Delete(context.WithoutCancel(ctx), *p.AttachmentRef); derr != nil {
				trace.SpanFromContext(ctx).RecordError(derr)
			}
		}
		return nil, writeFailed("create post", err)
	}

	if row.ID == "" {
		// Acknowledged without a record: show it as pending until the
		// pushed created event carrying the same client ref arrives.
		if row.ClientRef == nil {
			row.ClientRef = &clientRef
		}
		ph := *row
		_ = s.Engine.InsertPlaceholder(ctx, ph)
		return row, nil
	}
	ack := *row
	s.apply(ctx, domain.ChangeEvent{Kind: domain.EventCreated, Record: domain.RecordPost, Post: &ack})
	return row, nil
}

// EditBody replaces the body of a post authored by userID.
func (s *FeedService) EditBody(ctx context.Context, userID, postID, body string) (*domain.Post, error) {
	ctx, span := tracer().Start(ctx, "EditBody",
		trace.WithAttributes(
			attribute.String("post.id", postID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, ErrUnauthenticated
	}
	body = strings.TrimSpace(body)

	cur, err := s.post(ctx, postID)
	if err != nil {
		return nil, err
	}
	if cur.UserID != userID {
		return nil, ErrForbidden
	}
	next := cur
	next.Body = body
	if next.IsEmpty() {
		return nil, ErrEmptySubmission
	}

	row, err := s.Backend.UpdatePostBody(ctx, postID, body)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrPostNotFound
		}
		return nil, writeFailed("update post", err)
	}
	ack := *row
	s.apply(ctx, domain.ChangeEvent{Kind: domain.EventUpdated, Record: domain.RecordPost, Post: &ack})
	return row, nil
}

// Delete removes a post authored by userID. Deleting a post that no
// longer exists succeeds and drops any local copy.
func (s *FeedService) Delete(ctx context.Context, userID, postID string) error {
	ctx, span := tracer().Start(ctx, "Delete",
		trace.WithAttributes(
			attribute.String("post.id", postID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return ErrUnauthenticated
	}
	gone := domain.ChangeEvent{Kind: domain.EventDeleted, Record: domain.RecordPost, Post: &domain.Post{ID: postID}}

	cur, err := s.post(ctx, postID)
	if errors.Is(err, ErrPostNotFound) {
		s.apply(ctx, gone)
		return nil
	}
	if err != nil {
		return err
	}
	if cur.UserID != userID {
		return ErrForbidden
	}

	row, err := s.Backend.DeletePost(ctx, postID)
	if err != nil && !isNotFound(err) {
		return writeFailed("delete post", err)
	}
	if row != nil {
		gone.Post = row
	}
	s.apply(ctx, gone)
	return nil
}

// ToggleLike likes the post if userID has not liked it yet, otherwise
// removes the like. It reports whether the post is liked afterwards.
//
// The current state is read from the backend and then written. Toggles
// for the same post and user are serialized in this process; the unique
// index on (post, user) resolves races with other clients.
func (s *FeedService) ToggleLike(ctx context.Context, userID, postID string) (bool, error) {
	ctx, span := tracer().Start(ctx, "ToggleLike",
		trace.WithAttributes(
			attribute.String("post.id", postID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return false, ErrUnauthenticated
	}
	unlock := s.likes.Lock(postID + "\x00" + userID)
	defer unlock()

	if _, err := s.post(ctx, postID); err != nil {
		return false, err
	}

	existing, err := s.Backend.FindLike(ctx, postID, userID)
	switch {
	case err == nil:
		row, err := s.Backend.DeleteLike(ctx, existing.ID)
		if err != nil && !isNotFound(err) {
			return true, writeFailed("delete like", err)
		}
		if row == nil {
			row = existing
		}
		s.apply(ctx, domain.ChangeEvent{Kind: domain.EventDeleted, Record: domain.RecordLike, Like: row})
		return false, nil

	case !isNotFound(err):
		return false, writeFailed("read like", err)
	}

	row, err := s.Backend.CreateLike(ctx, postID, userID)
	if err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) && !isDuplicate(err) {
			return false, writeFailed("create like", err)
		}
		// Liked meanwhile by another client of the same user.
		if row, err = s.Backend.FindLike(ctx, postID, userID); err != nil {
			return false, writeFailed("read like", err)
		}
	}
	s.apply(ctx, domain.ChangeEvent{Kind: domain.EventCreated, Record: domain.RecordLike, Like: row})
	return true, nil
}

// AddComment adds a comment by userID on a post.
func (s *FeedService) AddComment(ctx context.Context, userID, postID, text string) (*domain.Comment, error) {
	ctx, span := tracer().Start(ctx, "AddComment",
		trace.WithAttributes(
			attribute.String("post.id", postID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, ErrUnauthenticated
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyComment
	}
	if s.MaxCommentRunes > 0 && utf8.RuneCountInString(text) > s.MaxCommentRunes {
		return nil, ErrCommentTooLong
	}
	if _, err := s.post(ctx, postID); err != nil {
		return nil, err
	}

	row, err := s.Backend.CreateComment(ctx, postID, userID, text)
	if err != nil {
		return nil, writeFailed("create comment", err)
	}
	ack := *row
	s.apply(ctx, domain.ChangeEvent{Kind: domain.EventCreated, Record: domain.RecordComment, Comment: &ack})
	return row, nil
}

// DeleteComment removes a comment authored by userID.
func (s *FeedService) DeleteComment(ctx context.Context, userID, commentID string) error {
	ctx, span := tracer().Start(ctx, "DeleteComment",
		trace.WithAttributes(
			attribute.String("comment.id", commentID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return ErrUnauthenticated
	}
	gone := domain.ChangeEvent{Kind: domain.EventDeleted, Record: domain.RecordComment, Comment: &domain.Comment{ID: commentID}}

	cur, err := s.Backend.GetComment(ctx, commentID)
	if err != nil {
		if isNotFound(err) {
			s.apply(ctx, gone)
			return nil
		}
		return fmt.Errorf("load comment: %w", err)
	}
	if cur.UserID != userID {
		return ErrForbidden
	}
	row, err := s.Backend.DeleteComment(ctx, commentID)
	if err != nil && !isNotFound(err) {
		return writeFailed("delete comment", err)
	}
	if row != nil {
		gone.Comment = row
	}
	s.apply(ctx, gone)
	return nil
}

// Load fetches the whole feed from the backend and replaces the local one.
func (s *FeedService) Load(ctx context.Context) error {
	ctx, span := tracer().Start(ctx, "Load")
	defer span.End()
	return s.Engine.Resync(ctx)
}

// Feed returns a page of the feed as seen by viewerID, newest first, and
// the total number of posts. Links missing or stale in the token cache are
// regenerated in one batch before rendering; a post whose token cannot be
// issued is rendered without a link and retried on the next read.
func (s *FeedService) Feed(ctx context.Context, viewerID string, offset, limit int) ([]PostView, int, error) {
	ctx, span := tracer().Start(ctx, "Feed",
		trace.WithAttributes(
			attribute.String("user.id", viewerID),
			attribute.Int("offset", offset),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	items, err := s.Engine.Snapshot(ctx)
	if err != nil {
		return nil, 0, err
	}
	start, end := utils.Window(offset, limit, len(items))
	page := items[start:end]
	links := s.links(ctx, page)

	out := make([]PostView, 0, len(page))
	for _, it := range page {
		out = append(out, s.view(it, viewerID, links))
	}
	return out, len(items), nil
}

// links returns a usable token for every attachment on page that has one.
// The engine loop is not involved: the cache is safe for concurrent use.
func (s *FeedService) links(ctx context.Context, page []feed.Item) map[string]domain.AccessToken {
	out := make(map[string]domain.AccessToken)
	if s.Tokens == nil {
		return out
	}
	var stale []string
	for _, it := range page {
		if !it.Post.HasAttachment() {
			continue
		}
		ref := *it.Post.AttachmentRef
		if tok, ok := s.Tokens.Lookup(ref); ok {
			out[ref] = tok
			continue
		}
		stale = append(stale, ref)
	}
	if len(stale) == 0 {
		return out
	}
	got, err := s.Tokens.ResolveBatch(ctx, stale)
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
	for ref, tok := range got {
		out[ref] = tok
	}
	return out
}

func (s *FeedService) view(it feed.Item, viewerID string, links map[string]domain.AccessToken) PostView {
	p := it.Post
	v := PostView{
		ID:            p.ID,
		UserID:        p.UserID,
		Title:         p.Title,
		Body:          p.Body,
		HasAttachment: p.HasAttachment(),
		LikeCount:     len(p.Likes),
		Comments:      p.Comments,
		Pending:       it.Pending,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
	if v.Comments == nil {
		v.Comments = []domain.Comment{}
	}
	for _, l := range p.Likes {
		if l.UserID == viewerID {
			v.LikedByMe = true
			break
		}
	}
	if v.HasAttachment {
		v.AttachmentIsImage = domain.AttachmentIsImage(*p.AttachmentRef)
		if tok, ok := links[*p.AttachmentRef]; ok {
			v.AttachmentURL = tok.Value
		}
	}
	return v
}

// UserStats returns the number of posts and likes of userID.
func (s *FeedService) UserStats(ctx context.Context, userID string) (UserStats, error) {
	ctx, span := tracer().Start(ctx, "UserStats",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return UserStats{}, ErrUnauthenticated
	}
	posts, err := s.Backend.CountPostsByUser(ctx, userID)
	if err != nil {
		return UserStats{}, err
	}
	likes, err := s.Backend.CountLikesByUser(ctx, userID)
	if err != nil {
		return UserStats{}, err
	}
	return UserStats{UserID: userID, Posts: posts, Likes: likes}, nil
}

// isDuplicate attempts to detect unique-constraint violations across drivers
// that may not map to gorm.ErrDuplicatedKey.
func isDuplicate(err error) bool {
	// SQLite typically: "UNIQUE constraint failed"
	// Postgres typically: "duplicate key value violates unique constraint"
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}

package repo

import (
	"context"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/Elias-FSILVA/VirAll/internal/changefeed"
	"github.com/Elias-FSILVA/VirAll/internal/domain"
)

// Notifier publishes committed row changes.
type Notifier interface {
	Notify(ctx context.Context, op, table string, newRow, oldRow any) error
}

// Backend is the remote data store seen by feed clients. Each write is
// committed first and then announced on the change feed. A failed announce
// is logged and does not fail the write; clients recover through resync.
type Backend struct {
	DB     *gorm.DB
	Notify Notifier // optional
	Log    zerolog.Logger
}

// NewBackend returns a Backend on db that announces writes through n.
func NewBackend(db *gorm.DB, n Notifier, log zerolog.Logger) *Backend {
	return &Backend{DB: db, Notify: n, Log: log}
}

func (b *Backend) announce(ctx context.Context, op, table string, newRow, oldRow any) {
	if b.Notify == nil {
		return
	}
	// The write is committed; announce even if the caller's context is done.
	ctx = context.WithoutCancel(ctx)
	if err := b.Notify.Notify(ctx, op, table, newRow, oldRow); err != nil {
		b.Log.Warn().Err(err).Str("table", table).Str("op", op).Msg("announce change")
	}
}

// CreatePost persists p and announces the insert.
func (b *Backend) CreatePost(ctx context.Context, p *domain.Post) (*domain.Post, error) {
	row, err := CreatePost(ctx, b.DB, p)
	if err != nil {
		return nil, err
	}
	b.announce(ctx, changefeed.OpInsert, changefeed.TablePosts, row, nil)
	return row, nil
}

// GetPost fetches post id.
func (b *Backend) GetPost(ctx context.Context, id string) (*domain.Post, error) {
	return GetPost(ctx, b.DB, id)
}

// UpdatePostBody replaces the body of post id and announces the update.
func (b *Backend) UpdatePostBody(ctx context.Context, id, body string) (*domain.Post, error) {
	row, err := UpdatePostBody(ctx, b.DB, id, body)
	if err != nil {
		return nil, err
	}
	b.announce(ctx, changefeed.OpUpdate, changefeed.TablePosts, row, nil)
	return row, nil
}

// DeletePost removes post id and announces the delete.
func (b *Backend) DeletePost(ctx context.Context, id string) (*domain.Post, error) {
	row, err := DeletePost(ctx, b.DB, id)
	if err != nil {
		return nil, err
	}
	b.announce(ctx, changefeed.OpDelete, changefeed.TablePosts, nil, row)
	return row, nil
}

// ListFeed returns every post newest first with collections loaded.
func (b *Backend) ListFeed(ctx context.Context) ([]domain.Post, error) {
	return ListFeed(ctx, b.DB, 0, 0)
}

// FindLike returns the like userID holds on postID, or ErrNotFound.
func (b *Backend) FindLike(ctx context.Context, postID, userID string) (*domain.Like, error) {
	return FindLike(ctx, b.DB, postID, userID)
}

// CreateLike persists a like and announces the insert.
func (b *Backend) CreateLike(ctx context.Context, postID, userID string) (*domain.Like, error) {
	row, err := CreateLike(ctx, b.DB, postID, userID)
	if err != nil {
		return nil, err
	}
	b.announce(ctx, changefeed.OpInsert, changefeed.TableLikes, row, nil)
	return row, nil
}

// DeleteLike removes like id and announces the delete.
func (b *Backend) DeleteLike(ctx context.Context, id string) (*domain.Like, error) {
	row, err := DeleteLike(ctx, b.DB, id)
	if err != nil {
		return nil, err
	}
	b.announce(ctx, changefeed.OpDelete, changefeed.TableLikes, nil, row)
	return row, nil
}

// CreateComment persists a comment and announces the insert.
func (b *Backend) CreateComment(ctx context.Context, postID, userID, text string) (*domain.Comment, error) {
	row, err := CreateComment(ctx, b.DB, postID, userID, text)
	if err != nil {
		return nil, err
	}
	b.announce(ctx, changefeed.OpInsert, changefeed.TableComments, row, nil)
	return row, nil
}

// GetComment fetches comment id.
func (b *Backend) GetComment(ctx context.Context, id string) (*domain.Comment, error) {
	return GetComment(ctx, b.DB, id)
}

// DeleteComment removes comment id and announces the delete.
func (b *Backend) DeleteComment(ctx context.Context, id string) (*domain.Comment, error) {
	row, err := DeleteComment(ctx, b.DB, id)
	if err != nil {
		return nil, err
	}
	b.announce(ctx, changefeed.OpDelete, changefeed.TableComments, nil, row)
	return row, nil
}

// CountPostsByUser returns the number of posts authored by userID.
func (b *Backend) CountPostsByUser(ctx context.Context, userID string) (int64, error) {
	return CountPostsByUser(ctx, b.DB, userID)
}

// CountLikesByUser returns the number of likes given by userID.
func (b *Backend) CountLikesByUser(ctx context.Context, userID string) (int64, error) {
	return CountLikesByUser(ctx, b.DB, userID)
}

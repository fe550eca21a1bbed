// Package repo implements the backing data store for feed records, backed
// by GORM. This file provides repository functions for the Post model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a post is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Functions:
//
//   - CreatePost(ctx, db, post) -> *domain.Post, error
//     Inserts a post with a UUID primary key and UTC timestamps.
//
//   - GetPost(ctx, db, id) -> *domain.Post, error
//     Fetches a single post without its collections.
//
//   - UpdatePostBody(ctx, db, id, body) -> *domain.Post, error
//     Replaces the body and returns the updated row.
//
//   - DeletePost(ctx, db, id) -> *domain.Post, error
//     Removes the post with its likes and comments and returns the removed row.
//
//   - ListFeed(ctx, db, offset, limit) -> []domain.Post, error
//     Returns posts newest first with likes and comments loaded.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Elias-FSILVA/VirAll/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreatePost inserts p. ID and timestamps are assigned here; any values set
// by the caller are overwritten. Collections on p are not persisted.
func CreatePost(ctx context.Context, db *gorm.DB, p *domain.Post) (*domain.Post, error) {
	now := time.Now().UTC()
	row := &domain.Post{
		ID:            uuid.NewString(),
		UserID:        p.UserID,
		Title:         p.Title,
		Body:          p.Body,
		AttachmentRef: p.AttachmentRef,
		ClientRef:     p.ClientRef,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := db.WithContext(ctx).Omit("Likes", "Comments").Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

// GetPost fetches a post by id. Collections are left nil.
func GetPost(ctx context.Context, db *gorm.DB, id string) (*domain.Post, error) {
	var p domain.Post
	if err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePostBody sets the body of post id and returns the updated row.
// It returns ErrNotFound if no row matched.
func UpdatePostBody(ctx context.Context, db *gorm.DB, id, body string) (*domain.Post, error) {
	var out *domain.Post
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Post{}).
			Where("id = ?", id).
			Updates(map[string]any{"body": body, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		p, err := GetPost(ctx, tx, id)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// DeletePost removes post id together with its likes and comments. The
// removed post row is returned. It returns ErrNotFound if no row matched.
func DeletePost(ctx context.Context, db *gorm.DB, id string) (*domain.Post, error) {
	var out *domain.Post
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := GetPost(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := tx.Where("post_id = ?", id).Delete(&domain.Like{}).Error; err != nil {
			return err
		}
		if err := tx.Where("post_id = ?", id).Delete(&domain.Comment{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&domain.Post{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		out = p
		return nil
	})
	return out, err
}

// ListFeed returns posts ordered newest first, with likes and comments
// loaded oldest first. A limit <= 0 returns every post. Loaded collections
// are never nil.
func ListFeed(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Post, error) {
	q := db.WithContext(ctx).
		Preload("Likes", func(tx *gorm.DB) *gorm.DB { return tx.Order("created_at asc, id asc") }).
		Preload("Comments", func(tx *gorm.DB) *gorm.DB { return tx.Order("created_at asc, id asc") }).
		Order("created_at desc, id desc")
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []domain.Post
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Likes == nil {
			out[i].Likes = []domain.Like{}
		}
		if out[i].Comments == nil {
			out[i].Comments = []domain.Comment{}
		}
	}
	return out, nil
}

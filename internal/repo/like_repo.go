// Package repo implements the backing data store for feed records, backed
// by GORM. This file provides repository functions for the Like model.
//
// Duplicate likes (same post_id,user_id) rely on the database unique index
// and surface as a raw DB error. The service layer translates that into
// "already liked".
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Elias-FSILVA/VirAll/internal/domain"
)

// FindLike returns the like userID holds on postID, or ErrNotFound.
func FindLike(ctx context.Context, db *gorm.DB, postID, userID string) (*domain.Like, error) {
	var l domain.Like
	err := db.WithContext(ctx).
		Where("post_id = ? AND user_id = ?", postID, userID).
		First(&l).Error
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateLike inserts a like by userID on postID.
func CreateLike(ctx context.Context, db *gorm.DB, postID, userID string) (*domain.Like, error) {
	l := &domain.Like{
		ID:        uuid.NewString(),
		PostID:    postID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Omit("Post").Create(l).Error; err != nil {
		return nil, err
	}
	return l, nil
}

// DeleteLike removes like id and returns the removed row, or ErrNotFound.
func DeleteLike(ctx context.Context, db *gorm.DB, id string) (*domain.Like, error) {
	var out *domain.Like
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var l domain.Like
		if err := tx.Where("id = ?", id).First(&l).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).Delete(&domain.Like{}).Error; err != nil {
			return err
		}
		out = &l
		return nil
	})
	return out, err
}

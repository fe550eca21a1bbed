// Package repo implements the backing data store for feed records, backed
// by GORM. This file provides small per-user aggregate queries used by the
// profile view.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/Elias-FSILVA/VirAll/internal/domain"
)

// CountPostsByUser returns the number of posts authored by userID.
func CountPostsByUser(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Post{}).
		Where("user_id = ?", userID).
		Count(&n).Error
	return n, err
}

// CountLikesByUser returns the number of likes given by userID.
func CountLikesByUser(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Like{}).
		Where("user_id = ?", userID).
		Count(&n).Error
	return n, err
}

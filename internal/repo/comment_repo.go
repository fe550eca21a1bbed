package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Elias-FSILVA/VirAll/internal/domain"
)

// CreateComment inserts a comment by userID on postID.
func CreateComment(ctx context.Context, db *gorm.DB, postID, userID, text string) (*domain.Comment, error) {
	c := &domain.Comment{
		ID:        uuid.NewString(),
		PostID:    postID,
		UserID:    userID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Omit("Post").Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetComment fetches a comment by id, or ErrNotFound.
func GetComment(ctx context.Context, db *gorm.DB, id string) (*domain.Comment, error) {
	var c domain.Comment
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteComment removes comment id and returns the removed row, or ErrNotFound.
func DeleteComment(ctx context.Context, db *gorm.DB, id string) (*domain.Comment, error) {
	var out *domain.Comment
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := GetComment(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).Delete(&domain.Comment{}).Error; err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

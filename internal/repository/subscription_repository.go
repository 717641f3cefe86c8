package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mailpipe/worker/internal/models"
)

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Upsert inserts a detected Subscription, doing nothing if one already
// exists for (UserID, ServiceName, Amount). A price change surfaces as a
// new row rather than overwriting the old contract.
func (r *SubscriptionRepository) Upsert(ctx context.Context, sub *models.Subscription) (created bool, err error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "service_name"}, {Name: "amount"}},
			DoNothing: true,
		}).
		Create(sub)
	if result.Error != nil {
		return false, fmt.Errorf("failed to upsert subscription: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GetByUserID lists every detected Subscription for a user.
func (r *SubscriptionRepository) GetByUserID(ctx context.Context, userID string) ([]models.Subscription, error) {
	var subs []models.Subscription
	result := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("first_detected DESC").
		Find(&subs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", result.Error)
	}
	return subs, nil
}

// CountByUserID reports how many subscriptions a user has.
func (r *SubscriptionRepository) CountByUserID(ctx context.Context, userID string) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count subscriptions: %w", result.Error)
	}
	return count, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mailpipe/worker/internal/models"
)

var ErrMailRowNotFound = errors.New("mail row not found")

type MailRowRepository struct {
	db *gorm.DB
}

func NewMailRowRepository(db *gorm.DB) *MailRowRepository {
	return &MailRowRepository{db: db}
}

// Upsert inserts a Mail Row, or overwrites the headers and bodies of the
// existing one for (AccountID, RemoteMessageID). A resumed sync that
// refetches the same page never duplicates a row, and a refetch picks up
// any corrected content. Classification state is left untouched.
func (r *MailRowRepository) Upsert(ctx context.Context, row *models.MailRow) error {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "remote_message_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"subject", "sender_email", "body_text", "body_html", "received_at", "updated_at"}),
		}).
		Create(row)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert mail row: %w", result.Error)
	}
	return nil
}

// GetByID retrieves a Mail Row by ID.
func (r *MailRowRepository) GetByID(ctx context.Context, id string) (*models.MailRow, error) {
	var row models.MailRow
	result := r.db.WithContext(ctx).First(&row, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrMailRowNotFound
		}
		return nil, fmt.Errorf("failed to get mail row: %w", result.Error)
	}
	return &row, nil
}

// UnprocessedBatch returns up to limit unprocessed rows for an account,
// newest first, for the Process Runner's next batch.
func (r *MailRowRepository) UnprocessedBatch(ctx context.Context, accountID string, limit int) ([]models.MailRow, error) {
	var rows []models.MailRow
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND processed_at IS NULL", accountID).
		Order("received_at DESC").
		Limit(limit).
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query unprocessed rows: %w", result.Error)
	}
	return rows, nil
}

// CountUnprocessed reports how many rows remain unprocessed for an account.
func (r *MailRowRepository) CountUnprocessed(ctx context.Context, accountID string) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).
		Model(&models.MailRow{}).
		Where("account_id = ? AND processed_at IS NULL", accountID).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count unprocessed rows: %w", result.Error)
	}
	return count, nil
}

// MarkClassified records a classifier's verdict against a row and stamps it
// processed.
func (r *MailRowRepository) MarkClassified(ctx context.Context, id string, isSubscription bool, confidence float64, data models.ExtractedData, provider models.AIProvider, reasoning string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.MailRow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_subscription":         isSubscription,
			"subscription_confidence": confidence,
			"extracted_data":          data,
			"ai_provider":             provider,
			"ai_reasoning":            reasoning,
			"processed_at":            &now,
			"updated_at":              now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark row classified: %w", result.Error)
	}
	return nil
}

// IncrementAnalysisAttempts bumps a row's retry counter, for the Process
// Runner's burn-after-three-attempts rule.
func (r *MailRowRepository) IncrementAnalysisAttempts(ctx context.Context, id string) (int, error) {
	result := r.db.WithContext(ctx).Model(&models.MailRow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"analysis_attempts": gorm.Expr("analysis_attempts + 1"),
			"updated_at":        time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to increment analysis attempts: %w", result.Error)
	}

	var row models.MailRow
	if err := r.db.WithContext(ctx).Select("analysis_attempts").First(&row, "id = ?", id).Error; err != nil {
		return 0, fmt.Errorf("failed to read analysis attempts: %w", err)
	}
	return row.AnalysisAttempts, nil
}

// MarkBurned stamps a row processed without a verdict, after it has
// exhausted its retry budget.
func (r *MailRowRepository) MarkBurned(ctx context.Context, id, reason string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.MailRow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"ai_provider":  models.AIProviderError,
			"ai_reasoning": reason,
			"processed_at": &now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark row burned: %w", result.Error)
	}
	return nil
}

// Package repository is the Mail Store: every persistence operation the
// Sync Runner, Process Runner, and Supervisor need, all against gorm.DB.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mailpipe/worker/internal/models"
)

var ErrAccountNotFound = errors.New("account not found")

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// GetByID retrieves an account by ID.
func (r *AccountRepository) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	result := r.db.WithContext(ctx).First(&account, "id = ?", accountID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", result.Error)
	}
	return &account, nil
}

// UpdateTokens updates the encrypted access/refresh tokens and their expiry.
// Satisfies vault.AccountStore.
func (r *AccountRepository) UpdateTokens(ctx context.Context, accountID, encryptedAccessToken, encryptedRefreshToken string, expiresAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"encrypted_access_token":  encryptedAccessToken,
			"encrypted_refresh_token": encryptedRefreshToken,
			"token_expires_at":        expiresAt,
			"updated_at":              time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update tokens: %w", result.Error)
	}
	return nil
}

// ListActive returns every account eligible for polling.
func (r *AccountRepository) ListActive(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	result := r.db.WithContext(ctx).Where("is_active = ?", true).Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list active accounts: %w", result.Error)
	}
	return accounts, nil
}

// ListStaleProcessing returns analyzing accounts whose processing_started_at
// is older than the given threshold. ResumeInterrupted does not use it; it
// resumes every analyzing account via ListAnalyzing.
func (r *AccountRepository) ListStaleProcessing(ctx context.Context, olderThan time.Duration) ([]models.Account, error) {
	var accounts []models.Account
	cutoff := time.Now().Add(-olderThan)
	result := r.db.WithContext(ctx).
		Where("processing_status = ? AND processing_started_at IS NOT NULL AND processing_started_at < ?", models.ProcessingStatusAnalyzing, cutoff).
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list stale processing accounts: %w", result.Error)
	}
	return accounts, nil
}

// BeginSync transitions an account into the syncing state, guarding against
// a concurrent Sync Runner already owning it.
func (r *AccountRepository) BeginSync(ctx context.Context, accountID string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND sync_status != ?", accountID, models.SyncStatusSyncing).
		Updates(map[string]interface{}{
			"sync_status": models.SyncStatusSyncing,
			"last_error":  "",
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to begin sync: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// InitializeSync resets a fresh sync pass: zeroes counters, clears any prior
// resume cursor, and stores the query fingerprint the run started with.
// Called only when the Sync Runner's resume decision came back negative.
func (r *AccountRepository) InitializeSync(ctx context.Context, accountID, queryHash string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"sync_status":               models.SyncStatusSyncing,
			"total_emails":              0,
			"processed_emails":          0,
			"last_page_token":           "",
			"last_processed_message_id": "",
			"query_hash":                queryHash,
			"processing_started_at":     &now,
			"updated_at":                now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to initialize sync: %w", result.Error)
	}
	return nil
}

// ListSyncing returns every account whose Sync Runner was still running when
// the server last stopped, for ResumeInterrupted.
func (r *AccountRepository) ListSyncing(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	result := r.db.WithContext(ctx).Where("sync_status = ?", models.SyncStatusSyncing).Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list syncing accounts: %w", result.Error)
	}
	return accounts, nil
}

// ListAnalyzing returns every account whose Process Runner was still running
// when the server last stopped, for ResumeInterrupted.
func (r *AccountRepository) ListAnalyzing(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	result := r.db.WithContext(ctx).Where("processing_status = ?", models.ProcessingStatusAnalyzing).Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list analyzing accounts: %w", result.Error)
	}
	return accounts, nil
}

// BeginProcessing transitions an account into the analyzing state, guarding
// against a concurrent Process Runner already owning it.
func (r *AccountRepository) BeginProcessing(ctx context.Context, accountID string) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND processing_status != ?", accountID, models.ProcessingStatusAnalyzing).
		Updates(map[string]interface{}{
			"processing_status":     models.ProcessingStatusAnalyzing,
			"processing_started_at": &now,
			"last_error":            "",
			"updated_at":            now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to begin processing: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// UpdateSyncCursor persists the pagination cursor and running totals for a
// Sync Runner in a single update: processed count, next page token, last
// message ID in the drained page, and the query fingerprint the run holds.
func (r *AccountRepository) UpdateSyncCursor(ctx context.Context, accountID string, totalEmails, processedEmails int, pageToken, lastMessageID, queryHash string) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"total_emails":              totalEmails,
			"processed_emails":          processedEmails,
			"last_page_token":           pageToken,
			"last_processed_message_id": lastMessageID,
			"query_hash":                queryHash,
			"updated_at":                time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update sync cursor: %w", result.Error)
	}
	return nil
}

// CompleteSync marks a sync pass finished and records the last-sync
// timestamp used to build the next incremental filter.
func (r *AccountRepository) CompleteSync(ctx context.Context, accountID string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"sync_status":              models.SyncStatusCompleted,
			"is_initial_sync_complete": true,
			"last_sync":                &now,
			"last_page_token":          "",
			"updated_at":               now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to complete sync: %w", result.Error)
	}
	return nil
}

// FailSync records a sync failure, preserving the resume cursor so the next
// attempt picks up where this one left off. Used for rate-limit, network,
// and unknown errors.
func (r *AccountRepository) FailSync(ctx context.Context, accountID, lastError string) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"sync_status": models.SyncStatusError,
			"last_error":  lastError,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record sync failure: %w", result.Error)
	}
	return nil
}

// FailSyncClearResume records a sync failure and clears the resume cursor.
// Used for authentication errors, which must not be silently retried from a
// stale page token against a bearer that is no longer valid.
func (r *AccountRepository) FailSyncClearResume(ctx context.Context, accountID, lastError string) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"sync_status":               models.SyncStatusError,
			"last_error":                lastError,
			"last_page_token":           "",
			"last_processed_message_id": "",
			"query_hash":                "",
			"updated_at":                time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record sync failure: %w", result.Error)
	}
	return nil
}

// ResetProcessingCounters starts a fresh processing pass: sets the target
// count and zeroes the run-scoped progress counters. ai_cost_total is never
// touched here; it is non-decreasing for the life of the account.
func (r *AccountRepository) ResetProcessingCounters(ctx context.Context, accountID string, emailsToAnalyze int) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"emails_to_analyze":   emailsToAnalyze,
			"emails_analyzed":     0,
			"subscriptions_found": 0,
			"updated_at":          time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to reset processing counters: %w", result.Error)
	}
	return nil
}

// UpdateProcessingCursor persists progress for a Process Runner. The cost
// delta is applied as an in-database increment so ai_cost_total only ever
// grows, regardless of how stale the runner's in-memory view is.
func (r *AccountRepository) UpdateProcessingCursor(ctx context.Context, accountID string, emailsAnalyzed, subscriptionsFound int, aiCostDelta float64) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"emails_analyzed":     emailsAnalyzed,
			"subscriptions_found": subscriptionsFound,
			"ai_cost_total":       gorm.Expr("ai_cost_total + ?", aiCostDelta),
			"updated_at":          time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update processing cursor: %w", result.Error)
	}
	return nil
}

// CompleteProcessing marks a processing pass finished.
func (r *AccountRepository) CompleteProcessing(ctx context.Context, accountID string) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"processing_status":     models.ProcessingStatusCompleted,
			"processing_started_at": nil,
			"updated_at":            time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to complete processing: %w", result.Error)
	}
	return nil
}

// FailProcessing records a processing failure, leaving the resume cursor
// intact.
func (r *AccountRepository) FailProcessing(ctx context.Context, accountID, lastError string) error {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"processing_status":     models.ProcessingStatusError,
			"processing_started_at": nil,
			"last_error":            lastError,
			"updated_at":            time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record processing failure: %w", result.Error)
	}
	return nil
}

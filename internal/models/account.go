package models

import "time"

// SyncStatus is the state of an Account's Sync Runner.
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusError     SyncStatus = "error"
)

// ProcessingStatus is the state of an Account's Process Runner.
type ProcessingStatus string

const (
	ProcessingStatusIdle      ProcessingStatus = "idle"
	ProcessingStatusAnalyzing ProcessingStatus = "analyzing"
	ProcessingStatusCompleted ProcessingStatus = "completed"
	ProcessingStatusError     ProcessingStatus = "error"
)

// Account is a bound mailbox, scoped to a user and a stored OAuth credential.
type Account struct {
	ID                     string           `gorm:"column:id;primaryKey"`
	UserID                 string           `gorm:"column:user_id;index"`
	CredentialID           string           `gorm:"column:credential_id"`
	MailboxAddress         string           `gorm:"column:mailbox_address"`
	EncryptedAccessToken   string           `gorm:"column:encrypted_access_token"`
	EncryptedRefreshToken  string           `gorm:"column:encrypted_refresh_token"`
	TokenExpiresAt         time.Time        `gorm:"column:token_expires_at"`
	IsActive               bool             `gorm:"column:is_active"`
	SyncStatus             SyncStatus       `gorm:"column:sync_status"`
	ProcessingStatus       ProcessingStatus `gorm:"column:processing_status"`
	TotalEmails            int              `gorm:"column:total_emails"`
	ProcessedEmails        int              `gorm:"column:processed_emails"`
	EmailsToAnalyze        int              `gorm:"column:emails_to_analyze"`
	EmailsAnalyzed         int              `gorm:"column:emails_analyzed"`
	SubscriptionsFound     int              `gorm:"column:subscriptions_found"`
	AICostTotal            float64          `gorm:"column:ai_cost_total"`
	IsInitialSyncComplete  bool             `gorm:"column:is_initial_sync_complete"`
	LastSync               *time.Time       `gorm:"column:last_sync"`
	LastPageToken          string           `gorm:"column:last_page_token"`
	LastProcessedMessageID string           `gorm:"column:last_processed_message_id"`
	QueryHash              string           `gorm:"column:query_hash"`
	ProcessingStartedAt    *time.Time       `gorm:"column:processing_started_at"`
	LastError              string           `gorm:"column:last_error"`
	CreatedAt              time.Time        `gorm:"column:created_at"`
	UpdatedAt              time.Time        `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM.
func (Account) TableName() string {
	return "account"
}

// Credential is a stored OAuth client secret, encrypted at rest, used by the
// Token Broker to mint bearers for an Account.
type Credential struct {
	ID                string    `gorm:"column:id;primaryKey"`
	UserID            string    `gorm:"column:user_id;index"`
	Provider          string    `gorm:"column:provider"`
	EncryptedClientID string    `gorm:"column:encrypted_client_id"`
	EncryptedSecret   string    `gorm:"column:encrypted_client_secret"`
	CreatedAt         time.Time `gorm:"column:created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM.
func (Credential) TableName() string {
	return "credential"
}

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// AIProvider records which stage of the hybrid classifier produced a Mail
// Row's classification.
type AIProvider string

const (
	AIProviderKeywords         AIProvider = "keywords"
	AIProviderKeywordsFallback AIProvider = "keywords_fallback"
	AIProviderClaude           AIProvider = "claude"
	AIProviderError            AIProvider = "error"
)

// ExtractedData is the candidate subscription fields a classifier produced
// for a Mail Row, stored as JSONB.
type ExtractedData struct {
	ServiceName     string   `json:"service_name,omitempty"`
	Amount          *float64 `json:"amount,omitempty"`
	Currency        string   `json:"currency,omitempty"`
	BillingCycle    string   `json:"billing_cycle,omitempty"`
	NextBillingDate string   `json:"next_billing_date,omitempty"`
}

// Value implements driver.Valuer so ExtractedData can be stored as JSONB.
func (e ExtractedData) Value() (driver.Value, error) {
	return json.Marshal(e)
}

// Scan implements sql.Scanner so ExtractedData can be read back from JSONB.
func (e *ExtractedData) Scan(value interface{}) error {
	if value == nil {
		*e = ExtractedData{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return errors.New("extracted_data: type assertion to []byte or string failed")
		}
		b = []byte(s)
	}
	return json.Unmarshal(b, e)
}

// MailRow is the persisted normalised form of a remote message. The
// uniqueness key is (AccountID, RemoteMessageID).
type MailRow struct {
	ID                     string        `gorm:"column:id;primaryKey"`
	AccountID              string        `gorm:"column:account_id;uniqueIndex:idx_account_remote"`
	RemoteMessageID        string        `gorm:"column:remote_message_id;uniqueIndex:idx_account_remote"`
	Subject                string        `gorm:"column:subject"`
	SenderEmail            string        `gorm:"column:sender_email"`
	BodyText               string        `gorm:"column:body_text"`
	BodyHTML               string        `gorm:"column:body_html"`
	ReceivedAt             time.Time     `gorm:"column:received_at;index"`
	ProcessedAt            *time.Time    `gorm:"column:processed_at;index"`
	IsSubscription         bool          `gorm:"column:is_subscription"`
	SubscriptionConfidence float64       `gorm:"column:subscription_confidence"`
	ExtractedData          ExtractedData `gorm:"column:extracted_data;type:jsonb"`
	AIProvider             AIProvider    `gorm:"column:ai_provider"`
	AIReasoning            string        `gorm:"column:ai_reasoning"`
	AnalysisAttempts       int           `gorm:"column:analysis_attempts"`
	CreatedAt              time.Time     `gorm:"column:created_at"`
	UpdatedAt              time.Time     `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM.
func (MailRow) TableName() string {
	return "mail_row"
}

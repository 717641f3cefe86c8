package models

import "time"

// BillingCycle is how often a Subscription recurs.
type BillingCycle string

const (
	BillingCycleMonthly   BillingCycle = "monthly"
	BillingCycleYearly    BillingCycle = "yearly"
	BillingCycleWeekly    BillingCycle = "weekly"
	BillingCycleQuarterly BillingCycle = "quarterly"
)

// SubscriptionStatus is the lifecycle state of a detected subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusPaused    SubscriptionStatus = "paused"
)

// Subscription is a detected recurring charge. Uniqueness is
// (UserID, ServiceName, Amount); conflicting inserts are silently
// suppressed, and a price change produces a new row.
type Subscription struct {
	ID               string             `gorm:"column:id;primaryKey"`
	UserID           string             `gorm:"column:user_id;uniqueIndex:idx_user_service_amount"`
	MailRowID        *string            `gorm:"column:mail_row_id"`
	ServiceName      string             `gorm:"column:service_name;uniqueIndex:idx_user_service_amount"`
	Amount           float64            `gorm:"column:amount;uniqueIndex:idx_user_service_amount"`
	Currency         string             `gorm:"column:currency"`
	BillingCycle     BillingCycle       `gorm:"column:billing_cycle"`
	NextBillingDate  *time.Time         `gorm:"column:next_billing_date"`
	Status           SubscriptionStatus `gorm:"column:status"`
	ConfidenceScore  float64            `gorm:"column:confidence_score"`
	UserVerified     bool               `gorm:"column:user_verified"`
	FirstDetected    time.Time          `gorm:"column:first_detected"`
	LastUpdated      time.Time          `gorm:"column:last_updated"`
	CategoryID       *string            `gorm:"column:category_id"`
	Notes            *string            `gorm:"column:notes"`
}

// TableName specifies the table name for GORM.
func (Subscription) TableName() string {
	return "subscription"
}

// Package process implements the Process Runner: the per-account state
// machine that batches unprocessed mail, applies the hybrid classifier, and
// upserts deduplicated subscriptions.
package process

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mailpipe/worker/internal/classify/keyword"
	"github.com/mailpipe/worker/internal/classify/llm"
	"github.com/mailpipe/worker/internal/mail"
	"github.com/mailpipe/worker/internal/models"
)

// maxAnalysisAttempts is the number of times a single row may be
// re-offered to the classifier before it is burned.
const maxAnalysisAttempts = 3

// AccountRepository is the slice of the Mail Store the Process Runner needs.
type AccountRepository interface {
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
	BeginProcessing(ctx context.Context, accountID string) (bool, error)
	ResetProcessingCounters(ctx context.Context, accountID string, emailsToAnalyze int) error
	UpdateProcessingCursor(ctx context.Context, accountID string, emailsAnalyzed, subscriptionsFound int, aiCostDelta float64) error
	CompleteProcessing(ctx context.Context, accountID string) error
	FailProcessing(ctx context.Context, accountID, lastError string) error
}

// MailRowRepository is the slice of the Mail Store the Process Runner needs.
type MailRowRepository interface {
	CountUnprocessed(ctx context.Context, accountID string) (int64, error)
	UnprocessedBatch(ctx context.Context, accountID string, limit int) ([]models.MailRow, error)
	MarkClassified(ctx context.Context, id string, isSubscription bool, confidence float64, data models.ExtractedData, provider models.AIProvider, reasoning string) error
	IncrementAnalysisAttempts(ctx context.Context, id string) (int, error)
	MarkBurned(ctx context.Context, id, reason string) error
}

// SubscriptionRepository is the slice of the Mail Store the Process Runner
// needs.
type SubscriptionRepository interface {
	Upsert(ctx context.Context, sub *models.Subscription) (created bool, err error)
}

// LLMClassifier is the LM Classifier's contract, as seen by the Process
// Runner. Enabled must be checked before Classify is called: an absent
// API key disables the stage rather than failing every call.
type LLMClassifier interface {
	Enabled() bool
	Classify(ctx context.Context, row mail.Message) (*llm.Result, error)
}

// Config controls the Process Runner's batching and gating thresholds.
type Config struct {
	KeywordConfidenceThreshold float64
	BatchSize                  int
	InterBatchDelay            time.Duration
}

// Runner is the Process Runner.
type Runner struct {
	accounts AccountRepository
	mailRows MailRowRepository
	subs     SubscriptionRepository
	llm      LLMClassifier
	cfg      Config
}

// New builds a Process Runner. llmClient may be nil, in which case every
// escalation falls back to the keyword result, equivalent to an LM client
// built with no API key.
func New(accounts AccountRepository, mailRows MailRowRepository, subs SubscriptionRepository, llmClient LLMClassifier, cfg Config) *Runner {
	return &Runner{accounts: accounts, mailRows: mailRows, subs: subs, llm: llmClient, cfg: cfg}
}

// Run drives one account through the process state machine to completion or
// failure. It is the entry point for a fresh or externally re-triggered
// start: if the account is already analyzing, it returns immediately
// rather than colliding with the runner that claimed it.
func (r *Runner) Run(ctx context.Context, accountID string) error {
	account, err := r.accounts.GetByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("process runner: failed to load account: %w", err)
	}
	if account.ProcessingStatus == models.ProcessingStatusAnalyzing {
		log.Printf("process: account %s already analyzing, skipping", accountID)
		return nil
	}
	return r.run(ctx, account)
}

// Resume continues a Process Runner that was left in the analyzing state by
// a server crash. Unlike Run, it does not treat processing_status=analyzing
// as a collision: that status is exactly what a crashed-mid-run account
// looks like, and ResumeInterrupted is the only caller of this path.
func (r *Runner) Resume(ctx context.Context, accountID string) error {
	account, err := r.accounts.GetByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("process runner: failed to load account: %w", err)
	}
	return r.run(ctx, account)
}

func (r *Runner) run(ctx context.Context, account *models.Account) error {
	accountID := account.ID
	resume := account.ProcessingStatus != models.ProcessingStatusIdle &&
		account.ProcessingStatus != models.ProcessingStatusCompleted &&
		account.EmailsAnalyzed < account.EmailsToAnalyze

	if _, err := r.accounts.BeginProcessing(ctx, accountID); err != nil {
		return fmt.Errorf("process runner: failed to begin: %w", err)
	}

	emailsAnalyzed := account.EmailsAnalyzed
	subscriptionsFound := account.SubscriptionsFound

	if resume {
		log.Printf("process: account %s resuming, %d/%d analyzed", accountID, emailsAnalyzed, account.EmailsToAnalyze)
	} else {
		unprocessed, err := r.mailRows.CountUnprocessed(ctx, accountID)
		if err != nil {
			_ = r.accounts.FailProcessing(ctx, accountID, "an unexpected error occurred")
			return fmt.Errorf("process runner: failed to count unprocessed rows: %w", err)
		}
		if err := r.accounts.ResetProcessingCounters(ctx, accountID, int(unprocessed)); err != nil {
			_ = r.accounts.FailProcessing(ctx, accountID, "an unexpected error occurred")
			return fmt.Errorf("process runner: failed to reset counters: %w", err)
		}
		emailsAnalyzed = 0
		subscriptionsFound = 0
		log.Printf("process: account %s starting fresh pass over %d unprocessed rows", accountID, unprocessed)
	}

	for {
		rows, err := r.mailRows.UnprocessedBatch(ctx, accountID, r.cfg.BatchSize)
		if err != nil {
			_ = r.accounts.FailProcessing(ctx, accountID, "an unexpected error occurred")
			return fmt.Errorf("process runner: failed to select batch: %w", err)
		}
		if len(rows) == 0 {
			if err := r.accounts.CompleteProcessing(ctx, accountID); err != nil {
				return fmt.Errorf("process runner: failed to complete: %w", err)
			}
			log.Printf("process: account %s completed, %d analyzed, %d subscriptions found", accountID, emailsAnalyzed, subscriptionsFound)
			return nil
		}

		batchAnalyzed, batchSubsFound, costDelta := r.runBatch(ctx, account.UserID, accountID, rows)
		emailsAnalyzed += batchAnalyzed
		subscriptionsFound += batchSubsFound

		if err := r.accounts.UpdateProcessingCursor(ctx, accountID, emailsAnalyzed, subscriptionsFound, costDelta); err != nil {
			log.Printf("process: account %s failed to persist batch progress: %v", accountID, err)
		}

		select {
		case <-time.After(r.cfg.InterBatchDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runBatch classifies every row in a batch, burning rows that exhaust their
// retry budget, and returns the batch's contribution to the running totals.
func (r *Runner) runBatch(ctx context.Context, userID, accountID string, rows []models.MailRow) (analyzed, subsFound int, costDelta float64) {
	for _, row := range rows {
		found, cost, err := r.classifyRow(ctx, userID, row)
		if err != nil {
			attempts, aerr := r.mailRows.IncrementAnalysisAttempts(ctx, row.ID)
			if aerr != nil {
				log.Printf("process: account %s row %s failed to record attempt: %v", accountID, row.ID, aerr)
				continue
			}
			if attempts >= maxAnalysisAttempts {
				reason := fmt.Sprintf("exhausted %d analysis attempts, last error: %v", attempts, err)
				if berr := r.mailRows.MarkBurned(ctx, row.ID, reason); berr != nil {
					log.Printf("process: account %s row %s failed to burn: %v", accountID, row.ID, berr)
					continue
				}
				analyzed++
			}
			continue
		}
		analyzed++
		subsFound += found
		costDelta += cost
	}
	return analyzed, subsFound, costDelta
}

// classifyRow runs the hybrid classifier over one row, upserts a
// Subscription when warranted, and marks the row processed. A returned
// error is a genuine exception (storage failure); LM unavailability or
// failure is handled inline as a fallback, not surfaced as an error.
func (r *Runner) classifyRow(ctx context.Context, userID string, row models.MailRow) (subsFound int, cost float64, err error) {
	msg := mail.Message{
		Subject:     row.Subject,
		SenderEmail: row.SenderEmail,
		BodyText:    row.BodyText,
		BodyHTML:    row.BodyHTML,
		ReceivedAt:  row.ReceivedAt,
	}
	kwResult := keyword.Classify(msg)

	var (
		isSub      bool
		confidence float64
		extracted  models.ExtractedData
		provider   models.AIProvider
		reasoning  string
	)

	switch {
	case kwResult.Confidence < r.cfg.KeywordConfidenceThreshold:
		isSub, confidence, extracted = kwResult.IsSubscription, kwResult.Confidence, extractedFromKeyword(kwResult)
		provider = models.AIProviderKeywords
		reasoning = "keyword confidence below threshold, LM not invoked"

	case r.llm != nil && r.llm.Enabled():
		lmResult, lmErr := r.llm.Classify(ctx, msg)
		if lmErr == nil {
			isSub, confidence = lmResult.IsSubscription, lmResult.Confidence
			extracted = extractedFromLLM(lmResult)
			provider = models.AIProviderClaude
			reasoning = lmResult.Reasoning
			if lmResult.Repaired {
				reasoning += " [response JSON required repair]"
			}
			cost = lmResult.Cost()
		} else {
			log.Printf("process: row %s LM call failed, falling back to keyword result: %v", row.ID, lmErr)
			isSub, confidence, extracted = kwResult.IsSubscription, kwResult.Confidence, extractedFromKeyword(kwResult)
			provider = models.AIProviderKeywordsFallback
			reasoning = fmt.Sprintf("lm call failed: %v", lmErr)
		}

	default:
		isSub, confidence, extracted = kwResult.IsSubscription, kwResult.Confidence, extractedFromKeyword(kwResult)
		provider = models.AIProviderKeywordsFallback
		reasoning = "lm disabled, using keyword result"
	}

	if err := r.mailRows.MarkClassified(ctx, row.ID, isSub, confidence, extracted, provider, reasoning); err != nil {
		return 0, 0, fmt.Errorf("failed to mark row classified: %w", err)
	}

	if isSub && extracted.ServiceName != "" && extracted.Amount != nil {
		sub := &models.Subscription{
			ID:              uuid.New().String(),
			UserID:          userID,
			MailRowID:       &row.ID,
			ServiceName:     extracted.ServiceName,
			Amount:          *extracted.Amount,
			Currency:        currencyOr(extracted.Currency, "USD"),
			BillingCycle:    billingCycleOr(extracted.BillingCycle, models.BillingCycleMonthly),
			Status:          models.SubscriptionStatusActive,
			ConfidenceScore: confidence,
			FirstDetected:   time.Now(),
			LastUpdated:     time.Now(),
		}
		created, uerr := r.subs.Upsert(ctx, sub)
		if uerr != nil {
			return 0, cost, fmt.Errorf("failed to upsert subscription: %w", uerr)
		}
		if created {
			subsFound = 1
		}
	}

	return subsFound, cost, nil
}

func extractedFromKeyword(k keyword.Result) models.ExtractedData {
	return models.ExtractedData{
		ServiceName:  k.ServiceName,
		Amount:       k.Amount,
		Currency:     k.Currency,
		BillingCycle: string(k.BillingCycle),
	}
}

func extractedFromLLM(l *llm.Result) models.ExtractedData {
	return models.ExtractedData{
		ServiceName:     l.ServiceName,
		Amount:          l.Amount,
		Currency:        l.Currency,
		BillingCycle:    l.BillingCycle,
		NextBillingDate: l.NextBillingDate,
	}
}

func currencyOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func billingCycleOr(v string, def models.BillingCycle) models.BillingCycle {
	if v == "" {
		return def
	}
	return models.BillingCycle(v)
}

// Package sync implements the Sync Runner: the per-account state machine
// that paginates a mailbox under a filter, persists each message, and
// advances a resumable cursor.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mailpipe/worker/internal/classify"
	"github.com/mailpipe/worker/internal/gmail"
	"github.com/mailpipe/worker/internal/mail"
	"github.com/mailpipe/worker/internal/models"
	"github.com/mailpipe/worker/internal/querybuilder"
)

// Fetcher is the Mail Fetcher's contract: list a page of remote message IDs
// under a filter, and fetch one message's normalised payload by ID.
type Fetcher interface {
	ListPage(ctx context.Context, accessToken, filter string, maxResults int, pageToken string) (*gmail.PageResult, error)
	FetchMessage(ctx context.Context, accessToken, remoteID string) (*mail.Message, error)
}

// TokenSource is the Token Broker's contract, as seen by the Sync Runner.
type TokenSource interface {
	AccessToken(ctx context.Context, accountID string) (string, error)
}

// AccountRepository is the slice of the Mail Store the Sync Runner needs.
type AccountRepository interface {
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
	InitializeSync(ctx context.Context, accountID, queryHash string) error
	UpdateSyncCursor(ctx context.Context, accountID string, totalEmails, processedEmails int, pageToken, lastMessageID, queryHash string) error
	CompleteSync(ctx context.Context, accountID string) error
	FailSync(ctx context.Context, accountID, lastError string) error
	FailSyncClearResume(ctx context.Context, accountID, lastError string) error
}

// MailRowRepository is the slice of the Mail Store the Sync Runner needs.
type MailRowRepository interface {
	Upsert(ctx context.Context, row *models.MailRow) error
}

// Config controls the Sync Runner's pacing and lookback window.
type Config struct {
	MonthsBack            int
	InterPageDelay        time.Duration
	StaleProcessingThresh time.Duration
}

// Runner is the Sync Runner.
type Runner struct {
	accounts AccountRepository
	mailRows MailRowRepository
	tokens   TokenSource
	fetcher  Fetcher
	cfg      Config
}

// New builds a Sync Runner.
func New(accounts AccountRepository, mailRows MailRowRepository, tokens TokenSource, fetcher Fetcher, cfg Config) *Runner {
	return &Runner{accounts: accounts, mailRows: mailRows, tokens: tokens, fetcher: fetcher, cfg: cfg}
}

// Run drives one account through the sync state machine to completion or
// failure. The caller (Supervisor) is responsible for the at-most-one claim
// on the account's sync_status before calling Run.
func (r *Runner) Run(ctx context.Context, accountID string) error {
	account, err := r.accounts.GetByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("sync runner: failed to load account: %w", err)
	}

	filter, isInitial, err := r.buildFilter(account)
	if err != nil {
		return r.fail(ctx, accountID, err)
	}
	fingerprint := querybuilder.Fingerprint(filter)

	resume := account.SyncStatus == models.SyncStatusSyncing &&
		account.LastPageToken != "" &&
		account.QueryHash == fingerprint

	var pageToken string
	var processedEmails, totalEmails int

	if resume {
		if account.ProcessingStartedAt != nil && time.Since(*account.ProcessingStartedAt) > r.cfg.StaleProcessingThresh {
			log.Printf("sync: account %s resuming a sync started %s ago (stale but not blocking)", accountID, time.Since(*account.ProcessingStartedAt))
		}
		pageToken = account.LastPageToken
		processedEmails = account.ProcessedEmails
		totalEmails = account.TotalEmails
		log.Printf("sync: account %s resuming at page token %q, %d/%d processed", accountID, pageToken, processedEmails, totalEmails)
	} else {
		if account.QueryHash != "" && account.QueryHash != fingerprint {
			log.Printf("sync: account %s query fingerprint changed (%s -> %s), discarding prior resume state", accountID, account.QueryHash, fingerprint)
		}
		if err := r.accounts.InitializeSync(ctx, accountID, fingerprint); err != nil {
			return fmt.Errorf("sync runner: failed to initialize: %w", err)
		}

		total, err := r.countMessages(ctx, accountID, filter)
		if err != nil {
			return r.fail(ctx, accountID, err)
		}
		totalEmails = total
		if err := r.accounts.UpdateSyncCursor(ctx, accountID, totalEmails, 0, "", "", fingerprint); err != nil {
			log.Printf("sync: account %s failed to persist initial total, continuing: %v", accountID, err)
		}
	}

	skipped := 0
	for {
		bearer, err := r.tokens.AccessToken(ctx, accountID)
		if err != nil {
			return r.fail(ctx, accountID, err)
		}

		page, err := r.fetcher.ListPage(ctx, bearer, filter, gmail.MaxFetchPageSize, pageToken)
		if err != nil {
			return r.fail(ctx, accountID, err)
		}

		var lastMessageID string
		for _, remoteID := range page.MessageIDs {
			lastMessageID = remoteID
			msg, err := r.fetcher.FetchMessage(ctx, bearer, remoteID)
			if err != nil {
				log.Printf("sync: account %s failed to fetch message %s, skipping: %v", accountID, remoteID, err)
				skipped++
				continue
			}
			row := toMailRow(accountID, msg)
			if err := r.mailRows.Upsert(ctx, row); err != nil {
				log.Printf("sync: account %s failed to persist message %s, skipping: %v", accountID, remoteID, err)
				skipped++
				continue
			}
		}
		processedEmails += len(page.MessageIDs)

		if err := r.saveCursor(ctx, accountID, totalEmails, processedEmails, page.NextPageToken, lastMessageID, fingerprint); err != nil {
			log.Printf("sync: account %s lost a batch of cursor progress after retry: %v", accountID, err)
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken

		select {
		case <-time.After(r.cfg.InterPageDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if skipped > 0 {
		log.Printf("sync: account %s finished with %d skipped messages", accountID, skipped)
	}

	if err := r.accounts.CompleteSync(ctx, accountID); err != nil {
		return fmt.Errorf("sync runner: failed to complete: %w", err)
	}
	log.Printf("sync: account %s completed, %d/%d processed (initial=%v)", accountID, processedEmails, totalEmails, isInitial)
	return nil
}

// saveCursor persists the pagination cursor with a single retry. A second
// failure is the caller's to log; it does not abort the run, losing at most
// one batch of progress on a crash.
func (r *Runner) saveCursor(ctx context.Context, accountID string, totalEmails, processedEmails int, pageToken, lastMessageID, fingerprint string) error {
	err := r.accounts.UpdateSyncCursor(ctx, accountID, totalEmails, processedEmails, pageToken, lastMessageID, fingerprint)
	if err == nil {
		return nil
	}
	return r.accounts.UpdateSyncCursor(ctx, accountID, totalEmails, processedEmails, pageToken, lastMessageID, fingerprint)
}

// countMessages iterates the fetcher at the counting page size purely to
// total the IDs under the filter, without fetching any message bodies.
func (r *Runner) countMessages(ctx context.Context, accountID, filter string) (int, error) {
	total := 0
	var pageToken string
	for {
		bearer, err := r.tokens.AccessToken(ctx, accountID)
		if err != nil {
			return 0, err
		}
		page, err := r.fetcher.ListPage(ctx, bearer, filter, gmail.MaxCountPageSize, pageToken)
		if err != nil {
			return 0, err
		}
		total += len(page.MessageIDs)
		if page.NextPageToken == "" {
			return total, nil
		}
		pageToken = page.NextPageToken
	}
}

// buildFilter chooses initial vs. incremental mode from the account's sync
// history and delegates to the Query Builder.
func (r *Runner) buildFilter(account *models.Account) (filter string, isInitial bool, err error) {
	if !account.IsInitialSyncComplete {
		filter, err = querybuilder.Build(querybuilder.Params{
			Mode:       querybuilder.ModeInitial,
			MonthsBack: r.cfg.MonthsBack,
			Now:        time.Now().UTC(),
		})
		return filter, true, err
	}
	filter, err = querybuilder.Build(querybuilder.Params{
		Mode:     querybuilder.ModeIncremental,
		LastSync: account.LastSync,
		Now:      time.Now().UTC(),
	})
	return filter, false, err
}

// fail classifies the failure and records it, clearing the resume cursor
// only for authentication errors.
func (r *Runner) fail(ctx context.Context, accountID string, err error) error {
	var classified *classify.Error
	if !errors.As(err, &classified) {
		classified = classify.FromError(err)
	}

	log.Printf("sync: account %s failed (%s): %v", accountID, classified.Kind, err)

	var saveErr error
	if classified.PreservesResume() {
		saveErr = r.accounts.FailSync(ctx, accountID, classified.UserMessage())
	} else {
		saveErr = r.accounts.FailSyncClearResume(ctx, accountID, classified.UserMessage())
	}
	if saveErr != nil {
		log.Printf("sync: account %s failed to record failure status: %v", accountID, saveErr)
	}
	return fmt.Errorf("sync runner: %w", err)
}

func toMailRow(accountID string, msg *mail.Message) *models.MailRow {
	return &models.MailRow{
		ID:              uuid.New().String(),
		AccountID:       accountID,
		RemoteMessageID: msg.RemoteID,
		Subject:         msg.Subject,
		SenderEmail:     msg.SenderEmail,
		BodyText:        msg.BodyText,
		BodyHTML:        msg.BodyHTML,
		ReceivedAt:      msg.ReceivedAt,
	}
}

// Package supervisor is the entire inbound surface of the core: it starts
// sync and processing runs on demand, chains a completed sync into
// processing, and resumes interrupted runs on server boot.
package supervisor

import (
	"context"
	"log"

	"github.com/mailpipe/worker/internal/models"
)

// AccountRepository is the slice of the Mail Store the Supervisor needs.
type AccountRepository interface {
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
	BeginSync(ctx context.Context, accountID string) (bool, error)
	ListSyncing(ctx context.Context) ([]models.Account, error)
	ListAnalyzing(ctx context.Context) ([]models.Account, error)
}

// SyncRunner is the Sync Runner's contract, as seen by the Supervisor.
type SyncRunner interface {
	Run(ctx context.Context, accountID string) error
}

// ProcessRunner is the Process Runner's contract, as seen by the Supervisor.
type ProcessRunner interface {
	Run(ctx context.Context, accountID string) error
	Resume(ctx context.Context, accountID string) error
}

// Supervisor is the Supervisor component.
type Supervisor struct {
	accounts AccountRepository
	sync     SyncRunner
	process  ProcessRunner
}

// New builds a Supervisor.
func New(accounts AccountRepository, syncRunner SyncRunner, processRunner ProcessRunner) *Supervisor {
	return &Supervisor{accounts: accounts, sync: syncRunner, process: processRunner}
}

// StartSync fires off a Sync Runner for the given account in the
// background, refusing to double-start one that is already syncing. On a
// successful completion it chains into StartProcessing for the same
// account.
func (s *Supervisor) StartSync(ctx context.Context, accountID, userID string) {
	claimed, err := s.accounts.BeginSync(ctx, accountID)
	if err != nil {
		log.Printf("supervisor: failed to claim sync for account %s: %v", accountID, err)
		return
	}
	if !claimed {
		log.Printf("supervisor: sync already running for account %s, refusing to double-start", accountID)
		return
	}

	go func() {
		// Detached from the triggering request's context: the runner must
		// outlive the HTTP call that started it.
		runCtx := context.Background()
		if err := s.sync.Run(runCtx, accountID); err != nil {
			log.Printf("supervisor: sync failed for account %s: %v", accountID, err)
			return
		}
		log.Printf("supervisor: sync completed for account %s, chaining to processing", accountID)
		s.StartProcessing(runCtx, accountID, userID)
	}()
}

// StartProcessing fires off a Process Runner for the given account in the
// background. The at-most-one guard here is an advisory peek at
// processing_status, not a mutex: two racing callers may both observe an
// inactive status and proceed, which is tolerable because row upserts and
// subscription upserts are idempotent.
func (s *Supervisor) StartProcessing(ctx context.Context, accountID, userID string) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		log.Printf("supervisor: failed to load account %s before starting processing: %v", accountID, err)
		return
	}
	if account.ProcessingStatus == models.ProcessingStatusAnalyzing {
		log.Printf("supervisor: processing already running for account %s, refusing to double-start", accountID)
		return
	}

	go func() {
		if err := s.process.Run(context.Background(), accountID); err != nil {
			log.Printf("supervisor: processing failed for account %s: %v", accountID, err)
		}
	}()
}

// ResumeInterrupted is called exactly once at server start. It scans for any
// account whose Sync or Process Runner was still active when the process
// last stopped, and restarts each in the background. Failures here are
// logged, never fatal to boot.
func (s *Supervisor) ResumeInterrupted(ctx context.Context) {
	syncing, err := s.accounts.ListSyncing(ctx)
	if err != nil {
		log.Printf("supervisor: failed to list syncing accounts on boot: %v", err)
	}
	for _, account := range syncing {
		accountID, userID := account.ID, account.UserID
		log.Printf("supervisor: resuming interrupted sync for account %s", accountID)
		go func() {
			runCtx := context.Background()
			if err := s.sync.Run(runCtx, accountID); err != nil {
				log.Printf("supervisor: resumed sync failed for account %s: %v", accountID, err)
				return
			}
			log.Printf("supervisor: resumed sync completed for account %s, chaining to processing", accountID)
			s.StartProcessing(runCtx, accountID, userID)
		}()
	}

	analyzing, err := s.accounts.ListAnalyzing(ctx)
	if err != nil {
		log.Printf("supervisor: failed to list analyzing accounts on boot: %v", err)
	}
	for _, account := range analyzing {
		accountID := account.ID
		log.Printf("supervisor: resuming interrupted processing for account %s", accountID)
		go func() {
			if err := s.process.Resume(context.Background(), accountID); err != nil {
				log.Printf("supervisor: resumed processing failed for account %s: %v", accountID, err)
			}
		}()
	}
}

package process

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mailpipe/worker/internal/classify/llm"
	"github.com/mailpipe/worker/internal/mail"
	"github.com/mailpipe/worker/internal/models"
)

type fakeAccounts struct {
	account          *models.Account
	beginCalls       int
	resetCalls       int
	resetToAnalyze   int
	completed        bool
	failed           string
	lastCursorUpdate struct{ analyzed, subsFound int }
}

func (f *fakeAccounts) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	a := *f.account
	return &a, nil
}

func (f *fakeAccounts) BeginProcessing(ctx context.Context, accountID string) (bool, error) {
	f.beginCalls++
	f.account.ProcessingStatus = models.ProcessingStatusAnalyzing
	return true, nil
}

func (f *fakeAccounts) ResetProcessingCounters(ctx context.Context, accountID string, emailsToAnalyze int) error {
	f.resetCalls++
	f.resetToAnalyze = emailsToAnalyze
	f.account.EmailsToAnalyze = emailsToAnalyze
	f.account.EmailsAnalyzed = 0
	f.account.SubscriptionsFound = 0
	return nil
}

func (f *fakeAccounts) UpdateProcessingCursor(ctx context.Context, accountID string, emailsAnalyzed, subscriptionsFound int, aiCostDelta float64) error {
	f.account.EmailsAnalyzed = emailsAnalyzed
	f.account.SubscriptionsFound = subscriptionsFound
	f.account.AICostTotal += aiCostDelta
	f.lastCursorUpdate.analyzed = emailsAnalyzed
	f.lastCursorUpdate.subsFound = subscriptionsFound
	return nil
}

func (f *fakeAccounts) CompleteProcessing(ctx context.Context, accountID string) error {
	f.completed = true
	f.account.ProcessingStatus = models.ProcessingStatusCompleted
	return nil
}

func (f *fakeAccounts) FailProcessing(ctx context.Context, accountID, lastError string) error {
	f.failed = lastError
	f.account.ProcessingStatus = models.ProcessingStatusError
	return nil
}

type fakeMailRows struct {
	rows         map[string]*models.MailRow
	attempts     map[string]int
	failClassify map[string]bool
	burnedIDs    []string
}

func newFakeMailRows(rows ...models.MailRow) *fakeMailRows {
	f := &fakeMailRows{rows: map[string]*models.MailRow{}, attempts: map[string]int{}, failClassify: map[string]bool{}}
	for i := range rows {
		r := rows[i]
		f.rows[r.ID] = &r
	}
	return f
}

func (f *fakeMailRows) CountUnprocessed(ctx context.Context, accountID string) (int64, error) {
	var n int64
	for _, r := range f.rows {
		if r.ProcessedAt == nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeMailRows) UnprocessedBatch(ctx context.Context, accountID string, limit int) ([]models.MailRow, error) {
	var out []models.MailRow
	for _, r := range f.rows {
		if r.ProcessedAt == nil {
			out = append(out, *r)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeMailRows) MarkClassified(ctx context.Context, id string, isSubscription bool, confidence float64, data models.ExtractedData, provider models.AIProvider, reasoning string) error {
	if f.failClassify[id] {
		return errors.New("simulated classification write failure")
	}
	now := time.Now()
	r := f.rows[id]
	r.IsSubscription = isSubscription
	r.SubscriptionConfidence = confidence
	r.ExtractedData = data
	r.AIProvider = provider
	r.AIReasoning = reasoning
	r.ProcessedAt = &now
	return nil
}

func (f *fakeMailRows) IncrementAnalysisAttempts(ctx context.Context, id string) (int, error) {
	f.attempts[id]++
	return f.attempts[id], nil
}

func (f *fakeMailRows) MarkBurned(ctx context.Context, id, reason string) error {
	now := time.Now()
	r := f.rows[id]
	r.AIProvider = models.AIProviderError
	r.AIReasoning = reason
	r.ProcessedAt = &now
	f.burnedIDs = append(f.burnedIDs, id)
	return nil
}

type fakeSubs struct {
	created []models.Subscription
}

func (f *fakeSubs) Upsert(ctx context.Context, sub *models.Subscription) (bool, error) {
	for _, existing := range f.created {
		if existing.UserID == sub.UserID && existing.ServiceName == sub.ServiceName && existing.Amount == sub.Amount {
			return false, nil
		}
	}
	f.created = append(f.created, *sub)
	return true, nil
}

type fakeLLM struct {
	enabled  bool
	classify func(ctx context.Context, row mail.Message) (*llm.Result, error)
}

func (f *fakeLLM) Enabled() bool { return f.enabled }

func (f *fakeLLM) Classify(ctx context.Context, row mail.Message) (*llm.Result, error) {
	return f.classify(ctx, row)
}

func testConfig() Config {
	return Config{KeywordConfidenceThreshold: 0.3, BatchSize: 50, InterBatchDelay: time.Millisecond}
}

func TestRunner_NewsletterStaysOnKeywordsAndNeverCallsLLM(t *testing.T) {
	row := models.MailRow{ID: "row-1", Subject: "Your weekly newsletter", BodyText: "nothing billing related here", ReceivedAt: time.Now()}
	accounts := &fakeAccounts{account: &models.Account{ID: "acc-1", UserID: "user-1"}}
	mailRows := newFakeMailRows(row)
	subs := &fakeSubs{}
	llmCalled := false
	llmClient := &fakeLLM{enabled: true, classify: func(ctx context.Context, r mail.Message) (*llm.Result, error) {
		llmCalled = true
		return nil, nil
	}}

	r := New(accounts, mailRows, subs, llmClient, testConfig())
	if err := r.Run(context.Background(), "acc-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if llmCalled {
		t.Error("expected LLM never invoked for a low-confidence row")
	}
	got := mailRows.rows["row-1"]
	if got.AIProvider != models.AIProviderKeywords {
		t.Errorf("expected ai_provider=keywords, got %s", got.AIProvider)
	}
	if got.IsSubscription {
		t.Error("expected is_subscription=false")
	}
	if accounts.account.AICostTotal != 0 {
		t.Errorf("expected zero cost, got %f", accounts.account.AICostTotal)
	}
}

func TestRunner_EscalatesAndUpsertsSubscription(t *testing.T) {
	row := models.MailRow{
		ID:          "row-1",
		Subject:     "Your monthly Netflix receipt — $15.99 charged",
		SenderEmail: "billing@netflix.com",
		BodyText:    "Thanks for your payment",
		ReceivedAt:  time.Now(),
	}
	accounts := &fakeAccounts{account: &models.Account{ID: "acc-1", UserID: "user-1"}}
	mailRows := newFakeMailRows(row)
	subs := &fakeSubs{}
	amount := 15.99
	llmClient := &fakeLLM{enabled: true, classify: func(ctx context.Context, r mail.Message) (*llm.Result, error) {
		return &llm.Result{
			IsSubscription: true, Confidence: 0.98, ServiceName: "Netflix", Amount: &amount,
			Currency: "USD", BillingCycle: "monthly", Reasoning: "recurring charge",
			InputTokens: 500, OutputTokens: 100,
		}, nil
	}}

	r := New(accounts, mailRows, subs, llmClient, testConfig())
	if err := r.Run(context.Background(), "acc-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(subs.created) != 1 {
		t.Fatalf("expected one subscription created, got %d", len(subs.created))
	}
	if subs.created[0].ServiceName != "Netflix" || subs.created[0].Amount != 15.99 {
		t.Errorf("unexpected subscription: %+v", subs.created[0])
	}
	if accounts.account.SubscriptionsFound != 1 {
		t.Errorf("expected subscriptions_found=1, got %d", accounts.account.SubscriptionsFound)
	}
	if accounts.account.AICostTotal <= 0 {
		t.Error("expected ai_cost_total to increase")
	}
}

func TestRunner_DuplicateSubscriptionSuppressed(t *testing.T) {
	amount := 15.99
	makeRow := func(id string) models.MailRow {
		return models.MailRow{ID: id, Subject: "Netflix receipt", SenderEmail: "billing@netflix.com", ReceivedAt: time.Now()}
	}
	accounts := &fakeAccounts{account: &models.Account{ID: "acc-1", UserID: "user-1"}}
	mailRows := newFakeMailRows(makeRow("row-1"), makeRow("row-2"))
	subs := &fakeSubs{}
	llmClient := &fakeLLM{enabled: true, classify: func(ctx context.Context, r mail.Message) (*llm.Result, error) {
		return &llm.Result{IsSubscription: true, Confidence: 0.98, ServiceName: "Netflix", Amount: &amount, Currency: "USD", BillingCycle: "monthly"}, nil
	}}

	r := New(accounts, mailRows, subs, llmClient, testConfig())
	if err := r.Run(context.Background(), "acc-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(subs.created) != 1 {
		t.Errorf("expected duplicate suppressed, got %d subscriptions", len(subs.created))
	}
	if accounts.account.SubscriptionsFound != 1 {
		t.Errorf("expected subscriptions_found to count only the first insert, got %d", accounts.account.SubscriptionsFound)
	}
}

func TestRunner_LLMFailureFallsBackToKeywordResult(t *testing.T) {
	row := models.MailRow{ID: "row-1", Subject: "Your monthly Netflix receipt $15.99 charged", SenderEmail: "billing@netflix.com", ReceivedAt: time.Now()}
	accounts := &fakeAccounts{account: &models.Account{ID: "acc-1", UserID: "user-1"}}
	mailRows := newFakeMailRows(row)
	subs := &fakeSubs{}
	llmClient := &fakeLLM{enabled: true, classify: func(ctx context.Context, r mail.Message) (*llm.Result, error) {
		return nil, errors.New("llm endpoint unreachable")
	}}

	r := New(accounts, mailRows, subs, llmClient, testConfig())
	if err := r.Run(context.Background(), "acc-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := mailRows.rows["row-1"]
	if got.AIProvider != models.AIProviderKeywordsFallback {
		t.Errorf("expected fallback provider, got %s", got.AIProvider)
	}
	if accounts.account.AICostTotal != 0 {
		t.Error("expected no cost charged on a failed LLM call")
	}
}

func TestRunner_BurnsRowAfterThreeFailedAttempts(t *testing.T) {
	row := models.MailRow{ID: "row-1", Subject: "Your monthly Netflix receipt $15.99 charged", SenderEmail: "billing@netflix.com", ReceivedAt: time.Now()}
	accounts := &fakeAccounts{account: &models.Account{ID: "acc-1", UserID: "user-1"}}
	mailRows := newFakeMailRows(row)
	mailRows.failClassify["row-1"] = true
	subs := &fakeSubs{}
	llmClient := &fakeLLM{enabled: false}

	r := New(accounts, mailRows, subs, llmClient, testConfig())
	if err := r.Run(context.Background(), "acc-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mailRows.attempts["row-1"] != 3 {
		t.Errorf("expected exactly 3 attempts before burning, got %d", mailRows.attempts["row-1"])
	}
	if len(mailRows.burnedIDs) != 1 || mailRows.burnedIDs[0] != "row-1" {
		t.Errorf("expected row-1 burned, got %v", mailRows.burnedIDs)
	}
	if mailRows.rows["row-1"].ProcessedAt == nil {
		t.Error("expected burned row to be marked processed")
	}
}

func TestRunner_ResumeContinuesWithoutRezeroingCounters(t *testing.T) {
	row := models.MailRow{ID: "row-1", Subject: "weekly digest", ReceivedAt: time.Now()}
	accounts := &fakeAccounts{account: &models.Account{
		ID: "acc-1", UserID: "user-1",
		ProcessingStatus: models.ProcessingStatusError,
		EmailsToAnalyze:  10, EmailsAnalyzed: 4, SubscriptionsFound: 2,
	}}
	mailRows := newFakeMailRows(row)
	subs := &fakeSubs{}
	llmClient := &fakeLLM{enabled: false}

	r := New(accounts, mailRows, subs, llmClient, testConfig())
	if err := r.Resume(context.Background(), "acc-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if accounts.resetCalls != 0 {
		t.Error("expected resume not to reset counters")
	}
	if accounts.account.EmailsAnalyzed != 5 {
		t.Errorf("expected resumed count to continue from 4, got %d", accounts.account.EmailsAnalyzed)
	}
}

func TestRunner_RunRefusesWhenAlreadyAnalyzing(t *testing.T) {
	accounts := &fakeAccounts{account: &models.Account{ID: "acc-1", UserID: "user-1", ProcessingStatus: models.ProcessingStatusAnalyzing}}
	mailRows := newFakeMailRows()
	subs := &fakeSubs{}
	llmClient := &fakeLLM{enabled: false}

	r := New(accounts, mailRows, subs, llmClient, testConfig())
	if err := r.Run(context.Background(), "acc-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if accounts.beginCalls != 0 {
		t.Error("expected Run to refuse before ever claiming processing")
	}
}

func TestRunner_ResumeProceedsWhileAnalyzing(t *testing.T) {
	row := models.MailRow{ID: "row-1", Subject: "weekly digest", ReceivedAt: time.Now()}
	accounts := &fakeAccounts{account: &models.Account{
		ID: "acc-1", UserID: "user-1",
		ProcessingStatus: models.ProcessingStatusAnalyzing,
		EmailsToAnalyze:  1, EmailsAnalyzed: 0,
	}}
	mailRows := newFakeMailRows(row)
	subs := &fakeSubs{}
	llmClient := &fakeLLM{enabled: false}

	r := New(accounts, mailRows, subs, llmClient, testConfig())
	if err := r.Resume(context.Background(), "acc-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if accounts.beginCalls != 1 {
		t.Error("expected Resume to proceed despite processing_status=analyzing")
	}
	if accounts.account.ProcessingStatus != models.ProcessingStatusCompleted {
		t.Errorf("expected completed, got %s", accounts.account.ProcessingStatus)
	}
}

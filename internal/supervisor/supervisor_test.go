package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mailpipe/worker/internal/models"
)

type fakeAccounts struct {
	account         *models.Account
	beginSyncResult bool
	beginSyncCalls  int
	syncing         []models.Account
	analyzing       []models.Account
}

func (f *fakeAccounts) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	a := *f.account
	return &a, nil
}

func (f *fakeAccounts) BeginSync(ctx context.Context, accountID string) (bool, error) {
	f.beginSyncCalls++
	return f.beginSyncResult, nil
}

func (f *fakeAccounts) ListSyncing(ctx context.Context) ([]models.Account, error) {
	return f.syncing, nil
}

func (f *fakeAccounts) ListAnalyzing(ctx context.Context) ([]models.Account, error) {
	return f.analyzing, nil
}

type fakeSyncRunner struct {
	calls chan string
	err   error
}

func newFakeSyncRunner() *fakeSyncRunner {
	return &fakeSyncRunner{calls: make(chan string, 8)}
}

func (f *fakeSyncRunner) Run(ctx context.Context, accountID string) error {
	f.calls <- accountID
	return f.err
}

type fakeProcessRunner struct {
	runCalls    chan string
	resumeCalls chan string
	runErr      error
	resumeErr   error
}

func newFakeProcessRunner() *fakeProcessRunner {
	return &fakeProcessRunner{runCalls: make(chan string, 8), resumeCalls: make(chan string, 8)}
}

func (f *fakeProcessRunner) Run(ctx context.Context, accountID string) error {
	f.runCalls <- accountID
	return f.runErr
}

func (f *fakeProcessRunner) Resume(ctx context.Context, accountID string) error {
	f.resumeCalls <- accountID
	return f.resumeErr
}

const waitFor = 200 * time.Millisecond

func expectReceive(t *testing.T, ch chan string, want string) {
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(waitFor):
		t.Errorf("expected a call for %q, got none", want)
	}
}

func expectNoCall(t *testing.T, ch chan string) {
	select {
	case got := <-ch:
		t.Errorf("expected no call, got one for %q", got)
	case <-time.After(waitFor):
	}
}

func TestSupervisor_StartSync_RefusesDoubleStart(t *testing.T) {
	accounts := &fakeAccounts{account: &models.Account{ID: "acc-1"}, beginSyncResult: false}
	syncRunner := newFakeSyncRunner()
	processRunner := newFakeProcessRunner()

	s := New(accounts, syncRunner, processRunner)
	s.StartSync(context.Background(), "acc-1", "user-1")

	expectNoCall(t, syncRunner.calls)
	assert.Equal(t, 1, accounts.beginSyncCalls)
}

func TestSupervisor_StartSync_ChainsIntoProcessingOnSuccess(t *testing.T) {
	accounts := &fakeAccounts{account: &models.Account{ID: "acc-1", ProcessingStatus: models.ProcessingStatusIdle}, beginSyncResult: true}
	syncRunner := newFakeSyncRunner()
	processRunner := newFakeProcessRunner()

	s := New(accounts, syncRunner, processRunner)
	s.StartSync(context.Background(), "acc-1", "user-1")

	expectReceive(t, syncRunner.calls, "acc-1")
	expectReceive(t, processRunner.runCalls, "acc-1")
}

func TestSupervisor_StartSync_DoesNotChainOnSyncFailure(t *testing.T) {
	accounts := &fakeAccounts{account: &models.Account{ID: "acc-1"}, beginSyncResult: true}
	syncRunner := newFakeSyncRunner()
	syncRunner.err = context.DeadlineExceeded
	processRunner := newFakeProcessRunner()

	s := New(accounts, syncRunner, processRunner)
	s.StartSync(context.Background(), "acc-1", "user-1")

	expectReceive(t, syncRunner.calls, "acc-1")
	expectNoCall(t, processRunner.runCalls)
}

func TestSupervisor_StartProcessing_RefusesDoubleStart(t *testing.T) {
	accounts := &fakeAccounts{account: &models.Account{ID: "acc-1", ProcessingStatus: models.ProcessingStatusAnalyzing}}
	syncRunner := newFakeSyncRunner()
	processRunner := newFakeProcessRunner()

	s := New(accounts, syncRunner, processRunner)
	s.StartProcessing(context.Background(), "acc-1", "user-1")

	expectNoCall(t, processRunner.runCalls)
}

func TestSupervisor_StartProcessing_ProceedsWhenIdle(t *testing.T) {
	accounts := &fakeAccounts{account: &models.Account{ID: "acc-1", ProcessingStatus: models.ProcessingStatusIdle}}
	syncRunner := newFakeSyncRunner()
	processRunner := newFakeProcessRunner()

	s := New(accounts, syncRunner, processRunner)
	s.StartProcessing(context.Background(), "acc-1", "user-1")

	expectReceive(t, processRunner.runCalls, "acc-1")
}

func TestSupervisor_ResumeInterrupted_RunsSyncingAndResumesAnalyzing(t *testing.T) {
	accounts := &fakeAccounts{
		account:   &models.Account{ID: "unused"},
		syncing:   []models.Account{{ID: "syncing-acc"}},
		analyzing: []models.Account{{ID: "analyzing-acc"}},
	}
	syncRunner := newFakeSyncRunner()
	processRunner := newFakeProcessRunner()

	s := New(accounts, syncRunner, processRunner)
	s.ResumeInterrupted(context.Background())

	expectReceive(t, syncRunner.calls, "syncing-acc")
	expectReceive(t, processRunner.resumeCalls, "analyzing-acc")
	// A resumed sync that completes chains into processing, same as a
	// freshly triggered one.
	expectReceive(t, processRunner.runCalls, "syncing-acc")
}

package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luminagen/genbot/internal/lock"
	"github.com/luminagen/genbot/internal/models"
	"github.com/luminagen/genbot/internal/provider"
)

type genFixture struct {
	svc    *GenerationService
	users  *fakeUserStore
	ledger *fakeLedger
	store  *fakeGenerationStore
	client *fakeTaskClient
}

func newGenFixture(t *testing.T, overrides map[string]string) *genFixture {
	t.Helper()
	users := newFakeUserStore()
	ledger := &fakeLedger{}
	store := newFakeGenerationStore(ledger, users)
	catalog := newFakeCatalog()
	catalog.add(models.CatalogModel{Key: "flux-2", IsActive: true, SupportsT2I: true}, 30)
	catalog.add(models.CatalogModel{Key: "seedream-v4", IsActive: true, SupportsT2I: true, SupportsAspect: true}, 0)
	catalog.add(models.CatalogModel{Key: "nano-banana-pro", IsActive: true, SupportsT2I: true, SupportsReference: true}, 0)
	catalog.add(models.CatalogModel{Key: "retired-model", IsActive: false}, 10)

	client := &fakeTaskClient{createTaskID: "task-1"}
	svc := NewGenerationService(testLogger(), users, catalog, store, client, passLocker{}, newTestSettings(overrides))
	return &genFixture{svc: svc, users: users, ledger: ledger, store: store, client: client}
}

// fund registers the user and posts enough purchase credits to cover paid
// submissions. Trial allowance is burned so tests hit the charged path.
func (f *genFixture) fund(t *testing.T, telegramID int64, credits int) *models.User {
	t.Helper()
	u, _, err := f.users.Ensure(context.Background(), telegramID, "", "", "")
	require.NoError(t, err)
	f.users.setTrialUsed(u.ID, 1)
	if credits > 0 {
		require.NoError(t, f.ledger.Post(context.Background(), &models.LedgerEntry{
			UserID:    u.ID,
			Amount:    credits,
			EntryType: models.EntryPurchase,
		}))
	}
	return u
}

func submitInput(modelKey string) SubmitInput {
	return SubmitInput{
		TelegramID: 100,
		ModelKey:   modelKey,
		Prompt:     "a lighthouse at dusk",
		Size:       "auto",
	}
}

func TestSubmitChargedHappyPath(t *testing.T) {
	f := newGenFixture(t, nil)
	u := f.fund(t, 100, 50)

	out, err := f.svc.Submit(context.Background(), submitInput("flux-2"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusProcessing, out.Status)
	assert.Equal(t, 30, out.Cost)
	assert.False(t, out.TrialUsed)
	assert.NotEmpty(t, out.RequestPublicID)

	// Flat price debited once, frozen into the request.
	debits := f.ledger.byType(u.ID, models.EntryGenerationCost)
	require.Len(t, debits, 1)
	assert.Equal(t, -30, debits[0].Amount)
	assert.Equal(t, out.RequestPublicID, debits[0].ReferenceID)

	balance, err := f.ledger.Balance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, balance)

	req, err := f.store.FindByPublicID(context.Background(), out.RequestPublicID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, req.Status)
	assert.Equal(t, 1, f.client.createCalls)
}

func TestSubmitAppliesMarkup(t *testing.T) {
	f := newGenFixture(t, map[string]string{"price_markup": "5"})
	f.fund(t, 100, 100)

	in := submitInput("seedream-v4")
	in.Quality = "hd"
	out, err := f.svc.Submit(context.Background(), in)
	require.NoError(t, err)

	// 45 from the quality table plus the operator markup.
	assert.Equal(t, 50, out.Cost)
}

func TestSubmitTrialIsFree(t *testing.T) {
	f := newGenFixture(t, nil)

	out, err := f.svc.Submit(context.Background(), submitInput("flux-2"))
	require.NoError(t, err)

	assert.True(t, out.TrialUsed)
	assert.Equal(t, 0, out.Cost)
	assert.Equal(t, models.StatusProcessing, out.Status)

	// Nothing debited; second submission falls through to the paid path and
	// fails on the empty balance.
	u, err := f.users.FindByTelegramID(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, f.ledger.byType(u.ID, models.EntryGenerationCost))

	_, err = f.svc.Submit(context.Background(), submitInput("flux-2"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestSubmitTrialCountsAgainstCap(t *testing.T) {
	f := newGenFixture(t, map[string]string{"concurrency_cap": "1", "trial_limit": "5"})

	_, err := f.svc.Submit(context.Background(), submitInput("flux-2"))
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), submitInput("flux-2"))
	assert.ErrorIs(t, err, ErrTooManyActive)
}

func TestSubmitValidationBeforeSideEffects(t *testing.T) {
	f := newGenFixture(t, nil)
	u := f.fund(t, 100, 100)

	tests := []struct {
		name   string
		mutate func(*SubmitInput)
	}{
		{"empty prompt", func(in *SubmitInput) { in.Prompt = "   " }},
		{"bad size", func(in *SubmitInput) { in.Size = "100x100" }},
		{"style unsupported", func(in *SubmitInput) { in.Style = "anime" }},
		{"references unsupported", func(in *SubmitInput) { in.ReferenceURLs = []string{"https://example.com/a.png"} }},
		{"unknown quality", func(in *SubmitInput) { in.ModelKey = "seedream-v4"; in.Quality = "ultra" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := submitInput("flux-2")
			tt.mutate(&in)
			_, err := f.svc.Submit(context.Background(), in)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	// No request was created and nothing was charged.
	active, err := f.store.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
	balance, err := f.ledger.Balance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, balance)
}

func TestSubmitModelLookupErrors(t *testing.T) {
	f := newGenFixture(t, nil)
	f.fund(t, 100, 100)

	_, err := f.svc.Submit(context.Background(), submitInput("no-such-model"))
	assert.ErrorIs(t, err, ErrModelNotFound)

	_, err = f.svc.Submit(context.Background(), submitInput("retired-model"))
	assert.ErrorIs(t, err, ErrModelInactive)
}

func TestSubmitInsufficientBalance(t *testing.T) {
	f := newGenFixture(t, nil)
	u := f.fund(t, 100, 10)

	_, err := f.svc.Submit(context.Background(), submitInput("flux-2"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	balance, err := f.ledger.Balance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, balance)
}

func TestSubmitConcurrencyCap(t *testing.T) {
	f := newGenFixture(t, map[string]string{"concurrency_cap": "1"})
	f.fund(t, 100, 100)

	_, err := f.svc.Submit(context.Background(), submitInput("flux-2"))
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), submitInput("flux-2"))
	assert.ErrorIs(t, err, ErrTooManyActive)
}

func TestSubmitAdmittedAfterCompletion(t *testing.T) {
	f := newGenFixture(t, map[string]string{"concurrency_cap": "1"})
	f.fund(t, 100, 100)

	first, err := f.svc.Submit(context.Background(), submitInput("flux-2"))
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), submitInput("flux-2"))
	require.ErrorIs(t, err, ErrTooManyActive)

	// The request finishing frees its slot; the next submission is admitted.
	req, err := f.store.FindByPublicID(context.Background(), first.RequestPublicID)
	require.NoError(t, err)
	f.client.statuses = []*provider.Status{{
		TaskID:     "task-1",
		Terminal:   true,
		Succeeded:  true,
		OutputURLs: []string{"https://cdn.example.com/out.png"},
	}}
	done, err := f.svc.reconcile(context.Background(), req.ID, req.PublicID, "task-1")
	require.NoError(t, err)
	require.True(t, done)

	second, err := f.svc.Submit(context.Background(), submitInput("flux-2"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, second.Status)
	assert.NotEqual(t, first.RequestPublicID, second.RequestPublicID)
}

type contendedLocker struct{}

func (contendedLocker) WithUserLock(ctx context.Context, userID int64, fn func() error) error {
	return lock.ErrNotAcquired
}

func TestSubmitLockContention(t *testing.T) {
	f := newGenFixture(t, nil)
	f.fund(t, 100, 100)
	f.svc.locker = contendedLocker{}

	_, err := f.svc.Submit(context.Background(), submitInput("flux-2"))
	assert.ErrorIs(t, err, ErrBusy)
}

func TestSubmitProviderRejectionRefunds(t *testing.T) {
	f := newGenFixture(t, nil)
	u := f.fund(t, 100, 50)
	f.client.createErrs = []error{provider.ErrRejected}
	f.client.createTaskID = ""

	_, err := f.svc.Submit(context.Background(), submitInput("flux-2"))
	assert.ErrorIs(t, err, ErrProvider)

	// Charge reversed by exactly one refund entry.
	refunds := f.ledger.byType(u.ID, models.EntryRefund)
	require.Len(t, refunds, 1)
	assert.Equal(t, 30, refunds[0].Amount)

	balance, err := f.ledger.Balance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, balance)

	assert.Equal(t, 1, f.client.createCalls)
}

func TestSubmitTransientRetryThenSuccess(t *testing.T) {
	f := newGenFixture(t, nil)
	u := f.fund(t, 100, 50)
	f.client.createErrs = []error{context.DeadlineExceeded}

	out, err := f.svc.Submit(context.Background(), submitInput("flux-2"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, out.Status)
	assert.Equal(t, 2, f.client.createCalls)

	// One charge across both attempts, the failed one recorded as a job row.
	assert.Len(t, f.ledger.byType(u.ID, models.EntryGenerationCost), 1)
	failed := 0
	for _, j := range f.store.jobs {
		if j.Status == "attempt_failed" {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestSubmitTransientExhaustionRefunds(t *testing.T) {
	f := newGenFixture(t, map[string]string{"max_submit_attempts": "2"})
	u := f.fund(t, 100, 50)
	f.client.createErrs = []error{context.DeadlineExceeded, context.DeadlineExceeded}
	f.client.createTaskID = ""

	_, err := f.svc.Submit(context.Background(), submitInput("flux-2"))
	assert.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, 2, f.client.createCalls)

	balance, err := f.ledger.Balance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, balance)
}

func TestReconcileSuccessStoresResults(t *testing.T) {
	f := newGenFixture(t, nil)
	f.fund(t, 100, 50)

	out, err := f.svc.Submit(context.Background(), submitInput("flux-2"))
	require.NoError(t, err)
	req, err := f.store.FindByPublicID(context.Background(), out.RequestPublicID)
	require.NoError(t, err)

	f.client.statuses = []*provider.Status{{
		TaskID:     "task-1",
		Terminal:   true,
		Succeeded:  true,
		OutputURLs: []string{"https://cdn.example.com/out-1.png", "https://cdn.example.com/out-2.png"},
	}}
	done, err := f.svc.reconcile(context.Background(), req.ID, req.PublicID, "task-1")
	require.NoError(t, err)
	assert.True(t, done)

	status, err := f.svc.Status(context.Background(), out.RequestPublicID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, status.Status)
	require.Len(t, status.Results, 2)
	assert.Equal(t, "https://cdn.example.com/out-1.png", status.Results[0].URL)
}

func TestReconcileFailureRefundsOnce(t *testing.T) {
	f := newGenFixture(t, nil)
	u := f.fund(t, 100, 50)

	out, err := f.svc.Submit(context.Background(), submitInput("flux-2"))
	require.NoError(t, err)
	req, err := f.store.FindByPublicID(context.Background(), out.RequestPublicID)
	require.NoError(t, err)

	f.client.statuses = []*provider.Status{{
		TaskID:   "task-1",
		Terminal: true,
		Error:    "content policy",
	}}

	// A second observation of the same failure must not double-refund.
	for i := 0; i < 2; i++ {
		done, err := f.svc.reconcile(context.Background(), req.ID, req.PublicID, "task-1")
		require.NoError(t, err)
		assert.True(t, done)
	}

	refunds := f.ledger.byType(u.ID, models.EntryRefund)
	require.Len(t, refunds, 1)
	balance, err := f.ledger.Balance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, balance)

	status, err := f.svc.Status(context.Background(), out.RequestPublicID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status.Status)
	assert.Equal(t, "content policy", status.Error)
}

func TestReconcileNonTerminalKeepsPolling(t *testing.T) {
	f := newGenFixture(t, nil)
	f.fund(t, 100, 50)

	out, err := f.svc.Submit(context.Background(), submitInput("flux-2"))
	require.NoError(t, err)
	req, err := f.store.FindByPublicID(context.Background(), out.RequestPublicID)
	require.NoError(t, err)

	done, err := f.svc.reconcile(context.Background(), req.ID, req.PublicID, "task-1")
	require.NoError(t, err)
	assert.False(t, done)

	status, err := f.svc.Status(context.Background(), out.RequestPublicID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, status.Status)
}

func TestStatusNotFound(t *testing.T) {
	f := newGenFixture(t, nil)
	_, err := f.svc.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestCancelRefunds(t *testing.T) {
	f := newGenFixture(t, nil)
	u := f.fund(t, 100, 50)

	out, err := f.svc.Submit(context.Background(), submitInput("flux-2"))
	require.NoError(t, err)

	applied, err := f.svc.CancelByPublicID(context.Background(), out.RequestPublicID)
	require.NoError(t, err)
	assert.True(t, applied)

	balance, err := f.ledger.Balance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, balance)

	status, err := f.svc.Status(context.Background(), out.RequestPublicID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, status.Status)

	// Cancelling again is a no-op.
	applied, err = f.svc.CancelByPublicID(context.Background(), out.RequestPublicID)
	require.NoError(t, err)
	assert.False(t, applied)
	balance, err = f.ledger.Balance(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, balance)

	_, err = f.svc.CancelByPublicID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestPriceNonPositiveRejected(t *testing.T) {
	f := newGenFixture(t, map[string]string{"price_markup": "-30"})
	f.fund(t, 100, 100)

	_, err := f.svc.Submit(context.Background(), submitInput("flux-2"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmitReferenceURLsRecorded(t *testing.T) {
	f := newGenFixture(t, nil)
	f.fund(t, 100, 500)

	in := submitInput("nano-banana-pro")
	in.Resolution = "2K"
	in.ReferenceURLs = []string{"https://example.com/ref.png"}
	out, err := f.svc.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 180, out.Cost)

	require.Len(t, f.store.refs, 1)
	assert.Equal(t, "https://example.com/ref.png", f.store.refs[0].URL)
}

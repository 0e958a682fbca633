package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/luminagen/genbot/internal/models"
	"github.com/luminagen/genbot/internal/provider"
	"github.com/luminagen/genbot/internal/repository"
	"github.com/luminagen/genbot/internal/settings"
)

// In-memory doubles for the store interfaces. They keep the same invariants
// the SQL repositories enforce (append-only ledger, terminal-state guards,
// refund dedupe) so workflow tests exercise real orchestration logic.

type fakeUserStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*models.User // by internal id
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[int64]*models.User{}}
}

func (f *fakeUserStore) Ensure(ctx context.Context, telegramID int64, username, firstName, lastName string) (*models.User, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.TelegramID == telegramID {
			// Profile fields refresh only when the caller carried them,
			// matching the repository contract.
			if username != "" {
				u.Username = username
			}
			if firstName != "" {
				u.FirstName = firstName
			}
			if lastName != "" {
				u.LastName = lastName
			}
			copied := *u
			return &copied, false, nil
		}
	}
	f.nextID++
	u := &models.User{
		ID:           f.nextID,
		TelegramID:   telegramID,
		Username:     username,
		FirstName:    firstName,
		LastName:     lastName,
		ReferralCode: uuid.NewString(),
	}
	f.users[u.ID] = u
	copied := *u
	return &copied, true, nil
}

func (f *fakeUserStore) FindByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.TelegramID == telegramID {
			copied := *u
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeUserStore) FindByID(ctx context.Context, id int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeUserStore) FindByReferralCode(ctx context.Context, code string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ReferralCode == code {
			copied := *u
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeUserStore) LinkReferrer(ctx context.Context, userID, referrerID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok || u.ReferredBy != nil || userID == referrerID {
		return false, nil
	}
	u.ReferredBy = &referrerID
	return true, nil
}

func (f *fakeUserStore) SetBanned(ctx context.Context, userID int64, banned bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		u.IsBanned = banned
	}
	return nil
}

func (f *fakeUserStore) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for _, u := range f.users {
		ids = append(ids, u.TelegramID)
	}
	return ids, nil
}

func (f *fakeUserStore) setTrialUsed(userID int64, used int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[userID].TrialUsed = used
}

type fakeLedger struct {
	mu      sync.Mutex
	nextID  int64
	entries []models.LedgerEntry
}

func (f *fakeLedger) Balance(ctx context.Context, userID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceLocked(userID), nil
}

func (f *fakeLedger) balanceLocked(userID int64) int {
	sum := 0
	for _, e := range f.entries {
		if e.UserID == userID {
			sum += e.Amount
		}
	}
	return sum
}

func (f *fakeLedger) BalanceAsOf(ctx context.Context, userID, entryID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := 0
	for _, e := range f.entries {
		if e.UserID == userID && e.ID <= entryID {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (f *fakeLedger) FindByReference(ctx context.Context, entryType models.EntryType, referenceID string) (*models.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.EntryType == entryType && e.ReferenceID == referenceID {
			copied := e
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeLedger) Post(ctx context.Context, entry *models.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postLocked(entry)
	return nil
}

func (f *fakeLedger) postLocked(entry *models.LedgerEntry) {
	f.nextID++
	entry.ID = f.nextID
	f.entries = append(f.entries, *entry)
}

func (f *fakeLedger) ListRecent(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.LedgerEntry
	for i := len(f.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if f.entries[i].UserID == userID {
			out = append(out, f.entries[i])
		}
	}
	return out, nil
}

func (f *fakeLedger) byType(userID int64, entryType models.EntryType) []models.LedgerEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range f.entries {
		if e.UserID == userID && e.EntryType == entryType {
			out = append(out, e)
		}
	}
	return out
}

type fakePayments struct {
	mu       sync.Mutex
	ledger   *fakeLedger
	nextID   int64
	payments map[string]models.Payment // by charge id
}

func newFakePayments(ledger *fakeLedger) *fakePayments {
	return &fakePayments{ledger: ledger, payments: map[string]models.Payment{}}
}

func (f *fakePayments) FindByCharge(ctx context.Context, chargeID string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.payments[chargeID]; ok {
		copied := p
		return &copied, nil
	}
	return nil, nil
}

func (f *fakePayments) Confirm(ctx context.Context, payment *models.Payment, referrerID *int64, bonus int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.payments[payment.ProviderCharge]; ok {
		*payment = existing
		return true, nil
	}
	f.nextID++
	payment.ID = f.nextID
	f.payments[payment.ProviderCharge] = *payment

	f.ledger.Post(ctx, &models.LedgerEntry{
		UserID:      payment.UserID,
		Amount:      payment.Credits,
		EntryType:   models.EntryPurchase,
		ReferenceID: payment.ProviderCharge,
	})
	if referrerID != nil && bonus > 0 {
		f.ledger.Post(ctx, &models.LedgerEntry{
			UserID:      *referrerID,
			Amount:      bonus,
			EntryType:   models.EntryReferralBonus,
			ReferenceID: payment.ProviderCharge,
		})
	}
	return false, nil
}

type fakeGenerationStore struct {
	mu       sync.Mutex
	ledger   *fakeLedger
	users    *fakeUserStore
	nextID   int64
	requests map[int64]*models.GenerationRequest
	jobs     []models.GenerationJob
	refs     []models.GenerationReference
	results  map[int64][]models.GenerationResult
}

func newFakeGenerationStore(ledger *fakeLedger, users *fakeUserStore) *fakeGenerationStore {
	return &fakeGenerationStore{
		ledger:   ledger,
		users:    users,
		requests: map[int64]*models.GenerationRequest{},
		results:  map[int64][]models.GenerationResult{},
	}
}

func (f *fakeGenerationStore) activeCountLocked(userID int64) int {
	count := 0
	for _, r := range f.requests {
		if r.UserID == userID && !r.Status.Terminal() {
			count++
		}
	}
	return count
}

func (f *fakeGenerationStore) CreateCharged(ctx context.Context, req *models.GenerationRequest, activeCap int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeCountLocked(req.UserID) >= activeCap {
		return repository.ErrTooManyActive
	}
	f.ledger.mu.Lock()
	balance := f.ledger.balanceLocked(req.UserID)
	if balance < req.Cost {
		f.ledger.mu.Unlock()
		return repository.ErrInsufficientBalance
	}
	f.ledger.postLocked(&models.LedgerEntry{
		UserID:      req.UserID,
		Amount:      -req.Cost,
		EntryType:   models.EntryGenerationCost,
		ReferenceID: req.PublicID,
	})
	f.ledger.mu.Unlock()

	f.nextID++
	req.ID = f.nextID
	copied := *req
	f.requests[req.ID] = &copied
	return nil
}

func (f *fakeGenerationStore) CreateTrial(ctx context.Context, req *models.GenerationRequest, trialLimit, activeCap int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeCountLocked(req.UserID) >= activeCap {
		return repository.ErrTooManyActive
	}

	f.users.mu.Lock()
	u := f.users.users[req.UserID]
	if u.TrialUsed >= trialLimit {
		f.users.mu.Unlock()
		return repository.ErrTrialExhausted
	}
	u.TrialUsed++
	f.users.mu.Unlock()

	req.Cost = 0
	req.TrialUsed = true
	f.nextID++
	req.ID = f.nextID
	copied := *req
	f.requests[req.ID] = &copied
	return nil
}

func (f *fakeGenerationStore) FindByPublicID(ctx context.Context, publicID string) (*models.GenerationRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r.PublicID == publicID {
			copied := *r
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeGenerationStore) MarkProcessing(ctx context.Context, requestID int64, providerJobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[requestID]
	if !ok || r.Status != models.StatusPending {
		return repository.ErrRequestNotFound
	}
	r.Status = models.StatusProcessing
	f.jobs = append(f.jobs, models.GenerationJob{RequestID: requestID, ProviderJob: providerJobID, Status: "submitted"})
	return nil
}

func (f *fakeGenerationStore) AddJob(ctx context.Context, requestID int64, providerJobID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, models.GenerationJob{RequestID: requestID, ProviderJob: providerJobID, Status: status})
	return nil
}

func (f *fakeGenerationStore) AddReference(ctx context.Context, requestID int64, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, models.GenerationReference{RequestID: requestID, URL: url})
	return nil
}

func (f *fakeGenerationStore) Complete(ctx context.Context, requestID int64, results []models.GenerationResult) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[requestID]
	if !ok {
		return false, repository.ErrRequestNotFound
	}
	if r.Status.Terminal() {
		return false, nil
	}
	r.Status = models.StatusCompleted
	f.results[requestID] = results
	return true, nil
}

func (f *fakeGenerationStore) FailAndRefund(ctx context.Context, requestID int64, errMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.requests[requestID]
	if !ok {
		return false, repository.ErrRequestNotFound
	}
	if r.Status.Terminal() {
		return false, nil
	}
	r.Status = models.StatusFailed
	r.ErrorMessage = errMsg
	if r.Cost > 0 && !r.TrialUsed {
		f.ledger.mu.Lock()
		exists := false
		for _, e := range f.ledger.entries {
			if e.EntryType == models.EntryRefund && e.ReferenceID == r.PublicID {
				exists = true
				break
			}
		}
		if !exists {
			f.ledger.postLocked(&models.LedgerEntry{
				UserID:      r.UserID,
				Amount:      r.Cost,
				EntryType:   models.EntryRefund,
				ReferenceID: r.PublicID,
			})
		}
		f.ledger.mu.Unlock()
	}
	return true, nil
}

func (f *fakeGenerationStore) Cancel(ctx context.Context, requestID int64) (bool, error) {
	applied, err := f.FailAndRefund(ctx, requestID, "")
	if err != nil {
		return false, err
	}
	if applied {
		f.mu.Lock()
		f.requests[requestID].Status = models.StatusCancelled
		f.mu.Unlock()
	}
	return applied, nil
}

func (f *fakeGenerationStore) Results(ctx context.Context, requestID int64) ([]models.GenerationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[requestID], nil
}

func (f *fakeGenerationStore) ListActive(ctx context.Context) ([]repository.ActiveRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.ActiveRequest
	for _, r := range f.requests {
		if r.Status.Terminal() {
			continue
		}
		a := repository.ActiveRequest{RequestID: r.ID, PublicID: r.PublicID, Status: r.Status, CreatedAt: r.CreatedAt}
		for i := len(f.jobs) - 1; i >= 0; i-- {
			if f.jobs[i].RequestID == r.ID && f.jobs[i].ProviderJob != "" {
				a.ProviderJobID = f.jobs[i].ProviderJob
				break
			}
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeGenerationStore) request(requestID int64) models.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.requests[requestID]
}

type fakeCatalog struct {
	models map[string]*models.CatalogModel
	prices map[int64]*models.ModelPrice
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		models: map[string]*models.CatalogModel{},
		prices: map[int64]*models.ModelPrice{},
	}
}

func (f *fakeCatalog) add(m models.CatalogModel, flatCredits int) *models.CatalogModel {
	m.ID = int64(len(f.models) + 1)
	f.models[m.Key] = &m
	if flatCredits > 0 {
		f.prices[m.ID] = &models.ModelPrice{ModelID: m.ID, Currency: "credit", Credits: flatCredits, IsActive: true}
	}
	return &m
}

func (f *fakeCatalog) FindByKey(ctx context.Context, key string) (*models.CatalogModel, error) {
	if m, ok := f.models[key]; ok {
		copied := *m
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeCatalog) ActivePrice(ctx context.Context, modelID int64) (*models.ModelPrice, error) {
	if p, ok := f.prices[modelID]; ok {
		copied := *p
		return &copied, nil
	}
	return nil, nil
}

type passLocker struct{}

func (passLocker) WithUserLock(ctx context.Context, userID int64, fn func() error) error {
	return fn()
}

// fakeTaskClient scripts provider behaviour: createErrs are consumed first,
// then createTaskID is returned. CheckTask replays statuses in order.
type fakeTaskClient struct {
	mu           sync.Mutex
	createErrs   []error
	createTaskID string
	createCalls  int
	statuses     []*provider.Status
	checkCalls   int
}

func (f *fakeTaskClient) CreateTask(ctx context.Context, task provider.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return "", err
	}
	if f.createTaskID == "" {
		return "", fmt.Errorf("no task id scripted")
	}
	return f.createTaskID, nil
}

func (f *fakeTaskClient) CheckTask(ctx context.Context, taskID string) (*provider.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkCalls++
	if len(f.statuses) == 0 {
		return &provider.Status{TaskID: taskID}, nil
	}
	status := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return status, nil
}

type fakeSettingsSource struct {
	values map[string]string
}

func (f *fakeSettingsSource) GetAll(ctx context.Context) (map[string]string, error) {
	return f.values, nil
}

func (f *fakeSettingsSource) Upsert(ctx context.Context, key, value, description string) error {
	f.values[key] = value
	return nil
}

func newTestSettings(overrides map[string]string) *settings.Store {
	values := map[string]string{
		// Park the per-request watcher goroutines for the test duration.
		settings.KeyPollIntervalSec: "3600",
	}
	for k, v := range overrides {
		values[k] = v
	}
	return settings.NewStore(&fakeSettingsSource{values: values}, 0)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/luminagen/genbot/internal/lock"
	"github.com/luminagen/genbot/internal/models"
	"github.com/luminagen/genbot/internal/pricing"
	"github.com/luminagen/genbot/internal/provider"
	"github.com/luminagen/genbot/internal/repository"
	"github.com/luminagen/genbot/internal/settings"
)

type GenerationStore interface {
	CreateCharged(ctx context.Context, req *models.GenerationRequest, activeCap int) error
	CreateTrial(ctx context.Context, req *models.GenerationRequest, trialLimit, activeCap int) error
	FindByPublicID(ctx context.Context, publicID string) (*models.GenerationRequest, error)
	MarkProcessing(ctx context.Context, requestID int64, providerJobID string) error
	AddJob(ctx context.Context, requestID int64, providerJobID, status string) error
	AddReference(ctx context.Context, requestID int64, url string) error
	Complete(ctx context.Context, requestID int64, results []models.GenerationResult) (bool, error)
	FailAndRefund(ctx context.Context, requestID int64, errMsg string) (bool, error)
	Cancel(ctx context.Context, requestID int64) (bool, error)
	Results(ctx context.Context, requestID int64) ([]models.GenerationResult, error)
	ListActive(ctx context.Context) ([]repository.ActiveRequest, error)
}

type CatalogStore interface {
	FindByKey(ctx context.Context, key string) (*models.CatalogModel, error)
	ActivePrice(ctx context.Context, modelID int64) (*models.ModelPrice, error)
}

type TaskClient interface {
	CreateTask(ctx context.Context, task provider.Task) (string, error)
	CheckTask(ctx context.Context, taskID string) (*provider.Status, error)
}

// Locker serialises submissions per user ahead of the database row lock.
type Locker interface {
	WithUserLock(ctx context.Context, userID int64, fn func() error) error
}

// GenerationService runs the submission workflow: validate, price, admit,
// charge, hand the job to the provider and reconcile its asynchronous
// outcome. A debit posted here is reversed by exactly one refund if the job
// never produces a result.
type GenerationService struct {
	log      *slog.Logger
	users    UserStore
	catalog  CatalogStore
	store    GenerationStore
	client   TaskClient
	locker   Locker
	settings *settings.Store
}

func NewGenerationService(log *slog.Logger, users UserStore, catalog CatalogStore, store GenerationStore, client TaskClient, locker Locker, st *settings.Store) *GenerationService {
	return &GenerationService{
		log:      log,
		users:    users,
		catalog:  catalog,
		store:    store,
		client:   client,
		locker:   locker,
		settings: st,
	}
}

type SubmitInput struct {
	TelegramID    int64
	Username      string
	FirstName     string
	LastName      string
	ModelKey      string
	Prompt        string
	Size          string
	AspectRatio   string
	Resolution    string
	Quality       string
	Style         string
	ReferenceURLs []string
}

type SubmitOutput struct {
	RequestPublicID string
	Status          models.RequestStatus
	Cost            int
	TrialUsed       bool
}

func (s *GenerationService) Submit(ctx context.Context, in SubmitInput) (*SubmitOutput, error) {
	user, _, err := s.users.Ensure(ctx, in.TelegramID, in.Username, in.FirstName, in.LastName)
	if err != nil {
		return nil, err
	}
	if user.IsBanned {
		return nil, ErrUserBanned
	}

	model, err := s.catalog.FindByKey(ctx, in.ModelKey)
	if err != nil {
		return nil, err
	}
	if model == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, in.ModelKey)
	}
	if !model.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrModelInactive, in.ModelKey)
	}

	req, err := s.buildRequest(ctx, user, model, in)
	if err != nil {
		return nil, err
	}

	// Trial allowance bypasses the charge but not the concurrency cap: a
	// free generation still occupies a provider slot.
	trialLimit := s.settings.TrialLimit(ctx)
	activeCap := s.settings.ConcurrencyCap(ctx)
	created := false
	if user.TrialUsed < trialLimit {
		err = s.store.CreateTrial(ctx, req, trialLimit, activeCap)
		switch {
		case err == nil:
			created = true
		case errors.Is(err, repository.ErrTrialExhausted):
			// Raced another trial submission; fall through to the paid path.
		case errors.Is(err, repository.ErrTooManyActive):
			return nil, ErrTooManyActive
		default:
			return nil, err
		}
	}

	if !created {
		lockErr := s.locker.WithUserLock(ctx, user.ID, func() error {
			return s.store.CreateCharged(ctx, req, activeCap)
		})
		switch {
		case lockErr == nil:
		case errors.Is(lockErr, repository.ErrInsufficientBalance):
			return nil, ErrInsufficientBalance
		case errors.Is(lockErr, repository.ErrTooManyActive):
			return nil, ErrTooManyActive
		case errors.Is(lockErr, lock.ErrNotAcquired):
			return nil, ErrBusy
		default:
			return nil, lockErr
		}
	}

	for _, url := range in.ReferenceURLs {
		if err := s.store.AddReference(ctx, req.ID, url); err != nil {
			s.log.Error("record reference", "request", req.PublicID, "err", err)
		}
	}

	if err := s.submitToProvider(ctx, req); err != nil {
		return nil, err
	}

	s.log.Info("generation submitted", "request", req.PublicID, "model", req.ModelKey, "cost", req.Cost, "trial", req.TrialUsed)
	return &SubmitOutput{
		RequestPublicID: req.PublicID,
		Status:          models.StatusProcessing,
		Cost:            req.Cost,
		TrialUsed:       req.TrialUsed,
	}, nil
}

// buildRequest validates the parameters and freezes the price. Nothing here
// has side effects; every failure is a clean rejection.
func (s *GenerationService) buildRequest(ctx context.Context, user *models.User, model *models.CatalogModel, in SubmitInput) (*models.GenerationRequest, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("%w: empty prompt", ErrValidation)
	}

	size, err := pricing.NormalizeSize(in.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if in.AspectRatio != "" && !model.SupportsAspect {
		return nil, fmt.Errorf("%w: model %s does not support aspect ratio", ErrValidation, model.Key)
	}
	if in.Style != "" && !model.SupportsStyle {
		return nil, fmt.Errorf("%w: model %s does not support style", ErrValidation, model.Key)
	}
	if len(in.ReferenceURLs) > 0 && !model.SupportsReference {
		return nil, fmt.Errorf("%w: model %s does not support reference images", ErrValidation, model.Key)
	}

	cost, err := s.price(ctx, model, pricing.Params{
		Size:        size,
		AspectRatio: in.AspectRatio,
		Resolution:  in.Resolution,
		Quality:     in.Quality,
		Style:       in.Style,
	})
	if err != nil {
		return nil, err
	}

	return &models.GenerationRequest{
		PublicID:    uuid.NewString(),
		UserID:      user.ID,
		ModelID:     model.ID,
		ModelKey:    model.Key,
		Prompt:      prompt,
		Size:        size,
		AspectRatio: in.AspectRatio,
		Resolution:  in.Resolution,
		Quality:     in.Quality,
		Style:       in.Style,
		Status:      models.StatusPending,
		Cost:        cost,
	}, nil
}

// price resolves the credit cost: parameter table first, flat active price
// row as the fallback, markup on top. The result is frozen into the request;
// later table or markup changes never touch submitted requests.
func (s *GenerationService) price(ctx context.Context, model *models.CatalogModel, params pricing.Params) (int, error) {
	base, err := pricing.Price(model.Key, params)
	if errors.Is(err, pricing.ErrNoTable) {
		price, perr := s.catalog.ActivePrice(ctx, model.ID)
		if perr != nil {
			return 0, perr
		}
		if price == nil {
			return 0, fmt.Errorf("%w: model %s has no active price", ErrValidation, model.Key)
		}
		base = price.Credits
	} else if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	total := base + s.settings.PriceMarkup(ctx)
	if total <= 0 {
		return 0, fmt.Errorf("%w: computed price %d is not positive", ErrValidation, total)
	}
	return total, nil
}

// submitToProvider hands the charged request to the provider, retrying
// transient failures without re-charging. If no attempt sticks, the debit is
// reversed before the error surfaces: the user never stays charged for a job
// that was never accepted.
func (s *GenerationService) submitToProvider(ctx context.Context, req *models.GenerationRequest) error {
	task := provider.Task{
		ModelKey:    req.ModelKey,
		Prompt:      req.Prompt,
		Size:        req.Size,
		AspectRatio: req.AspectRatio,
		Resolution:  req.Resolution,
		Quality:     req.Quality,
		Style:       req.Style,
	}

	maxAttempts := s.settings.MaxSubmitAttempts(ctx)
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	timeout := s.settings.ProviderTimeout(ctx)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		taskID, err := s.client.CreateTask(attemptCtx, task)
		cancel()
		if err == nil {
			if err := s.store.MarkProcessing(ctx, req.ID, taskID); err != nil {
				return err
			}
			go s.watch(req.ID, req.PublicID, taskID)
			return nil
		}

		lastErr = err
		if provider.Transient(err) && attempt < maxAttempts {
			s.log.Warn("provider submit attempt failed", "request", req.PublicID, "attempt", attempt, "err", err)
			if jerr := s.store.AddJob(context.WithoutCancel(ctx), req.ID, "", "attempt_failed"); jerr != nil {
				s.log.Error("record failed attempt", "request", req.PublicID, "err", jerr)
			}
			continue
		}
		break
	}

	// Reverse the charge before surfacing the failure.
	refundCtx := context.WithoutCancel(ctx)
	if _, rerr := s.store.FailAndRefund(refundCtx, req.ID, lastErr.Error()); rerr != nil {
		s.log.Error("refund after submit failure", "request", req.PublicID, "err", rerr)
		return fmt.Errorf("refund after provider failure: %w", rerr)
	}
	s.log.Error("provider submission failed", "request", req.PublicID, "err", lastErr)
	return fmt.Errorf("%w: %v", ErrProvider, lastErr)
}

// watch polls one in-flight task until it reaches a terminal state. The
// background poller covers the same ground, so a crashed watcher only delays
// reconciliation, it never loses it.
func (s *GenerationService) watch(requestID int64, publicID, taskID string) {
	ctx := context.Background()
	interval := s.settings.PollInterval(ctx)
	deadline := time.Now().Add(s.settings.ProviderTimeout(ctx))

	for {
		time.Sleep(interval)
		done, err := s.reconcile(ctx, requestID, publicID, taskID)
		if err != nil {
			s.log.Warn("poll task", "request", publicID, "err", err)
		}
		if done {
			return
		}
		if time.Now().After(deadline) {
			if _, err := s.store.FailAndRefund(ctx, requestID, "provider timeout"); err != nil {
				s.log.Error("refund after timeout", "request", publicID, "err", err)
			}
			return
		}
	}
}

// reconcile applies one provider status observation to the request. Terminal
// transitions go through guarded repository operations, so a refund raced by
// a late success (or the reverse) resolves to whichever landed first.
func (s *GenerationService) reconcile(ctx context.Context, requestID int64, publicID, taskID string) (bool, error) {
	status, err := s.client.CheckTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !status.Terminal {
		return false, nil
	}

	if status.Succeeded {
		results := make([]models.GenerationResult, 0, len(status.OutputURLs))
		for _, url := range status.OutputURLs {
			results = append(results, models.GenerationResult{RequestID: requestID, URL: url})
		}
		applied, err := s.store.Complete(ctx, requestID, results)
		if err != nil {
			return false, err
		}
		if applied {
			s.log.Info("generation completed", "request", publicID, "outputs", len(results))
		}
		return true, nil
	}

	applied, err := s.store.FailAndRefund(ctx, requestID, status.Error)
	if err != nil {
		return false, err
	}
	if applied {
		s.log.Info("generation failed, charge reversed", "request", publicID, "provider_error", status.Error)
	}
	return true, nil
}

// RunPoller reconciles all non-terminal requests on an interval until ctx is
// cancelled. It backstops the per-request watchers across process restarts.
func (s *GenerationService) RunPoller(ctx context.Context) {
	for {
		interval := s.settings.PollInterval(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		active, err := s.store.ListActive(ctx)
		if err != nil {
			s.log.Error("list active requests", "err", err)
			continue
		}
		timeout := s.settings.ProviderTimeout(ctx)
		for _, a := range active {
			if a.ProviderJobID == "" {
				// Submitted but never accepted; if it has been pending past
				// the provider timeout the submit path died mid-flight.
				if time.Since(a.CreatedAt) > timeout {
					if _, err := s.store.FailAndRefund(ctx, a.RequestID, "submission lost"); err != nil {
						s.log.Error("refund stale request", "request", a.PublicID, "err", err)
					}
				}
				continue
			}
			if _, err := s.reconcile(ctx, a.RequestID, a.PublicID, a.ProviderJobID); err != nil {
				s.log.Warn("reconcile request", "request", a.PublicID, "err", err)
			}
		}
	}
}

type StatusOutput struct {
	Status    models.RequestStatus
	Cost      int
	TrialUsed bool
	Results   []models.GenerationResult
	Error     string
}

func (s *GenerationService) Status(ctx context.Context, publicID string) (*StatusOutput, error) {
	req, err := s.store.FindByPublicID(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}

	out := &StatusOutput{
		Status:    req.Status,
		Cost:      req.Cost,
		TrialUsed: req.TrialUsed,
		Error:     req.ErrorMessage,
	}
	if req.Status == models.StatusCompleted {
		results, err := s.store.Results(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		out.Results = results
	}
	return out, nil
}

// CancelByPublicID is the administrative terminal transition; a paid request
// gets its debit reversed.
func (s *GenerationService) CancelByPublicID(ctx context.Context, publicID string) (bool, error) {
	req, err := s.store.FindByPublicID(ctx, publicID)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, ErrRequestNotFound
	}
	return s.store.Cancel(ctx, req.ID)
}

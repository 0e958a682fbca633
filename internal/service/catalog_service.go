package service

import (
	"context"
	"fmt"

	"github.com/luminagen/genbot/internal/models"
)

// CatalogAdminStore extends the read-side CatalogStore with the mutations
// the admin surface needs.
type CatalogAdminStore interface {
	CatalogStore
	List(ctx context.Context) ([]models.CatalogModel, error)
	Create(ctx context.Context, m *models.CatalogModel) error
	SetActive(ctx context.Context, modelID int64, active bool) error
	RotatePrice(ctx context.Context, modelID int64, credits int) (*models.ModelPrice, error)
}

type CatalogService struct {
	catalog CatalogAdminStore
}

func NewCatalogService(catalog CatalogAdminStore) *CatalogService {
	return &CatalogService{catalog: catalog}
}

// defaultModels seeds the catalog on first boot. Flat-priced models get an
// initial active price row; table-priced models are priced per parameters.
var defaultModels = []struct {
	model       models.CatalogModel
	flatCredits int
}{
	{
		model: models.CatalogModel{
			Key: "seedream-v4", DisplayName: "Seedream v4", Provider: "kie",
			SupportsReference: true, SupportsAspect: true, SupportsT2I: true, SupportsI2I: true, IsActive: true,
		},
	},
	{
		model: models.CatalogModel{
			Key: "nano-banana-pro", DisplayName: "Nano Banana Pro", Provider: "kie",
			SupportsReference: true, SupportsAspect: true, SupportsT2I: true, SupportsI2I: true, IsActive: true,
		},
	},
	{
		model: models.CatalogModel{
			Key: "flux-2", DisplayName: "Flux 2 Pro", Provider: "kie",
			SupportsAspect: true, SupportsT2I: true, IsActive: true,
		},
		flatCredits: 30,
	},
}

// EnsureDefaults creates the built-in models that are missing. Existing rows
// are left alone, including operator deactivations.
func (s *CatalogService) EnsureDefaults(ctx context.Context) error {
	for _, d := range defaultModels {
		existing, err := s.catalog.FindByKey(ctx, d.model.Key)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		m := d.model
		if err := s.catalog.Create(ctx, &m); err != nil {
			return fmt.Errorf("seed model %s: %w", m.Key, err)
		}
		if d.flatCredits > 0 {
			if _, err := s.catalog.RotatePrice(ctx, m.ID, d.flatCredits); err != nil {
				return fmt.Errorf("seed price for %s: %w", m.Key, err)
			}
		}
	}
	return nil
}

func (s *CatalogService) List(ctx context.Context) ([]models.CatalogModel, error) {
	return s.catalog.List(ctx)
}

func (s *CatalogService) Get(ctx context.Context, key string) (*models.CatalogModel, error) {
	model, err := s.catalog.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if model == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, key)
	}
	return model, nil
}

func (s *CatalogService) Create(ctx context.Context, m *models.CatalogModel, flatCredits int) error {
	if m.Key == "" || m.DisplayName == "" {
		return fmt.Errorf("%w: key and display name are required", ErrValidation)
	}
	if err := s.catalog.Create(ctx, m); err != nil {
		return err
	}
	if flatCredits > 0 {
		if _, err := s.catalog.RotatePrice(ctx, m.ID, flatCredits); err != nil {
			return err
		}
	}
	return nil
}

func (s *CatalogService) SetActive(ctx context.Context, key string, active bool) error {
	model, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return s.catalog.SetActive(ctx, model.ID, active)
}

// SetPrice rotates the model's active flat price. The old row is closed, not
// mutated, so historical pricing stays auditable.
func (s *CatalogService) SetPrice(ctx context.Context, key string, credits int) (*models.ModelPrice, error) {
	if credits <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrValidation)
	}
	model, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.catalog.RotatePrice(ctx, model.ID, credits)
}

func (s *CatalogService) ActivePrice(ctx context.Context, key string) (*models.ModelPrice, error) {
	model, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.catalog.ActivePrice(ctx, model.ID)
}

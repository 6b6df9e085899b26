package credential

import (
	"context"
	"errors"

	"github.com/amerfu/pgate/internal/models"
	"gorm.io/gorm"
)

// Store looks up org-owned provider keys (BYOK).
type Store interface {
	// Lookup returns the active key for (org, provider), or (nil, nil) when
	// the org has not stored one.
	Lookup(ctx context.Context, orgID, providerID string) (*models.ProviderKey, error)
}

type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Lookup(ctx context.Context, orgID, providerID string) (*models.ProviderKey, error) {
	var key models.ProviderKey
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND provider_id = ? AND active = ?", orgID, providerID, true).
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// NopStore never finds an org key; the resolver then falls back to
// gateway-owned keys only.
type NopStore struct{}

func (NopStore) Lookup(ctx context.Context, orgID, providerID string) (*models.ProviderKey, error) {
	return nil, nil
}

package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Organization is a billing tenant. Credits are a decimal balance debited
// per request; writes are serialized per-org by the ledger.
type Organization struct {
	BaseModel
	Name    string          `gorm:"uniqueIndex;not null" json:"name"`
	Credits decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0" json:"credits"`

	// Provider policy. Empty allowed list means all providers.
	AllowedProviders datatypes.JSONSlice[string] `json:"allowed_providers,omitempty"`
	BlockedProviders datatypes.JSONSlice[string] `json:"blocked_providers,omitempty"`

	// LogBodies opts the org into prompt/response persistence on log rows.
	LogBodies bool `gorm:"default:false" json:"log_bodies"`
}

// Project scopes API keys inside an organization.
type Project struct {
	BaseModel
	OrgID string `gorm:"type:uuid;index;not null" json:"org_id"`
	Name  string `gorm:"not null" json:"name"`
}

// APIKey is an inbound bearer credential resolving to (org, project).
type APIKey struct {
	BaseModel
	KeyHash   string `gorm:"uniqueIndex;not null" json:"-"`
	OrgID     string `gorm:"type:uuid;index;not null" json:"org_id"`
	ProjectID string `gorm:"type:uuid;index" json:"project_id,omitempty"`
	Name      string `json:"name"`
	Disabled  bool   `gorm:"default:false" json:"disabled"`
}

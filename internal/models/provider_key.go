package models

// ProviderKey is an org-stored upstream credential (BYOK). When an active
// row exists for (org, provider), the gateway uses it instead of its own
// key and bills provider cost only.
type ProviderKey struct {
	BaseModel
	OrgID      string `gorm:"type:uuid;index:idx_org_provider,unique;not null" json:"org_id"`
	ProviderID string `gorm:"index:idx_org_provider,unique;not null" json:"provider_id"`
	APIKey     string `gorm:"not null" json:"-"`
	APISecret  string `json:"-"` // AWS secret access key for bedrock
	Region     string `json:"region,omitempty"`
	Resource   string `json:"resource,omitempty"` // Azure resource name
	BaseURL    string `json:"base_url,omitempty"`
	Active     bool   `gorm:"default:true" json:"active"`
}

package database

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/amerfu/pgate/internal/models"
)

// SeedDev creates a development tenant with credits and a working API key so
// a fresh database can serve requests immediately. Idempotent.
func SeedDev(db *gorm.DB) error {
	var org models.Organization
	err := db.Where(models.Organization{Name: "dev"}).
		Attrs(models.Organization{Credits: decimal.NewFromInt(100)}).
		FirstOrCreate(&org).Error
	if err != nil {
		return fmt.Errorf("seed dev org: %w", err)
	}

	rawKey := os.Getenv("PGATE_SEED_API_KEY")
	if rawKey == "" {
		rawKey = "pg-dev-key"
	}
	sum := sha256.Sum256([]byte(rawKey))

	var key models.APIKey
	err = db.Where(models.APIKey{KeyHash: hex.EncodeToString(sum[:])}).
		Attrs(models.APIKey{OrgID: org.ID.String(), Name: "dev"}).
		FirstOrCreate(&key).Error
	if err != nil {
		return fmt.Errorf("seed dev api key: %w", err)
	}
	return nil
}

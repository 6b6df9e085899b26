package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/amerfu/pgate/internal/models"
)

// GormLedger keeps balances in the organizations table and one movement
// row per (request, kind) in credit_transactions. Per-org serialization
// comes from a SELECT ... FOR UPDATE on the org row inside each write
// transaction.
type GormLedger struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGormLedger(db *gorm.DB, logger *zap.Logger) *GormLedger {
	return &GormLedger{db: db, logger: logger}
}

func (l *GormLedger) Precheck(ctx context.Context, orgID string, estimated decimal.Decimal) error {
	var org models.Organization
	if err := l.db.WithContext(ctx).Select("credits").First(&org, "id = ?", orgID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownOrg, orgID)
		}
		return fmt.Errorf("failed to read org balance: %w", err)
	}
	if org.Credits.LessThan(estimated) {
		return ErrInsufficientCredits
	}
	return nil
}

func (l *GormLedger) Debit(ctx context.Context, orgID, requestID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("negative debit amount %s for request %s", amount, requestID)
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := lockOrg(tx, orgID)
		if err != nil {
			return err
		}

		var existing int64
		if err := tx.Model(&models.CreditTransaction{}).
			Where("request_id = ? AND kind = ?", requestID, "debit").
			Count(&existing).Error; err != nil {
			return fmt.Errorf("failed to check prior debit: %w", err)
		}
		if existing > 0 {
			return nil
		}

		if org.Credits.LessThan(amount) {
			return ErrInsufficientCredits
		}
		if err := tx.Create(&models.CreditTransaction{
			OrgID:     orgID,
			RequestID: requestID,
			Amount:    amount,
			Kind:      "debit",
		}).Error; err != nil {
			return fmt.Errorf("failed to record debit: %w", err)
		}
		if err := tx.Model(&models.Organization{}).
			Where("id = ?", orgID).
			Update("credits", org.Credits.Sub(amount)).Error; err != nil {
			return fmt.Errorf("failed to apply debit: %w", err)
		}
		return nil
	})
}

func (l *GormLedger) Refund(ctx context.Context, orgID, requestID string) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := lockOrg(tx, orgID)
		if err != nil {
			return err
		}

		var debit models.CreditTransaction
		if err := tx.Where("request_id = ? AND kind = ?", requestID, "debit").
			First(&debit).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("failed to find debit to refund: %w", err)
		}
		var refunded int64
		if err := tx.Model(&models.CreditTransaction{}).
			Where("request_id = ? AND kind = ?", requestID, "refund").
			Count(&refunded).Error; err != nil {
			return fmt.Errorf("failed to check prior refund: %w", err)
		}
		if refunded > 0 {
			return nil
		}

		if err := tx.Create(&models.CreditTransaction{
			OrgID:     orgID,
			RequestID: requestID,
			Amount:    debit.Amount,
			Kind:      "refund",
		}).Error; err != nil {
			return fmt.Errorf("failed to record refund: %w", err)
		}
		if err := tx.Model(&models.Organization{}).
			Where("id = ?", orgID).
			Update("credits", org.Credits.Add(debit.Amount)).Error; err != nil {
			return fmt.Errorf("failed to apply refund: %w", err)
		}
		l.logger.Info("refunded request",
			zap.String("org_id", orgID),
			zap.String("request_id", requestID),
			zap.String("amount", debit.Amount.String()))
		return nil
	})
}

func lockOrg(tx *gorm.DB, orgID string) (*models.Organization, error) {
	var org models.Organization
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&org, "id = ?", orgID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOrg, orgID)
		}
		return nil, fmt.Errorf("failed to lock org row: %w", err)
	}
	return &org, nil
}

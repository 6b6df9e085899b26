package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/amerfu/pgate/internal/dispatch"
	"github.com/amerfu/pgate/internal/models"
)

type contextKey string

const orgContextKey contextKey = "pgate.org"

var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyDisabled = errors.New("api key disabled")
)

// KeyAuthenticator resolves an inbound bearer key to its tenant context.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*dispatch.OrgContext, error)
}

// HashKey is the canonical digest stored in api_keys.key_hash. Raw keys are
// never persisted.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GormKeyAuth authenticates keys against the api_keys and organizations tables.
type GormKeyAuth struct {
	db *gorm.DB
}

func NewGormKeyAuth(db *gorm.DB) *GormKeyAuth {
	return &GormKeyAuth{db: db}
}

func (a *GormKeyAuth) Authenticate(ctx context.Context, rawKey string) (*dispatch.OrgContext, error) {
	var key models.APIKey
	err := a.db.WithContext(ctx).Where("key_hash = ?", HashKey(rawKey)).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if key.Disabled {
		return nil, ErrKeyDisabled
	}

	var org models.Organization
	if err := a.db.WithContext(ctx).Where("id = ?", key.OrgID).First(&org).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}

	return &dispatch.OrgContext{
		OrgID:            org.ID.String(),
		ProjectID:        key.ProjectID,
		AllowedProviders: org.AllowedProviders,
		BlockedProviders: org.BlockedProviders,
		LogBodies:        org.LogBodies,
	}, nil
}

// Auth guards the inference surface. Keys arrive as "Authorization: Bearer
// pg-...", and failures use the same error envelope as the chat endpoints.
func Auth(auth KeyAuthenticator, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := extractBearerKey(r)
			if rawKey == "" {
				writeAuthError(w, http.StatusUnauthorized, "Missing API key. Pass it as 'Authorization: Bearer <key>'.", "invalid_api_key")
				return
			}

			org, err := auth.Authenticate(r.Context(), rawKey)
			switch {
			case errors.Is(err, ErrKeyNotFound):
				writeAuthError(w, http.StatusUnauthorized, "Invalid API key.", "invalid_api_key")
				return
			case errors.Is(err, ErrKeyDisabled):
				writeAuthError(w, http.StatusForbidden, "This API key has been disabled.", "api_key_disabled")
				return
			case err != nil:
				logger.Error("api key lookup failed", zap.Error(err))
				writeAuthError(w, http.StatusInternalServerError, "Authentication backend unavailable.", "internal_error")
				return
			}

			ctx := context.WithValue(r.Context(), orgContextKey, *org)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OrgFromContext returns the authenticated tenant, if any.
func OrgFromContext(ctx context.Context) (dispatch.OrgContext, bool) {
	org, ok := ctx.Value(orgContextKey).(dispatch.OrgContext)
	return org, ok
}

// WithOrgContext injects a tenant directly. Test hook.
func WithOrgContext(ctx context.Context, org dispatch.OrgContext) context.Context {
	return context.WithValue(ctx, orgContextKey, org)
}

func extractBearerKey(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeAuthError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    code,
		},
	})
}

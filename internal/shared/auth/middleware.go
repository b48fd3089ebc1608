package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/credlink/stampd/internal/shared/config"
	"github.com/credlink/stampd/internal/shared/types"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	TenantContextKey contextKey = "tenant"
)

// Tenant represents the authenticated caller resolved from JWT claims
type Tenant struct {
	ID     types.ID `json:"sub"`
	Name   string   `json:"tenant_name"`
	Scopes []string `json:"scopes"`
}

// Claims extends JWT claims with tenant data
type Claims struct {
	jwt.RegisteredClaims
	TenantName string   `json:"tenant_name,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
}

// Middleware creates JWT authentication middleware resolving the tenant
func Middleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				writeError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			token, err := jwt.ParseWithClaims(parts[1], &Claims{}, func(token *jwt.Token) (interface{}, error) {
				return []byte(cfg.JWTSecret), nil
			})
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			claims, ok := token.Claims.(*Claims)
			if !ok || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			tenantID, err := types.ParseID(claims.Subject)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "token subject is not a tenant ID")
				return
			}

			tenant := &Tenant{
				ID:     tenantID,
				Name:   claims.TenantName,
				Scopes: claims.Scopes,
			}

			ctx := context.WithValue(r.Context(), TenantContextKey, tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTenant retrieves the authenticated tenant from the context
func GetTenant(ctx context.Context) *Tenant {
	tenant, ok := ctx.Value(TenantContextKey).(*Tenant)
	if !ok {
		return nil
	}
	return tenant
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

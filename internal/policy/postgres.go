package policy

import (
	"context"
	"strings"

	"github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/shared/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore reads tenant policies from the tenant_tsa_policies table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new policy store backed by Postgres.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// GetTenantPolicy retrieves a tenant's trust policy.
func (s *PostgresStore) GetTenantPolicy(ctx context.Context, tenantID types.ID) (*TenantTSAPolicy, error) {
	query := `
		SELECT tenant_id, trust_anchors_pem, accepted_policy_oids,
			routing_priority, slo_p95_ms, slo_error_budget_pct
		FROM tenant_tsa_policies
		WHERE tenant_id = $1`

	var anchorsPEM string
	p := &TenantTSAPolicy{}
	err := s.pool.QueryRow(ctx, query, tenantID).Scan(
		&p.TenantID, &anchorsPEM, &p.AcceptedPolicyOIDs,
		&p.RoutingPriority, &p.SLO.P95LatencyMs, &p.SLO.ErrorBudgetPct,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.PolicyNotFound(tenantID.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load tenant policy")
	}

	// An empty bundle is allowed: the tenant opted out of chain checks.
	if strings.TrimSpace(anchorsPEM) != "" {
		anchors, err := ParseTrustAnchors([]byte(anchorsPEM))
		if err != nil {
			return nil, errors.Wrap(err, "tenant policy has invalid trust anchors")
		}
		p.TrustAnchors = anchors
	}

	return p, nil
}

var _ Store = (*PostgresStore)(nil)

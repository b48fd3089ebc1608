package policy

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/credlink/stampd/internal/shared/types"
)

// SLO captures the latency and error-budget targets a tenant signed up for.
type SLO struct {
	P95LatencyMs   int     `json:"p95_latency_ms"`
	ErrorBudgetPct float64 `json:"error_budget_pct"`
}

// TenantTSAPolicy is a tenant's trust policy for timestamp issuance.
// Looked up read-only per request; owned by an external policy store.
type TenantTSAPolicy struct {
	TenantID types.ID `json:"tenant_id"`

	// TrustAnchors are the root/intermediate certificates the tenant
	// accepts as the basis for token chain validation
	TrustAnchors []*x509.Certificate `json:"-"`

	// AcceptedPolicyOIDs are issuing policies the tenant accepts (dotted form)
	AcceptedPolicyOIDs []string `json:"accepted_policy_oids"`

	// RoutingPriority is the tenant's ordered provider preference
	RoutingPriority []string `json:"routing_priority"`

	SLO SLO `json:"slo"`
}

// AcceptsPolicyOID reports whether the tenant accepts tokens issued under
// the given policy OID.
func (p *TenantTSAPolicy) AcceptsPolicyOID(oid string) bool {
	for _, accepted := range p.AcceptedPolicyOIDs {
		if accepted == oid {
			return true
		}
	}
	return false
}

// AnchorPool builds a certificate pool from the tenant's trust anchors.
// Returns nil when the tenant has no anchors configured, which disables
// chain verification for that tenant.
func (p *TenantTSAPolicy) AnchorPool() *x509.CertPool {
	if len(p.TrustAnchors) == 0 {
		return nil
	}
	pool := x509.NewCertPool()
	for _, anchor := range p.TrustAnchors {
		pool.AddCert(anchor)
	}
	return pool
}

// Store is the read-only lookup against the external policy store.
type Store interface {
	// GetTenantPolicy returns the tenant's policy or errors.ErrPolicyNotFound
	GetTenantPolicy(ctx context.Context, tenantID types.ID) (*TenantTSAPolicy, error)
}

// ParseTrustAnchors parses a PEM bundle into certificates.
func ParseTrustAnchors(pemData []byte) ([]*x509.Certificate, error) {
	var anchors []*x509.Certificate
	rest := pemData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse trust anchor: %w", err)
		}
		anchors = append(anchors, cert)
	}
	if len(anchors) == 0 {
		return nil, fmt.Errorf("no certificates in trust anchor bundle")
	}
	return anchors, nil
}

package validate

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"

	"github.com/credlink/stampd/internal/policy"
	"github.com/credlink/stampd/internal/provider"
	"github.com/credlink/stampd/internal/shared/metrics"
)

// Validation steps, in the order they run. A token is accepted only when
// every step passes; the first failing step is reported.
const (
	StepParse     = "parse"
	StepImprint   = "imprint"
	StepNonce     = "nonce"
	StepPolicy    = "policy"
	StepChain     = "chain"
	StepSignature = "signature"
)

// ValidationError reports which check rejected a token. A failed validation
// is treated the same as a transport failure by routing: the attempt loses
// and the next candidate's result is considered.
type ValidationError struct {
	ProviderID string
	Step       string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("provider %s: token rejected at %s check: %s", e.ProviderID, e.Step, e.Reason)
}

// ValidatedTimestamp is a token that passed all checks, with the fields
// callers care about already extracted.
type ValidatedTimestamp struct {
	ProviderID   string        `json:"provider_id"`
	PolicyOID    string        `json:"policy_oid"`
	GenTime      time.Time     `json:"gen_time"`
	Accuracy     time.Duration `json:"accuracy"`
	SerialNumber *big.Int      `json:"serial_number"`
	Token        []byte        `json:"token"`
}

// Validator checks returned timestamp tokens against the originating request
// and the tenant's policy before they are handed to the caller.
type Validator struct{}

func NewValidator() *Validator { return &Validator{} }

// Validate runs the full check sequence on a raw DER token:
//
//  1. the message imprint and hash algorithm match the request
//  2. the nonce echoes the request nonce, when one was sent
//  3. the token's policy OID is accepted by the tenant
//  4. the signing certificate chains to a tenant trust anchor, carries the
//     timeStamping extended key usage and was valid at genTime
//  5. the CMS signature over the TSTInfo verifies
//
// Chain verification is skipped for tenants with no configured trust anchors.
func (v *Validator) Validate(providerID string, req provider.Request, token []byte, pol *policy.TenantTSAPolicy) (*ValidatedTimestamp, error) {
	ts, err := timestamp.Parse(token)
	if err != nil {
		return nil, v.fail(providerID, StepParse, err.Error())
	}

	if ts.HashAlgorithm != req.HashAlgorithm {
		return nil, v.fail(providerID, StepImprint, fmt.Sprintf("hash algorithm %v, requested %v", ts.HashAlgorithm, req.HashAlgorithm))
	}
	if !bytes.Equal(ts.HashedMessage, req.MessageImprint) {
		return nil, v.fail(providerID, StepImprint, "hashed message does not match request imprint")
	}

	if req.Nonce != nil {
		if ts.Nonce == nil {
			return nil, v.fail(providerID, StepNonce, "request carried a nonce but token has none")
		}
		if ts.Nonce.Cmp(req.Nonce) != 0 {
			return nil, v.fail(providerID, StepNonce, "token nonce does not match request nonce")
		}
	}

	policyOID := ts.Policy.String()
	if !pol.AcceptsPolicyOID(policyOID) {
		return nil, v.fail(providerID, StepPolicy, fmt.Sprintf("policy OID %s not accepted by tenant", policyOID))
	}

	p7, err := pkcs7.Parse(token)
	if err != nil {
		return nil, v.fail(providerID, StepParse, err.Error())
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, v.fail(providerID, StepSignature, "token has no signer certificate")
	}

	if roots := pol.AnchorPool(); roots != nil {
		if err := verifyChain(signer, ts.Certificates, roots, ts.Time); err != nil {
			return nil, v.fail(providerID, StepChain, err.Error())
		}
	}

	if err := p7.Verify(); err != nil {
		return nil, v.fail(providerID, StepSignature, err.Error())
	}

	return &ValidatedTimestamp{
		ProviderID:   providerID,
		PolicyOID:    policyOID,
		GenTime:      ts.Time,
		Accuracy:     ts.Accuracy,
		SerialNumber: ts.SerialNumber,
		Token:        token,
	}, nil
}

func (v *Validator) fail(providerID, step, reason string) *ValidationError {
	metrics.RecordValidationFailure(providerID, step)
	return &ValidationError{ProviderID: providerID, Step: step, Reason: reason}
}

// verifyChain builds a path from the signing certificate to one of the
// tenant's anchors, requiring the timeStamping extended key usage and using
// genTime as the verification instant so tokens from since-expired signing
// certificates still verify against the time they were issued.
func verifyChain(signer *x509.Certificate, extra []*x509.Certificate, roots *x509.CertPool, genTime time.Time) error {
	intermediates := x509.NewCertPool()
	for _, cert := range extra {
		if !cert.Equal(signer) {
			intermediates.AddCert(cert)
		}
	}

	_, err := signer.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   genTime,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	})
	return err
}

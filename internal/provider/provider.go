package provider

import (
	"context"
	"crypto"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/credlink/stampd/internal/shared/config"
)

// Request is a generic timestamp request. Immutable once constructed;
// one instance covers a full attempt cycle across providers.
type Request struct {
	// HashAlgorithm is the digest algorithm of the message imprint
	HashAlgorithm crypto.Hash
	// MessageImprint is the digest of the data being timestamped
	MessageImprint []byte
	// PolicyOID optionally requests a specific issuing policy (dotted form)
	PolicyOID string
	// Nonce optionally binds the response to this request against replay
	Nonce *big.Int
	// WantCertificate asks the TSA to embed its signing certificate chain
	WantCertificate bool
}

// Validate checks internal consistency of the request.
func (r Request) Validate() error {
	if !r.HashAlgorithm.Available() {
		return fmt.Errorf("hash algorithm %v not available", r.HashAlgorithm)
	}
	if len(r.MessageImprint) != r.HashAlgorithm.Size() {
		return fmt.Errorf("message imprint is %d bytes, %s requires %d",
			len(r.MessageImprint), HashAlgorithmName(r.HashAlgorithm), r.HashAlgorithm.Size())
	}
	if r.PolicyOID != "" {
		if _, err := ParseOID(r.PolicyOID); err != nil {
			return err
		}
	}
	return nil
}

// ProbeResult is the typed outcome of a reachability probe.
type ProbeResult struct {
	Healthy bool
	Latency time.Duration
	Err     error
}

// TransportError wraps any wire-level failure (timeout, refused connection,
// malformed body, non-granted status). Adapters never let raw transport
// errors escape their boundary.
type TransportError struct {
	ProviderID string
	Op         string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.ProviderID, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Adapter translates generic timestamp requests into one provider's wire
// format. One instance per configured provider.
type Adapter interface {
	// Config returns the provider's static configuration
	Config() config.ProviderConfig
	// Send submits a timestamp request and returns the raw DER token
	Send(ctx context.Context, req Request) ([]byte, error)
	// Probe issues a minimal reachability check, not a full sign
	Probe(ctx context.Context) ProbeResult
}

// ParseHashAlgorithm maps a hash algorithm identifier to crypto.Hash.
func ParseHashAlgorithm(name string) (crypto.Hash, error) {
	switch strings.ToUpper(strings.ReplaceAll(name, "-", "")) {
	case "SHA256":
		return crypto.SHA256, nil
	case "SHA384":
		return crypto.SHA384, nil
	case "SHA512":
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("unsupported hash algorithm %q", name)
	}
}

// HashAlgorithmName returns the canonical identifier for a hash algorithm.
func HashAlgorithmName(h crypto.Hash) string {
	switch h {
	case crypto.SHA256:
		return "SHA-256"
	case crypto.SHA384:
		return "SHA-384"
	case crypto.SHA512:
		return "SHA-512"
	default:
		return h.String()
	}
}

// ParseOID parses a dotted OID string into an ASN.1 object identifier.
func ParseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid OID %q", s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid OID %q", s)
		}
		oid[i] = n
	}
	return oid, nil
}

package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/credlink/stampd/internal/shared/config"
	"github.com/digitorus/timestamp"
)

const (
	contentTypeQuery = "application/timestamp-query"
	contentTypeReply = "application/timestamp-reply"

	// maxReplyBytes bounds the response body read; real TSA replies are
	// a few kilobytes even with a full certificate chain embedded.
	maxReplyBytes = 1 << 20
)

// RFC3161Adapter speaks the RFC 3161 Time-Stamp Protocol over HTTP.
type RFC3161Adapter struct {
	cfg    config.ProviderConfig
	client *http.Client
}

// NewRFC3161Adapter creates an adapter for one configured provider.
func NewRFC3161Adapter(cfg config.ProviderConfig) *RFC3161Adapter {
	return &RFC3161Adapter{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Config returns the provider's static configuration.
func (a *RFC3161Adapter) Config() config.ProviderConfig {
	return a.cfg
}

// Send submits a DER TimeStampReq and returns the raw TimeStampToken from
// the reply. Every wire-level failure comes back as a *TransportError.
func (a *RFC3161Adapter) Send(ctx context.Context, req Request) ([]byte, error) {
	tsReq := timestamp.Request{
		HashAlgorithm: req.HashAlgorithm,
		HashedMessage: req.MessageImprint,
		Certificates:  req.WantCertificate,
		Nonce:         req.Nonce,
	}
	if req.PolicyOID != "" {
		oid, err := ParseOID(req.PolicyOID)
		if err != nil {
			return nil, a.transportErr("encode request", err)
		}
		tsReq.TSAPolicyOID = oid
	}

	body, err := tsReq.Marshal()
	if err != nil {
		return nil, a.transportErr("encode request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, a.transportErr("build request", err)
	}
	httpReq.Header.Set("Content-Type", contentTypeQuery)
	httpReq.Header.Set("Accept", contentTypeReply)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.transportErr("send request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.transportErr("send request", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, a.transportErr("read reply", err)
	}

	// ParseResponse rejects malformed replies and any PKIStatus other
	// than granted / grantedWithMods.
	ts, err := timestamp.ParseResponse(reply)
	if err != nil {
		return nil, a.transportErr("parse reply", err)
	}

	return ts.RawToken, nil
}

// Probe checks reachability without consuming a full sign from the
// provider's rate budget. Any HTTP-level answer counts as reachable; TSA
// endpoints commonly reject non-POST methods but still prove liveness.
func (a *RFC3161Adapter) Probe(ctx context.Context) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, a.cfg.Endpoint, nil)
	if err != nil {
		return ProbeResult{Healthy: false, Latency: time.Since(start), Err: a.transportErr("build probe", err)}
	}

	resp, err := a.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return ProbeResult{Healthy: false, Latency: latency, Err: a.transportErr("probe", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return ProbeResult{
			Healthy: false,
			Latency: latency,
			Err:     a.transportErr("probe", fmt.Errorf("server status %d", resp.StatusCode)),
		}
	}

	return ProbeResult{Healthy: true, Latency: latency}
}

func (a *RFC3161Adapter) transportErr(op string, err error) *TransportError {
	return &TransportError{ProviderID: a.cfg.ID, Op: op, Err: err}
}

var _ Adapter = (*RFC3161Adapter)(nil)

package queue

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/credlink/stampd/internal/provider"
	"github.com/credlink/stampd/internal/shared/types"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity. The
// caller surfaces it as backpressure instead of accepting unbounded debt.
var ErrQueueFull = errors.New("retry queue at capacity")

// Status of a queued request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	StatusDead      Status = "dead"
)

// reclaimAfter is how long a claim may sit unfinished before another
// drain cycle can pick the row up again, covering drainer crashes.
const reclaimAfter = 5 * time.Minute

// QueuedRequest is a sign request parked for background retry after every
// provider was exhausted. Completed requests keep their token so callers
// can poll for the result.
type QueuedRequest struct {
	ID              types.ID   `json:"id"`
	TenantID        types.ID   `json:"tenant_id"`
	HashAlgorithm   string     `json:"hash_algorithm"`
	MessageImprint  []byte     `json:"message_imprint"`
	PolicyOID       string     `json:"policy_oid,omitempty"`
	Nonce           string     `json:"nonce,omitempty"`
	WantCertificate bool       `json:"want_certificate"`
	Status          Status     `json:"status"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	LastError       string     `json:"last_error,omitempty"`
	ProviderID      string     `json:"provider_id,omitempty"`
	Token           []byte     `json:"token,omitempty"`
	EnqueuedAt      time.Time  `json:"enqueued_at"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// NewQueuedRequest parks a provider request for a tenant.
func NewQueuedRequest(tenantID types.ID, req provider.Request, maxRetries int) *QueuedRequest {
	q := &QueuedRequest{
		ID:              types.NewID(),
		TenantID:        tenantID,
		HashAlgorithm:   provider.HashAlgorithmName(req.HashAlgorithm),
		MessageImprint:  req.MessageImprint,
		PolicyOID:       req.PolicyOID,
		WantCertificate: req.WantCertificate,
		Status:          StatusPending,
		MaxRetries:      maxRetries,
		EnqueuedAt:      time.Now().UTC(),
	}
	if req.Nonce != nil {
		q.Nonce = req.Nonce.String()
	}
	return q
}

// Request reconstructs the provider request this row was parked from.
func (q *QueuedRequest) Request() (provider.Request, error) {
	alg, err := provider.ParseHashAlgorithm(q.HashAlgorithm)
	if err != nil {
		return provider.Request{}, err
	}

	req := provider.Request{
		HashAlgorithm:   alg,
		MessageImprint:  q.MessageImprint,
		PolicyOID:       q.PolicyOID,
		WantCertificate: q.WantCertificate,
	}
	if q.Nonce != "" {
		nonce, ok := new(big.Int).SetString(q.Nonce, 10)
		if !ok {
			return provider.Request{}, fmt.Errorf("queued request %s: malformed nonce %q", q.ID, q.Nonce)
		}
		req.Nonce = nonce
	}
	return req, nil
}

// Store is the durable retry queue.
type Store interface {
	// Enqueue adds a pending request, or ErrQueueFull at capacity.
	Enqueue(ctx context.Context, req *QueuedRequest) error

	// Drain claims up to limit pending requests for this drainer. Claims
	// abandoned for longer than the reclaim window are picked up again.
	Drain(ctx context.Context, limit int) ([]*QueuedRequest, error)

	// Complete stores the winning token and keeps the row for polling.
	Complete(ctx context.Context, id types.ID, providerID string, token []byte) error

	// Fail records a failed retry. The row goes back to pending, or to
	// dead when the retry budget is spent; dead reports which.
	Fail(ctx context.Context, id types.ID, lastError string) (dead bool, err error)

	// Get returns one request by id for status polling.
	Get(ctx context.Context, id types.ID) (*QueuedRequest, error)

	// Depth counts pending requests.
	Depth(ctx context.Context) (int, error)

	// DeadLetters lists requests whose retry budget is exhausted.
	DeadLetters(ctx context.Context, limit int) ([]*QueuedRequest, error)
}

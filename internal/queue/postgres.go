package queue

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/shared/types"
)

// Querier is the subset of pgxpool.Pool the store uses. Tests back it with
// an in-memory database to exercise the store across simulated restarts.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the durable queue backed by the tsa_retry_queue table.
// Draining claims rows with FOR UPDATE SKIP LOCKED so several drainer
// instances never hand out the same request twice. The store itself is
// stateless apart from the capacity bound; every queue fact lives in the
// database and survives a process restart.
type PostgresStore struct {
	db       Querier
	capacity int
}

// NewPostgresStore creates a store with the given pending-row capacity.
func NewPostgresStore(db Querier, capacity int) *PostgresStore {
	return &PostgresStore{db: db, capacity: capacity}
}

const queuedColumns = `
	id, tenant_id, hash_algorithm, message_imprint, policy_oid, nonce,
	want_certificate, status, retry_count, max_retries, last_error,
	provider_id, token, enqueued_at, claimed_at, completed_at`

// Enqueue inserts a pending request unless the queue is at capacity. The
// capacity check and the insert run in one statement so concurrent
// enqueues cannot overshoot.
func (s *PostgresStore) Enqueue(ctx context.Context, req *QueuedRequest) error {
	query := `
		INSERT INTO tsa_retry_queue (
			id, tenant_id, hash_algorithm, message_imprint, policy_oid,
			nonce, want_certificate, status, max_retries, enqueued_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		WHERE (SELECT count(*) FROM tsa_retry_queue WHERE status = 'pending') < $11
		RETURNING id`

	var id types.ID
	err := s.db.QueryRow(ctx, query,
		req.ID, req.TenantID, req.HashAlgorithm, req.MessageImprint, nullable(req.PolicyOID),
		nullable(req.Nonce), req.WantCertificate, StatusPending, req.MaxRetries, req.EnqueuedAt,
		s.capacity,
	).Scan(&id)

	if err == pgx.ErrNoRows {
		return ErrQueueFull
	}
	if err != nil {
		return errors.Wrap(err, "failed to enqueue request")
	}
	return nil
}

// Drain claims up to limit requests. Rows claimed by a drainer that never
// finished are reclaimed after the reclaim window.
func (s *PostgresStore) Drain(ctx context.Context, limit int) ([]*QueuedRequest, error) {
	query := `
		UPDATE tsa_retry_queue
		SET status = 'claimed', claimed_at = now()
		WHERE id IN (
			SELECT id FROM tsa_retry_queue
			WHERE status = 'pending'
			   OR (status = 'claimed' AND claimed_at < now() - $1::interval)
			ORDER BY enqueued_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + queuedColumns

	rows, err := s.db.Query(ctx, query, reclaimAfter, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to drain queue")
	}
	defer rows.Close()

	return scanQueued(rows)
}

// Complete stores the token and keeps the row so callers can poll for it.
func (s *PostgresStore) Complete(ctx context.Context, id types.ID, providerID string, token []byte) error {
	query := `
		UPDATE tsa_retry_queue
		SET status = 'completed', provider_id = $2, token = $3, completed_at = now()
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, providerID, token)
	if err != nil {
		return errors.Wrap(err, "failed to complete queued request")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("queued request", id.String())
	}
	return nil
}

// Fail releases a claim after a failed retry. The row returns to pending,
// or becomes a dead letter once the retry budget is spent.
func (s *PostgresStore) Fail(ctx context.Context, id types.ID, lastError string) (bool, error) {
	query := `
		UPDATE tsa_retry_queue
		SET retry_count = retry_count + 1,
		    last_error = $2,
		    claimed_at = NULL,
		    status = CASE WHEN retry_count + 1 >= max_retries THEN 'dead' ELSE 'pending' END
		WHERE id = $1
		RETURNING status`

	var status Status
	err := s.db.QueryRow(ctx, query, id, lastError).Scan(&status)
	if err == pgx.ErrNoRows {
		return false, errors.NotFound("queued request", id.String())
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to record retry failure")
	}
	return status == StatusDead, nil
}

// Get returns one queued request by id.
func (s *PostgresStore) Get(ctx context.Context, id types.ID) (*QueuedRequest, error) {
	query := `SELECT ` + queuedColumns + ` FROM tsa_retry_queue WHERE id = $1`

	rows, err := s.db.Query(ctx, query, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queued request")
	}
	defer rows.Close()

	items, err := scanQueued(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.NotFound("queued request", id.String())
	}
	return items[0], nil
}

// Depth counts pending requests.
func (s *PostgresStore) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM tsa_retry_queue WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count queue depth")
	}
	return n, nil
}

// DeadLetters lists requests whose retry budget is exhausted, newest first.
func (s *PostgresStore) DeadLetters(ctx context.Context, limit int) ([]*QueuedRequest, error) {
	query := `SELECT ` + queuedColumns + `
		FROM tsa_retry_queue
		WHERE status = 'dead'
		ORDER BY enqueued_at DESC
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dead letters")
	}
	defer rows.Close()

	return scanQueued(rows)
}

func scanQueued(rows pgx.Rows) ([]*QueuedRequest, error) {
	var items []*QueuedRequest
	for rows.Next() {
		q := &QueuedRequest{}
		var policyOID, nonce, lastError, providerID *string
		err := rows.Scan(
			&q.ID, &q.TenantID, &q.HashAlgorithm, &q.MessageImprint, &policyOID, &nonce,
			&q.WantCertificate, &q.Status, &q.RetryCount, &q.MaxRetries, &lastError,
			&providerID, &q.Token, &q.EnqueuedAt, &q.ClaimedAt, &q.CompletedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan queued request")
		}
		q.PolicyOID = deref(policyOID)
		q.Nonce = deref(nonce)
		q.LastError = deref(lastError)
		q.ProviderID = deref(providerID)
		items = append(items, q)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read queued requests")
	}
	return items, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ Store = (*PostgresStore)(nil)

package signing

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"log"
	"math/big"
	"sort"
	"time"

	"github.com/credlink/stampd/internal/health"
	"github.com/credlink/stampd/internal/policy"
	"github.com/credlink/stampd/internal/provider"
	"github.com/credlink/stampd/internal/queue"
	"github.com/credlink/stampd/internal/routing"
	"github.com/credlink/stampd/internal/shared/config"
	"github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/shared/events"
	"github.com/credlink/stampd/internal/shared/metrics"
	"github.com/credlink/stampd/internal/shared/types"
	"github.com/credlink/stampd/internal/validate"
)

// Executor runs one request against the provider set.
type Executor interface {
	Execute(ctx context.Context, req provider.Request, pol *policy.TenantTSAPolicy) (*validate.ValidatedTimestamp, error)
}

// Service orchestrates a sign request end to end: tenant policy lookup,
// hedged execution, and the retry-queue fallback when every provider is
// down or exhausted.
type Service struct {
	policies policy.Store
	engine   Executor
	store    queue.Store
	health   routing.HealthSource
	bus      events.EventBus
	cfg      config.TSAConfig
	started  time.Time
}

// NewService wires the orchestrator. bus may be nil when no event store is
// configured; lifecycle events are then dropped.
func NewService(policies policy.Store, engine Executor, store queue.Store, health routing.HealthSource, bus events.EventBus, cfg config.TSAConfig) *Service {
	return &Service{
		policies: policies,
		engine:   engine,
		store:    store,
		health:   health,
		bus:      bus,
		cfg:      cfg,
		started:  time.Now().UTC(),
	}
}

// SignResult is either a validated timestamp or an accepted queue entry,
// never both.
type SignResult struct {
	Timestamp *validate.ValidatedTimestamp
	Queued    *queue.QueuedRequest
	// RetryAfter hints when a queued request is worth polling.
	RetryAfter time.Duration
}

// Sign obtains a timestamp token for the tenant. When no provider can serve
// the request right now it is parked on the retry queue and the caller gets
// a pollable id instead of a token; a full queue is surfaced as
// backpressure for the caller to retry later.
func (s *Service) Sign(ctx context.Context, tenantID types.ID, req provider.Request) (*SignResult, error) {
	if req.Nonce == nil {
		nonce, err := newNonce()
		if err != nil {
			return nil, errors.Internal(err)
		}
		req.Nonce = nonce
	}
	if err := req.Validate(); err != nil {
		metrics.RecordSignRequest("invalid")
		return nil, errors.Validation(err.Error(), nil)
	}

	pol, err := s.policies.GetTenantPolicy(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if req.PolicyOID != "" && !pol.AcceptsPolicyOID(req.PolicyOID) {
		metrics.RecordSignRequest("invalid")
		return nil, errors.BadRequest(fmt.Sprintf("policy OID %s is not accepted by this tenant", req.PolicyOID))
	}

	token, err := s.engine.Execute(ctx, req, pol)
	if err == nil {
		metrics.RecordSignRequest("signed")
		return &SignResult{Timestamp: token}, nil
	}

	if stderrors.Is(err, routing.ErrNoHealthyProviders) || stderrors.Is(err, errors.ErrProvidersExhausted) {
		return s.enqueue(ctx, tenantID, req)
	}

	metrics.RecordSignRequest("failed")
	return nil, err
}

func (s *Service) enqueue(ctx context.Context, tenantID types.ID, req provider.Request) (*SignResult, error) {
	item := queue.NewQueuedRequest(tenantID, req, s.cfg.QueueMaxRetries)
	if err := s.store.Enqueue(ctx, item); err != nil {
		if stderrors.Is(err, queue.ErrQueueFull) {
			metrics.RecordSignRequest("rejected")
			metrics.RecordEnqueue("rejected")
			return nil, errors.QueueRejected("retry queue at capacity, try again later")
		}
		return nil, err
	}

	metrics.RecordSignRequest("queued")
	metrics.RecordEnqueue("accepted")
	if depth, err := s.store.Depth(ctx); err == nil {
		metrics.RecordQueueDepth(depth)
	}

	s.publish(ctx, events.NewEvent(events.EventTimestampQueued, "stampd.signing", map[string]any{
		"request_id":  item.ID.String(),
		"max_retries": item.MaxRetries,
	}).WithTenant(tenantID))

	return &SignResult{Queued: item, RetryAfter: s.cfg.RetryAfter}, nil
}

// publish reports a lifecycle event. A failing bus never fails the request.
func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		log.Printf("%s event publish failed: %v", event.Type, err)
	}
}

// RetryQueued replays one parked request against the live provider set.
// Wired into the drainer as its sign function.
func (s *Service) RetryQueued(ctx context.Context, item *queue.QueuedRequest) (*validate.ValidatedTimestamp, error) {
	req, err := item.Request()
	if err != nil {
		return nil, err
	}
	pol, err := s.policies.GetTenantPolicy(ctx, item.TenantID)
	if err != nil {
		return nil, err
	}
	return s.engine.Execute(ctx, req, pol)
}

// Queued returns a tenant's parked request for status polling. Requests of
// other tenants are reported as not found, not as forbidden.
func (s *Service) Queued(ctx context.Context, tenantID, id types.ID) (*queue.QueuedRequest, error) {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.TenantID != tenantID {
		return nil, errors.NotFound("queued request", id.String())
	}
	if item.Status == queue.StatusDead {
		return nil, errors.RetryLimitExceeded(id.String(), item.RetryCount)
	}
	return item, nil
}

// DeadLetters lists requests whose retry budget is exhausted.
func (s *Service) DeadLetters(ctx context.Context, tenantID types.ID, limit int) ([]*queue.QueuedRequest, error) {
	letters, err := s.store.DeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	own := make([]*queue.QueuedRequest, 0, len(letters))
	for _, l := range letters {
		if l.TenantID == tenantID {
			own = append(own, l)
		}
	}
	return own, nil
}

// ServiceStatus is the operational summary exposed on /status.
type ServiceStatus struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Providers     []health.ProviderHealth `json:"providers"`
	QueueDepth    int                     `json:"queue_depth"`
}

// Status reports provider health and queue depth. The service is degraded
// when no provider is currently healthy.
func (s *Service) Status(ctx context.Context) *ServiceStatus {
	snap := s.health.Snapshot()

	providers := make([]health.ProviderHealth, 0, len(snap))
	anyHealthy := false
	for _, h := range snap {
		providers = append(providers, h)
		anyHealthy = anyHealthy || h.Healthy
	}
	sort.Slice(providers, func(i, j int) bool {
		return providers[i].ProviderID < providers[j].ProviderID
	})

	status := "ok"
	if !anyHealthy {
		status = "degraded"
	}

	depth, err := s.store.Depth(ctx)
	if err != nil {
		depth = -1
	}

	return &ServiceStatus{
		Status:        status,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Providers:     providers,
		QueueDepth:    depth,
	}
}

// newNonce draws a 128-bit request nonce.
func newNonce() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, max)
}

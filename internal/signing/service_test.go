package signing

import (
	"context"
	"crypto"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/credlink/stampd/internal/health"
	"github.com/credlink/stampd/internal/policy"
	"github.com/credlink/stampd/internal/provider"
	"github.com/credlink/stampd/internal/queue"
	"github.com/credlink/stampd/internal/routing"
	"github.com/credlink/stampd/internal/shared/config"
	"github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/shared/events"
	"github.com/credlink/stampd/internal/shared/types"
	"github.com/credlink/stampd/internal/validate"
)

// fakeExecutor scripts the routing engine's answer.
type fakeExecutor struct {
	token *validate.ValidatedTimestamp
	err   error
	calls int
}

func (f *fakeExecutor) Execute(ctx context.Context, req provider.Request, pol *policy.TenantTSAPolicy) (*validate.ValidatedTimestamp, error) {
	f.calls++
	return f.token, f.err
}

type staticHealth struct{ healthy []string }

func (s staticHealth) Snapshot() health.Snapshot {
	snap := make(health.Snapshot)
	for _, id := range s.healthy {
		snap[id] = health.ProviderHealth{ProviderID: id, State: health.StateHealthy, Healthy: true}
	}
	return snap
}

func testTSAConfig() config.TSAConfig {
	return config.TSAConfig{
		QueueCapacity:   10,
		QueueMaxRetries: 3,
		RetryAfter:      30 * time.Second,
	}
}

func newTenantStore(t *testing.T, tenantID types.ID) policy.Store {
	t.Helper()
	store := policy.NewMemoryStore()
	store.Put(&policy.TenantTSAPolicy{
		TenantID:           tenantID,
		AcceptedPolicyOIDs: []string{"1.3.6.1.4.1.13762.3"},
	})
	return store
}

func signRequest() provider.Request {
	return provider.Request{
		HashAlgorithm:  crypto.SHA256,
		MessageImprint: make([]byte, 32),
	}
}

func TestSignReturnsTokenFromEngine(t *testing.T) {
	tenantID := types.NewID()
	engine := &fakeExecutor{token: &validate.ValidatedTimestamp{ProviderID: "tsa-a", Token: []byte("tok")}}
	svc := NewService(newTenantStore(t, tenantID), engine, queue.NewMemoryStore(10), staticHealth{healthy: []string{"tsa-a"}}, nil, testTSAConfig())

	result, err := svc.Sign(context.Background(), tenantID, signRequest())
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if result.Timestamp == nil || result.Timestamp.ProviderID != "tsa-a" {
		t.Fatalf("result = %+v", result)
	}
	if result.Queued != nil {
		t.Fatal("signed request must not also be queued")
	}
}

func TestSignGeneratesNonceWhenAbsent(t *testing.T) {
	tenantID := types.NewID()
	var seen provider.Request
	engine := &capturingExecutor{token: &validate.ValidatedTimestamp{ProviderID: "tsa-a"}, seen: &seen}
	svc := NewService(newTenantStore(t, tenantID), engine, queue.NewMemoryStore(10), staticHealth{}, nil, testTSAConfig())

	if _, err := svc.Sign(context.Background(), tenantID, signRequest()); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if seen.Nonce == nil || seen.Nonce.Sign() == 0 {
		t.Fatal("service did not generate a request nonce")
	}
}

type capturingExecutor struct {
	token *validate.ValidatedTimestamp
	seen  *provider.Request
}

func (c *capturingExecutor) Execute(ctx context.Context, req provider.Request, pol *policy.TenantTSAPolicy) (*validate.ValidatedTimestamp, error) {
	*c.seen = req
	return c.token, nil
}

func TestSignQueuesWhenProvidersExhausted(t *testing.T) {
	tenantID := types.NewID()
	engine := &fakeExecutor{err: &routing.ExhaustedError{Failures: []error{stderrors.New("refused")}}}
	store := queue.NewMemoryStore(10)
	svc := NewService(newTenantStore(t, tenantID), engine, store, staticHealth{}, nil, testTSAConfig())

	result, err := svc.Sign(context.Background(), tenantID, signRequest())
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if result.Queued == nil {
		t.Fatal("exhausted request should be queued")
	}
	if result.RetryAfter != 30*time.Second {
		t.Errorf("retry after = %v", result.RetryAfter)
	}

	depth, _ := store.Depth(context.Background())
	if depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}
}

// recordingBus captures published events.
type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(ctx context.Context, event events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) Close()        {}
func (b *recordingBus) Health() error { return nil }

func (b *recordingBus) published() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.Event(nil), b.events...)
}

func TestSignPublishesQueuedEvent(t *testing.T) {
	tenantID := types.NewID()
	engine := &fakeExecutor{err: routing.ErrNoHealthyProviders}
	bus := &recordingBus{}
	svc := NewService(newTenantStore(t, tenantID), engine, queue.NewMemoryStore(10), staticHealth{}, bus, testTSAConfig())

	result, err := svc.Sign(context.Background(), tenantID, signRequest())
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	published := bus.published()
	if len(published) != 1 {
		t.Fatalf("published %d events, want 1", len(published))
	}
	if published[0].Type != events.EventTimestampQueued {
		t.Errorf("event type = %q", published[0].Type)
	}
	if published[0].TenantID != tenantID {
		t.Errorf("event tenant = %q", published[0].TenantID)
	}
	data, ok := published[0].Data.(map[string]any)
	if !ok || data["request_id"] != result.Queued.ID.String() {
		t.Errorf("event data = %+v", published[0].Data)
	}
}

func TestSignTokenPathPublishesNothing(t *testing.T) {
	tenantID := types.NewID()
	engine := &fakeExecutor{token: &validate.ValidatedTimestamp{ProviderID: "tsa-a"}}
	bus := &recordingBus{}
	svc := NewService(newTenantStore(t, tenantID), engine, queue.NewMemoryStore(10), staticHealth{}, bus, testTSAConfig())

	if _, err := svc.Sign(context.Background(), tenantID, signRequest()); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if n := len(bus.published()); n != 0 {
		t.Fatalf("published %d events on the direct path, want 0", n)
	}
}

func TestSignQueuesWhenNoHealthyProviders(t *testing.T) {
	tenantID := types.NewID()
	engine := &fakeExecutor{err: routing.ErrNoHealthyProviders}
	svc := NewService(newTenantStore(t, tenantID), engine, queue.NewMemoryStore(10), staticHealth{}, nil, testTSAConfig())

	result, err := svc.Sign(context.Background(), tenantID, signRequest())
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if result.Queued == nil {
		t.Fatal("request should be queued when no provider is healthy")
	}
}

func TestSignRejectsWhenQueueFull(t *testing.T) {
	tenantID := types.NewID()
	engine := &fakeExecutor{err: routing.ErrNoHealthyProviders}
	store := queue.NewMemoryStore(1)
	svc := NewService(newTenantStore(t, tenantID), engine, store, staticHealth{}, nil, testTSAConfig())

	if _, err := svc.Sign(context.Background(), tenantID, signRequest()); err != nil {
		t.Fatalf("first Sign() error = %v", err)
	}

	_, err := svc.Sign(context.Background(), tenantID, signRequest())
	appErr, ok := err.(*errors.AppError)
	if !ok {
		t.Fatalf("error = %v, want *AppError", err)
	}
	if appErr.HTTPStatus != 429 {
		t.Fatalf("status = %d, want 429", appErr.HTTPStatus)
	}
}

func TestSignUnknownTenantFails(t *testing.T) {
	engine := &fakeExecutor{token: &validate.ValidatedTimestamp{}}
	svc := NewService(policy.NewMemoryStore(), engine, queue.NewMemoryStore(10), staticHealth{}, nil, testTSAConfig())

	_, err := svc.Sign(context.Background(), types.NewID(), signRequest())
	if !stderrors.Is(err, errors.ErrPolicyNotFound) {
		t.Fatalf("error = %v, want policy not found", err)
	}
	if engine.calls != 0 {
		t.Fatal("engine must not run without a tenant policy")
	}
}

func TestSignRejectsPolicyOIDTenantDoesNotAccept(t *testing.T) {
	tenantID := types.NewID()
	engine := &fakeExecutor{token: &validate.ValidatedTimestamp{}}
	svc := NewService(newTenantStore(t, tenantID), engine, queue.NewMemoryStore(10), staticHealth{}, nil, testTSAConfig())

	req := signRequest()
	req.PolicyOID = "9.9.9.9"
	_, err := svc.Sign(context.Background(), tenantID, req)
	appErr, ok := err.(*errors.AppError)
	if !ok || appErr.HTTPStatus != 400 {
		t.Fatalf("error = %v, want 400", err)
	}
	if engine.calls != 0 {
		t.Fatal("engine must not run for a disallowed policy OID")
	}
}

func TestQueuedEnforcesTenantIsolation(t *testing.T) {
	owner := types.NewID()
	stranger := types.NewID()
	engine := &fakeExecutor{err: routing.ErrNoHealthyProviders}
	store := queue.NewMemoryStore(10)
	svc := NewService(newTenantStore(t, owner), engine, store, staticHealth{}, nil, testTSAConfig())

	result, err := svc.Sign(context.Background(), owner, signRequest())
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if _, err := svc.Queued(context.Background(), owner, result.Queued.ID); err != nil {
		t.Fatalf("owner poll error = %v", err)
	}
	if _, err := svc.Queued(context.Background(), stranger, result.Queued.ID); err == nil {
		t.Fatal("another tenant could read the queued request")
	}
}

func TestQueuedDeadRequestIsGone(t *testing.T) {
	tenantID := types.NewID()
	store := queue.NewMemoryStore(10)
	ctx := context.Background()

	item := queue.NewQueuedRequest(tenantID, signRequest(), 1)
	if err := store.Enqueue(ctx, item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := store.Drain(ctx, 1); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if _, err := store.Fail(ctx, item.ID, "refused"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	svc := NewService(newTenantStore(t, tenantID), &fakeExecutor{}, store, staticHealth{}, nil, testTSAConfig())
	_, err := svc.Queued(ctx, tenantID, item.ID)
	appErr, ok := err.(*errors.AppError)
	if !ok || appErr.HTTPStatus != 410 {
		t.Fatalf("error = %v, want 410", err)
	}
}

func TestDeadLettersFilteredByTenant(t *testing.T) {
	owner := types.NewID()
	other := types.NewID()
	store := queue.NewMemoryStore(10)
	ctx := context.Background()

	for _, tenant := range []types.ID{owner, other} {
		item := queue.NewQueuedRequest(tenant, signRequest(), 1)
		if err := store.Enqueue(ctx, item); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		if _, err := store.Drain(ctx, 1); err != nil {
			t.Fatalf("Drain() error = %v", err)
		}
		if _, err := store.Fail(ctx, item.ID, "refused"); err != nil {
			t.Fatalf("Fail() error = %v", err)
		}
	}

	svc := NewService(newTenantStore(t, owner), &fakeExecutor{}, store, staticHealth{}, nil, testTSAConfig())
	letters, err := svc.DeadLetters(ctx, owner, 50)
	if err != nil {
		t.Fatalf("DeadLetters() error = %v", err)
	}
	if len(letters) != 1 || letters[0].TenantID != owner {
		t.Fatalf("dead letters = %+v", letters)
	}
}

func TestStatusDegradedWithoutHealthyProviders(t *testing.T) {
	svc := NewService(policy.NewMemoryStore(), &fakeExecutor{}, queue.NewMemoryStore(10), staticHealth{}, nil, testTSAConfig())

	status := svc.Status(context.Background())
	if status.Status != "degraded" {
		t.Fatalf("status = %q, want degraded", status.Status)
	}
}

func TestStatusOKWithHealthyProvider(t *testing.T) {
	svc := NewService(policy.NewMemoryStore(), &fakeExecutor{}, queue.NewMemoryStore(10), staticHealth{healthy: []string{"tsa-a"}}, nil, testTSAConfig())

	status := svc.Status(context.Background())
	if status.Status != "ok" {
		t.Fatalf("status = %q, want ok", status.Status)
	}
	if len(status.Providers) != 1 || status.Providers[0].ProviderID != "tsa-a" {
		t.Fatalf("providers = %+v", status.Providers)
	}
}

func TestRetryQueuedReplaysRequest(t *testing.T) {
	tenantID := types.NewID()
	engine := &fakeExecutor{token: &validate.ValidatedTimestamp{ProviderID: "tsa-b", Token: []byte("tok")}}
	svc := NewService(newTenantStore(t, tenantID), engine, queue.NewMemoryStore(10), staticHealth{}, nil, testTSAConfig())

	req := signRequest()
	item := queue.NewQueuedRequest(tenantID, req, 3)

	token, err := svc.RetryQueued(context.Background(), item)
	if err != nil {
		t.Fatalf("RetryQueued() error = %v", err)
	}
	if token.ProviderID != "tsa-b" {
		t.Fatalf("provider = %q", token.ProviderID)
	}
}

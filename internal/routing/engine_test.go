package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/credlink/stampd/internal/health"
	"github.com/credlink/stampd/internal/policy"
	"github.com/credlink/stampd/internal/provider"
	"github.com/credlink/stampd/internal/shared/config"
	apperrors "github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/validate"
)

// fakeAdapter answers Send after an optional delay, honouring context
// cancellation so hedged siblings shut down like real HTTP attempts.
type fakeAdapter struct {
	cfg   config.ProviderConfig
	delay time.Duration
	token []byte
	err   error
}

func (f *fakeAdapter) Config() config.ProviderConfig { return f.cfg }

func (f *fakeAdapter) Send(ctx context.Context, req provider.Request) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func (f *fakeAdapter) Probe(ctx context.Context) provider.ProbeResult {
	return provider.ProbeResult{Healthy: true}
}

// staticHealth marks the listed providers healthy.
type staticHealth struct{ healthy []string }

func (s staticHealth) Snapshot() health.Snapshot {
	snap := make(health.Snapshot, len(s.healthy))
	for _, id := range s.healthy {
		snap[id] = health.ProviderHealth{ProviderID: id, State: health.StateHealthy, Healthy: true}
	}
	return snap
}

// passValidator accepts any token and tags it with the provider id.
type passValidator struct{}

func (passValidator) Validate(providerID string, req provider.Request, token []byte, pol *policy.TenantTSAPolicy) (*validate.ValidatedTimestamp, error) {
	return &validate.ValidatedTimestamp{ProviderID: providerID, Token: token}, nil
}

// rejectValidator fails tokens from the named provider.
type rejectValidator struct{ reject string }

func (v rejectValidator) Validate(providerID string, req provider.Request, token []byte, pol *policy.TenantTSAPolicy) (*validate.ValidatedTimestamp, error) {
	if providerID == v.reject {
		return nil, &validate.ValidationError{ProviderID: providerID, Step: validate.StepSignature, Reason: "bad signature"}
	}
	return &validate.ValidatedTimestamp{ProviderID: providerID, Token: token}, nil
}

func adapterFor(id string, delay time.Duration, token []byte, err error) *fakeAdapter {
	return &fakeAdapter{cfg: config.ProviderConfig{ID: id, Timeout: time.Second}, delay: delay, token: token, err: err}
}

func testEngine(validator TokenValidator, hedgeDelay time.Duration, adapters ...provider.Adapter) (*Engine, []string) {
	registry := provider.NewRegistryWithAdapters(adapters...)
	ids := registry.IDs()
	return NewEngine(registry, staticHealth{healthy: ids}, validator, hedgeDelay), ids
}

func emptyPolicy() *policy.TenantTSAPolicy { return &policy.TenantTSAPolicy{} }

func TestFastPrimaryWinsWithoutHedging(t *testing.T) {
	engine, _ := testEngine(passValidator{}, 50*time.Millisecond,
		adapterFor("tsa-a", 0, []byte("a"), nil),
		adapterFor("tsa-b", 0, []byte("b"), nil),
	)

	got, err := engine.Execute(context.Background(), provider.Request{}, emptyPolicy())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.ProviderID != "tsa-a" {
		t.Fatalf("winner = %q, want tsa-a", got.ProviderID)
	}
}

func TestHedgeStartsBackupAfterDelay(t *testing.T) {
	engine, _ := testEngine(passValidator{}, 20*time.Millisecond,
		adapterFor("tsa-a", 500*time.Millisecond, []byte("a"), nil),
		adapterFor("tsa-b", 10*time.Millisecond, []byte("b"), nil),
	)

	start := time.Now()
	got, err := engine.Execute(context.Background(), provider.Request{}, emptyPolicy())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.ProviderID != "tsa-b" {
		t.Fatalf("winner = %q, want hedged tsa-b", got.ProviderID)
	}
	if elapsed := time.Since(start); elapsed >= 400*time.Millisecond {
		t.Fatalf("hedged win took %v, should not wait for the slow primary", elapsed)
	}
}

func TestFailedAttemptStartsNextImmediately(t *testing.T) {
	engine, _ := testEngine(passValidator{}, time.Hour,
		adapterFor("tsa-a", 0, nil, errors.New("connection refused")),
		adapterFor("tsa-b", 0, []byte("b"), nil),
	)

	done := make(chan struct{})
	var got *validate.ValidatedTimestamp
	var err error
	go func() {
		got, err = engine.Execute(context.Background(), provider.Request{}, emptyPolicy())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine waited for the hedge timer instead of starting the next candidate on failure")
	}
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.ProviderID != "tsa-b" {
		t.Fatalf("winner = %q, want tsa-b", got.ProviderID)
	}
}

func TestAllProvidersFailedReturnsExhausted(t *testing.T) {
	engine, _ := testEngine(passValidator{}, time.Millisecond,
		adapterFor("tsa-a", 0, nil, errors.New("refused")),
		adapterFor("tsa-b", 0, nil, errors.New("timeout")),
	)

	_, err := engine.Execute(context.Background(), provider.Request{}, emptyPolicy())
	if !errors.Is(err, apperrors.ErrProvidersExhausted) {
		t.Fatalf("error = %v, want providers exhausted", err)
	}

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("error type = %T", err)
	}
	if len(ex.Failures) != 2 {
		t.Fatalf("failures = %d, want 2", len(ex.Failures))
	}
}

func TestValidationFailureCountsAsAttemptFailure(t *testing.T) {
	engine, _ := testEngine(rejectValidator{reject: "tsa-a"}, time.Millisecond,
		adapterFor("tsa-a", 0, []byte("bogus"), nil),
		adapterFor("tsa-b", 0, []byte("b"), nil),
	)

	got, err := engine.Execute(context.Background(), provider.Request{}, emptyPolicy())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.ProviderID != "tsa-b" {
		t.Fatalf("winner = %q, want tsa-b after tsa-a token rejected", got.ProviderID)
	}
}

func TestNoHealthyProviders(t *testing.T) {
	registry := provider.NewRegistryWithAdapters(adapterFor("tsa-a", 0, []byte("a"), nil))
	engine := NewEngine(registry, staticHealth{}, passValidator{}, time.Millisecond)

	_, err := engine.Execute(context.Background(), provider.Request{}, emptyPolicy())
	if !errors.Is(err, ErrNoHealthyProviders) {
		t.Fatalf("error = %v, want ErrNoHealthyProviders", err)
	}
}

func TestRoutingPriorityOrdersCandidates(t *testing.T) {
	engine, _ := testEngine(passValidator{}, 50*time.Millisecond,
		adapterFor("tsa-a", 0, []byte("a"), nil),
		adapterFor("tsa-b", 0, []byte("b"), nil),
	)

	pol := &policy.TenantTSAPolicy{RoutingPriority: []string{"tsa-b", "tsa-a"}}
	got, err := engine.Execute(context.Background(), provider.Request{}, pol)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.ProviderID != "tsa-b" {
		t.Fatalf("winner = %q, want priority provider tsa-b", got.ProviderID)
	}
}

func TestSameWindowTieBreakPrefersPriority(t *testing.T) {
	results := make(chan attemptResult, 3)
	results <- attemptResult{index: 2, providerID: "tsa-c", err: errors.New("refused")}
	results <- attemptResult{index: 0, providerID: "tsa-a", token: &validate.ValidatedTimestamp{ProviderID: "tsa-a"}}

	// The hedge (index 1) finished first but the primary is buffered too.
	first := attemptResult{index: 1, providerID: "tsa-b", token: &validate.ValidatedTimestamp{ProviderID: "tsa-b"}}

	best := bestBuffered(first, results)
	if best.providerID != "tsa-a" {
		t.Fatalf("best = %q, want the higher-priority tsa-a", best.providerID)
	}
}

func TestTieBreakKeepsWinnerWhenBufferEmpty(t *testing.T) {
	results := make(chan attemptResult, 1)
	first := attemptResult{index: 1, providerID: "tsa-b", token: &validate.ValidatedTimestamp{ProviderID: "tsa-b"}}

	if best := bestBuffered(first, results); best.providerID != "tsa-b" {
		t.Fatalf("best = %q, want tsa-b", best.providerID)
	}
}

func TestProviderPolicyFiltering(t *testing.T) {
	a := adapterFor("tsa-a", 0, []byte("a"), nil)
	a.cfg.AcceptedPolicyOIDs = []string{"1.2.3"}
	b := adapterFor("tsa-b", 0, []byte("b"), nil)
	b.cfg.AcceptedPolicyOIDs = []string{"4.5.6"}

	engine, _ := testEngine(passValidator{}, time.Millisecond, a, b)

	req := provider.Request{PolicyOID: "4.5.6"}
	got, err := engine.Execute(context.Background(), req, emptyPolicy())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.ProviderID != "tsa-b" {
		t.Fatalf("winner = %q, want the only provider serving the OID", got.ProviderID)
	}
}

func TestCallerCancellationStopsEngine(t *testing.T) {
	engine, _ := testEngine(passValidator{}, time.Hour,
		adapterFor("tsa-a", time.Hour, []byte("a"), nil),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := engine.Execute(ctx, provider.Request{}, emptyPolicy())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context deadline", err)
	}
}

package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/credlink/stampd/internal/health"
	"github.com/credlink/stampd/internal/policy"
	"github.com/credlink/stampd/internal/provider"
	apperrors "github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/shared/metrics"
	"github.com/credlink/stampd/internal/validate"
)

// ErrNoHealthyProviders means the candidate set was empty before any
// attempt started. Callers fall back to the retry queue.
var ErrNoHealthyProviders = errors.New("no healthy providers for request")

// ExhaustedError means every candidate was attempted and every attempt
// failed, either on the wire or at validation.
type ExhaustedError struct {
	Failures []error
}

func (e *ExhaustedError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, err := range e.Failures {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("all %d providers exhausted: %s", len(e.Failures), strings.Join(msgs, "; "))
}

func (e *ExhaustedError) Is(target error) bool {
	return target == apperrors.ErrProvidersExhausted
}

func (e *ExhaustedError) Unwrap() []error {
	return e.Failures
}

// HealthSource supplies the health snapshot candidates are filtered on.
type HealthSource interface {
	Snapshot() health.Snapshot
}

// TokenValidator checks a raw token against the request and tenant policy.
type TokenValidator interface {
	Validate(providerID string, req provider.Request, token []byte, pol *policy.TenantTSAPolicy) (*validate.ValidatedTimestamp, error)
}

// Engine fans a sign request out across providers with hedging: the first
// candidate is attempted immediately and every hedge delay another one is
// started, without cancelling the ones already in flight. The first
// validated token wins and all sibling attempts are cancelled. A failed
// attempt starts the next candidate immediately rather than waiting out the
// hedge timer.
type Engine struct {
	registry   *provider.Registry
	health     HealthSource
	validator  TokenValidator
	hedgeDelay time.Duration
}

func NewEngine(registry *provider.Registry, health HealthSource, validator TokenValidator, hedgeDelay time.Duration) *Engine {
	return &Engine{
		registry:   registry,
		health:     health,
		validator:  validator,
		hedgeDelay: hedgeDelay,
	}
}

type attemptResult struct {
	index      int
	providerID string
	token      *validate.ValidatedTimestamp
	err        error
}

// Execute runs the hedged attempt ladder for one request and returns the
// first token that passes validation. When two attempts succeed in the same
// scheduling window, the one higher in the tenant's routing priority wins.
func (e *Engine) Execute(ctx context.Context, req provider.Request, pol *policy.TenantTSAPolicy) (*validate.ValidatedTimestamp, error) {
	candidates := e.candidates(req, pol)
	if len(candidates) == 0 {
		return nil, ErrNoHealthyProviders
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan attemptResult, len(candidates))

	launch := func(i int) {
		if i > 0 {
			metrics.RecordHedgedAttempt()
		}
		id := candidates[i]
		go func() {
			token, err := e.attempt(attemptCtx, id, req, pol)
			results <- attemptResult{index: i, providerID: id, token: token, err: err}
		}()
	}

	launch(0)
	launched, finished := 1, 0

	timer := time.NewTimer(e.hedgeDelay)
	defer timer.Stop()

	failures := make([]error, 0, len(candidates))

	for finished < len(candidates) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timer.C:
			if launched < len(candidates) {
				launch(launched)
				launched++
				timer.Reset(e.hedgeDelay)
			}

		case res := <-results:
			finished++
			if res.err == nil {
				best := bestBuffered(res, results)
				cancel()
				return best.token, nil
			}

			failures = append(failures, res.err)
			// A dead attempt frees its slot; start the next candidate
			// now instead of waiting out the hedge timer.
			if launched < len(candidates) && finished == launched {
				launch(launched)
				launched++
				timer.Reset(e.hedgeDelay)
			}
		}
	}

	return nil, &ExhaustedError{Failures: failures}
}

// bestBuffered resolves ties between attempts that completed in the same
// scheduling window: among the winner and any successes already sitting in
// the results buffer, the candidate highest in routing priority is kept.
func bestBuffered(first attemptResult, results <-chan attemptResult) attemptResult {
	best := first
	for {
		select {
		case other := <-results:
			if other.err == nil && other.index < best.index {
				best = other
			}
		default:
			return best
		}
	}
}

// attempt sends the request to one provider and validates the token it
// returns. Validation failures count the same as transport failures.
func (e *Engine) attempt(ctx context.Context, providerID string, req provider.Request, pol *policy.TenantTSAPolicy) (*validate.ValidatedTimestamp, error) {
	adapter := e.registry.Get(providerID)

	start := time.Now()
	raw, err := adapter.Send(ctx, req)
	if err != nil {
		metrics.RecordProviderAttempt(providerID, "transport_error", time.Since(start))
		return nil, err
	}

	token, err := e.validator.Validate(providerID, req, raw, pol)
	if err != nil {
		metrics.RecordProviderAttempt(providerID, "validation_error", time.Since(start))
		return nil, err
	}

	metrics.RecordProviderAttempt(providerID, "success", time.Since(start))
	return token, nil
}

// candidates orders providers by the tenant's routing priority (falling
// back to configuration order), then filters out unhealthy providers and
// providers that cannot serve the requested policy OID.
func (e *Engine) candidates(req provider.Request, pol *policy.TenantTSAPolicy) []string {
	order := pol.RoutingPriority
	if len(order) == 0 {
		order = e.registry.IDs()
	}

	snap := e.health.Snapshot()

	out := make([]string, 0, len(order))
	for _, id := range order {
		adapter := e.registry.Get(id)
		if adapter == nil || !snap.Healthy(id) {
			continue
		}
		if req.PolicyOID != "" && !supportsPolicy(adapter.Config().AcceptedPolicyOIDs, req.PolicyOID) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// supportsPolicy treats an empty accepted list as "any policy".
func supportsPolicy(accepted []string, oid string) bool {
	if len(accepted) == 0 {
		return true
	}
	for _, a := range accepted {
		if a == oid {
			return true
		}
	}
	return false
}

package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/credlink/stampd/internal/queue"
	"github.com/credlink/stampd/internal/routing"
	"github.com/credlink/stampd/internal/shared/auth"
	"github.com/credlink/stampd/internal/shared/types"
	"github.com/credlink/stampd/internal/validate"
)

func newTestHandler(t *testing.T, tenantID types.ID, engine Executor) http.Handler {
	t.Helper()
	svc := NewService(newTenantStore(t, tenantID), engine, queue.NewMemoryStore(10), staticHealth{healthy: []string{"tsa-a"}}, nil, testTSAConfig())
	return NewHandler(svc).Routes()
}

func doRequest(handler http.Handler, tenantID types.ID, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if !tenantID.IsZero() {
		tenant := &auth.Tenant{ID: tenantID, Name: "test-tenant"}
		req = req.WithContext(context.WithValue(req.Context(), auth.TenantContextKey, tenant))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func validBody() map[string]any {
	return map[string]any{
		"hash_algorithm":  "SHA-256",
		"message_imprint": make([]byte, 32),
	}
}

func TestCreateTimestampReturnsToken(t *testing.T) {
	tenantID := types.NewID()
	engine := &fakeExecutor{token: &validate.ValidatedTimestamp{ProviderID: "tsa-a", PolicyOID: "1.3.6.1.4.1.13762.3", Token: []byte("der")}}
	handler := newTestHandler(t, tenantID, engine)

	rec := doRequest(handler, tenantID, http.MethodPost, "/timestamps", validBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp timestampResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "completed" || resp.ProviderID != "tsa-a" || len(resp.Token) == 0 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestCreateTimestampQueuedReturns202(t *testing.T) {
	tenantID := types.NewID()
	engine := &fakeExecutor{err: routing.ErrNoHealthyProviders}
	handler := newTestHandler(t, tenantID, engine)

	rec := doRequest(handler, tenantID, http.MethodPost, "/timestamps", validBody())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}

	var resp queuedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(queue.StatusPending) || resp.ID.IsZero() {
		t.Fatalf("response = %+v", resp)
	}
}

func TestCreateTimestampWithoutTenantIs401(t *testing.T) {
	handler := newTestHandler(t, types.NewID(), &fakeExecutor{})

	rec := doRequest(handler, "", http.MethodPost, "/timestamps", validBody())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateTimestampRejectsBadHashAlgorithm(t *testing.T) {
	tenantID := types.NewID()
	handler := newTestHandler(t, tenantID, &fakeExecutor{})

	body := validBody()
	body["hash_algorithm"] = "MD5"
	rec := doRequest(handler, tenantID, http.MethodPost, "/timestamps", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetQueuedPolling(t *testing.T) {
	tenantID := types.NewID()
	engine := &fakeExecutor{err: routing.ErrNoHealthyProviders}
	handler := newTestHandler(t, tenantID, engine)

	rec := doRequest(handler, tenantID, http.MethodPost, "/timestamps", validBody())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue status = %d", rec.Code)
	}
	var queued queuedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &queued); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	poll := doRequest(handler, tenantID, http.MethodGet, "/timestamps/queued/"+queued.ID.String(), nil)
	if poll.Code != http.StatusOK {
		t.Fatalf("poll status = %d, body %s", poll.Code, poll.Body.String())
	}

	other := doRequest(handler, types.NewID(), http.MethodGet, "/timestamps/queued/"+queued.ID.String(), nil)
	if other.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant poll status = %d, want 404", other.Code)
	}
}

func TestGetStatus(t *testing.T) {
	tenantID := types.NewID()
	handler := newTestHandler(t, tenantID, &fakeExecutor{})

	rec := doRequest(handler, tenantID, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var status ServiceStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status.Status != "ok" {
		t.Fatalf("service status = %q", status.Status)
	}
}

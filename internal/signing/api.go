package signing

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/credlink/stampd/internal/provider"
	"github.com/credlink/stampd/internal/queue"
	"github.com/credlink/stampd/internal/shared/auth"
	"github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/shared/types"
	"github.com/credlink/stampd/internal/validate"
)

// Handler provides HTTP handlers for the timestamping module
type Handler struct {
	service *Service
}

// NewHandler creates a new timestamping handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes registers the timestamping routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/timestamps", func(r chi.Router) {
		r.Post("/", h.CreateTimestamp)
		r.Get("/queued/{requestID}", h.GetQueued)
	})
	r.Get("/deadletters", h.ListDeadLetters)
	r.Get("/status", h.GetStatus)

	return r
}

type createTimestampRequest struct {
	HashAlgorithm   string `json:"hash_algorithm"`
	MessageImprint  []byte `json:"message_imprint"`
	PolicyOID       string `json:"policy_oid,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
	WantCertificate bool   `json:"want_certificate"`
}

type timestampResponse struct {
	Status       string    `json:"status"`
	ProviderID   string    `json:"provider_id"`
	PolicyOID    string    `json:"policy_oid"`
	GenTime      time.Time `json:"gen_time"`
	AccuracyMs   int64     `json:"accuracy_ms"`
	SerialNumber string    `json:"serial_number"`
	Token        []byte    `json:"token"`
}

type queuedResponse struct {
	ID                types.ID  `json:"id"`
	Status            string    `json:"status"`
	RetryCount        int       `json:"retry_count"`
	MaxRetries        int       `json:"max_retries"`
	LastError         string    `json:"last_error,omitempty"`
	EnqueuedAt        time.Time `json:"enqueued_at"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
	ProviderID        string    `json:"provider_id,omitempty"`
	Token             []byte    `json:"token,omitempty"`
}

// CreateTimestamp obtains a timestamp token for the caller's hash. Replies
// 200 with the token, or 202 with a pollable queue entry when every
// provider is currently unavailable.
func (h *Handler) CreateTimestamp(w http.ResponseWriter, r *http.Request) {
	tenant := auth.GetTenant(r.Context())
	if tenant == nil {
		writeError(w, errors.Unauthorized("missing tenant identity"))
		return
	}

	var body createTimestampRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	req, err := body.toProviderRequest()
	if err != nil {
		writeError(w, errors.Validation(err.Error(), nil))
		return
	}

	result, err := h.service.Sign(r.Context(), tenant.ID, req)
	if err != nil {
		writeError(w, err)
		return
	}

	if result.Queued != nil {
		w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
		writeJSON(w, http.StatusAccepted, queuedView(result.Queued, result.RetryAfter))
		return
	}

	writeJSON(w, http.StatusOK, timestampView(result.Timestamp))
}

// GetQueued reports the state of a parked request, including the token once
// a background retry succeeded.
func (h *Handler) GetQueued(w http.ResponseWriter, r *http.Request) {
	tenant := auth.GetTenant(r.Context())
	if tenant == nil {
		writeError(w, errors.Unauthorized("missing tenant identity"))
		return
	}

	id, err := types.ParseID(chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid request id"))
		return
	}

	item, err := h.service.Queued(r.Context(), tenant.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, queuedView(item, 0))
}

// ListDeadLetters lists the tenant's requests that ran out of retries.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	tenant := auth.GetTenant(r.Context())
	if tenant == nil {
		writeError(w, errors.Unauthorized("missing tenant identity"))
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	letters, err := h.service.DeadLetters(r.Context(), tenant.ID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]queuedResponse, 0, len(letters))
	for _, l := range letters {
		views = append(views, queuedView(l, 0))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": views,
		"total":        len(views),
	})
}

// GetStatus reports provider health and queue depth.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Status(r.Context()))
}

func (b createTimestampRequest) toProviderRequest() (provider.Request, error) {
	alg, err := provider.ParseHashAlgorithm(b.HashAlgorithm)
	if err != nil {
		return provider.Request{}, err
	}

	req := provider.Request{
		HashAlgorithm:   alg,
		MessageImprint:  b.MessageImprint,
		PolicyOID:       b.PolicyOID,
		WantCertificate: b.WantCertificate,
	}
	if b.Nonce != "" {
		nonce, ok := new(big.Int).SetString(b.Nonce, 10)
		if !ok {
			return provider.Request{}, fmt.Errorf("nonce must be a decimal integer")
		}
		req.Nonce = nonce
	}
	return req, nil
}

func timestampView(ts *validate.ValidatedTimestamp) timestampResponse {
	serial := ""
	if ts.SerialNumber != nil {
		serial = ts.SerialNumber.String()
	}
	return timestampResponse{
		Status:       "completed",
		ProviderID:   ts.ProviderID,
		PolicyOID:    ts.PolicyOID,
		GenTime:      ts.GenTime,
		AccuracyMs:   ts.Accuracy.Milliseconds(),
		SerialNumber: serial,
		Token:        ts.Token,
	}
}

func queuedView(item *queue.QueuedRequest, retryAfter time.Duration) queuedResponse {
	return queuedResponse{
		ID:                item.ID,
		Status:            string(item.Status),
		RetryCount:        item.RetryCount,
		MaxRetries:        item.MaxRetries,
		LastError:         item.LastError,
		EnqueuedAt:        item.EnqueuedAt,
		RetryAfterSeconds: int(retryAfter.Seconds()),
		ProviderID:        item.ProviderID,
		Token:             item.Token,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	if appErr, ok := err.(*errors.AppError); ok {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}

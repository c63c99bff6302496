package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/candilingo/seatledger/internal/core/domain"
	"github.com/candilingo/seatledger/internal/core/service"
)

const maxWebhookBody = 64 << 10

type HTTPHandler struct {
	ledger        *service.Ledger
	memberships   *service.MembershipService
	purchases     *service.PurchaseService
	webhookSecret []byte
	now           func() time.Time
}

type errorResponse struct {
	Error string `json:"error"`
}

type CreateOrganizationHTTPRequest struct {
	OrganizationID string `json:"organization_id"`
	Email          string `json:"email"`
}

type InviteHTTPRequest struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	LicenseType string `json:"license_type"`
}

type MemberHTTPResponse struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	UserID         string     `json:"user_id"`
	Email          string     `json:"email"`
	Role           string     `json:"role"`
	Status         string     `json:"status"`
	LicenseType    string     `json:"license_type"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type UtilizationHTTPResponse struct {
	OrganizationID string                   `json:"organization_id"`
	Pools          []domain.PoolUtilization `json:"pools"`
}

type WebhookHTTPResponse struct {
	Status      string `json:"status"`
	TotalSeats  int    `json:"total_seats,omitempty"`
	LicenseType string `json:"license_type,omitempty"`
}

func NewHTTPHandler(ledger *service.Ledger, memberships *service.MembershipService, purchases *service.PurchaseService, webhookSecret string) *HTTPHandler {
	return &HTTPHandler{
		ledger:        ledger,
		memberships:   memberships,
		purchases:     purchases,
		webhookSecret: []byte(webhookSecret),
		now:           time.Now,
	}
}

// Routes registers every endpoint. Routes under /api require a bearer token.
func (h *HTTPHandler) Routes(auth *Authenticator) *http.ServeMux {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/organizations", h.CreateOrganization)
	api.HandleFunc("GET /api/organizations/{org}/licenses", h.Utilization)
	api.HandleFunc("GET /api/organizations/{org}/members", h.ListMembers)
	api.HandleFunc("POST /api/organizations/{org}/members", h.Invite)
	api.HandleFunc("DELETE /api/organizations/{org}/members/{member}", h.Remove)
	api.HandleFunc("DELETE /api/organizations/{org}/invitations/{member}", h.RevokeInvitation)
	api.HandleFunc("POST /api/organizations/{org}/members/{member}/suspend", h.Suspend)
	api.HandleFunc("POST /api/organizations/{org}/members/{member}/reinstate", h.Reinstate)
	api.HandleFunc("POST /api/invitations/{member}/accept", h.AcceptInvitation)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /webhooks/payment", h.PaymentWebhook)
	mux.Handle("/api/", auth.Middleware(api))
	return mux
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// PaymentWebhook is the only HTTP path that grants seats.
func (h *HTTPHandler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
		return
	}
	if err := verifySignature(h.webhookSecret, r.Header.Get(SignatureHeader), body, h.now()); err != nil {
		logger.Warn().Err(err).Msg("rejected payment webhook")
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
		return
	}

	var event domain.PurchaseEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	res, err := h.purchases.Reconcile(r.Context(), event)
	switch {
	case errors.Is(err, domain.ErrPaymentNotCompleted):
		// acknowledged so the provider stops redelivering
		logger.Info().Str("session_id", event.SessionID).Str("payment_status", event.PaymentStatus).Msg("ignoring unpaid checkout session")
		writeJSON(w, http.StatusAccepted, WebhookHTTPResponse{Status: "ignored"})
		return
	case errors.Is(err, domain.ErrPurchaserNotAdmin):
		logger.Error().Err(err).Str("session_id", event.SessionID).Str("purchaser", event.UserID).Msg("purchase has no organization to credit")
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "purchaser does not administer an organization"})
		return
	case err != nil:
		writeError(w, r, err)
		return
	}

	status := "granted"
	if res.Replayed {
		status = "duplicate"
	}
	writeJSON(w, http.StatusOK, WebhookHTTPResponse{
		Status:      status,
		TotalSeats:  res.Grant.TotalSeats,
		LicenseType: res.Grant.LicenseType,
	})
}

func (h *HTTPHandler) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req CreateOrganizationHTTPRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	owner, err := h.memberships.CreateOrganization(r.Context(), req.OrganizationID, UserIDFromContext(r.Context()), req.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberResponse(*owner))
}

func (h *HTTPHandler) Utilization(w http.ResponseWriter, r *http.Request) {
	org := r.PathValue("org")
	if err := h.memberships.CanView(r.Context(), UserIDFromContext(r.Context()), org); err != nil {
		writeError(w, r, err)
		return
	}

	pools, err := h.ledger.Utilization(r.Context(), org)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UtilizationHTTPResponse{OrganizationID: org, Pools: pools})
}

func (h *HTTPHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.memberships.ListMembers(r.Context(), UserIDFromContext(r.Context()), r.PathValue("org"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := make([]MemberHTTPResponse, 0, len(members))
	for _, m := range members {
		resp = append(resp, toMemberResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) Invite(w http.ResponseWriter, r *http.Request) {
	var req InviteHTTPRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	member, err := h.memberships.Invite(r.Context(), UserIDFromContext(r.Context()), service.InviteRequest{
		OrganizationID: r.PathValue("org"),
		UserID:         req.UserID,
		Email:          req.Email,
		Role:           domain.MemberRole(req.Role),
		LicenseType:    req.LicenseType,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberResponse(*member))
}

func (h *HTTPHandler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	member, err := h.memberships.Accept(r.Context(), r.PathValue("member"), UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberResponse(*member))
}

func (h *HTTPHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	member, err := h.memberships.Suspend(r.Context(), UserIDFromContext(r.Context()), r.PathValue("org"), r.PathValue("member"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberResponse(*member))
}

func (h *HTTPHandler) Reinstate(w http.ResponseWriter, r *http.Request) {
	member, err := h.memberships.Reinstate(r.Context(), UserIDFromContext(r.Context()), r.PathValue("org"), r.PathValue("member"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberResponse(*member))
}

func (h *HTTPHandler) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.memberships.Remove(r.Context(), UserIDFromContext(r.Context()), r.PathValue("org"), r.PathValue("member")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) RevokeInvitation(w http.ResponseWriter, r *http.Request) {
	if err := h.memberships.RevokeInvitation(r.Context(), UserIDFromContext(r.Context()), r.PathValue("org"), r.PathValue("member")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toMemberResponse(m domain.Member) MemberHTTPResponse {
	return MemberHTTPResponse{
		ID:             m.ID,
		OrganizationID: m.OrganizationID,
		UserID:         m.UserID,
		Email:          m.Email,
		Role:           string(m.Role),
		Status:         string(m.Status),
		LicenseType:    m.LicenseType,
		ExpiresAt:      m.ExpiresAt,
		CreatedAt:      m.CreatedAt,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

// writeError maps service errors to a status code. Unexpected errors are logged
// and reported as a generic failure.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := http.StatusInternalServerError, "something went wrong, try again later"

	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrForbidden):
		status, message = http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrMemberNotFound):
		status, message = http.StatusNotFound, "member not found"
	case errors.Is(err, domain.ErrSeatsExhausted):
		status, message = http.StatusConflict, "no seats available, purchase more licenses"
	case errors.Is(err, domain.ErrMemberExists):
		status, message = http.StatusConflict, "already a member"
	case errors.Is(err, domain.ErrMemberStatusChanged):
		status, message = http.StatusConflict, "member was changed by another request, reload and retry"
	case errors.Is(err, domain.ErrInvitationExpired):
		status, message = http.StatusGone, "invitation expired"
	case errors.Is(err, domain.ErrStorageConflict):
		status, message = http.StatusServiceUnavailable, "busy, try again later"
		w.Header().Set("Retry-After", "1")
	}

	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

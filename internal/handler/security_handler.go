package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"security-gateway/internal/gateway"
	"security-gateway/internal/models"
	"security-gateway/internal/notification"
	"security-gateway/internal/service"
	"security-gateway/internal/tenant"
	"security-gateway/internal/util"
)

// HeaderTenantID selects the active tenant for dashboard calls.
const HeaderTenantID = "X-Tenant-ID"

// maxBodyBytes caps request payloads.
const maxBodyBytes = 64 << 10

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

// SecurityHandler serves event ingestion and the security dashboard.
type SecurityHandler struct {
	svc    *service.SecurityService
	logger *zap.Logger
}

func NewSecurityHandler(svc *service.SecurityService, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{svc: svc, logger: logger}
}

func (h *SecurityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/security", func(r chi.Router) {
		r.Post("/events", h.ReportEvent)

		r.Get("/notifications", h.ListNotifications)
		r.Post("/notifications/{notificationID}/ack", h.AcknowledgeNotification)

		r.Get("/stats", h.Stats)
		r.Post("/blocks", h.BlockSource)
		r.Delete("/cache", h.ClearCaches)
	})
}

// ReportEvent accepts authentication events from login flows.
func (h *SecurityHandler) ReportEvent(w http.ResponseWriter, r *http.Request) {
	var req service.EventReport
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "", "Invalid request body")
		return
	}
	p, _ := gateway.PrincipalFrom(r.Context())
	err := h.svc.ReportEvent(r.Context(), p, req, gateway.SourceAddress(r), r.UserAgent())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "", "Failed to record event")
		return
	}
	h.respondWithJSON(w, http.StatusAccepted, successResponse(nil, "Event recorded"))
}

// ListNotifications returns unacknowledged notifications for the active
// tenant, or for every tenant when the caller is a platform admin and no
// tenant is selected.
func (h *SecurityHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	p, tenantID, ok := h.authorize(w, r, true)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondWithError(w, http.StatusBadRequest, service.ErrInvalidInput, "", "limit must be a positive integer")
			return
		}
		limit = n
	}

	list, err := h.svc.ListNotifications(r.Context(), p, tenantID, limit)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "", "Failed to list notifications")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(list, "Notifications retrieved successfully"))
}

func (h *SecurityHandler) AcknowledgeNotification(w http.ResponseWriter, r *http.Request) {
	p, tenantID, ok := h.authorize(w, r, true)
	if !ok {
		return
	}

	n, err := h.svc.AcknowledgeNotification(r.Context(), p, tenantID, chi.URLParam(r, "notificationID"))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "", "Failed to acknowledge notification")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(n, "Notification acknowledged"))
}

func (h *SecurityHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.authorize(w, r, false); !ok {
		return
	}
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "", "Failed to get security stats")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(stats, "Security stats retrieved successfully"))
}

type blockRequest struct {
	IP      string `json:"ip"`
	Minutes int    `json:"minutes"`
}

func (h *SecurityHandler) BlockSource(w http.ResponseWriter, r *http.Request) {
	p, _, ok := h.authorize(w, r, false)
	if !ok {
		return
	}
	var req blockRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "", "Invalid request body")
		return
	}
	if req.Minutes < 0 {
		h.respondWithError(w, http.StatusBadRequest, service.ErrInvalidInput, "", "minutes must not be negative")
		return
	}

	d := time.Duration(req.Minutes) * time.Minute
	if err := h.svc.BlockSource(r.Context(), req.IP, d, p.ID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "", "Failed to block source")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{"ip": req.IP}, "Source blocked"))
}

func (h *SecurityHandler) ClearCaches(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := h.authorize(w, r, false); !ok {
		return
	}
	if err := h.svc.ClearCaches(r.Context()); err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "", "Failed to clear caches")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Security caches cleared"))
}

// authorize admits tenant admins of the selected tenant when tenantScoped is
// set, and platform admins otherwise.
func (h *SecurityHandler) authorize(w http.ResponseWriter, r *http.Request, tenantScoped bool) (*models.Principal, string, bool) {
	p, _ := gateway.PrincipalFrom(r.Context())

	tenantID := ""
	required := models.RoleAdmin
	if tenantScoped {
		tenantID = r.Header.Get(HeaderTenantID)
		if tenantID != "" {
			required = models.RoleTenantAdmin
		}
	}

	d := h.svc.Authorize(r.Context(), p, tenantID, required, tenantID != "", gateway.SourceAddress(r), r.UserAgent())
	if !d.Allowed {
		status := http.StatusForbidden
		if d.Code == tenant.CodeAuthenticationRequired {
			status = http.StatusUnauthorized
		}
		h.respondWithError(w, status, d.Err(), d.Code, d.Reason)
		return nil, "", false
	}
	return p, tenantID, true
}

func (h *SecurityHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *SecurityHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, code, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	resp := Response{Error: err.Error(), Code: code, Message: message}
	if statusCode >= http.StatusInternalServerError {
		resp.Error = http.StatusText(statusCode)
	}
	h.respondWithJSON(w, statusCode, resp)
}

func (h *SecurityHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrUnsupportedEvent):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, notification.ErrNotificationNotFound):
		return http.StatusNotFound
	case errors.Is(err, tenant.ErrTenantAccessDenied):
		return http.StatusForbidden
	case tenant.IsViolation(err):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Package handler implements the gateway's own HTTP endpoints: the
// cache-invalidation webhooks from the identity service, the admin
// surface, and health checks.
package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/openctemio/gateway/internal/authz"
	"github.com/openctemio/gateway/internal/metrics"
	"github.com/openctemio/gateway/internal/tenant"
	"github.com/openctemio/gateway/pkg/apierror"
	"github.com/openctemio/gateway/pkg/logger"
)

// maxWebhookBody caps webhook payload size.
const maxWebhookBody = 64 << 10

// WebhookHandler receives change notifications from the identity
// service and invalidates the corresponding caches.
type WebhookHandler struct {
	specs    *authz.SpecCache
	hashes   *authz.HashCache
	tenants  *tenant.Store
	validate *validator.Validate
	logger   *logger.Logger
}

// NewWebhookHandler creates the webhook handler.
func NewWebhookHandler(specs *authz.SpecCache, hashes *authz.HashCache, tenants *tenant.Store, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		specs:    specs,
		hashes:   hashes,
		tenants:  tenants,
		validate: validator.New(),
		logger:   log.With("component", "webhooks"),
	}
}

// PermissionSyncRequest announces a new permission spec version.
type PermissionSyncRequest struct {
	Version         int      `json:"version" validate:"required,min=1"`
	ChangedServices []string `json:"changedServices"`
}

// UserInvalidationRequest drops one user's cached permission state.
type UserInvalidationRequest struct {
	TenantID string `json:"tenantId" validate:"required"`
	UserID   string `json:"userId" validate:"required"`
}

// TenantSettingsRequest drops a tenant's cached configuration.
type TenantSettingsRequest struct {
	TenantID string `json:"tenantId" validate:"required"`
}

// PermissionSync handles POST /internal/webhooks/permission-sync. The
// spec cache refetches only when the announced version differs from
// the cached one.
func (h *WebhookHandler) PermissionSync(w http.ResponseWriter, r *http.Request) {
	var req PermissionSyncRequest
	if apiErr := h.decode(r, &req); apiErr != nil {
		metrics.WebhooksTotal.WithLabelValues("permission_sync", "rejected").Inc()
		apiErr.WriteJSON(w)
		return
	}

	if err := h.specs.Sync(r.Context(), req.Version); err != nil {
		metrics.WebhooksTotal.WithLabelValues("permission_sync", "error").Inc()
		h.logger.Error("permission spec sync failed",
			"version", req.Version,
			"error", err,
		)
		apierror.InternalError(err).WriteJSON(w)
		return
	}

	metrics.WebhooksTotal.WithLabelValues("permission_sync", "ok").Inc()
	h.logger.Info("permission spec synced",
		"version", req.Version,
		"changed_services", req.ChangedServices,
	)
	w.WriteHeader(http.StatusNoContent)
}

// UserInvalidation handles POST /internal/webhooks/user-invalidation.
func (h *WebhookHandler) UserInvalidation(w http.ResponseWriter, r *http.Request) {
	var req UserInvalidationRequest
	if apiErr := h.decode(r, &req); apiErr != nil {
		metrics.WebhooksTotal.WithLabelValues("user_invalidation", "rejected").Inc()
		apiErr.WriteJSON(w)
		return
	}

	if err := h.hashes.Invalidate(r.Context(), req.TenantID, req.UserID); err != nil {
		metrics.WebhooksTotal.WithLabelValues("user_invalidation", "error").Inc()
		apierror.InternalError(err).WriteJSON(w)
		return
	}

	metrics.WebhooksTotal.WithLabelValues("user_invalidation", "ok").Inc()
	w.WriteHeader(http.StatusNoContent)
}

// TenantSettings handles POST /internal/webhooks/tenant-settings.
func (h *WebhookHandler) TenantSettings(w http.ResponseWriter, r *http.Request) {
	var req TenantSettingsRequest
	if apiErr := h.decode(r, &req); apiErr != nil {
		metrics.WebhooksTotal.WithLabelValues("tenant_settings", "rejected").Inc()
		apiErr.WriteJSON(w)
		return
	}

	if err := h.tenants.Invalidate(r.Context(), req.TenantID); err != nil {
		metrics.WebhooksTotal.WithLabelValues("tenant_settings", "error").Inc()
		apierror.InternalError(err).WriteJSON(w)
		return
	}

	metrics.WebhooksTotal.WithLabelValues("tenant_settings", "ok").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandler) decode(r *http.Request, into any) *apierror.Error {
	body := io.LimitReader(r.Body, maxWebhookBody)
	if err := json.NewDecoder(body).Decode(into); err != nil {
		return apierror.BadRequest("Invalid JSON payload")
	}
	if err := h.validate.Struct(into); err != nil {
		return apierror.ValidationFailed("Invalid webhook payload", err.Error())
	}
	return nil
}

package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openctemio/gateway/internal/ratelimit"
	"github.com/openctemio/gateway/pkg/apierror"
	"github.com/openctemio/gateway/pkg/logger"
)

// AdminHandler exposes operator actions. It sits behind network-level
// access control, not the pipeline.
type AdminHandler struct {
	engine *ratelimit.Engine
	logger *logger.Logger
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(engine *ratelimit.Engine, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		engine: engine,
		logger: log.With("component", "admin"),
	}
}

// ResetRateLimit handles DELETE /admin/ratelimits/{type}/{id}. It
// clears the counter and any block or lock the identifier carries
// under that limit type.
func (h *AdminHandler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	lt, err := ratelimit.ParseLimitType(chi.URLParam(r, "type"))
	if err != nil {
		apierror.BadRequest(err.Error()).WriteJSON(w)
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		apierror.BadRequest("identifier is required").WriteJSON(w)
		return
	}

	if err := h.engine.Reset(r.Context(), lt, id); err != nil {
		apierror.InternalError(err).WriteJSON(w)
		return
	}

	h.logger.Info("audit: rate limit reset by operator",
		"limit_type", lt,
		"identifier", id,
	)
	w.WriteHeader(http.StatusNoContent)
}

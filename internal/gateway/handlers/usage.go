package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/welldanyogia/webrana-ai-proxy/internal/gateway/ratelimit"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/logger"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/models"
)

type UsageHandler struct {
	limiter *ratelimit.Limiter
}

func NewUsageHandler(limiter *ratelimit.Limiter) *UsageHandler {
	return &UsageHandler{limiter: limiter}
}

type usageResponse struct {
	ratelimit.Usage
	Plan    models.PlanTier `json:"plan"`
	Warning bool            `json:"warning"`
}

// HandleGetUsage handles GET /v1/usage
func (h *UsageHandler) HandleGetUsage(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFrom(r.Context())
	if !ok {
		writeError(w, invalidKey())
		return
	}

	u, err := h.limiter.GetUsage(r.Context(), caller.UserID, caller.Plan)
	if err != nil {
		logger.Logger.Error("failed to read usage counters", zap.String("user_id", caller.UserID), zap.Error(err))
		writeError(w, &apiError{
			Status:  http.StatusServiceUnavailable,
			Message: "Rate limiter unavailable, please retry later",
			Type:    typeUnavailable,
			Code:    "RATE_LIMITER_UNAVAILABLE",
		})
		return
	}

	writeJSON(w, http.StatusOK, usageResponse{
		Usage:   u,
		Plan:    caller.Plan.Tier,
		Warning: ratelimit.IsWarning(u.MonthlyUsed, u.MonthlyLimit),
	})
}

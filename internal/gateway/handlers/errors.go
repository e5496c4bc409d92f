package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/logger"
)

// Error types shown to callers
const (
	typeInvalidRequest = "invalid_request_error"
	typeInvalidModel   = "invalid_model"
	typeAuthentication = "authentication_error"
	typeAPIKeyMissing  = "api_key_missing"
	typeRateLimit      = "rate_limit_error"
	typeServer         = "server_error"
	typeUpstream       = "upstream_error"
	typeUnavailable    = "service_unavailable"
)

// apiError is every error the gateway returns to a caller
type apiError struct {
	Status  int
	Message string
	Type    string
	Code    string
	// ProviderError is the upstream's own error body, when there is one
	ProviderError any
}

func (e *apiError) Error() string {
	return e.Code + ": " + e.Message
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message       string `json:"message"`
	Type          string `json:"type"`
	Code          string `json:"code"`
	ProviderError any    `json:"provider_error,omitempty"`
}

func writeError(w http.ResponseWriter, e *apiError) {
	writeJSON(w, e.Status, errorBody{Error: errorDetail{
		Message:       e.Message,
		Type:          e.Type,
		Code:          e.Code,
		ProviderError: e.ProviderError,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Logger.Debug("failed to write response", zap.Error(err))
	}
}

// providerErrorBody keeps a JSON upstream body as JSON and anything else as text
func providerErrorBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	return string(body)
}

func errInternal() *apiError {
	return &apiError{
		Status:  http.StatusInternalServerError,
		Message: "Internal server error",
		Type:    typeServer,
		Code:    "INTERNAL_ERROR",
	}
}

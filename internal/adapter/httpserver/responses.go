// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the REST API: merged query answering, image generation, and the
// async deep-research job surface. HTTP concerns stay here; orchestration
// semantics live in usecase.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/promptfuse/promptfuse/internal/domain"
	"github.com/promptfuse/promptfuse/internal/usecase"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Timestamp string      `json:"timestamp"`
	Path      string      `json:"path"`
	Method    string      `json:"method"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	var amf *usecase.AllModelsFailedError
	switch {
	case errors.As(err, &amf):
		codeStr = "ALL_MODELS_FAILED"
		if details == nil {
			details = map[string]interface{}{"per_model_results": amf.Results}
		}
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrTimeout):
		code = http.StatusServiceUnavailable
		codeStr = "UPSTREAM_TIMEOUT"
	case errors.Is(err, domain.ErrRemote), errors.Is(err, domain.ErrNetwork):
		code = http.StatusBadGateway
		codeStr = "UPSTREAM_ERROR"
	case errors.Is(err, domain.ErrEmptyResponse):
		code = http.StatusBadGateway
		codeStr = "EMPTY_RESPONSE"
	case errors.Is(err, domain.ErrUnsupportedImage):
		code = http.StatusBadGateway
		codeStr = "UNSUPPORTED_IMAGE_FORMAT"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{
		Code:      codeStr,
		Message:   err.Error(),
		Details:   details,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      r.URL.Path,
		Method:    r.Method,
	}})
}

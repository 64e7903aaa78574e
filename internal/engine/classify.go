package engine

import (
	"errors"
	"net/http"
	"strings"

	"github.com/kalambet/folio/internal/capability"
	"github.com/kalambet/folio/internal/ollama"
)

func generationReason(code int) capability.GenerationReason {
	switch {
	case code == http.StatusTooManyRequests:
		return capability.GenerationRateLimited
	case code == http.StatusBadRequest, code == http.StatusNotFound,
		code == http.StatusUnprocessableEntity, code == http.StatusRequestEntityTooLarge,
		code == http.StatusUnauthorized, code == http.StatusForbidden:
		return capability.GenerationInvalidRequest
	default:
		return capability.GenerationProviderError
	}
}

// statusFromMessage recovers an HTTP status from provider SDK errors that
// only carry it in their text.
func statusFromMessage(msg string) int {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "status code: 429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"):
		return http.StatusTooManyRequests
	case strings.Contains(msg, "status code: 400"), strings.Contains(msg, "invalid_request"):
		return http.StatusBadRequest
	case strings.Contains(msg, "status code: 401"), strings.Contains(msg, "authentication"):
		return http.StatusUnauthorized
	case strings.Contains(msg, "status code: 404"), strings.Contains(msg, "model_not_found"):
		return http.StatusNotFound
	}
	return 0
}

func statusOf(err error) int {
	var se *ollama.StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return statusFromMessage(err.Error())
}

func generationError(err error) error {
	if err == nil {
		return nil
	}
	var ge *capability.GenerationError
	if errors.As(err, &ge) {
		return err
	}
	return &capability.GenerationError{Reason: generationReason(statusOf(err)), Err: err}
}

func embeddingError(err error) error {
	if err == nil {
		return nil
	}
	var ee *capability.EmbeddingError
	if errors.As(err, &ee) {
		return err
	}
	reason := capability.EmbeddingProviderError
	if statusOf(err) == http.StatusTooManyRequests {
		reason = capability.EmbeddingRateLimited
	}
	return &capability.EmbeddingError{Reason: reason, Err: err}
}

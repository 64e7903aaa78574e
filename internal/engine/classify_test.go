package engine

import (
	"errors"
	"net/http"
	"testing"

	"github.com/kalambet/folio/internal/capability"
	"github.com/kalambet/folio/internal/ollama"
)

func TestStatusFromMessage(t *testing.T) {
	tests := []struct {
		msg  string
		want int
	}{
		{"API returned unexpected status code: 429: slow down", http.StatusTooManyRequests},
		{"Rate limit reached for requests", http.StatusTooManyRequests},
		{"error type rate_limit_error", http.StatusTooManyRequests},
		{"API returned unexpected status code: 400: bad input", http.StatusBadRequest},
		{"API returned unexpected status code: 401: no key", http.StatusUnauthorized},
		{"API returned unexpected status code: 404: model_not_found", http.StatusNotFound},
		{"request req_84291 failed: connection reset", 0},
		{"read 4290 bytes: unexpected EOF", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := statusFromMessage(tt.msg); got != tt.want {
			t.Errorf("statusFromMessage(%q) = %d, want %d", tt.msg, got, tt.want)
		}
	}
}

func TestGenerationError_Reasons(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want capability.GenerationReason
	}{
		{"ollama 429", &ollama.StatusError{Code: http.StatusTooManyRequests}, capability.GenerationRateLimited},
		{"ollama 404", &ollama.StatusError{Code: http.StatusNotFound}, capability.GenerationInvalidRequest},
		{"ollama 500", &ollama.StatusError{Code: http.StatusInternalServerError}, capability.GenerationProviderError},
		{"digits in request id", errors.New("request 1429 timed out"), capability.GenerationProviderError},
	}
	for _, tt := range tests {
		var ge *capability.GenerationError
		if !errors.As(generationError(tt.err), &ge) {
			t.Fatalf("%s: not a GenerationError", tt.name)
		}
		if ge.Reason != tt.want {
			t.Errorf("%s: reason = %s, want %s", tt.name, ge.Reason, tt.want)
		}
	}
}

func TestEmbeddingError_RateLimitOnlyOnStatus(t *testing.T) {
	var ee *capability.EmbeddingError
	errors.As(embeddingError(errors.New("embedded 429 chunks, then EOF")), &ee)
	if ee == nil || ee.Reason != capability.EmbeddingProviderError {
		t.Errorf("reason = %v, want provider_error", ee)
	}
	errors.As(embeddingError(errors.New("API returned unexpected status code: 429")), &ee)
	if ee.Reason != capability.EmbeddingRateLimited {
		t.Errorf("reason = %s, want rate_limited", ee.Reason)
	}
}

package capability

import (
	"errors"
	"fmt"
)

// Class is the retry classification of a failure.
type Class int

const (
	// Transient failures are retried with backoff up to the attempt limit.
	Transient Class = iota
	// Permanent failures are never retried.
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

type ExtractionReason string

const (
	UnsupportedType ExtractionReason = "unsupported_type"
	CorruptInput    ExtractionReason = "corrupt_input"
	EngineFailure   ExtractionReason = "engine_failure"
)

// ExtractionError is returned by text extraction engines.
type ExtractionError struct {
	Reason      ExtractionReason
	ContentType string
	Err         error
}

func (e *ExtractionError) Error() string {
	msg := fmt.Sprintf("extraction %s", e.Reason)
	if e.ContentType != "" {
		msg += " (" + e.ContentType + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func (e *ExtractionError) Class() Class {
	if e.Reason == EngineFailure {
		return Transient
	}
	return Permanent
}

type TranscriptionReason string

const (
	TranscriptionTimeout TranscriptionReason = "timeout"
	ProviderRejected     TranscriptionReason = "provider_rejected"
)

// TranscriptionError is returned by speech-to-text providers.
type TranscriptionError struct {
	Reason TranscriptionReason
	Err    error
}

func (e *TranscriptionError) Error() string {
	if e.Err == nil {
		return "transcription " + string(e.Reason)
	}
	return fmt.Sprintf("transcription %s: %v", e.Reason, e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

func (e *TranscriptionError) Class() Class {
	if e.Reason == ProviderRejected {
		return Permanent
	}
	return Transient
}

type GenerationReason string

const (
	GenerationRateLimited    GenerationReason = "rate_limited"
	GenerationInvalidRequest GenerationReason = "invalid_request"
	GenerationProviderError  GenerationReason = "provider_error"
)

// GenerationError is returned by text generation providers.
type GenerationError struct {
	Reason GenerationReason
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return "generation " + string(e.Reason)
	}
	return fmt.Sprintf("generation %s: %v", e.Reason, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func (e *GenerationError) Class() Class {
	if e.Reason == GenerationInvalidRequest {
		return Permanent
	}
	return Transient
}

type EmbeddingReason string

const (
	EmbeddingRateLimited   EmbeddingReason = "rate_limited"
	EmbeddingProviderError EmbeddingReason = "provider_error"
)

// EmbeddingError is returned by embedding providers. Both reasons are transient.
type EmbeddingError struct {
	Reason EmbeddingReason
	Err    error
}

func (e *EmbeddingError) Error() string {
	if e.Err == nil {
		return "embedding " + string(e.Reason)
	}
	return fmt.Sprintf("embedding %s: %v", e.Reason, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

func (e *EmbeddingError) Class() Class { return Transient }

// classified is implemented by every typed failure in this package.
type classified interface {
	Class() Class
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Class() Class  { return Permanent }

// MarkPermanent tags err as non-retryable: invalid configuration, malformed
// input, missing entities. A nil err stays nil.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classify maps any error to a retry class. The outermost typed failure in
// the chain wins. Untyped errors, deadline expiry included, are transient
// and bounded by the attempt limit.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}
	var c classified
	if errors.As(err, &c) {
		return c.Class()
	}
	return Transient
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == Permanent
}

package capability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"unsupported type", &ExtractionError{Reason: UnsupportedType}, Permanent},
		{"corrupt input", &ExtractionError{Reason: CorruptInput}, Permanent},
		{"engine failure", &ExtractionError{Reason: EngineFailure}, Transient},
		{"transcription timeout", &TranscriptionError{Reason: TranscriptionTimeout}, Transient},
		{"provider rejected", &TranscriptionError{Reason: ProviderRejected}, Permanent},
		{"rate limited", &GenerationError{Reason: GenerationRateLimited}, Transient},
		{"invalid request", &GenerationError{Reason: GenerationInvalidRequest}, Permanent},
		{"generation provider error", &GenerationError{Reason: GenerationProviderError}, Transient},
		{"embedding", &EmbeddingError{Reason: EmbeddingRateLimited}, Transient},
		{"deadline", fmt.Errorf("calling provider: %w", context.DeadlineExceeded), Transient},
		{"unknown", errors.New("boom"), Transient},
		{"marked permanent", MarkPermanent(errors.New("bad template")), Permanent},
		{"wrapped typed", fmt.Errorf("node extracting: %w", &ExtractionError{Reason: UnsupportedType}), Permanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestMarkPermanent_PreservesChain(t *testing.T) {
	base := errors.New("root")
	err := MarkPermanent(fmt.Errorf("ctx: %w", base))
	assert.ErrorIs(t, err, base)
	assert.True(t, IsPermanent(err))
	assert.Nil(t, MarkPermanent(nil))
	assert.False(t, IsPermanent(nil))
}

type slowTranscriber struct{}

func (slowTranscriber) Transcribe(ctx context.Context, _ AudioRef) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestWithTranscriptionTimeout_MapsToTimeout(t *testing.T) {
	tr := WithTranscriptionTimeout(slowTranscriber{}, 10*time.Millisecond)
	_, err := tr.Transcribe(context.Background(), AudioRef{Path: "x.wav"})
	require.Error(t, err)

	var te *TranscriptionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TranscriptionTimeout, te.Reason)
	assert.Equal(t, Transient, Classify(err))
}

type failingGenerator struct{ err error }

func (g failingGenerator) Generate(context.Context, string, string, ModelSelector) (string, error) {
	return "", g.err
}

func TestWithGenerationTimeout_PassesThroughOtherErrors(t *testing.T) {
	want := &GenerationError{Reason: GenerationInvalidRequest}
	g := WithGenerationTimeout(failingGenerator{err: want}, time.Second)
	_, err := g.Generate(context.Background(), "p", "", ModelDefault)
	assert.Same(t, want, err)
}

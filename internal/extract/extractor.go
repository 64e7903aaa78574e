package extract

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/kalambet/folio/internal/artifact"
	"github.com/kalambet/folio/internal/capability"
)

// MaxArtifactBytes caps how much of an artifact is loaded for extraction.
const MaxArtifactBytes = 512 << 20

// Router implements capability.Extractor by dispatching each request to the
// engine chosen by SelectEngine.
type Router struct {
	artifacts artifact.Store
	web       *WebEngine
	media     *MediaEngine
	tmpDir    string
	maxBytes  int64
	logger    *slog.Logger
}

func NewRouter(artifacts artifact.Store, web *WebEngine, media *MediaEngine, logger *slog.Logger) *Router {
	if web == nil {
		web = NewWebEngine(nil)
	}
	if media == nil {
		media = NewMediaEngine(nil, "")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		artifacts: artifacts,
		web:       web,
		media:     media,
		maxBytes:  MaxArtifactBytes,
		logger:    logger.With("component", "extract"),
	}
}

var _ capability.Extractor = (*Router)(nil)

func (r *Router) ExtractText(ctx context.Context, req capability.ExtractRequest) (capability.Extraction, error) {
	if req.URL != "" {
		r.logger.Debug("extracting url", "url", req.URL)
		title, text, ct, err := r.web.Fetch(ctx, req.URL)
		if err != nil {
			return capability.Extraction{}, err
		}
		return capability.Extraction{Title: title, Text: text, ContentType: ct}, nil
	}

	if req.Location == "" {
		return capability.Extraction{}, capability.MarkPermanent(errors.New("extract request has neither url nor artifact"))
	}

	ct := ResolveContentType(req.ContentType, req.Filename)
	engine := SelectEngine(ct, false)
	r.logger.Debug("extracting artifact", "artifact_id", req.ArtifactID, "content_type", ct, "engine", engine)
	if engine == EngineNone {
		return capability.Extraction{}, &capability.ExtractionError{Reason: capability.UnsupportedType, ContentType: ct}
	}

	data, err := artifact.ReadAll(ctx, r.artifacts, req.Location, r.maxBytes)
	if err != nil {
		switch {
		case errors.Is(err, artifact.ErrNotFound):
			return capability.Extraction{}, capability.MarkPermanent(err)
		case errors.Is(err, artifact.ErrTooLarge):
			return capability.Extraction{}, &capability.ExtractionError{Reason: capability.CorruptInput, ContentType: ct, Err: err}
		}
		return capability.Extraction{}, &capability.ExtractionError{Reason: capability.EngineFailure, ContentType: ct, Err: err}
	}

	switch engine {
	case EngineWeb:
		title, text, err := HTMLToText(data)
		if err != nil {
			return capability.Extraction{}, &capability.ExtractionError{Reason: capability.CorruptInput, ContentType: ct, Err: err}
		}
		return capability.Extraction{Title: title, Text: text, ContentType: ct}, nil

	case EngineMedia:
		in, err := spool(r.tmpDir, req.Filename, data)
		if err != nil {
			return capability.Extraction{}, &capability.ExtractionError{Reason: capability.EngineFailure, ContentType: ct, Err: err}
		}
		defer os.Remove(in)
		audio, err := r.media.ExtractAudio(ctx, in, ct)
		if err != nil {
			return capability.Extraction{}, err
		}
		return capability.Extraction{ContentType: ct, Audio: audio}, nil

	default:
		text, err := extractDocument(data, ct)
		if err != nil {
			return capability.Extraction{}, err
		}
		return capability.Extraction{Title: titleFromFilename(req.Filename), Text: text, ContentType: ct}, nil
	}
}

func titleFromFilename(name string) string {
	if name == "" {
		return ""
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}

// String is used in logs.
func (e Engine) String() string {
	if e == EngineNone {
		return "none"
	}
	return string(e)
}

package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/folio/internal/capability"
	"github.com/kalambet/folio/internal/media"
)

// FileTranscriber transcribes one audio file.
type FileTranscriber interface {
	TranscribeFile(ctx context.Context, path string) (string, error)
}

// Options controls windowing.
type Options struct {
	Chunk       time.Duration
	Overlap     time.Duration
	Concurrency int
	// MaxOverlapWords bounds the merge search. Zero derives it from Overlap
	// at a generous speaking rate.
	MaxOverlapWords int
}

// Transcriber implements capability.Transcriber over a FileTranscriber.
type Transcriber struct {
	files  FileTranscriber
	ff     *media.FFmpeg
	opts   Options
	logger *slog.Logger
}

func New(files FileTranscriber, ff *media.FFmpeg, opts Options, logger *slog.Logger) *Transcriber {
	if ff == nil {
		ff = media.New(nil)
	}
	if opts.Chunk <= 0 {
		opts.Chunk = 10 * time.Minute
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Chunk {
		opts.Overlap = 0
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.MaxOverlapWords <= 0 {
		// ~4 words per second.
		opts.MaxOverlapWords = max(8, int(opts.Overlap.Seconds()*4))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{files: files, ff: ff, opts: opts, logger: logger.With("component", "transcribe")}
}

var _ capability.Transcriber = (*Transcriber)(nil)

func (t *Transcriber) Transcribe(ctx context.Context, audio capability.AudioRef) (string, error) {
	windows := PlanWindows(audio.Duration, t.opts.Chunk, t.opts.Overlap)
	if len(windows) <= 1 {
		return t.files.TranscribeFile(ctx, audio.Path)
	}
	t.logger.Info("transcribing in windows", "windows", len(windows), "duration", audio.Duration)

	dir, err := os.MkdirTemp(filepath.Dir(audio.Path), "folio-windows-*")
	if err != nil {
		return "", fmt.Errorf("creating window dir: %w", err)
	}
	defer os.RemoveAll(dir)

	parts := make([]string, len(windows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.opts.Concurrency)
	for i, w := range windows {
		g.Go(func() error {
			path := filepath.Join(dir, fmt.Sprintf("window-%04d.wav", i))
			if err := t.ff.Cut(gctx, audio.Path, path, w.Start, w.Length); err != nil {
				return fmt.Errorf("cutting window %d: %w", i, err)
			}
			text, err := t.files.TranscribeFile(gctx, path)
			if err != nil {
				return fmt.Errorf("window %d: %w", i, err)
			}
			parts[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return Merge(parts, t.opts.MaxOverlapWords), nil
}

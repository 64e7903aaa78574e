package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kalambet/folio/internal/capability"
	"github.com/kalambet/folio/internal/media"
)

// MediaEngine pulls the audio track out of audio and video files. The
// returned AudioRef points at a temporary WAV file owned by the caller.
type MediaEngine struct {
	ff     *media.FFmpeg
	tmpDir string
}

func NewMediaEngine(ff *media.FFmpeg, tmpDir string) *MediaEngine {
	if ff == nil {
		ff = media.New(nil)
	}
	return &MediaEngine{ff: ff, tmpDir: tmpDir}
}

// ExtractAudio converts the media at inPath to a WAV track.
func (m *MediaEngine) ExtractAudio(ctx context.Context, inPath, contentType string) (*capability.AudioRef, error) {
	f, err := os.CreateTemp(m.tmpDir, "folio-audio-*.wav")
	if err != nil {
		return nil, &capability.ExtractionError{Reason: capability.EngineFailure, ContentType: contentType, Err: err}
	}
	out := f.Name()
	f.Close()

	if err := m.ff.ExtractAudio(ctx, inPath, out); err != nil {
		os.Remove(out)
		return nil, mediaError(err, contentType)
	}
	dur, err := m.ff.Duration(ctx, out)
	if err != nil {
		os.Remove(out)
		return nil, mediaError(err, contentType)
	}
	if dur <= 0 {
		os.Remove(out)
		return nil, &capability.ExtractionError{Reason: capability.CorruptInput, ContentType: contentType, Err: errors.New("no audio track")}
	}
	return &capability.AudioRef{Path: out, Duration: dur}, nil
}

func mediaError(err error, contentType string) error {
	ee := &capability.ExtractionError{Reason: capability.EngineFailure, ContentType: contentType, Err: err}
	if errors.Is(err, media.ErrToolMissing) {
		return capability.MarkPermanent(ee)
	}
	return ee
}

// spool writes data to a temp file named after filename so ffmpeg can probe
// the container by extension.
func spool(dir, filename string, data []byte) (string, error) {
	ext := filepath.Ext(filename)
	f, err := os.CreateTemp(dir, "folio-media-*"+ext)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("spooling media: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// Package media wraps the ffmpeg and ffprobe binaries used to pull audio
// tracks out of media files and to cut them into transcription windows.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ErrToolMissing is returned when ffmpeg or ffprobe is not on PATH.
var ErrToolMissing = errors.New("ffmpeg not found")

// Runner executes an external command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec, folding stderr into the error.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrToolMissing, name)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return stdout.Bytes(), nil
}

// FFmpeg runs ffmpeg/ffprobe through a Runner.
type FFmpeg struct {
	run        Runner
	ffmpegBin  string
	ffprobeBin string
}

func New(run Runner) *FFmpeg {
	if run == nil {
		run = ExecRunner
	}
	return &FFmpeg{run: run, ffmpegBin: "ffmpeg", ffprobeBin: "ffprobe"}
}

// Duration probes the container duration of path.
func (f *FFmpeg) Duration(ctx context.Context, path string) (time.Duration, error) {
	out, err := f.run(ctx, f.ffprobeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	if err != nil {
		return 0, err
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// ExtractAudio writes the first audio track of in to out as 16 kHz mono WAV.
func (f *FFmpeg) ExtractAudio(ctx context.Context, in, out string) error {
	_, err := f.run(ctx, f.ffmpegBin,
		"-nostdin", "-y", "-loglevel", "error",
		"-i", in,
		"-vn", "-ac", "1", "-ar", "16000", "-f", "wav",
		out)
	return err
}

// Cut copies the window [start, start+length) of in to out.
func (f *FFmpeg) Cut(ctx context.Context, in, out string, start, length time.Duration) error {
	_, err := f.run(ctx, f.ffmpegBin,
		"-nostdin", "-y", "-loglevel", "error",
		"-ss", formatSeconds(start),
		"-t", formatSeconds(length),
		"-i", in,
		"-ac", "1", "-ar", "16000", "-f", "wav",
		out)
	return err
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

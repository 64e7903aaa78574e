package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/folio/internal/capability"
)

// Client calls an OpenAI-compatible /v1/audio/transcriptions endpoint
// (OpenAI, a local whisper server, etc).
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey, model string) *Client {
	if model == "" {
		model = "whisper-1"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
	}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// TranscribeFile uploads the audio file at path and returns its transcript.
func (c *Client) TranscribeFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", capability.MarkPermanent(fmt.Errorf("opening audio: %w", err))
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", fmt.Errorf("reading audio: %w", err)
	}
	mw.WriteField("model", c.model)
	mw.WriteField("response_format", "json")
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &capability.TranscriptionError{Reason: capability.TranscriptionTimeout, Err: err}
		}
		return "", fmt.Errorf("sending transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("transcription status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		return "", classifyStatus(resp.StatusCode, err)
	}

	var out transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding transcription: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

// classifyStatus treats client errors as rejections, except request
// timeouts and rate limits which are worth retrying.
func classifyStatus(code int, err error) error {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return &capability.TranscriptionError{Reason: capability.TranscriptionTimeout, Err: err}
	case code == http.StatusTooManyRequests:
		return err
	case code >= 400 && code < 500:
		return &capability.TranscriptionError{Reason: capability.ProviderRejected, Err: err}
	default:
		return err
	}
}

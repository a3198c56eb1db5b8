// Package voiceembed implements the client for the external speaker
// embedding service (ECAPA-TDNN). It turns raw audio for one speaker's
// concatenated segments into a fixed-length voice embedding.
package voiceembed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/earshot/earshot-go/internal/errors"
	"github.com/earshot/earshot-go/internal/logging"
)

// embedResponse is the service's wire format for POST /embed.
type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// VerifyResult is the outcome of comparing two audio clips directly.
type VerifyResult struct {
	SameSpeaker bool    `json:"same_speaker"`
	Score       float64 `json:"score"`
}

// Client talks to the speaker embedding service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates an embedding client.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.ForService("voiceembed"),
	}
}

// Embed computes the voice embedding for one speaker's audio. A transport
// failure or 5xx response is retried once; a client error or malformed
// response fails immediately. An error is isolated to the speaker group
// being processed, never fatal for the pipeline.
func (c *Client) Embed(ctx context.Context, audio []byte) ([]float64, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying embedding request", "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}

		embedding, err := c.embed(ctx, audio)
		if err != nil {
			lastErr = err
			if isPermanent(err) {
				break
			}
			continue
		}
		return embedding, nil
	}
	return nil, errors.New(lastErr).Component("voiceembed").Category(errors.CategoryEmbedding).
		Context("audio_bytes", len(audio)).Build()
}

func (c *Client) embed(ctx context.Context, audio []byte) ([]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(audio))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("embedder returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, &permanentError{err: err}
		}
		return nil, err
	}

	var out embedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &permanentError{err: fmt.Errorf("decoding embedder response: %w", err)}
	}
	if len(out.Embedding) == 0 {
		return nil, &permanentError{err: fmt.Errorf("embedder returned empty embedding")}
	}
	return out.Embedding, nil
}

// permanentError marks a failure an identical second request cannot fix,
// such as a 4xx status or a malformed body.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func isPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}

// Verify asks the service whether two clips are from the same speaker.
// Used by diagnostic tooling, not by the pipeline itself.
func (c *Client) Verify(ctx context.Context, audio1, audio2 []byte) (*VerifyResult, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for name, audio := range map[string][]byte{"audio1": audio1, "audio2": audio2} {
		part, err := writer.CreateFormFile(name, name+".wav")
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(audio); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.New(err).Component("voiceembed").Category(errors.CategoryNetwork).Build()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("embedder verify returned status %d", resp.StatusCode).
			Component("voiceembed").Category(errors.CategoryNetwork).Build()
	}

	var out VerifyResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.New(err).Component("voiceembed").Category(errors.CategoryNetwork).Build()
	}
	return &out, nil
}

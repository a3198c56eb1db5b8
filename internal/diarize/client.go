// Package diarize implements the client for the external
// transcription+diarization service. The service accepts raw audio bytes
// and returns utterance-level segments tagged with in-clip speaker labels.
package diarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/earshot/earshot-go/internal/errors"
	"github.com/earshot/earshot-go/internal/logging"
)

// Segment is one diarized utterance. Speaker is the diarizer's local
// in-clip label (e.g. "S0"), not a cross-session identity.
type Segment struct {
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	StartMS    int     `json:"start_ms"`
	EndMS      int     `json:"end_ms"`
	Confidence float64 `json:"confidence"`
}

// DurationMS returns the segment length in milliseconds.
func (s *Segment) DurationMS() int {
	d := s.EndMS - s.StartMS
	if d < 0 {
		return 0
	}
	return d
}

// Response is the diarizer's wire format.
type Response struct {
	DurationSec  float64   `json:"duration_sec"`
	SpeakerCount int       `json:"speaker_count"`
	Segments     []Segment `json:"segments"`
}

// Client talks to the diarization service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a diarization client. The timeout should be generous;
// diarization of a multi-minute clip takes seconds.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.ForService("diarize"),
	}
}

// Diarize sends audio to the service and returns its segments in order.
// A transport failure or 5xx response is retried once; a client error or
// malformed response fails immediately, since an identical retry cannot
// fix it. Callers degrade a failed chunk to "no segments".
func (c *Client) Diarize(ctx context.Context, audio []byte, language string) ([]Segment, error) {
	endpoint := c.baseURL + "/diarize"
	if language != "" {
		endpoint += "?language=" + url.QueryEscape(language)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying diarization request", "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}

		resp, err := c.post(ctx, endpoint, audio)
		if err != nil {
			lastErr = err
			if isPermanent(err) {
				break
			}
			continue
		}
		return resp.Segments, nil
	}
	return nil, errors.New(lastErr).Component("diarize").Category(errors.CategoryDiarization).
		Context("audio_bytes", len(audio)).Build()
}

func (c *Client) post(ctx context.Context, endpoint string, audio []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio))
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
		err := fmt.Errorf("diarizer returned status %d: %s", resp.StatusCode, truncateBody(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, &permanentError{err: err}
		}
		return nil, err
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &permanentError{err: fmt.Errorf("decoding diarizer response: %w", err)}
	}
	return &out, nil
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

func truncateBody(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

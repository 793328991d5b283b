// Package synthesis provides the HTTP client for the external text-to-speech
// model endpoint, normalizing its response shapes and classifying failures.
package synthesis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// API endpoints and paths.
const (
	apiSynthesize = "/v1/synthesize"
	apiHealth     = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeMP3    = "audio/mpeg"
	contentTypeOctet  = "application/octet-stream"
)

// Default values.
const defaultLanguage = "en"

// Kind classifies a synthesis failure. Classification is diagnostic: every
// kind is retryable from the caller's point of view, though a recurring
// KindUnexpectedShape signals a contract mismatch rather than a transient
// fault.
type Kind string

const (
	// KindEmptyResponse marks a success status that carried no audio bytes.
	KindEmptyResponse Kind = "empty_response"
	// KindAPIError marks a structured error payload from the endpoint.
	KindAPIError Kind = "api_error"
	// KindUnexpectedShape marks a payload with neither audio nor a
	// recognized error structure.
	KindUnexpectedShape Kind = "unexpected_shape"
	// KindTimeout marks a request that exceeded its deadline.
	KindTimeout Kind = "timeout"
)

// Error is the failure type returned by Client.Synthesize.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("synthesis failed (%s): %s", e.Kind, e.Message)
}

// ClassifyKind extracts the failure kind from an error chain, defaulting to
// KindAPIError for errors that did not originate in this package.
func ClassifyKind(err error) Kind {
	var synthErr *Error
	if errors.As(err, &synthErr) {
		return synthErr.Kind
	}

	return KindAPIError
}

// request is the JSON payload sent to the synthesis endpoint.
type request struct {
	Text     string `json:"text"`
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language"`
}

// errorResponse represents a structured error payload from the endpoint.
type errorResponse struct {
	Detail    string `json:"detail"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

// jsonAudioResponse covers the two success shapes the endpoint may return as
// JSON: a single base64 audio payload, or an ordered sequence of base64
// segments that must be concatenated preserving order.
type jsonAudioResponse struct {
	Audio    string   `json:"audio"`
	Segments []string `json:"segments"`
}

// Client calls the external synthesis endpoint. It performs exactly one
// attempt per call; retry and backoff policy live with the caller so failure
// semantics stay composable.
type Client struct {
	httpClient *http.Client
	baseURL    string
	voice      string
	language   string
}

// NewClient creates a synthesis client for the endpoint at baseURL. The
// timeout bounds each request; its expiry is surfaced as KindTimeout.
func NewClient(baseURL string, timeout time.Duration, voice string) *Client {
	return &Client{
		baseURL: baseURL,
		voice:   voice,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		language: defaultLanguage,
	}
}

// Synthesize converts one chunk of text into audio bytes. The endpoint may
// answer with raw audio or with a JSON body carrying base64 audio; both are
// normalized into a single byte buffer. All failures are classified into a
// *Error with a Kind.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, &Error{Kind: KindEmptyResponse, Message: "text cannot be empty"}
	}

	requestBody, err := json.Marshal(request{
		Text:     text,
		Voice:    c.voice,
		Language: c.language,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + apiSynthesize

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		url,
		bytes.NewBuffer(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeMP3)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, &Error{Kind: KindTimeout, Message: err.Error()}
		}

		return nil, &Error{
			Kind:    KindAPIError,
			Message: fmt.Sprintf("request to %s failed: %v", c.baseURL, err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	return c.normalizeSuccess(resp)
}

// HealthCheck verifies that the synthesis endpoint is reachable and reports
// healthy. Performed before large workloads to fail fast with a clear
// diagnostic instead of burning a full batch on a dead endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	url := c.baseURL + apiHealth

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// normalizeSuccess turns either success shape into a plain byte buffer.
func (c *Client) normalizeSuccess(resp *http.Response) ([]byte, error) {
	contentType := resp.Header.Get(headerContentType)

	switch {
	case strings.HasPrefix(contentType, "audio/"), strings.HasPrefix(contentType, contentTypeOctet):
		audioData, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &Error{
				Kind:    KindAPIError,
				Message: fmt.Sprintf("failed to drain audio stream: %v", err),
			}
		}

		if len(audioData) == 0 {
			return nil, &Error{Kind: KindEmptyResponse, Message: "received empty audio data"}
		}

		return audioData, nil
	case strings.HasPrefix(contentType, contentTypeJSON):
		return c.normalizeJSONSuccess(resp.Body)
	default:
		return nil, &Error{
			Kind:    KindUnexpectedShape,
			Message: fmt.Sprintf("unexpected content type %q", contentType),
		}
	}
}

// normalizeJSONSuccess decodes a JSON success body. Segments are drained in
// order and concatenated; segment order defines playback order.
func (c *Client) normalizeJSONSuccess(body io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, &Error{
			Kind:    KindAPIError,
			Message: fmt.Sprintf("failed to read response body: %v", err),
		}
	}

	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, &Error{Kind: KindEmptyResponse, Message: "endpoint returned an empty payload"}
	}

	var errPayload errorResponse
	if json.Unmarshal(raw, &errPayload) == nil {
		message := errPayload.Detail
		if message == "" {
			message = errPayload.Error
		}

		if message != "" {
			if errPayload.ErrorCode != "" {
				message = fmt.Sprintf("%s (code: %s)", message, errPayload.ErrorCode)
			}

			return nil, &Error{Kind: KindAPIError, Message: message}
		}
	}

	var audioPayload jsonAudioResponse
	if err := json.Unmarshal(raw, &audioPayload); err != nil {
		return nil, &Error{
			Kind:    KindUnexpectedShape,
			Message: fmt.Sprintf("payload is neither audio nor a recognized error: %.120s", string(raw)),
		}
	}

	switch {
	case audioPayload.Audio != "":
		decoded, decodeErr := base64.StdEncoding.DecodeString(audioPayload.Audio)
		if decodeErr != nil {
			return nil, &Error{
				Kind:    KindUnexpectedShape,
				Message: fmt.Sprintf("audio field is not valid base64: %v", decodeErr),
			}
		}

		return decoded, nil
	case len(audioPayload.Segments) > 0:
		var buffer bytes.Buffer

		for i, segment := range audioPayload.Segments {
			decoded, decodeErr := base64.StdEncoding.DecodeString(segment)
			if decodeErr != nil {
				return nil, &Error{
					Kind:    KindUnexpectedShape,
					Message: fmt.Sprintf("segment %d is not valid base64: %v", i, decodeErr),
				}
			}

			buffer.Write(decoded)
		}

		if buffer.Len() == 0 {
			return nil, &Error{Kind: KindEmptyResponse, Message: "all audio segments were empty"}
		}

		return buffer.Bytes(), nil
	default:
		return nil, &Error{
			Kind:    KindUnexpectedShape,
			Message: fmt.Sprintf("payload carries no audio or segments: %.120s", string(raw)),
		}
	}
}

// parseErrorResponse attempts to decode a structured JSON error from the
// endpoint, falling back to the raw body so diagnostics are never lost.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errPayload errorResponse
	if json.Unmarshal(body, &errPayload) == nil {
		message := errPayload.Detail
		if message == "" {
			message = errPayload.Error
		}

		if message != "" {
			return &Error{
				Kind: KindAPIError,
				Message: fmt.Sprintf("%s: %s (code: %s)",
					resp.Status, message, errPayload.ErrorCode),
			}
		}
	}

	return &Error{
		Kind:    KindAPIError,
		Message: fmt.Sprintf("endpoint returned %s: %.200s", resp.Status, string(body)),
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"scenejobs/internal/infra"
)

// Options controls how the Gemini client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger

	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration
	// HeaderTimeout bounds the wait for response headers on the default
	// HTTP client. Bodies are unbounded; the caller's context ends them.
	HeaderTimeout time.Duration
}

const defaultHeaderTimeout = 120 * time.Second

// Client is a thin facade over the Gemini generateContent REST surface.
// Every call goes through a circuit breaker so a struggling API fails fast
// instead of stacking retries from concurrent jobs.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
	breaker    *gobreaker.CircuitBreaker
}

// TextRequest asks for text about an optional slice of a source video.
type TextRequest struct {
	System      string
	Prompt      string
	VideoURI    string
	MimeType    string
	StartOffset time.Duration
	EndOffset   time.Duration
	Temperature float64
	JSON        bool
}

// TextResult is a finished text generation.
type TextResult struct {
	Text         string
	FinishReason string
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text          string               `json:"text,omitempty"`
	FileData      *geminiFileData      `json:"fileData,omitempty"`
	VideoMetadata *geminiVideoMetadata `json:"videoMetadata,omitempty"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
}

type geminiVideoMetadata struct {
	StartOffset string `json:"startOffset,omitempty"`
	EndOffset   string `json:"endOffset,omitempty"`
}

type geminiGenerationConfig struct {
	CandidateCount   int     `json:"candidateCount,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiGenerateContentRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type geminiGenerateContentResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}

// NewClient constructs a Gemini client with sane defaults. Callers may provide
// a nil HTTP client; a reusable one with a response-header timeout will be
// created. It sets no overall timeout, since streamed answers can run for
// minutes.
func NewClient(opts Options) (*Client, error) {
	client := opts.HTTPClient
	if client == nil {
		client = newHTTPClient(opts.HeaderTimeout)
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}

	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		l := infra.Logger(zerolog.New(io.Discard))
		logger = &l
	}

	breakerTimeout := opts.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gemini:" + model,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// client-side mistakes say nothing about the API's health
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests
			}
			var blocked *BlockedError
			return err == nil || errors.As(err, &blocked) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("genai: circuit breaker state changed")
		},
	})

	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: client,
		logger:     logger,
		breaker:    breaker,
	}, nil
}

// Model returns the configured Gemini model identifier.
func (c *Client) Model() string {
	return c.model
}

// Configured reports whether an API key is available. Without one callers
// are expected to use their synthetic fallback.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// GenerateText runs a single non-streaming generation.
func (c *Client) GenerateText(ctx context.Context, req TextRequest) (TextResult, error) {
	if !c.Configured() {
		return TextResult{}, ErrNotConfigured
	}
	var response geminiGenerateContentResponse
	path := fmt.Sprintf("/models/%s:generateContent", url.PathEscape(c.model))
	_, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.post(ctx, path, nil, buildRequest(req))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
			return nil, fmt.Errorf("decode gemini response: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return TextResult{}, breakerError(err)
	}
	if response.PromptFeedback != nil && response.PromptFeedback.BlockReason != "" {
		return TextResult{}, &BlockedError{Reason: response.PromptFeedback.BlockReason}
	}
	var sb strings.Builder
	finish := ""
	for _, cand := range response.Candidates {
		finish = cand.FinishReason
		for _, part := range cand.Content.Parts {
			sb.WriteString(part.Text)
		}
		break
	}
	if isBlockedFinish(finish) {
		return TextResult{}, &BlockedError{Reason: finish}
	}
	c.logger.Debug().Str("model", c.model).Int("chars", sb.Len()).Str("finish_reason", finish).Msg("genai: generated text")
	return TextResult{Text: sb.String(), FinishReason: finish}, nil
}

// StreamText opens a streaming generation. The caller must Close the
// returned stream; closing it stops the transfer.
func (c *Client) StreamText(ctx context.Context, req TextRequest) (*TextStream, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	ctx, cancel := context.WithCancel(ctx)
	path := fmt.Sprintf("/models/%s:streamGenerateContent", url.PathEscape(c.model))
	out, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, path, url.Values{"alt": {"sse"}}, buildRequest(req))
	})
	if err != nil {
		cancel()
		return nil, breakerError(err)
	}
	return newTextStream(out.(*http.Response).Body, cancel), nil
}

func (c *Client) post(ctx context.Context, path string, query url.Values, payload any) (*http.Response, error) {
	endpoint := c.baseURL + path
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	q := req.URL.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke gemini: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	var decoded geminiErrorResponse
	if err := json.Unmarshal(data, &decoded); err == nil && decoded.Error.Message != "" {
		apiErr.Message = decoded.Error.Message
		apiErr.Reason = decoded.Error.Status
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := time.ParseDuration(ra + "s"); err == nil {
			apiErr.RetryAfter = secs
		}
	}
	return apiErr
}

func buildRequest(req TextRequest) geminiGenerateContentRequest {
	var parts []geminiPart
	if uri := strings.TrimSpace(req.VideoURI); uri != "" {
		part := geminiPart{FileData: &geminiFileData{MimeType: firstNonEmpty(req.MimeType, "video/mp4"), FileURI: uri}}
		if req.StartOffset > 0 || req.EndOffset > 0 {
			part.VideoMetadata = &geminiVideoMetadata{
				StartOffset: formatOffset(req.StartOffset),
				EndOffset:   formatOffset(req.EndOffset),
			}
		}
		parts = append(parts, part)
	}
	parts = append(parts, geminiPart{Text: req.Prompt})

	payload := geminiGenerateContentRequest{
		Contents:         []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{CandidateCount: 1, Temperature: req.Temperature},
	}
	if req.JSON {
		payload.GenerationConfig.ResponseMimeType = "application/json"
	}
	if sys := strings.TrimSpace(req.System); sys != "" {
		payload.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: sys}}}
	}
	return payload
}

func formatOffset(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &APIError{Status: http.StatusServiceUnavailable, Message: "gemini unavailable: " + err.Error()}
	}
	return err
}

func isBlockedFinish(reason string) bool {
	switch strings.ToUpper(reason) {
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func newHTTPClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = defaultHeaderTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

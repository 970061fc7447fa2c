package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"promptfuzz/internal/logging"
	"promptfuzz/internal/program"
)

// systemPrompt frames every request.
const systemPrompt = "You are a security auditor who writes fuzz drivers for library APIs. Only output code blocks."

// HTTPHandler talks to an OpenAI-compatible chat completions endpoint.
type HTTPHandler struct {
	baseURL    string
	token      string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the HTTPHandler during construction.
type Option func(*clientConfig) error

type clientConfig struct {
	httpClient *http.Client
	logger     *slog.Logger
	timeout    time.Duration
}

// NewHTTPHandler creates a handler for baseURL (e.g. http://host/v1).
// The bearerToken is sent as an Authorization header on every request.
func NewHTTPHandler(baseURL, bearerToken, model string, opts ...Option) (*HTTPHandler, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("llm: baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	cfg := &clientConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	logger := cfg.logger
	if logger == nil {
		logger = logging.New("llm-http")
	}

	return &HTTPHandler{
		baseURL:    baseURL,
		token:      bearerToken,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *clientConfig) error {
		cfg.httpClient = c
		return nil
	}
}

// WithLogger configures structured logging.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *clientConfig) error {
		cfg.logger = l
		return nil
	}
}

// WithTimeout sets a timeout on the HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(cfg *clientConfig) error {
		cfg.timeout = d
		return nil
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	N           int           `json:"n,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate requests req.N completions and extracts one program per code block.
func (h *HTTPHandler) Generate(ctx context.Context, req Request) ([]program.Program, error) {
	body, err := json.Marshal(chatRequest{
		Model: h.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: req.Prompt},
		},
		N:           req.N,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	var resp chatResponse
	if err := h.doJSON(ctx, http.MethodPost, h.baseURL+"/chat/completions", "chat completion", bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}
	responses := make([]string, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		responses = append(responses, c.Message.Content)
	}
	programs := programsFrom(responses)
	h.logger.DebugContext(ctx, "completion received", "choices", len(resp.Choices), "programs", len(programs))
	return programs, nil
}

// doJSON executes an HTTP request and decodes the JSON response into dst.
// If the response has an error status, it returns an *APIError.
func (h *HTTPHandler) doJSON(ctx context.Context, method, url, operation string, body io.Reader, dst any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", operation, err)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	h.logger.InfoContext(ctx, "API request", "operation", operation, "method", method, "url", url)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: do request: %w", operation, err)
	}
	defer resp.Body.Close()

	h.logger.DebugContext(ctx, "API response", "operation", operation, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		var errRS errorResponse
		if json.Unmarshal(respBody, &errRS) == nil && errRS.Error.Message != "" {
			return newAPIError(operation, resp.StatusCode, errRS.Error.Type, errRS.Error.Message)
		}
		msg := string(respBody)
		if msg == "" {
			msg = resp.Status
		}
		return newAPIError(operation, resp.StatusCode, "", msg)
	}

	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return fmt.Errorf("%s: decode response: %w", operation, err)
		}
	}
	return nil
}

package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 4 << 10

	systemPrompt = `You grade programming exercise submissions.
Reply with a JSON object {"score": <integer 0-100>, "feedback": "<short actionable feedback>"} and nothing else.`
)

// HTTPClient calls an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.client = c
		}
	}
}

// WithRateLimit paces outbound calls to rps requests per second. A
// non-positive rps disables pacing.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(h *HTTPClient) {
		if rps <= 0 {
			h.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewHTTPClient builds a client for baseURL (e.g. https://api.openai.com/v1).
func NewHTTPClient(baseURL, apiKey, model string, opts ...ClientOption) *HTTPClient {
	h := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: defaultTimeout},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type grade struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// Evaluate sends req to the model and parses its grade.
func (h *HTTPClient) Evaluate(ctx context.Context, req Request) (*Evaluation, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyContent
	}
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("ai: rate wait: %w", err)
		}
	}

	body, err := json.Marshal(chatRequest{
		Model: h.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(req)},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("ai: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	start := h.now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ai: call provider: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	elapsed := h.now().Sub(start)

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ai: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("ai: empty choices in response")
	}
	g, err := parseGrade(out.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	model := out.Model
	if model == "" {
		model = h.model
	}
	return &Evaluation{
		Score:            g.score(),
		Feedback:         strings.TrimSpace(g.Feedback),
		Model:            model,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		Duration:         elapsed,
	}, nil
}

func userPrompt(req Request) string {
	var b strings.Builder
	if req.ExerciseID != "" {
		fmt.Fprintf(&b, "Exercise: %s\n", req.ExerciseID)
	}
	b.WriteString("Submission:\n")
	b.WriteString(req.Content)
	return b.String()
}

func parseGrade(content string) (grade, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	var g grade
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &g); err != nil {
		return grade{}, fmt.Errorf("ai: model reply is not a grade: %w", err)
	}
	return g, nil
}

func (g grade) score() int {
	switch {
	case g.Score < 0:
		return 0
	case g.Score > 100:
		return 100
	default:
		return int(g.Score + 0.5)
	}
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(data))
	var parsed chatResponse
	if json.Unmarshal(data, &parsed) == nil && parsed.Error != nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}
	return &StatusError{Status: resp.StatusCode, Message: msg}
}

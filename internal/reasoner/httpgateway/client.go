// Package httpgateway is the production Reasoner adapter: it POSTs a chat
// completion request to an LLM gateway and extracts the structured result
// from the response content, the same way a Bifrost-style gateway client
// would. The Reasoner port never imports this package directly — only the
// wiring code that selects a backend by config key does.
package httpgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/apex-trading/apex-core/internal/reasoner"
)

// Config configures one gateway-backed Reasoner adapter.
type Config struct {
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Reasoner calls a chat-completions style HTTP gateway and parses its
// response into the schema the caller asked for, wrapped in a circuit
// breaker so a failing backend does not hammer the gateway.
type Reasoner struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New constructs a gateway Reasoner, filling in the same defaults the
// reference LLM client used.
func New(cfg Config) *Reasoner {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reasoner-" + cfg.Model,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	})

	return &Reasoner{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Reason implements reasoner.Port.
func (r *Reasoner) Reason(ctx context.Context, rc reasoner.Context, schema reasoner.Schema) (*reasoner.StructuredResult, error) {
	start := time.Now()
	raw, err := r.breaker.Execute(func() (interface{}, error) {
		return r.complete(ctx, rc)
	})
	if err != nil {
		return nil, classify(err)
	}
	content := raw.(string)

	var data json.RawMessage
	if err := parseJSONResponse(content, &data); err != nil {
		return nil, &reasoner.ReasonerError{Kind: reasoner.ErrSchemaViolation, Message: "could not extract JSON from gateway response", Cause: err}
	}
	if schema.Validate != nil {
		if err := schema.Validate(data); err != nil {
			return nil, &reasoner.ReasonerError{Kind: reasoner.ErrSchemaViolation, Message: "gateway response failed schema validation", Cause: err}
		}
	}

	return &reasoner.StructuredResult{
		Role:       rc.Role,
		Kind:       schema.Kind,
		Data:       data,
		RawLatency: time.Since(start),
	}, nil
}

func (r *Reasoner) complete(ctx context.Context, rc reasoner.Context) (string, error) {
	req := chatRequest{
		Model: r.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPromptFor(rc)},
			{Role: "user", Content: userPromptFor(rc)},
		},
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal gateway request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return "", &reasoner.ReasonerError{Kind: reasoner.ErrTimeout, Message: "gateway request failed", Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &reasoner.ReasonerError{Kind: reasoner.ErrUpstream, Message: "reading gateway response", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.Unmarshal(respBody, &e)
		return "", classifyHTTPStatus(resp.StatusCode, e.Error.Message)
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return "", &reasoner.ReasonerError{Kind: reasoner.ErrUpstream, Message: "parsing gateway response", Cause: err}
	}
	if len(cr.Choices) == 0 {
		return "", &reasoner.ReasonerError{Kind: reasoner.ErrUpstream, Message: "gateway returned no choices"}
	}
	return cr.Choices[0].Message.Content, nil
}

func classifyHTTPStatus(status int, message string) *reasoner.ReasonerError {
	switch {
	case status == http.StatusTooManyRequests:
		return &reasoner.ReasonerError{Kind: reasoner.ErrRateLimited, Message: message}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &reasoner.ReasonerError{Kind: reasoner.ErrTimeout, Message: message}
	case status >= 500:
		return &reasoner.ReasonerError{Kind: reasoner.ErrUpstream, Message: message}
	default:
		return &reasoner.ReasonerError{Kind: reasoner.ErrUpstream, Message: message}
	}
}

func classify(err error) error {
	if rerr, ok := err.(*reasoner.ReasonerError); ok {
		return rerr
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &reasoner.ReasonerError{Kind: reasoner.ErrRateLimited, Message: "circuit breaker open", Cause: err}
	}
	return &reasoner.ReasonerError{Kind: reasoner.ErrUpstream, Message: "gateway call failed", Cause: err}
}

func systemPromptFor(rc reasoner.Context) string {
	return fmt.Sprintf("You are the %s agent in a multi-agent portfolio debate. Respond with JSON matching the %s template only.", rc.Role, rc.PromptTemplate)
}

func userPromptFor(rc reasoner.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "prompt_template: %s\n", rc.PromptTemplate)
	for _, m := range rc.Messages {
		fmt.Fprintf(&b, "[%s/%s] %s\n", m.From, m.Topic, string(m.Payload))
	}
	for k, v := range rc.State {
		fmt.Fprintf(&b, "state.%s = %v\n", k, v)
	}
	return b.String()
}

// parseJSONResponse mirrors the reference gateway client's extraction
// chain: markdown-fenced JSON first, then the first bare JSON object,
// then the raw trimmed content.
func parseJSONResponse(content string, target interface{}) error {
	candidates := []string{
		extractFromMarkdown(content),
		extractFirstObject(content),
		strings.TrimSpace(content),
	}
	var lastErr error
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if err := json.Unmarshal([]byte(c), target); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("no candidate parsed as JSON: %w", lastErr)
}

func extractFromMarkdown(content string) string {
	b := []byte(content)
	prefixes := []string{"```json\n", "```json", "```\n", "```"}
	for _, p := range prefixes {
		idx := strings.Index(content, p)
		if idx < 0 {
			continue
		}
		start := idx + len(p)
		end := strings.Index(content[start:], "```")
		if end < 0 {
			continue
		}
		return strings.TrimSpace(string(b[start : start+end]))
	}
	return ""
}

func extractFirstObject(content string) string {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(content); i++ {
		switch content[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}
	return ""
}

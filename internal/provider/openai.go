package provider

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"prism/internal/config"
	"prism/internal/errors"
	"prism/internal/httpclient"
	"prism/internal/jsonx"
	"prism/internal/logging"
)

// Default gateways per provider when no base URL is configured. Every one of
// them speaks the OpenAI-compatible chat completions wire format.
var defaultBaseURLs = map[string]string{
	"openai":    "https://api.openai.com/v1",
	"anthropic": "https://openrouter.ai/api/v1",
	"google":    "https://openrouter.ai/api/v1",
	"deepseek":  "https://api.deepseek.com/v1",
	"ollama":    "http://localhost:11434/v1",
}

const maxErrorBodyBytes = 1 << 20

// openAIClient speaks the OpenAI-compatible chat completions API. One
// instance serves every model of a single upstream provider.
type openAIClient struct {
	provider   string
	models     []string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

var _ Client = (*openAIClient)(nil)
var _ Streamer = (*openAIClient)(nil)

// NewOpenAIClient builds an adapter for one provider endpoint.
func NewOpenAIClient(name string, models []string, cfg config.ProviderEndpoint, logger logging.Logger) Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURLs[name]
	}
	timeout := 120 * time.Second
	if cfg.TimeoutS > 0 {
		timeout = time.Duration(cfg.TimeoutS) * time.Second
	}
	logger = logging.OrNop(logger)
	return &openAIClient{
		provider:   name,
		models:     append([]string(nil), models...),
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpclient.New(timeout, logger),
		logger:     logger,
	}
}

func (c *openAIClient) Models() []string {
	return append([]string(nil), c.models...)
}

// HealthCheck probes the models listing endpoint.
func (c *openAIClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Providerf(err, true, "%s health probe failed", c.provider)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.FromHTTPStatus(c.provider, resp.StatusCode, "")
	}
	return nil
}

func (c *openAIClient) Complete(ctx context.Context, model string, messages []Message, params Params) (*Result, error) {
	start := time.Now()
	resp, err := c.post(ctx, model, messages, params, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := httpclient.ReadAllWithLimit(resp.Body, 8<<20)
	if err != nil {
		return nil, errors.Providerf(err, true, "%s: read response", c.provider)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("%s %s returned %d: %s", c.provider, model, resp.StatusCode, truncateForLog(body))
		return nil, errors.FromHTTPStatus(c.provider, resp.StatusCode, string(body))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := jsonx.Unmarshal(body, &decoded); err != nil {
		// Some gateways emit slightly broken JSON under load. Repair once
		// before giving up.
		repaired, repairErr := jsonrepair.JSONRepair(string(body))
		if repairErr != nil || jsonx.Unmarshal([]byte(repaired), &decoded) != nil {
			return nil, errors.Providerf(err, false, "%s: decode response", c.provider)
		}
		c.logger.Warn("%s %s: response JSON repaired before decode", c.provider, model)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, errors.FromHTTPStatus(c.provider, resp.StatusCode, decoded.Error.Type+": "+decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.Providerf(nil, true, "%s returned no choices", c.provider)
	}

	choice := decoded.Choices[0]
	role := choice.Message.Role
	if role == "" {
		role = "assistant"
	}
	return &Result{
		Provider:        c.provider,
		Model:           model,
		Content:         choice.Message.Content,
		Role:            role,
		Usage:           decoded.Usage,
		FinishReason:    choice.FinishReason,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}, nil
}

// StreamComplete reads the SSE response line by line, forwarding content
// deltas as they arrive and assembling the final result.
func (c *openAIClient) StreamComplete(ctx context.Context, model string, messages []Message, params Params, onDelta func(text string)) (*Result, error) {
	start := time.Now()
	resp, err := c.post(ctx, model, messages, params, true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := httpclient.ReadAllWithLimit(resp.Body, maxErrorBodyBytes)
		if readErr != nil {
			return nil, errors.Providerf(readErr, true, "%s: read error response", c.provider)
		}
		return nil, errors.FromHTTPStatus(c.provider, resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	type streamChunk struct {
		Choices []struct {
			Delta struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *Usage `json:"usage"`
	}

	var content strings.Builder
	var usage Usage
	finishReason := ""
	role := "assistant"

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := jsonx.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("%s %s: skipping undecodable stream chunk: %v", c.provider, model, err)
			continue
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
		if choice.Delta.Role != "" {
			role = choice.Delta.Role
		}
		if text := choice.Delta.Content; text != "" {
			content.WriteString(text)
			if onDelta != nil {
				onDelta(text)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Providerf(err, true, "%s: read response stream", c.provider)
	}

	return &Result{
		Provider:        c.provider,
		Model:           model,
		Content:         content.String(),
		Role:            role,
		Usage:           usage,
		FinishReason:    finishReason,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}, nil
}

func (c *openAIClient) post(ctx context.Context, model string, messages []Message, params Params, stream bool) (*http.Response, error) {
	payload := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": params.Temperature,
		"max_tokens":  params.MaxTokens,
		"stream":      stream,
	}
	if len(params.Stop) > 0 {
		payload["stop"] = append([]string(nil), params.Stop...)
	}
	body, err := jsonx.Marshal(payload)
	if err != nil {
		return nil, errors.Internalf("%s: marshal request: %v", c.provider, err)
	}

	endpoint := c.baseURL + "/chat/completions"
	c.logger.Debug("POST %s model=%s stream=%t", endpoint, model, stream)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("%s request failed: %v", c.provider, err)
		return nil, errors.Providerf(err, true, "%s request failed", c.provider)
	}
	return resp, nil
}

func truncateForLog(body []byte) string {
	const max = 300
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}

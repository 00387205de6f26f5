package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"prism/internal/jsonx"
	"prism/internal/orchestrator"
)

// wireEvent keeps the payload raw until the event type picks its shape.
type wireEvent struct {
	Seq     int64                  `json:"seq"`
	TaskID  string                 `json:"task_id"`
	Type    orchestrator.EventType `json:"type"`
	Payload jsonx.RawMessage       `json:"payload"`
}

type apiClient struct {
	base string
	http *http.Client
}

// newAPIClient builds a client without a transport timeout: SSE responses
// stay open for the lifetime of a task, so deadlines come from ctx.
func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{},
	}
}

// execute posts one request and feeds every SSE event to onEvent until the
// stream reaches its terminal event.
func (c *apiClient) execute(ctx context.Context, req *orchestrator.Request, onEvent func(wireEvent) error) error {
	body, err := jsonx.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/execute", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("reach server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev wireEvent
		if err := jsonx.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := onEvent(ev); err != nil {
			return err
		}
		if ev.Type == orchestrator.EventComplete || ev.Type == orchestrator.EventError {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("stream ended before the task finished")
}

// getJSON fetches one API endpoint into out.
func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reach server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return jsonx.Unmarshal(data, out)
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := jsonx.Unmarshal(data, &body); err == nil && body.Error.Message != "" {
		return fmt.Errorf("%s: %s", body.Error.Code, body.Error.Message)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}

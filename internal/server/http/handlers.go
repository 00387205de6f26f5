package http

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"prism/internal/cache"
	"prism/internal/conversation"
	"prism/internal/errors"
	"prism/internal/ids"
	"prism/internal/jsonx"
	"prism/internal/logging"
	"prism/internal/observability"
	"prism/internal/orchestrator"
	"prism/internal/policy"
	"prism/internal/quantum"
)

const (
	defaultMaxBodyBytes = 1 << 20
	sseHeartbeat        = 30 * time.Second
	wsWriteWait         = 10 * time.Second
	wsPingInterval      = 30 * time.Second
	maxDecisionLimit    = 500
)

// handleExecute runs one orchestration and streams its events back as SSE.
// The response stays open until the task reaches its terminal event or the
// client disconnects.
func (s *Server) handleExecute(c *gin.Context) {
	ctx := c.Request.Context()
	var span trace.Span
	if s.deps.Tracer != nil {
		ctx, span = s.deps.Tracer.StartSpan(ctx, observability.SpanSSEConnection)
		defer span.End()
	}

	maxBody := s.cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorBody{Error: apiError{
				Code:    errors.KindValidation.Code(),
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			}})
			return
		}
		writeError(c, errors.Validationf("read request body: %v", err))
		return
	}

	var req orchestrator.Request
	if err := jsonx.Unmarshal(body, &req); err != nil {
		writeError(c, errors.Validationf("decode request: %v", err))
		return
	}

	stream, err := s.deps.Coordinator.Handle(ctx, &req)
	if err != nil {
		writeError(c, err)
		return
	}
	if span != nil {
		span.SetAttributes(
			attribute.String(observability.AttrTaskID, req.TaskID),
			attribute.String(observability.AttrSessionID, req.Context.SessionID),
		)
	}
	s.streamSSE(c, ids.WithTaskID(ctx, req.TaskID), stream)
}

// streamSSE pumps stream events to the client in SSE framing with periodic
// heartbeat comments so intermediaries keep the connection open.
func (s *Server) streamSSE(c *gin.Context, ctx context.Context, stream *orchestrator.Stream) {
	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.Flush()

	s.deps.Telemetry.IncrementActiveStreams(ctx)
	defer s.deps.Telemetry.DecrementActiveStreams(ctx)

	logger := logging.FromContext(ctx, s.logger)
	events := stream.Subscribe(ctx)
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := jsonx.Marshal(ev)
			if err != nil {
				logger.Error("event %d not serializable: %v", ev.Seq, err)
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			c.Writer.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// handleStream attaches a WebSocket client to a running or recently finished
// task. The full event history replays first, then live events follow.
func (s *Server) handleStream(c *gin.Context) {
	taskID := c.Param("task_id")
	stream, ok := s.deps.Coordinator.StreamFor(taskID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, errorBody{Error: apiError{
			Code:    "not_found",
			Message: fmt.Sprintf("no stream for task %s", taskID),
		}})
		return
	}

	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade for task %s: %v", taskID, err)
		return
	}
	defer conn.Close()

	ctx := ids.WithTaskID(c.Request.Context(), taskID)
	var span trace.Span
	if s.deps.Tracer != nil {
		ctx, span = s.deps.Tracer.StartSpan(ctx, observability.SpanWSConnection)
		defer span.End()
	}
	s.deps.Telemetry.IncrementActiveStreams(ctx)
	defer s.deps.Telemetry.DecrementActiveStreams(ctx)

	// Reader goroutine only detects the client going away.
	readerDone := make(chan struct{})
	conn.SetReadLimit(512)
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := stream.Subscribe(ctx)
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				deadline := time.Now().Add(wsWriteWait)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readerDone:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) upgrader() *websocket.Upgrader {
	origins := s.cfg.CORSOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll(origins) {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range origins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
}

type providerStatus struct {
	Healthy     bool     `json:"healthy"`
	SuccessRate float64  `json:"success_rate"`
	Models      []string `json:"models,omitempty"`
}

type statsResponse struct {
	UptimeS      float64                   `json:"uptime_s"`
	Caches       []cache.Stats             `json:"caches,omitempty"`
	Conversation *conversation.Stats       `json:"conversation,omitempty"`
	Pool         *quantum.Stats            `json:"pool,omitempty"`
	Agent        *policy.AgentMetrics      `json:"agent,omitempty"`
	Providers    map[string]providerStatus `json:"providers"`
}

func (s *Server) handleStats(c *gin.Context) {
	resp := statsResponse{
		UptimeS:   time.Since(s.started).Seconds(),
		Providers: make(map[string]providerStatus),
	}
	if s.deps.Caches != nil {
		resp.Caches = s.deps.Caches.Snapshot()
	}
	if s.deps.Conversations != nil {
		stats := s.deps.Conversations.Stats()
		resp.Conversation = &stats
	}
	if s.deps.Executor != nil {
		stats := s.deps.Executor.Stats()
		resp.Pool = &stats
	}
	if s.deps.Agent != nil {
		metrics := s.deps.Agent.Metrics()
		resp.Agent = &metrics
	}

	rates := s.deps.Router.SuccessRates()
	for name, healthy := range s.deps.Router.Health() {
		status := providerStatus{Healthy: healthy, SuccessRate: rates[name]}
		if s.deps.Providers != nil {
			status.Models = s.deps.Providers.ListModels(name)
		}
		resp.Providers[name] = status
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDecisions(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		writeError(c, errors.Validationf("limit must be a positive integer"))
		return
	}
	if limit > maxDecisionLimit {
		limit = maxDecisionLimit
	}
	decisions := s.deps.Router.History(limit)
	c.JSON(http.StatusOK, gin.H{
		"count":     len(decisions),
		"decisions": decisions,
	})
}

func (s *Server) handleHealthz(c *gin.Context) {
	healthy := 0
	health := s.deps.Router.Health()
	for _, ok := range health {
		if ok {
			healthy++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"uptime_s":          time.Since(s.started).Seconds(),
		"providers_total":   len(health),
		"providers_healthy": healthy,
	})
}

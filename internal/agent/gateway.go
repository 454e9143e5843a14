// ABOUTME: Runner backed by the coven-gateway HTTP API
// ABOUTME: Posts to /api/send and converts the SSE response into agent events

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/coven-relay/internal/auth"
)

// maxSSELine bounds a single SSE line; inline file events can be large.
const maxSSELine = 8 << 20

// sendRequest is the request body for POST /api/send.
type sendRequest struct {
	ThreadID  string `json:"thread_id,omitempty"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	AgentID   string `json:"agent_id,omitempty"`
	Frontend  string `json:"frontend,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

// sseEvent is a parsed Server-Sent Event.
type sseEvent struct {
	Type string
	Data string
}

type textData struct {
	Text         string `json:"text,omitempty"`
	FullResponse string `json:"full_response,omitempty"`
	ThreadID     string `json:"thread_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type errorData struct {
	Error string `json:"error"`
}

type toolData struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	InputJSON string `json:"input_json"`
}

type fileData struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// GatewayConfig configures a GatewayClient.
type GatewayConfig struct {
	BaseURL string
	// Tokens supplies the bearer token; nil sends none.
	Tokens     auth.TokenSource
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// GatewayClient runs agents through coven-gateway.
type GatewayClient struct {
	baseURL string
	tokens  auth.TokenSource
	client  *http.Client
	logger  *slog.Logger
}

// NewGatewayClient creates a new gateway client.
func NewGatewayClient(cfg GatewayConfig) *GatewayClient {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		tokens:  cfg.Tokens,
		client:  client,
		logger:  logger.With("component", "gateway_client"),
	}
}

// Run posts the prompt and streams the reply. Request failures are returned
// directly; failures after the stream started arrive as an Error event.
func (g *GatewayClient) Run(ctx context.Context, req *Request) (<-chan Event, error) {
	body, err := json.Marshal(sendRequest{
		ThreadID:  req.ThreadID,
		Sender:    req.Sender,
		Content:   req.Prompt,
		AgentID:   req.AgentID,
		Frontend:  req.Frontend,
		ChannelID: req.ChannelID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/send", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	if g.tokens != nil {
		token, err := g.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("getting gateway token: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, handleErrorResponse(resp)
	}

	g.logger.Debug("agent stream opened", "run_id", req.RunID, "conversation_key", req.ConversationKey)

	out := make(chan Event, 16)
	go g.stream(ctx, resp.Body, out)
	return out, nil
}

// handleErrorResponse extracts error message from non-200 responses.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	msg := strings.TrimSpace(string(body))
	var errResp errorData
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") &&
		json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		msg = errResp.Error
	}

	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: gateway returned %d: %s", ErrAgentUnavailable, resp.StatusCode, msg)
	}
	return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, msg)
}

// stream converts SSE events into agent events until a terminal event or
// the end of the body. It always ends with exactly one terminal event.
func (g *GatewayClient) stream(ctx context.Context, body io.ReadCloser, out chan<- Event) {
	defer close(out)
	defer body.Close()

	started := false
	emit := func(ev Event) {
		if !started && ev.Kind != EventStart {
			out <- Event{Kind: EventStart}
		}
		started = true
		out <- ev
	}

	err := parseSSE(body, func(raw sseEvent) bool {
		ev, ok := convertEvent(raw)
		if !ok {
			g.logger.Debug("ignoring gateway event", "type", raw.Type)
			return true
		}
		if ev.Kind == EventStart && started {
			return true
		}
		emit(ev)
		return !ev.Kind.Terminal()
	})

	switch {
	case errors.Is(err, errStreamDone):
		return
	case ctx.Err() != nil:
		emit(Event{Kind: EventAborted, Text: "run cancelled", Err: ctx.Err()})
	case err != nil:
		emit(Event{Kind: EventError, Err: fmt.Errorf("reading SSE stream: %w", err)})
	default:
		emit(Event{Kind: EventError, Err: errors.New("agent stream ended without a result")})
	}
}

// errStreamDone stops parseSSE after a terminal event.
var errStreamDone = errors.New("stream done")

// parseSSE reads events from r, calling onEvent for each one until it
// returns false.
func parseSSE(r io.Reader, onEvent func(sseEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxSSELine)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				if !onEvent(sseEvent{Type: eventType, Data: strings.Join(dataLines, "\n")}) {
					return errStreamDone
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

// convertEvent maps a gateway SSE event onto an agent event.
func convertEvent(raw sseEvent) (Event, bool) {
	data := []byte(raw.Data)

	switch raw.Type {
	case "started":
		var d textData
		_ = json.Unmarshal(data, &d)
		return Event{Kind: EventStart, ThreadID: d.ThreadID}, true

	case "text", "thinking":
		var d textData
		if err := json.Unmarshal(data, &d); err != nil {
			return Event{Kind: EventError, Err: fmt.Errorf("decoding %s event: %w", raw.Type, err)}, true
		}
		kind := EventTextDelta
		if raw.Type == "thinking" {
			kind = EventReasoningDelta
		}
		return Event{Kind: kind, Text: d.Text}, true

	case "tool_use":
		var d toolData
		if err := json.Unmarshal(data, &d); err != nil {
			return Event{Kind: EventError, Err: fmt.Errorf("decoding tool_use event: %w", err)}, true
		}
		return Event{Kind: EventToolStart, Tool: &ToolEvent{ID: d.ID, Name: d.Name, InputJSON: d.InputJSON}}, true

	case "file":
		var d fileData
		if err := json.Unmarshal(data, &d); err != nil {
			return Event{Kind: EventError, Err: fmt.Errorf("decoding file event: %w", err)}, true
		}
		if d.URL == "" && len(d.Data) == 0 {
			return Event{}, false
		}
		return Event{Kind: EventMedia, Media: &MediaEvent{
			Filename: d.Filename,
			MimeType: d.MimeType,
			URL:      d.URL,
			Data:     d.Data,
		}}, true

	case "done":
		var d textData
		_ = json.Unmarshal(data, &d)
		return Event{Kind: EventFinal, Text: d.FullResponse}, true

	case "cancelled":
		var d textData
		_ = json.Unmarshal(data, &d)
		return Event{Kind: EventAborted, Text: d.Reason}, true

	case "error":
		var d errorData
		if err := json.Unmarshal(data, &d); err != nil || d.Error == "" {
			d.Error = strings.TrimSpace(raw.Data)
		}
		return Event{Kind: EventError, Err: fmt.Errorf("agent error: %s", d.Error)}, true
	}
	return Event{}, false
}

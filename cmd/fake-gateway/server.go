// ABOUTME: HTTP handler speaking the gateway's /api/send SSE protocol
// ABOUTME: Streams a canned reply word by word; keywords select errors, thinking and files

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/auth"
)

// pixelPNG is a 1x1 transparent PNG sent for "image" prompts.
var pixelPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

type sendRequest struct {
	ThreadID  string `json:"thread_id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	AgentID   string `json:"agent_id"`
	Frontend  string `json:"frontend"`
	ChannelID string `json:"channel_id"`
}

type server struct {
	verifier auth.TokenVerifier
	delay    time.Duration
	logger   *slog.Logger
}

func newServer(verifier auth.TokenVerifier, delay time.Duration, logger *slog.Logger) *server {
	return &server{verifier: verifier, delay: delay, logger: logger.With("component", "fake_gateway")}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	principal := "anonymous"
	if s.verifier != nil {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			sendJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		p, err := s.verifier.Verify(token)
		if err != nil {
			sendJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		principal = p
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" || req.Sender == "" {
		sendJSONError(w, http.StatusBadRequest, "content and sender are required")
		return
	}
	if strings.Contains(strings.ToLower(req.Content), "offline") {
		sendJSONError(w, http.StatusServiceUnavailable, "agent unavailable")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}
	s.logger.Info("received message",
		"principal", principal,
		"sender", req.Sender,
		"frontend", req.Frontend,
		"channel_id", req.ChannelID,
		"thread_id", threadID,
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	send := func(event string, data any) {
		writeSSEEvent(w, event, data)
		flusher.Flush()
	}
	send("started", map[string]string{"thread_id": threadID})

	lower := strings.ToLower(req.Content)
	if strings.Contains(lower, "think") {
		send("thinking", map[string]string{"text": "pondering"})
	}
	if strings.Contains(lower, "fail") {
		send("error", map[string]string{"error": "simulated failure"})
		return
	}

	reply := echoReply(req.Content)
	for _, word := range splitWords(reply) {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.delay):
		}
		send("text", map[string]string{"text": word})
	}

	if strings.Contains(lower, "image") {
		send("file", map[string]any{
			"filename":  "pixel.png",
			"mime_type": "image/png",
			"data":      pixelPNG,
		})
	}
	send("done", map[string]string{"full_response": reply})
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}

// splitWords cuts s into fragments that concatenate back to s, each ending
// after a run of whitespace.
func splitWords(s string) []string {
	var out []string
	start := 0
	for i := 1; i < len(s); i++ {
		if isSpace(s[i-1]) && !isSpace(s[i]) {
			out = append(out, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t'
}

// writeSSEEvent writes a single SSE event to the response writer.
func writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

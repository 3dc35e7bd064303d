package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/54b3r/casechat/internal/agent"
	"github.com/54b3r/casechat/internal/logging"
	"github.com/54b3r/casechat/internal/rag"
	"github.com/54b3r/casechat/internal/session"
	"github.com/54b3r/casechat/internal/storage"
)

// Chat outcomes recorded in casechat_chat_requests_total.
const (
	outcomeOK       = "ok"
	outcomeApology  = "apology"
	outcomeTimeout  = "timeout"
	outcomeCanceled = "canceled"
	outcomeError    = "error"
)

// handleChat handles POST /api/chat. By default it streams the answer using
// Server-Sent Events so the UI can render tokens as they arrive:
//
//	event: session  data: {"sessionId": "..."}
//	data: <fragment>            (repeated)
//	event: error    data: <detail>      (after the apology text, on failure)
//	event: sources  data: {"sources": [...], "fallback": false, ...}
//	event: done     data: [DONE]
//
// With "stream": false the complete answer is returned as one JSON object.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	scope := rag.CaseScope(req.CaseID)
	if _, err := storage.Prefix(scope); err != nil {
		http.Error(w, "invalid caseId", http.StatusBadRequest)
		return
	}
	sess, err := s.sessionFor(r.Context(), req.SessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	defer cancel()
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With(slog.String("session_id", sess.ID())))

	start := time.Now()
	s.metrics.activeStreams.Inc()
	defer s.metrics.activeStreams.Dec()

	stream := req.Stream == nil || *req.Stream
	var outcome string
	if stream {
		outcome = s.streamChat(ctx, w, req.Message, scope, sess)
	} else {
		outcome = s.singleChat(ctx, w, req.Message, scope, sess)
	}

	s.metrics.observeChat(outcome, time.Since(start).Seconds())
}

// singleChat answers with one JSON object.
func (s *Server) singleChat(ctx context.Context, w http.ResponseWriter, message string, scope rag.Scope, sess *session.Session) string {
	res, err := s.agent.Answer(ctx, message, scope, sess, false)
	if err != nil {
		outcome := classify(ctx, err)
		logging.FromContext(ctx).Error("chat: answer failed", slog.Any("error", err))
		http.Error(w, "failed to answer", statusFor(outcome))
		return outcome
	}

	resp := chatResponse{
		SessionID:         sess.ID(),
		Answer:            res.Text,
		Sources:           nonNilSources(res.Sources),
		Fallback:          res.Fallback,
		SearchUnavailable: res.SearchUnavailable,
	}
	outcome := outcomeOK
	if res.Err != nil {
		resp.Error = res.Err.Error()
		outcome = outcomeApology
	}
	writeJSON(ctx, w, http.StatusOK, resp)
	return outcome
}

// streamChat relays the answer as SSE frames.
func (s *Server) streamChat(ctx context.Context, w http.ResponseWriter, message string, scope rag.Scope, sess *session.Session) string {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return outcomeError
	}

	// Set SSE headers so the client receives a streaming response.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	sw := &sseWriter{w: w, flusher: flusher}
	log := logging.FromContext(ctx)

	sw.event("session", mustJSON(map[string]string{"sessionId": sess.ID()}))

	res, err := s.agent.Answer(ctx, message, scope, sess, true)
	if err != nil {
		log.Error("chat: answer failed", slog.Any("error", err))
		sw.event("error", err.Error())
		return classify(ctx, err)
	}

	outcome := outcomeOK
	switch {
	case res.Stream != nil:
		outcome = relay(ctx, sw, res.Stream)
		if outcome == outcomeCanceled || outcome == outcomeTimeout {
			return outcome
		}
	case res.Err != nil:
		// The model never accepted the request; res.Text is the apology.
		_, _ = io.WriteString(sw, res.Text)
		sw.event("error", res.Err.Error())
		outcome = outcomeApology
	default:
		_, _ = io.WriteString(sw, res.Text)
	}

	sw.event("sources", mustJSON(sourcesEvent{
		Sources:           nonNilSources(res.Sources),
		Fallback:          res.Fallback,
		SearchUnavailable: res.SearchUnavailable,
	}))
	sw.event("done", "[DONE]")
	return outcome
}

// relay copies fragments from st to the client until the answer ends, the
// client goes away, or a write fails.
func relay(ctx context.Context, sw *sseWriter, st *agent.AnswerStream) string {
	defer st.Close()
	for {
		if err := ctx.Err(); err != nil {
			return classify(ctx, err)
		}
		frag, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return outcomeOK
		}
		if err != nil {
			if ctx.Err() != nil {
				return classify(ctx, ctx.Err())
			}
			_, _ = io.WriteString(sw, agent.Apology)
			sw.event("error", err.Error())
			return outcomeApology
		}
		if _, err := io.WriteString(sw, frag); err != nil {
			logging.FromContext(ctx).Info("chat: client went away", slog.Any("error", err))
			return outcomeCanceled
		}
	}
}

// classify maps a request failure to its outcome label.
func classify(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return outcomeTimeout
	case errors.Is(err, context.Canceled):
		return outcomeCanceled
	default:
		return outcomeError
	}
}

func statusFor(outcome string) int {
	switch outcome {
	case outcomeTimeout:
		return http.StatusGatewayTimeout
	case outcomeCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func nonNilSources(src []rag.Source) []rag.Source {
	if src == nil {
		return []rag.Source{}
	}
	return src
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%q", err.Error())
	}
	return string(b)
}

// sseWriter wraps an http.ResponseWriter to emit Server-Sent Event data frames.
type sseWriter struct {
	// w is the underlying response writer.
	w http.ResponseWriter

	// flusher flushes buffered data to the client after each write.
	flusher http.Flusher
}

// Write formats p as one SSE data frame and flushes to the client. Each
// newline in p starts a new "data: " line so multi-line fragments never
// break the frame boundary; clients rejoin the lines with "\n".
func (s *sseWriter) Write(p []byte) (n int, err error) {
	if err := s.frame("", string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// event emits a named SSE event.
func (s *sseWriter) event(name, data string) {
	_ = s.frame(name, data)
}

func (s *sseWriter) frame(name, data string) error {
	var buf strings.Builder
	if name != "" {
		buf.WriteString("event: ")
		buf.WriteString(name)
		buf.WriteString("\n")
	}
	for _, line := range strings.Split(data, "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	if _, err := io.WriteString(s.w, buf.String()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

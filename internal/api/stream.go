package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/net/websocket"

	"genflow/internal/domain"
)

// WebSocket close codes (RFC 6455 section 7.4.1).
const (
	closePolicyViolation = 1008
	closeInternalError   = 1011
)

const eventError domain.EventType = "error"

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	token := queryToken(r)
	ws := websocket.Server{Handler: func(conn *websocket.Conn) {
		s.push(conn, jobID, token)
	}}
	ws.ServeHTTP(w, r)
}

// push sends one snapshot. A terminal job closes the connection right after;
// otherwise the connection stays open until the client leaves.
func (s *Server) push(conn *websocket.Conn, jobID string, token string) {
	if _, err := s.verifier.Verify(token); err != nil {
		s.logger.Info("push connection rejected", "job_id", jobID, "error", err)
		_ = conn.WriteClose(closePolicyViolation)
		return
	}
	events, err := s.events.Snapshot(conn.Request().Context(), jobID)
	if err != nil {
		code := closeInternalError
		if errors.Is(err, domain.ErrNotFound) {
			code = closePolicyViolation
		}
		s.logger.Info("push snapshot failed", "job_id", jobID, "error", err)
		_ = conn.WriteClose(code)
		return
	}
	for _, ev := range events {
		if err := websocket.JSON.Send(conn, ev); err != nil {
			s.logger.Debug("push send failed", "job_id", jobID, "error", err)
			return
		}
	}
	if snapshotTerminal(events) {
		_ = conn.Close()
		return
	}

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		_, _ = io.Copy(io.Discard, conn)
	}()
	select {
	case <-clientGone:
	case <-s.closing:
	}
	_ = conn.Close()
	<-clientGone
}

func snapshotTerminal(events []domain.Event) bool {
	if len(events) == 0 {
		return false
	}
	data, ok := events[0].Data.(domain.StatusEventData)
	return ok && data.Status.Terminal()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if _, err := s.verifier.Verify(queryToken(r)); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported"))
		return
	}

	jobID := r.PathValue("id")
	started := false
	emit := func(ev domain.Event) error {
		if !started {
			h := w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := writeEvent(w, ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := s.events.Watch(r.Context(), jobID, emit)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		s.logger.Debug("stream client disconnected", "job_id", jobID)
	case !started:
		writeError(w, err)
	default:
		s.logger.Info("stream ended early", "job_id", jobID, "error", err)
		_ = writeEvent(w, domain.Event{Type: eventError, Data: map[string]string{"error": err.Error()}})
		flusher.Flush()
	}
}

func writeEvent(w io.Writer, ev domain.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

package marketd

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"aimarket/core/events"
)

const wsWriteTimeout = 10 * time.Second

// handleEvents streams marketplace events over a websocket. A numeric cursor
// query parameter replays the buffered backlog from that sequence before
// switching to live delivery.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		http.Error(w, "event feed unavailable", http.StatusServiceUnavailable)
		return
	}
	var cursor uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64) error {
	updates, cancel := s.feed.Subscribe()
	defer cancel()

	backlog := s.feed.Since(cursor)
	delivered := cursor
	for _, buffered := range backlog {
		if err := writeBufferedEvent(ctx, conn, buffered); err != nil {
			return err
		}
		delivered = buffered.Sequence
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case buffered, ok := <-updates:
			if !ok {
				return nil
			}
			// Skip entries already replayed from the backlog.
			if buffered.Sequence <= delivered {
				continue
			}
			if err := writeBufferedEvent(ctx, conn, buffered); err != nil {
				return err
			}
			delivered = buffered.Sequence
		}
	}
}

func writeBufferedEvent(ctx context.Context, conn *websocket.Conn, buffered events.BufferedEvent) error {
	payload := map[string]any{
		"sequence":   buffered.Sequence,
		"type":       buffered.Event.Type,
		"attributes": buffered.Event.Attributes,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

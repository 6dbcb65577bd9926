package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/shopkeeper/internal/apperr"
	"github.com/ent0n29/shopkeeper/internal/assistant"
	"github.com/ent0n29/shopkeeper/internal/observability"
	"github.com/ent0n29/shopkeeper/internal/protocol"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsQueueSize    = 64
)

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(observability.WithSessionID(r.Context(), sessionID))
	defer cancel()

	inbound := make(chan any, wsQueueSize)
	outbound := make(chan any, wsQueueSize)
	outbound <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "session_ready"}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		defer close(outbound)
		s.runConnection(ctx, sessionID, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					_ = conn.Close()
					return
				}
				if t, ok := protocol.TypeOf(msg); ok {
					s.metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			select {
			case outbound <- protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			}:
			default:
				// Writes stay single-threaded; drop when the queue is full.
			}
			continue
		}
		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	close(inbound)
	<-runDone
	cancel()
	<-writerDone
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

// runConnection answers inbound messages in arrival order.
func (s *Server) runConnection(ctx context.Context, sessionID string, inbound <-chan any, outbound chan<- any) {
	logger := observability.LoggerFromContext(ctx)
	for msg := range inbound {
		var out any
		switch m := msg.(type) {
		case protocol.ClientChat:
			out = s.chatReply(ctx, sessionID, m)
		case protocol.ClientControl:
			out = s.controlReply(ctx, sessionID, m)
		default:
			continue
		}
		select {
		case <-ctx.Done():
			logger.Debug("connection closed before reply", "session_id", sessionID)
			return
		case outbound <- out:
		}
	}
}

func (s *Server) chatReply(ctx context.Context, sessionID string, m protocol.ClientChat) any {
	id := sessionID
	if m.SessionID != "" {
		id = m.SessionID
	}
	resp, err := s.svc.HandleTurn(ctx, assistant.TurnRequest{
		SessionID: id,
		UserID:    m.UserID,
		Message:   m.Message,
		Support:   m.Support,
	})
	if err != nil {
		return errorEvent(id, m.RequestID, err)
	}
	return protocol.AssistantReply{
		Type:      protocol.TypeAssistantReply,
		SessionID: resp.SessionID,
		TurnID:    uuid.NewString(),
		RequestID: m.RequestID,
		Reply:     resp,
	}
}

func (s *Server) controlReply(ctx context.Context, sessionID string, m protocol.ClientControl) any {
	id := sessionID
	if m.SessionID != "" {
		id = m.SessionID
	}
	switch m.Action {
	case protocol.ActionClearHistory:
		if err := s.svc.ClearHistory(ctx, id); err != nil {
			return errorEvent(id, "", err)
		}
		return protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: id, Code: "history_cleared"}
	default:
		return protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: id, Code: "pong"}
	}
}

func errorEvent(sessionID, requestID string, err error) protocol.ErrorEvent {
	ev := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		RequestID: requestID,
		Code:      "internal",
		Detail:    "internal error",
	}
	switch {
	case errors.Is(err, apperr.ErrValidation):
		ev.Code, ev.Detail = "invalid_request", err.Error()
	case errors.Is(err, apperr.ErrNotFound):
		ev.Code, ev.Detail = "not_found", err.Error()
	case errors.Is(err, apperr.ErrExternalService):
		ev.Code, ev.Detail, ev.Retryable = "dependency_unavailable", "a backing service is unavailable", true
	}
	return ev
}

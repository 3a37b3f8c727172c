package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archon/internal/audit"
	"github.com/fyrsmithlabs/archon/internal/chat"
)

// SessionHeader binds a request to a conversation. Echoed back on
// every chat response so clients can pick it up after the first call.
const SessionHeader = "X-Session-Id"

// ChatRequest is the body for POST /api/v1/chat and /chat/stream.
type ChatRequest struct {
	SessionID      string `json:"session_id,omitempty"` // legacy, header wins
	Message        string `json:"message"`
	UseRAG         *bool  `json:"use_rag,omitempty"`         // default true
	ContextLimit   int    `json:"context_limit,omitempty"`   // default 5
	IncludeHistory *bool  `json:"include_history,omitempty"` // default true
}

func sessionID(c echo.Context, req ChatRequest) string {
	if id := c.Request().Header.Get(SessionHeader); id != "" {
		return id
	}
	if req.SessionID != "" {
		return req.SessionID
	}
	return uuid.NewString()
}

func (s *Server) chatOptions(req ChatRequest) chat.AskOptions {
	opts := chat.AskOptions{UseRAG: true, IncludeHistory: true, ContextLimit: req.ContextLimit}
	if req.UseRAG != nil {
		opts.UseRAG = *req.UseRAG
	}
	if req.IncludeHistory != nil {
		opts.IncludeHistory = *req.IncludeHistory
	}
	return opts
}

func (s *Server) handleChat(c echo.Context) error {
	if s.chat == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "chat requires an LLM credential")
	}
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	sid := sessionID(c, req)
	reply, err := s.chat.Ask(c.Request().Context(), sid, req.Message, s.chatOptions(req))
	if err != nil {
		s.log.Error("chat failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "chat failed")
	}

	s.metrics.ChatExchanges.Inc()
	s.recordAudit(c, audit.Event{
		Action:  audit.ActionChatMessage,
		Details: map[string]any{"session_id": reply.SessionID, "contexts": len(reply.Contexts)},
	})
	c.Response().Header().Set(SessionHeader, reply.SessionID)
	return c.JSON(http.StatusOK, reply)
}

// handleChatStream answers over server-sent events: one data frame per
// token, then a terminal frame with done=true and the contexts.
func (s *Server) handleChatStream(c echo.Context) error {
	if s.chat == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "chat requires an LLM credential")
	}
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	sid := sessionID(c, req)
	events, err := s.chat.Stream(c.Request().Context(), sid, req.Message, s.chatOptions(req))
	if err != nil {
		s.log.Error("chat stream failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "chat failed")
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set(SessionHeader, sid)
	res.WriteHeader(http.StatusOK)

	for ev := range events {
		if ev.Err != nil {
			writeSSE(res, map[string]any{"error": ev.Err.Error()})
			return nil
		}
		if err := writeSSE(res, ev); err != nil {
			return nil // client went away
		}
	}

	s.metrics.ChatExchanges.Inc()
	s.recordAudit(c, audit.Event{
		Action:  audit.ActionChatMessage,
		Details: map[string]any{"session_id": sid, "streamed": true},
	})
	return nil
}

func writeSSE(res *echo.Response, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "data: %s\n\n", raw); err != nil {
		return err
	}
	res.Flush()
	return nil
}

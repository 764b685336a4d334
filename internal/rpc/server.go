package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/parityleague/backend/internal/protocol"
	"go.uber.org/zap"
)

// Call is a validated inbound request as seen by a handler.
type Call struct {
	Method   string
	Envelope protocol.Envelope
	Params   json.RawMessage
}

// Handler processes one inbound message. The context carries the
// per-method deadline.
type Handler func(ctx context.Context, call *Call) (any, *protocol.Error)

// AuthFunc validates the sender/token pair of a non-registration message.
// The canonical message type is passed so agents can scope operator-only
// surfaces differently from peer traffic.
type AuthFunc func(messageType, sender, token string) *protocol.Error

// Server is the inbound half of the RPC substrate: a gin engine serving
// POST /mcp and GET /health.
type Server struct {
	engine    *gin.Engine
	agentID   string
	agentType string
	version   string
	maxBody   int64
	startTime time.Time
	auth      AuthFunc
	handlers  map[string]Handler
	log       *zap.Logger
}

// NewServer builds a server for one agent. Handlers are registered before
// Run; the dispatch table is not mutated afterwards.
func NewServer(agentType, agentID, version string, maxBody int, environment string, log *zap.Logger) *Server {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		engine:    gin.New(),
		agentID:   agentID,
		agentType: agentType,
		version:   version,
		maxBody:   int64(maxBody),
		startTime: time.Now(),
		handlers:  make(map[string]Handler),
		log:       log,
	}
	s.engine.Use(gin.Recovery())
	s.engine.POST("/mcp", s.handleMCP)
	s.engine.GET("/health", s.handleHealth)
	return s
}

// SetAuth installs the token validator applied to every non-registration
// message.
func (s *Server) SetAuth(fn AuthFunc) {
	s.auth = fn
}

// Handle registers the handler for a canonical message type.
func (s *Server) Handle(messageType string, h Handler) {
	s.handlers[messageType] = h
}

// Run serves until the listener fails.
func (s *Server) Run(port string) error {
	return s.engine.Run(":" + port)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// handleHealth answers without auth in well under a second.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"agent_id":       s.agentID,
		"agent_type":     s.agentType,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"version":        s.version,
	})
}

func (s *Server) handleMCP(c *gin.Context) {
	if ct := c.ContentType(); ct != "application/json" {
		s.writeError(c, nil, "", protocol.NewError(protocol.CodeValidation, "Content-Type must be application/json"))
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(c.Request.Body); err != nil {
		s.writeError(c, nil, "", protocol.NewError(protocol.CodeValidation, "request body exceeds %d bytes", s.maxBody))
		return
	}
	body := bytes.TrimSpace(buf.Bytes())

	// Batches are rejected outright.
	if len(body) > 0 && body[0] == '[' {
		s.writeError(c, nil, "", protocol.NewError(protocol.CodeValidation, "batch requests are not supported"))
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(c, nil, "", protocol.NewError(protocol.CodeValidation, "malformed JSON-RPC request: %v", err))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.writeError(c, req.ID, "", protocol.NewError(protocol.CodeValidation, "jsonrpc must be \"2.0\" with a string method"))
		return
	}
	if len(req.Params) == 0 || req.Params[0] != '{' {
		s.writeError(c, req.ID, "", protocol.NewError(protocol.CodeValidation, "params must be an object"))
		return
	}

	canonical, known := protocol.Canonical(req.Method)
	if !known {
		s.writeError(c, req.ID, "", protocol.NewError(protocol.CodeUnknownMethod, "unknown method %q", req.Method))
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(req.Params, &env); err != nil {
		s.writeError(c, req.ID, "", protocol.NewError(protocol.CodeValidation, "malformed envelope: %v", err))
		return
	}
	if env.MessageType == "" {
		env.MessageType = canonical
	}
	if verr := env.Validate(); verr != nil {
		s.writeError(c, req.ID, env.ConversationID, verr.WithContext(canonical, env.ConversationID))
		return
	}
	if env.MessageType != canonical {
		s.writeError(c, req.ID, env.ConversationID, protocol.NewError(protocol.CodeValidation,
			"message_type %q does not match method %q", env.MessageType, canonical).WithContext(canonical, env.ConversationID))
		return
	}

	if !protocol.IsRegistration(canonical) && s.auth != nil {
		if aerr := s.auth(canonical, env.Sender, env.AuthToken); aerr != nil {
			s.log.Warn("rejected unauthenticated message",
				zap.String("message_type", canonical),
				zap.String("sender", env.Sender),
				zap.String("conversation_id", env.ConversationID),
				zap.String("error_code", aerr.Code),
			)
			s.writeError(c, req.ID, env.ConversationID, aerr.WithContext(canonical, env.ConversationID))
			return
		}
	}

	handler, ok := s.handlers[canonical]
	if !ok {
		s.writeError(c, req.ID, env.ConversationID, protocol.NewError(protocol.CodeUnknownMethod,
			"no handler for %q on this agent", canonical).WithContext(canonical, env.ConversationID))
		return
	}

	// Server commits to the per-method response window.
	ctx, cancel := context.WithTimeout(c.Request.Context(), protocol.Deadline(canonical))
	defer cancel()

	type outcome struct {
		result any
		err    *protocol.Error
	}
	done := make(chan outcome, 1)
	go func() {
		res, herr := handler(ctx, &Call{Method: canonical, Envelope: env, Params: req.Params})
		done <- outcome{res, herr}
	}()

	select {
	case <-ctx.Done():
		s.writeError(c, req.ID, env.ConversationID, protocol.NewError(protocol.CodeTimeout,
			"handler for %s exceeded %s", canonical, protocol.Deadline(canonical)).WithContext(canonical, env.ConversationID))
	case out := <-done:
		if out.err != nil {
			s.writeError(c, req.ID, env.ConversationID, out.err.WithContext(canonical, env.ConversationID))
			return
		}
		if req.ID == nil {
			// Notification: no response body expected.
			c.Status(http.StatusNoContent)
			return
		}
		raw, err := json.Marshal(out.result)
		if err != nil {
			s.writeError(c, req.ID, env.ConversationID, protocol.NewError(protocol.CodeValidation, "marshal result: %v", err))
			return
		}
		c.JSON(http.StatusOK, Response{JSONRPC: "2.0", Result: raw, ID: req.ID})
	}
}

func (s *Server) writeError(c *gin.Context, id json.RawMessage, conversationID string, lerr *protocol.Error) {
	if id == nil {
		id = json.RawMessage("null")
	}
	c.JSON(http.StatusOK, Response{
		JSONRPC: "2.0",
		Error: &ErrorObject{
			Code:    lerr.JSONRPCCode(),
			Message: lerr.Message,
			Data: ErrorData{
				ErrorCode:      lerr.Code,
				MessageType:    lerr.MessageType,
				ConversationID: conversationID,
				Details:        lerr.Details,
			},
		},
		ID: id,
	})
}

// Package transport exposes vault operations and the blind-signing
// protocol's four message types over a JSON-RPC 2.0 HTTP endpoint plus a
// WebSocket event stream, adapted from the teacher's swap-method dispatch
// server (internal/rpc): a typed envelope, a method-name-to-handler map,
// and an event hub peers can subscribe to.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/nostring-labs/vault-core/pkg/logging"
)

var logger = logging.GetDefault().Component("transport")

// Envelope wraps any one of the blind-signing protocol's message types (or
// a vault/inherit request payload) with a type tag, the same shape the
// teacher used to dispatch swap methods by name.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Handler processes one method's params and returns a result or an error.
// Handlers never receive or return a private key; every input is the kind
// of opaque hex/PSBT/tweak material the blind protocol and vault layer
// already define.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Server dispatches JSON-RPC requests to registered method handlers and
// fans out lifecycle events over the WebSocket hub.
type Server struct {
	handlers map[string]Handler
	hub      *WSHub
}

// NewServer creates a dispatch server with its own event hub.
func NewServer() *Server {
	hub := NewWSHub()
	go hub.Run()
	return &Server{
		handlers: make(map[string]Handler),
		hub:      hub,
	}
}

// Register binds a method name to a handler. Re-registering a name
// replaces the previous handler, matching the teacher's
// SwapMethodHandler registration semantics.
func (s *Server) Register(method string, h Handler) {
	s.handlers[method] = h
}

// Hub returns the server's WebSocket event hub, for broadcasting session
// and vault lifecycle events to connected clients.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// ServeHTTP implements http.Handler, accepting a single JSON-RPC request
// per POST body.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, Response{JSONRPC: "2.0", Error: &Error{Code: CodeParseError, Message: "invalid JSON"}})
		return
	}

	resp := s.dispatch(r.Context(), req)
	writeResponse(w, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	handler, ok := s.handlers[req.Method]
	if !ok {
		return Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}}
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		logger.Warn("handler returned error", "method", req.Method, "error", err)
		return Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: CodeInternalError, Message: err.Error()}}
	}

	return Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

// NewRequestID returns a fresh random UUID string as a request ID for
// clients that don't supply their own.
func NewRequestID() string {
	return uuid.NewString()
}

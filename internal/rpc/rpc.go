// Package rpc implements the JSON-RPC 2.0 method table over an abstract
// bidirectional message channel. It owns no transport specifics: adapters
// deliver raw request bytes plus a credential and accept response bytes back.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/alecgard/peage/internal/auth"
	"github.com/alecgard/peage/internal/catalog"
	"github.com/alecgard/peage/internal/dispatch"
)

// JSON-RPC 2.0 protocol error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602

	// Application error codes, stable across releases.
	CodeInternal              = -32000
	CodeInvalidCredentials    = -32001
	CodeRateLimited           = -32002
	CodeForbidden             = -32003
	CodeToolNotFound          = -32004
	CodeInsufficientCredits   = -32005
	CodeInvalidArguments      = -32006
	CodeDownstreamUnavailable = -32007
)

const protocolVersion = "2024-11-05"

// Request is the inbound JSON-RPC envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the outbound JSON-RPC envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC error member.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// callParams is the params shape for tools/call.
type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// toolView is one catalog entry as advertised by tools/list.
type toolView struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Credits     int64          `json:"credits"`
	InputSchema catalog.Schema `json:"inputSchema"`
}

// callResult is the result member of a successful tools/call.
type callResult struct {
	Result           json.RawMessage `json:"result"`
	CreditsCharged   int64           `json:"credits_charged"`
	RemainingBalance *int64          `json:"remaining_balance,omitempty"`
}

// Core is the transport-agnostic protocol dispatcher.
type Core struct {
	resolver   *auth.Resolver
	catalog    *catalog.Catalog
	dispatcher *dispatch.Dispatcher
	serverName string
	version    string
}

// NewCore creates the protocol core.
func NewCore(resolver *auth.Resolver, cat *catalog.Catalog, d *dispatch.Dispatcher, serverName, version string) *Core {
	return &Core{
		resolver:   resolver,
		catalog:    cat,
		dispatcher: d,
		serverName: serverName,
		version:    version,
	}
}

// Handle processes one raw JSON-RPC message and returns the serialized
// response, or nil for notifications that require no reply. credential is
// the transport-presented credential (may be empty for guest access);
// transport labels the adapter for telemetry.
func (c *Core) Handle(ctx context.Context, credential string, raw []byte, transport string) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return marshalResponse(errorResponse(nil, CodeParseError, "parse error", err.Error()))
	}
	if req.Method == "" {
		return marshalResponse(errorResponse(req.ID, CodeInvalidRequest, "invalid request", "missing method"))
	}

	switch req.Method {
	case "initialize":
		return marshalResponse(Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]any{
				"protocolVersion": protocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo": map[string]any{
					"name":    c.serverName,
					"version": c.version,
				},
			},
		})

	case "ping":
		return marshalResponse(Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}})

	case "notifications/initialized", "notifications/cancelled":
		// True notifications get no reply; clients that attach an id get a
		// minimal ack.
		if req.ID == nil {
			return nil
		}
		return marshalResponse(Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}})

	case "tools/list":
		return marshalResponse(c.handleList(ctx, credential, req))

	case "tools/call":
		return marshalResponse(c.handleCall(ctx, credential, req, transport))

	default:
		return marshalResponse(errorResponse(req.ID, CodeMethodNotFound, "method not found", req.Method))
	}
}

func (c *Core) handleList(ctx context.Context, credential string, req Request) Response {
	principal, err := c.resolver.Resolve(ctx, credential)
	if err != nil {
		return authErrorResponse(req.ID, err)
	}

	descriptors := c.catalog.ListEligible(principal)
	tools := make([]toolView, len(descriptors))
	for i, d := range descriptors {
		tools[i] = toolView{
			Name:        d.Name,
			Description: d.Description,
			Credits:     d.Cost,
			InputSchema: d.InputSchema,
		}
	}
	return Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"tools": tools}}
}

func (c *Core) handleCall(ctx context.Context, credential string, req Request, transport string) Response {
	var params callParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "invalid params", err.Error())
		}
	}
	if params.Name == "" {
		return errorResponse(req.ID, CodeInvalidParams, "invalid params", "tool name required in params.name")
	}

	principal, err := c.resolver.Resolve(ctx, credential)
	if err != nil {
		return authErrorResponse(req.ID, err)
	}

	result, callErr := c.dispatcher.Call(ctx, principal, params.Name, params.Arguments, transport)
	if callErr != nil {
		resp := errorResponse(req.ID, rpcCode(callErr.Code), callErr.Code, callErr.Message)
		if callErr.Balance != nil {
			resp.Error.Data = map[string]any{
				"message": callErr.Message,
				"balance": *callErr.Balance,
			}
		}
		return resp
	}

	return Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: callResult{
			Result:           result.Payload,
			CreditsCharged:   result.CreditsCharged,
			RemainingBalance: result.RemainingBalance,
		},
	}
}

// rpcCode maps a dispatch error code to its stable JSON-RPC code.
func rpcCode(code string) int {
	switch code {
	case dispatch.CodeToolNotFound:
		return CodeToolNotFound
	case dispatch.CodeForbidden:
		return CodeForbidden
	case dispatch.CodeInsufficientCredits:
		return CodeInsufficientCredits
	case dispatch.CodeInvalidArguments:
		return CodeInvalidArguments
	case dispatch.CodeDownstreamUnavailable:
		return CodeDownstreamUnavailable
	default:
		return CodeInternal
	}
}

func authErrorResponse(id json.RawMessage, err error) Response {
	switch {
	case errors.Is(err, auth.ErrRateLimited):
		return errorResponse(id, CodeRateLimited, "rate limited", "request quota exceeded, try again later")
	case errors.Is(err, auth.ErrInvalidKey), errors.Is(err, auth.ErrAccountInactive):
		return errorResponse(id, CodeInvalidCredentials, "unauthorized", err.Error())
	default:
		return errorResponse(id, CodeInternal, "internal error", "authentication failed")
	}
}

func errorResponse(id json.RawMessage, code int, message, data string) Response {
	resp := Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message},
	}
	if data != "" {
		resp.Error.Data = data
	}
	return resp
}

func marshalResponse(resp Response) []byte {
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}
	out, err := json.Marshal(resp)
	if err != nil {
		// A response that cannot marshal is a bug; fall back to a static
		// internal error envelope.
		slog.Error("failed to marshal rpc response", "error", err)
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32000,"message":"internal error"}}`)
	}
	return out
}

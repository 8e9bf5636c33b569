package api

import (
	"net/http"

	"github.com/alecgard/peage/internal/rpc"
)

// rpcHandler serves the stateless transport: one JSON-RPC message per POST,
// credential re-presented on every request.
type rpcHandler struct {
	core *rpc.Core
}

func newRPCHandler(core *rpc.Core) *rpcHandler {
	return &rpcHandler{core: core}
}

// Handle processes a single JSON-RPC request body.
func (h *rpcHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "empty request body")
		return
	}

	resp := h.core.Handle(r.Context(), r.Header.Get("Authorization"), body, "http")
	if resp == nil {
		// Notification: acknowledged with no body.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecgard/peage/internal/auth"
	"github.com/alecgard/peage/internal/config"
	"github.com/alecgard/peage/internal/rpc"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"log/slog"
)

// streamGauge tracks the number of open sessions. Satisfied by a Prometheus
// gauge; nil disables tracking.
type streamGauge interface {
	Inc()
	Dec()
}

// streamSession is one persistent SSE session. The credential is presented
// once at open; every message on the session reuses it.
type streamSession struct {
	id         string
	credential string
	out        chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	lastActive atomic.Int64 // unix nanos
}

func (s *streamSession) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *streamSession) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// deliver queues one response frame for the SSE writer. Frames for a closed
// or hopelessly backlogged session are dropped.
func (s *streamSession) deliver(msg []byte) {
	select {
	case s.out <- msg:
	case <-s.done:
	case <-time.After(10 * time.Second):
		slog.Warn("dropping stream response, session backlogged", "session_id", s.id)
	}
}

// StreamHub owns all live stream sessions: the SSE download half, the POST
// upload half, and the idle reaper that retires abandoned sessions.
type StreamHub struct {
	core     *rpc.Core
	resolver *auth.Resolver
	cfg      config.StreamConfig
	gauge    streamGauge

	mu       sync.Mutex
	sessions map[string]*streamSession
	closed   bool
}

// NewStreamHub creates an empty hub.
func NewStreamHub(core *rpc.Core, resolver *auth.Resolver, cfg config.StreamConfig) *StreamHub {
	return &StreamHub{
		core:     core,
		resolver: resolver,
		cfg:      cfg,
		sessions: make(map[string]*streamSession),
	}
}

// SetActiveGauge wires the active-session gauge. Must be called before the
// hub starts serving.
func (h *StreamHub) SetActiveGauge(g streamGauge) {
	h.gauge = g
}

// Run reaps idle sessions until ctx is cancelled, then closes every
// remaining session.
func (h *StreamHub) Run(ctx context.Context) {
	interval := h.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.reapIdle()
		}
	}
}

func (h *StreamHub) reapIdle() {
	cutoff := time.Now().Add(-h.cfg.IdleTimeout).UnixNano()

	h.mu.Lock()
	var idle []*streamSession
	for _, s := range h.sessions {
		if s.lastActive.Load() < cutoff {
			idle = append(idle, s)
		}
	}
	h.mu.Unlock()

	for _, s := range idle {
		slog.Info("reaping idle stream session", "session_id", s.id)
		s.close()
	}
}

func (h *StreamHub) closeAll() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*streamSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

func (h *StreamHub) register(s *streamSession) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s.id] = s
	if h.gauge != nil {
		h.gauge.Inc()
	}
	return true
}

func (h *StreamHub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[id]; ok {
		delete(h.sessions, id)
		if h.gauge != nil {
			h.gauge.Dec()
		}
	}
}

func (h *StreamHub) lookup(id string) *streamSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[id]
}

// HandleOpen serves GET /stream: it validates the credential once, opens the
// SSE response, advertises the session's message endpoint, and then pumps
// responses and heartbeats until the client goes away.
func (h *StreamHub) HandleOpen(w http.ResponseWriter, r *http.Request) {
	credential := r.Header.Get("Authorization")
	if _, err := h.resolver.Resolve(r.Context(), credential); err != nil {
		writeAuthError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	s := &streamSession{
		id:         uuid.NewString(),
		credential: credential,
		out:        make(chan []byte, 32),
		done:       make(chan struct{}),
	}
	s.touch()
	if !h.register(s) {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "server is shutting down")
		return
	}
	defer h.unregister(s.id)
	defer s.close()

	// The session outlives the server's write timeout; clear the deadline for
	// this response only.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// First frame tells the client where to POST its messages.
	fmt.Fprintf(w, "event: endpoint\ndata: /stream/%s\n\n", s.id)
	flusher.Flush()

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case msg := <-s.out:
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
}

// HandleMessage serves POST /stream/{sessionID}: it accepts one JSON-RPC
// message for an open session and returns immediately; the response frame
// arrives on the session's SSE channel.
func (h *StreamHub) HandleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	s := h.lookup(sessionID)
	if s == nil {
		writeError(w, http.StatusNotFound, "session_not_found", "unknown or expired stream session")
		return
	}

	body, err := readBody(r)
	if err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "empty or unreadable request body")
		return
	}
	s.touch()

	// The POST returns before the call finishes, so the handling context must
	// outlive this request.
	callCtx := context.WithoutCancel(r.Context())
	go func() {
		resp := h.core.Handle(callCtx, s.credential, body, "stream")
		if resp != nil {
			s.deliver(resp)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// writeAuthError maps resolver failures to HTTP statuses for the non-RPC
// surface of the stream endpoint.
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", "request quota exceeded")
	case errors.Is(err, auth.ErrInvalidKey), errors.Is(err, auth.ErrAccountInactive):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "authentication failed")
	}
}

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/kimhsiao/shiftsync/internal/errors"
	"github.com/kimhsiao/shiftsync/internal/logging"
	shiftsync "github.com/kimhsiao/shiftsync/internal/sync"
	"github.com/kimhsiao/shiftsync/internal/sync/reconcile"
)

// ChangeFeed delivers reconciliation store changes.
type ChangeFeed interface {
	Subscribe(fn func(reconcile.Change)) (unsubscribe func())
}

// Deps are the components the server exposes. Drafts, Changes and
// Gatherer are optional.
type Deps struct {
	Engine   shiftsync.SyncEngineInterface
	Queue    QueueLister
	Entities EntityReader
	Changes  ChangeFeed
	Drafts   DraftStore
	Gatherer prom.Gatherer
}

// Server is the local control API.
type Server struct {
	http  *http.Server
	hub   *Hub
	unsub []func()

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// New builds the server and subscribes the websocket hub to engine status
// and entity changes.
func New(addr string, deps Deps) *Server {
	h := NewSyncHandler(deps.Engine, deps.Queue, deps.Entities, deps.Drafts)
	hub := NewHub()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /sync/status", h.GetStatus)
	mux.HandleFunc("POST /sync/mutations", h.Submit)
	mux.HandleFunc("POST /sync/now", h.TriggerSync)
	mux.HandleFunc("POST /sync/retry", h.RetryFailed)
	mux.HandleFunc("POST /sync/refresh", h.Refresh)
	mux.HandleFunc("GET /sync/queue", h.ListQueue)
	mux.HandleFunc("DELETE /sync/queue/{id}", h.DiscardOperation)
	mux.HandleFunc("GET /entities/{type}", h.ListEntities)
	mux.HandleFunc("GET /entities/{type}/{id}", h.GetEntity)
	if deps.Drafts != nil {
		mux.HandleFunc("GET /drafts", h.GetDraft)
		mux.HandleFunc("PUT /drafts", h.PutDraft)
		mux.HandleFunc("DELETE /drafts", h.DeleteDraft)
	}
	mux.Handle("GET /ws", hub)
	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	s := &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		hub: hub,
	}

	s.unsub = append(s.unsub, deps.Engine.SubscribeStatus(func(st shiftsync.Status) {
		hub.Broadcast(EventSyncStatus, statusResponse{Status: st, Summary: st.Summary()})
	}))
	if deps.Changes != nil {
		s.unsub = append(s.unsub, deps.Changes.Subscribe(func(c reconcile.Change) {
			hub.Broadcast(EventEntityChanged, changeBody(c))
		}))
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "listen on "+s.http.Addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Control server stopped", err)
		}
	}()
	logging.Info("Control server listening", map[string]interface{}{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.http.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests, disconnects websocket clients and
// waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, fn := range s.unsub {
		fn()
	}
	s.unsub = nil
	s.hub.Close()

	err := s.http.Shutdown(ctx)

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return err
}

func changeBody(c reconcile.Change) map[string]interface{} {
	body := map[string]interface{}{
		"kind":      string(c.Kind),
		"type":      c.Type,
		"id":        c.ID,
		"confirmed": c.Confirmed,
	}
	if c.PreviousID != "" {
		body["previous_id"] = c.PreviousID
	}
	if c.Entity != nil {
		body["entity"] = c.Entity
	}
	return body
}

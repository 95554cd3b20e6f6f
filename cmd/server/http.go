package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.miragespace.co/ringstore/entropy"
	"go.miragespace.co/ringstore/metrics"
	"go.miragespace.co/ringstore/overlay"
	"go.miragespace.co/ringstore/spec/item"
	"go.miragespace.co/ringstore/spec/protocol"
	"go.miragespace.co/ringstore/spec/ring"
	"go.miragespace.co/ringstore/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"kon.nect.sh/httprate"
)

const bodyLimit = 1 << 20 // 1MiB

// storeNode is the part of node.Node the HTTP surface needs
type storeNode interface {
	Write(ctx context.Context, it item.Item) error
	Read(ctx context.Context, path string) (item.Consensus, error)
}

type itemResponse struct {
	Item          *protocol.Envelope `json:"item"`
	Copies        int                `json:"copies"`
	Required      int                `json:"required"`
	Authoritative bool               `json:"authoritative"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type httpServer struct {
	logger   *zap.Logger
	node     storeNode
	registry *item.Registry
	ring     http.Handler
	stats    http.HandlerFunc
	graph    http.HandlerFunc
	sync     *entropy.Sync
	authUser string
	authPass string
}

func (s *httpServer) Mount(r *chi.Mux) {
	r.Use(middleware.Recoverer)
	if s.ring != nil {
		r.Handle(overlay.RingPath, s.ring)
	}

	r.Route("/v1/items", func(r chi.Router) {
		r.Use(httprate.LimitAll(100, time.Second))
		r.Use(middleware.NoCache)
		r.Get("/*", s.handleGet)
		r.With(util.LimitBody(bodyLimit)).Put("/*", s.handlePut)
	})

	r.Route("/_internal", func(r chi.Router) {
		r.Use(httprate.LimitAll(10, time.Second))
		if s.authUser != "" && s.authPass != "" {
			r.Use(middleware.BasicAuth("internal", map[string]string{
				s.authUser: s.authPass,
			}))
		}
		if s.stats != nil {
			r.Get("/stats", s.stats)
		}
		if s.graph != nil {
			r.Get("/graph", s.graph)
		}
		if s.sync != nil {
			r.Get("/sync", s.handleSyncStates)
		}
		r.Get("/metrics", metrics.MetricsHandler)
	})
}

func (s *httpServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Error writing response", zap.Error(err))
	}
}

func httpStatus(err error) int {
	var ve *ring.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ring.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, ring.ErrObjectSuperseded):
		return http.StatusConflict
	case errors.Is(err, ring.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, ring.ErrNotEnoughPeers):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *httpServer) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, httpStatus(err), errorResponse{
		Code:  string(ring.ErrorCode(err)),
		Error: err.Error(),
	})
}

func itemPath(r *http.Request) string {
	return strings.Trim(chi.URLParam(r, "*"), "/")
}

func (s *httpServer) handleGet(w http.ResponseWriter, r *http.Request) {
	path := itemPath(r)
	if path == "" {
		s.writeError(w, ring.NewValidationError("empty item path"))
		return
	}
	c, err := s.node.Read(r.Context(), path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	env, err := s.registry.Encode(c.Item)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, itemResponse{
		Item:          env,
		Copies:        c.Count,
		Required:      c.Required,
		Authoritative: c.OK(),
	})
}

func (s *httpServer) handlePut(w http.ResponseWriter, r *http.Request) {
	path := itemPath(r)

	var env protocol.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeError(w, ring.NewValidationError("malformed item: %v", err))
		return
	}
	it, err := s.registry.Decode(&env)
	if err != nil {
		if !errors.Is(err, ring.ErrUnknownKind) {
			err = ring.NewValidationError("malformed item: %v", err)
		}
		s.writeError(w, err)
		return
	}
	if it.Path() != path {
		s.writeError(w, ring.NewValidationError("item path %s does not match %s", it.Path(), path))
		return
	}
	if err := s.node.Write(r.Context(), it); err != nil {
		s.logger.Debug("Write rejected", zap.String("path", path), zap.Error(err))
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) handleSyncStates(w http.ResponseWriter, r *http.Request) {
	paths := s.sync.Tracked()
	states := make([]entropy.SyncState, 0, len(paths))
	for _, p := range paths {
		if st, ok := s.sync.State(p); ok {
			states = append(states, st)
		}
	}
	s.writeJSON(w, http.StatusOK, states)
}

package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/types"
)

const maxRequestBodySize = 1 << 20 // 1MB

type envelope struct {
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Router returns the admin HTTP API of the controller together with the
// metrics and health endpoints
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(bodySizeLimit)

		r.Get("/pods", s.handleListPods)
		r.Post("/pods", s.handleSchedulePod)
		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", s.handleListNodes)
			r.Route("/{node}", func(r chi.Router) {
				r.Get("/", s.handleGetNode)
				r.Get("/pods", s.handleListPods)
				r.Post("/pods", s.handleCreatePod)
				r.Delete("/pods/{pod}", s.handleDeletePod)
			})
		})
	})

	return r
}

// nodeView is a node record with its live connection flag
type nodeView struct {
	*types.NodeRecord
	Connected bool `json:"connected"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.Nodes()
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, nodeView{NodeRecord: n, Connected: s.Connected(n.Node.Name())})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "node")
	node, err := s.Node(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodeView{NodeRecord: node, Connected: s.Connected(name)})
}

func (s *Server) handleListPods(w http.ResponseWriter, r *http.Request) {
	pods, err := s.Pods(chi.URLParam(r, "node"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if pods == nil {
		pods = []*types.PodRecord{}
	}
	writeJSON(w, http.StatusOK, pods)
}

func (s *Server) handleCreatePod(w http.ResponseWriter, r *http.Request) {
	node := chi.URLParam(r, "node")

	pod, err := decodePod(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.CreatePod(r.Context(), node, pod); err != nil {
		s.writeError(w, err)
		return
	}
	s.writePodRecord(w, node, pod.Name())
}

func (s *Server) handleSchedulePod(w http.ResponseWriter, r *http.Request) {
	pod, err := decodePod(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	node, err := s.SchedulePod(r.Context(), pod)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writePodRecord(w, node, pod.Name())
}

func decodePod(r *http.Request) (*types.PodTask, error) {
	var pod types.PodTask
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pod); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, err
		}
		return nil, errdefs.Validation("invalid pod document: %w", err)
	}
	return &pod, nil
}

func (s *Server) writePodRecord(w http.ResponseWriter, node, name string) {
	record, err := s.cfg.Store.GetPod(node, name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleDeletePod(w http.ResponseWriter, r *http.Request) {
	node := chi.URLParam(r, "node")
	name := chi.URLParam(r, "pod")

	if err := s.DeletePod(r.Context(), node, name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case errdefs.IsState(err):
		// A node without a session
		status = http.StatusConflict
		msg = err.Error()
	case errdefs.IsNotFound(err):
		status = http.StatusNotFound
		msg = err.Error()
	case errdefs.IsValidation(err):
		status = http.StatusBadRequest
		msg = err.Error()
	case errdefs.IsOrchestration(err):
		status = http.StatusUnprocessableEntity
		msg = err.Error()
	case errdefs.IsTransport(err):
		status = http.StatusBadGateway
		msg = err.Error()
	default:
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
			msg = err.Error()
			break
		}
		s.logger.Error().Err(err).Msg("Internal error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: msg})
}

func bodySizeLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		next.ServeHTTP(w, r)
	})
}

// instrument logs each request and records the API metrics
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
	"github.com/crankbench/crank/internal/common/health"
	"github.com/crankbench/crank/internal/common/jobstats"
	"github.com/crankbench/crank/internal/common/logging"
)

// JobService is the part of the orchestrator exposed over HTTP.
type JobService interface {
	Submit(def job.Definition) (*job.Job, error)
	Find(id int) *job.Job
	Jobs() []*job.Job
	Touch(id int) error
	Stop(id int) error
	Delete(id int) error
}

type SubmitResponse struct {
	Id  int    `json:"id"`
	Uri string `json:"uri"`
}

type Server struct {
	router  *chi.Mux
	jobs    JobService
	metrics *requestMetrics
	logger  *log.Entry
}

// New builds the agent router. Gatherer may be nil, in which case /metrics is not served.
func New(jobs JobService, checker health.Checker, registerer prometheus.Registerer, gatherer prometheus.Gatherer, logger *log.Entry) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		jobs:    jobs,
		metrics: newRequestMetrics(registerer),
		logger:  logger,
	}
	s.routes(checker, gatherer)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(checker health.Checker, gatherer prometheus.Gatherer) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)
	s.router.Use(s.metrics.middleware)

	s.router.Method(http.MethodGet, "/health", health.NewHealthCheckHttpHandler(checker, s.logger))
	if gatherer != nil {
		s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleDelete)
			r.Get("/state", s.handleState)
			r.Get("/touch", s.handleTouch)
			r.Post("/stop", s.handleStop)
			r.Get("/measurements", s.handleMeasurements)
			r.Get("/output", s.handleOutput)
		})
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var def job.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		s.writeError(w, &benchmarkerrors.ErrInvalidArgument{Name: "body", Value: "<json>", Message: err.Error()})
		return
	}
	j, err := s.jobs.Submit(def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	uri := fmt.Sprintf("/jobs/%d", j.Id())
	w.Header().Set("Location", uri)
	s.writeJson(w, http.StatusCreated, SubmitResponse{Id: j.Id(), Uri: uri})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	jobs := s.jobs.Jobs()
	infos := make([]job.Info, 0, len(jobs))
	for _, j := range jobs {
		infos = append(infos, j.Snapshot())
	}
	s.writeJson(w, http.StatusOK, infos)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	j, err := s.find(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJson(w, http.StatusOK, j.Snapshot())
}

// Polling the state counts as driver communication.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	j, err := s.find(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	j.Touch()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(j.State()))
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	id, err := jobId(r)
	if err == nil {
		err = s.jobs.Touch(id)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id, err := jobId(r)
	if err == nil {
		err = s.jobs.Stop(id)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := jobId(r)
	if err == nil {
		err = s.jobs.Delete(id)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleMeasurements(w http.ResponseWriter, r *http.Request) {
	j, err := s.find(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	info := j.Snapshot()
	stats := jobstats.Statistics{Metadata: info.Metadata, Measurements: info.Measurements}
	if stats.Metadata == nil {
		stats.Metadata = []jobstats.MeasurementMetadata{}
	}
	if stats.Measurements == nil {
		stats.Measurements = []jobstats.Measurement{}
	}
	s.writeJson(w, http.StatusOK, stats)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	j, err := s.find(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(strings.Join(j.Output(), "\n")))
}

func (s *Server) find(r *http.Request) (*job.Job, error) {
	id, err := jobId(r)
	if err != nil {
		return nil, err
	}
	j := s.jobs.Find(id)
	if j == nil {
		return nil, &benchmarkerrors.ErrNotFound{Type: "job", Value: strconv.Itoa(id)}
	}
	return j, nil
}

func jobId(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &benchmarkerrors.ErrInvalidArgument{Name: "id", Value: raw, Message: "must be an integer"}
	}
	return id, nil
}

func (s *Server) writeJson(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.WithStacktrace(s.logger, errors.WithStack(err)).Error("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := benchmarkerrors.StatusFromError(err)
	if status >= http.StatusInternalServerError {
		logging.WithStacktrace(s.logger, err).Error("Request failed")
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Debug("Handled request")
	})
}

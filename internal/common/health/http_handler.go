package health

import (
	"net/http"

	log "github.com/sirupsen/logrus"
)

// HealthCheckHttpHandler answers 204 while checker passes and 503 with the failure text otherwise.
type HealthCheckHttpHandler struct {
	checker Checker
	logger  *log.Entry
}

func NewHealthCheckHttpHandler(checker Checker, logger *log.Entry) *HealthCheckHttpHandler {
	return &HealthCheckHttpHandler{checker: checker, logger: logger}
}

func (h *HealthCheckHttpHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	err := h.checker.Check()
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.logger.Warnf("Health check failed: %v", err)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err := w.Write([]byte(err.Error())); err != nil {
		h.logger.WithError(err).Debug("Could not write health check response")
	}
}

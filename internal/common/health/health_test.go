package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestMultiChecker(t *testing.T) {
	startup := NewStartupCompleteChecker()
	failing := CheckerFunc(func() error { return errors.New("cgroup mount missing") })
	mc := NewMultiChecker(startup)

	assert.EqualError(t, mc.Check(), "startup is not complete")

	startup.MarkComplete()
	assert.NoError(t, mc.Check())

	mc.Add(failing)
	assert.EqualError(t, mc.Check(), "cgroup mount missing")

	mc.Add(CheckerFunc(func() error { return errors.New("docker unreachable") }))
	assert.EqualError(t, mc.Check(), "cgroup mount missing\ndocker unreachable")
}

func TestHealthCheckHttpHandler(t *testing.T) {
	startup := NewStartupCompleteChecker()
	handler := NewHealthCheckHttpHandler(startup, log.NewEntry(log.New()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "startup is not complete", rec.Body.String())

	startup.MarkComplete()
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

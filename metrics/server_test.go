package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gitzhang10/narwhal/config"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrimaryMetrics(reg)
	m.HeadersProposed.Add(3)
	m.RejectedMessages.WithLabelValues("header", "too_old").Inc()

	router := NewRouter(reg, config.NewUpdatable(config.DefaultParameters()), hclog.NewNullLogger())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "narwhal_primary_headers_proposed_total 3")
	assert.Contains(t, body, `narwhal_primary_rejected_messages_total{kind="header",reason="too_old"} 1`)
}

func TestParametersEndpoint(t *testing.T) {
	updatable := config.NewUpdatable(config.DefaultParameters())
	router := NewRouter(prometheus.NewRegistry(), updatable, hclog.NewNullLogger())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/parameters", strings.NewReader(`{"batch_size": 2048}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp parametersResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, uint64(1), resp.Version)
	assert.Equal(t, 2048, resp.Parameters.BatchSize)
	assert.Equal(t, 2048, updatable.Load().BatchSize)
	assert.Equal(t, config.DefaultParameters().GCDepth, updatable.Load().GCDepth)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/parameters", strings.NewReader(`{"batch_size": -1}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/parameters", strings.NewReader(`{"unknown": 1}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, uint64(1), updatable.Version())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/parameters", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2048, resp.Parameters.BatchSize)
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth_ReportsConnections(t *testing.T) {
	h := New(func() int64 { return 7 })

	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Status            string `json:"status"`
		ActiveConnections int64  `json:"active_connections"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, int64(7), body.ActiveConnections)
}

func TestHealth_NilConnectionsReportsZero(t *testing.T) {
	h := New(nil)

	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body struct {
		ActiveConnections int64 `json:"active_connections"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, int64(0), body.ActiveConnections)
}

func TestHealthz(t *testing.T) {
	rr := httptest.NewRecorder()
	New(nil).Healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestReadyz_AllChecksPass(t *testing.T) {
	h := New(nil,
		Checker{Name: "stt", Check: func(context.Context) error { return nil }},
		Checker{Name: "llm", Check: func(context.Context) error { return nil }},
	)

	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["stt"])
	assert.Equal(t, "ok", body.Checks["llm"])
}

func TestReadyz_FailingCheckReturns503(t *testing.T) {
	h := New(nil,
		Checker{Name: "stt", Check: func(context.Context) error { return nil }},
		Checker{Name: "llm", Check: func(context.Context) error { return errors.New("upstream unreachable") }},
	)

	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "fail", body.Status)
	assert.Equal(t, "ok", body.Checks["stt"])
	assert.Contains(t, body.Checks["llm"], "upstream unreachable")
}

func TestRegister_Routes(t *testing.T) {
	mux := http.NewServeMux()
	New(nil).Register(mux)

	for _, path := range []string{"/health", "/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}
}

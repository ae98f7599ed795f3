package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xfeldman/aegisvm/internal/binaries"
	"github.com/xfeldman/aegisvm/internal/discovery"
	"github.com/xfeldman/aegisvm/internal/lifecycle"
	"github.com/xfeldman/aegisvm/internal/logstore"
	"github.com/xfeldman/aegisvm/internal/model"
	"github.com/xfeldman/aegisvm/internal/monitor"
	"github.com/xfeldman/aegisvm/internal/proxy"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dis := discovery.New()
	mon := monitor.New(120)
	logs := logstore.NewStore(t.TempDir())
	life := lifecycle.NewManager(&binaries.Discovery{}, mon, dis, logs)
	prx := proxy.NewServer(0, 10*time.Second, 30*time.Second, logs)
	return NewServer(dis, life, mon, prx, nil, logs)
}

func TestListVMsEmpty(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/vms", nil)
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var vms []model.VM
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&vms))
	require.Empty(t, vms)
}

func TestGetUnknownVMReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/vms/nope", nil)
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopUnknownVMReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/vms/nope/stop", nil)
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpenConsoleUnknownVMReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/vms/nope/console", nil)
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

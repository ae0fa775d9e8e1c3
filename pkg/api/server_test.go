package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-at-icarite/shepherd/pkg/config"
	"github.com/josh-at-icarite/shepherd/pkg/controller"
	"github.com/josh-at-icarite/shepherd/pkg/platform"
	"github.com/josh-at-icarite/shepherd/pkg/types"
)

func testController(t *testing.T) *controller.Controller {
	t.Helper()
	cfg := config.Default()
	cfg.Fleet.Capacity = 2
	cfg.Fleet.Domains = []string{"zone-a", "zone-b"}
	cfg.Probe.Interval = config.Duration(10 * time.Millisecond)
	cfg.Probe.Timeout = config.Duration(5 * time.Millisecond)
	cfg.Retry.Base = config.Duration(time.Millisecond)
	cfg.Reconcile.Interval = config.Duration(25 * time.Millisecond)
	cfg.Store.DataDir = ""

	ctl, err := controller.New(cfg, platform.NewFakePlatform(), platform.NewFakeLoadBalancer(), platform.NewFakeProber())
	require.NoError(t, err)
	require.NoError(t, ctl.Start(context.Background()))
	t.Cleanup(ctl.Stop)
	return ctl
}

func TestHealthHandler(t *testing.T) {
	s := NewServer(nil)

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{"GET request succeeds", http.MethodGet, http.StatusOK},
		{"POST request fails", http.MethodPost, http.StatusMethodNotAllowed},
		{"DELETE request fails", http.MethodDelete, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			w := httptest.NewRecorder()
			s.healthHandler(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedStatus == http.StatusOK {
				var resp HealthResponse
				require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
				assert.Equal(t, "healthy", resp.Status)
				assert.NotZero(t, resp.Timestamp)
			}
		})
	}
}

func TestReadyHandler(t *testing.T) {
	ctl := testController(t)
	s := NewServer(ctl)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.readyHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.Status)
}

func TestReadyHandlerBeforeStart(t *testing.T) {
	s := NewServer(nil)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.readyHandler(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusHandler(t *testing.T) {
	ctl := testController(t)
	s := NewServer(ctl)

	require.Eventually(t, func() bool {
		return ctl.Status().Converged
	}, 5*time.Second, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/v1/fleet/status", nil)
	w := httptest.NewRecorder()
	s.statusHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var status types.FleetStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, 2, status.Capacity)
	assert.Equal(t, 2, status.Healthy)
	assert.True(t, status.Converged)
	assert.Len(t, status.Instances, 2)
}

func TestCapacityHandler(t *testing.T) {
	ctl := testController(t)
	s := NewServer(ctl)

	tests := []struct {
		name           string
		method         string
		body           string
		expectedStatus int
	}{
		{"valid update", http.MethodPut, `{"capacity": 3}`, http.StatusOK},
		{"below floor", http.MethodPut, `{"capacity": 1}`, http.StatusUnprocessableEntity},
		{"malformed body", http.MethodPut, `{`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/v1/fleet/capacity", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			s.capacityHandler(w, req)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestEventsHandlerKeepsRecentHistory(t *testing.T) {
	ctl := testController(t)
	s := NewServer(ctl)
	s.sub = ctl.Subscribe()
	go s.collectEvents()
	defer func() { _ = s.Stop(context.Background()) }()

	// Force fresh lifecycle events after the subscription
	require.NoError(t, ctl.SetCapacity(3))

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/v1/fleet/events", nil)
		w := httptest.NewRecorder()
		s.eventsHandler(w, req)
		if w.Code != http.StatusOK {
			return false
		}
		var evs []json.RawMessage
		if err := json.NewDecoder(w.Body).Decode(&evs); err != nil {
			return false
		}
		return len(evs) > 0
	}, 5*time.Second, 10*time.Millisecond, "lifecycle events should appear in the history")
}

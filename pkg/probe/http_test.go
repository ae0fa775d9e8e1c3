package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-at-icarite/shepherd/pkg/platform"
	"github.com/josh-at-icarite/shepherd/pkg/types"
)

func TestHTTPProberStatusCodes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		min     int
		max     int
		verdict types.Verdict
	}{
		{"ok is pass", http.StatusOK, 200, 399, types.VerdictPass},
		{"no content is pass", http.StatusNoContent, 200, 399, types.VerdictPass},
		{"server error is fail", http.StatusInternalServerError, 200, 399, types.VerdictFail},
		{"service unavailable is fail", http.StatusServiceUnavailable, 200, 399, types.VerdictFail},
		{"custom range rejects ok", http.StatusOK, 204, 204, types.VerdictFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			prober := NewHTTPProber(8080, "/healthz").WithStatusRange(tt.min, tt.max)
			res := prober.Check(context.Background(), platform.Handle{
				ID:      "i-0001",
				Address: server.Listener.Addr().String(),
			})

			assert.Equal(t, tt.verdict, res.Verdict)
			assert.False(t, res.CheckedAt.IsZero())
		})
	}
}

func TestHTTPProberAppendsPortAndPath(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	// Address carries no port; the prober supplies its own
	prober := NewHTTPProber(port, "/healthz")
	res := prober.Check(context.Background(), platform.Handle{ID: "i-0001", Address: host})

	assert.Equal(t, types.VerdictPass, res.Verdict)
	assert.Equal(t, "/healthz", gotPath)
}

func TestHTTPProberConnectionRefusedIsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	addr := server.Listener.Addr().String()
	server.Close()

	prober := NewHTTPProber(8080, "/healthz")
	res := prober.Check(context.Background(), platform.Handle{ID: "i-0001", Address: addr})

	assert.Equal(t, types.VerdictUnreachable, res.Verdict)
	assert.NotEmpty(t, res.Message)
}

func TestHTTPProberTimeoutIsFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// The connection is established, so a response timeout means the
	// instance is reachable but misbehaving
	prober := NewHTTPProber(8080, "/healthz")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := prober.Check(ctx, platform.Handle{ID: "i-0001", Address: server.Listener.Addr().String()})
	assert.Equal(t, types.VerdictFail, res.Verdict)
}

package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/josh-at-icarite/shepherd/pkg/platform"
	"github.com/josh-at-icarite/shepherd/pkg/types"
)

// HTTPProber performs application-level HTTP health probes. It implements
// platform.Prober; probe errors surface as verdicts, never as controller
// failures.
type HTTPProber struct {
	// Port is used when the instance address carries no port of its own
	Port int

	// Path is the probe path (e.g., "/healthz")
	Path string

	// ExpectedStatusMin is the minimum acceptable HTTP status code (default: 200)
	ExpectedStatusMin int

	// ExpectedStatusMax is the maximum acceptable HTTP status code (default: 399)
	ExpectedStatusMax int

	// Client is the HTTP client to use (allows custom configuration)
	Client *http.Client
}

// NewHTTPProber creates an HTTP prober for the given port and path
func NewHTTPProber(port int, path string) *HTTPProber {
	return &HTTPProber{
		Port:              port,
		Path:              path,
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 399,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithStatusRange sets the expected status code range
func (p *HTTPProber) WithStatusRange(min, max int) *HTTPProber {
	p.ExpectedStatusMin = min
	p.ExpectedStatusMax = max
	return p
}

// WithTimeout sets the HTTP client timeout
func (p *HTTPProber) WithTimeout(timeout time.Duration) *HTTPProber {
	p.Client.Timeout = timeout
	return p
}

// Check performs one probe against the instance
func (p *HTTPProber) Check(ctx context.Context, h platform.Handle) types.ProbeResult {
	start := time.Now()

	addr := h.Address
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, strconv.Itoa(p.Port))
	}
	url := fmt.Sprintf("http://%s%s", addr, p.Path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.ProbeResult{
			Verdict:   types.VerdictUnreachable,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return types.ProbeResult{
			Verdict:   classify(err),
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	verdict := types.VerdictFail
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if resp.StatusCode >= p.ExpectedStatusMin && resp.StatusCode <= p.ExpectedStatusMax {
		verdict = types.VerdictPass
	} else {
		message = fmt.Sprintf("%s (expected %d-%d)", message, p.ExpectedStatusMin, p.ExpectedStatusMax)
	}

	return types.ProbeResult{
		Verdict:   verdict,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// classify separates "instance reachable but misbehaving" from "connection
// never established". DNS failures and dial errors are unreachable;
// anything after a connection (bad status, response timeout) is a fail.
func classify(err error) types.Verdict {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return types.VerdictUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return types.VerdictUnreachable
	}
	return types.VerdictFail
}

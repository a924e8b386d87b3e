package signer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrStatusRequest = errors.New("signer: status request failed")

// StatusRequester asks a signer to publish a status check on its result
// channel.
type StatusRequester interface {
	RequestStatus(ctx context.Context, endpoint string) error
}

type HTTPStatusRequester struct {
	hc *http.Client
}

func NewHTTPStatusRequester(hc *http.Client) *HTTPStatusRequester {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPStatusRequester{hc: hc}
}

func (r *HTTPStatusRequester) RequestStatus(ctx context.Context, endpoint string) error {
	_, err := r.get(ctx, endpoint, "/status", 0)
	return err
}

// FetchMetrics returns the raw Prometheus exposition text a signer serves.
func (r *HTTPStatusRequester) FetchMetrics(ctx context.Context, metricsEndpoint string) (string, error) {
	b, err := r.get(ctx, metricsEndpoint, "/metrics", 4<<20)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *HTTPStatusRequester) get(ctx context.Context, endpoint, path string, maxBody int64) ([]byte, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: missing endpoint", ErrStatusRequest)
	}
	u := endpoint
	if !strings.Contains(u, "://") {
		u = "http://" + u
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(u, "/")+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStatusRequest, err)
	}
	resp, err := r.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s%s: %v", ErrStatusRequest, endpoint, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: %s%s: http status %d", ErrStatusRequest, endpoint, path, resp.StatusCode)
	}
	if maxBody <= 0 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, nil
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s%s: %v", ErrStatusRequest, endpoint, path, err)
	}
	return b, nil
}
